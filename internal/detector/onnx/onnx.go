// Package onnx runs a YOLO-family ONNX model in-process as an object
// detection backend. It needs the onnxruntime shared library at runtime.
package onnx

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sort"
	"sync"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	InputWidth     = 640
	InputHeight    = 640
	numPredictions = 8400
	iouThreshold   = 0.45
)

type Config struct {
	LibraryPath   string
	ModelPath     string
	Labels        []string
	ConfThreshold float64
}

// Detector owns one inference session. Calls are serialized.
type Detector struct {
	mu        sync.Mutex
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
	labels    []string
	threshold float32
}

// New initializes the onnxruntime environment and loads the model.
func New(cfg Config) (*Detector, error) {
	labels := cfg.Labels
	if len(labels) == 0 {
		labels = COCOLabels
	}
	threshold := float32(cfg.ConfThreshold)
	if threshold <= 0 {
		threshold = 0.25
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx environment: %w", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, InputHeight, InputWidth))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(labels)), numPredictions))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Detector{
		session:   session,
		input:     inputTensor,
		output:    outputTensor,
		labels:    labels,
		threshold: threshold,
	}, nil
}

func (d *Detector) Detect(ctx context.Context, frame *models.Frame) (models.DetectionResult, error) {
	if err := frame.Validate(); err != nil {
		return models.DetectionResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.DetectionResult{}, err
	}

	img := &image.NRGBA{
		Pix:    frame.Pixels,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	resized := imaging.Resize(img, InputWidth, InputHeight, imaging.Linear)

	d.mu.Lock()
	defer d.mu.Unlock()

	fillInput(resized, d.input.GetData())
	if err := d.session.Run(); err != nil {
		return models.DetectionResult{}, fmt.Errorf("model inference: %w", err)
	}

	candidates := decode(d.output.GetData(), len(d.labels), d.threshold,
		float32(frame.Width)/InputWidth, float32(frame.Height)/InputHeight)

	var result models.DetectionResult
	for _, c := range nms(candidates, iouThreshold) {
		result.Append(c.box, d.labels[c.class], float64(c.score))
	}
	return result, nil
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.input != nil {
		d.input.Destroy()
	}
	if d.output != nil {
		d.output.Destroy()
	}
}

func fillInput(img *image.NRGBA, data []float32) {
	channelSize := InputWidth * InputHeight
	for y := 0; y < InputHeight; y++ {
		for x := 0; x < InputWidth; x++ {
			src := y*img.Stride + x*4
			i := y*InputWidth + x
			data[i] = float32(img.Pix[src]) / 255.0
			data[channelSize+i] = float32(img.Pix[src+1]) / 255.0
			data[2*channelSize+i] = float32(img.Pix[src+2]) / 255.0
		}
	}
}

type candidate struct {
	box   models.Box
	class int
	score float32
}

// decode reads a [4+classes, 8400] YOLO output: cx, cy, w, h followed by
// per-class scores, coordinates in input pixels.
func decode(out []float32, classes int, threshold, scaleX, scaleY float32) []candidate {
	var found []candidate
	for i := 0; i < numPredictions; i++ {
		best, bestScore := -1, threshold
		for c := 0; c < classes; c++ {
			if s := out[(4+c)*numPredictions+i]; s >= bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 {
			continue
		}

		cx, cy := out[i], out[numPredictions+i]
		w, h := out[2*numPredictions+i], out[3*numPredictions+i]
		found = append(found, candidate{
			box: models.Box{
				X:      float64((cx - w/2) * scaleX),
				Y:      float64((cy - h/2) * scaleY),
				Width:  float64(w * scaleX),
				Height: float64(h * scaleY),
			},
			class: best,
			score: bestScore,
		})
	}
	return found
}

func nms(candidates []candidate, threshold float64) []candidate {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var kept []candidate
	for _, c := range candidates {
		overlap := false
		for _, k := range kept {
			if k.class == c.class && iou(k.box, c.box) > threshold {
				overlap = true
				break
			}
		}
		if !overlap {
			kept = append(kept, c)
		}
	}
	return kept
}

func iou(a, b models.Box) float64 {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.Width, b.X+b.Width)
	y2 := min(a.Y+a.Height, b.Y+b.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	return inter / (a.Width*a.Height + b.Width*b.Height - inter)
}

var COCOLabels = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}
