// Package motion implements block-based frame differencing.
//
// The frame is split into a fixed grid of blocks scaled to its resolution.
// Each block is sampled at a fixed stride and compared against the previous
// frame; blocks above a threshold become motion points, which are thinned
// by spatial suppression so dense clusters do not flood the output.
package motion

import (
	"math"
	"sort"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
)

// Label is attached to every motion-diff detection.
const Label = "motion"

type Config struct {
	Columns       int     `yaml:"columns"`
	Rows          int     `yaml:"rows"`
	Stride        int     `yaml:"stride"`
	Threshold     float64 `yaml:"threshold"`      // mean per-channel difference
	MaxPoints     int     `yaml:"max_points"`
	MinSeparation float64 `yaml:"min_separation"` // in block diagonals
	BoxSize       float64 `yaml:"box_size"`       // pixels
	Normalization float64 `yaml:"normalization"`
}

func DefaultConfig() Config {
	return Config{
		Columns:       16,
		Rows:          12,
		Stride:        4,
		Threshold:     18,
		MaxPoints:     12,
		MinSeparation: 1.5,
		BoxSize:       24,
		Normalization: 64,
	}
}

type Point struct {
	X, Y  float64
	Score float64
}

type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Columns <= 0 {
		cfg.Columns = def.Columns
	}
	if cfg.Rows <= 0 {
		cfg.Rows = def.Rows
	}
	if cfg.Stride <= 0 {
		cfg.Stride = def.Stride
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = def.MaxPoints
	}
	if cfg.MinSeparation <= 0 {
		cfg.MinSeparation = def.MinSeparation
	}
	if cfg.BoxSize <= 0 {
		cfg.BoxSize = def.BoxSize
	}
	if cfg.Normalization <= 0 {
		cfg.Normalization = def.Normalization
	}
	return &Detector{cfg: cfg}
}

// Detect compares cur against prev. It returns an empty result when there is
// no previous frame or the dimensions differ.
func (d *Detector) Detect(cur, prev *models.Frame) models.DetectionResult {
	var result models.DetectionResult
	if cur == nil || prev == nil || !cur.SameSize(prev) {
		return result
	}
	if cur.Validate() != nil || prev.Validate() != nil {
		return result
	}

	points := d.points(cur, prev)
	blockW := float64(cur.Width) / float64(d.cfg.Columns)
	blockH := float64(cur.Height) / float64(d.cfg.Rows)
	minDist := d.cfg.MinSeparation * math.Hypot(blockW, blockH)

	half := d.cfg.BoxSize / 2
	for _, p := range Suppress(points, d.cfg.MaxPoints, minDist) {
		result.Append(
			models.Box{X: p.X - half, Y: p.Y - half, Width: d.cfg.BoxSize, Height: d.cfg.BoxSize},
			Label,
			math.Min(1, p.Score/d.cfg.Normalization),
		)
	}
	return result
}

func (d *Detector) points(cur, prev *models.Frame) []Point {
	w, h := cur.Width, cur.Height
	blockW := float64(w) / float64(d.cfg.Columns)
	blockH := float64(h) / float64(d.cfg.Rows)
	stride := d.cfg.Stride

	var points []Point
	for row := 0; row < d.cfg.Rows; row++ {
		y0, y1 := int(float64(row)*blockH), int(float64(row+1)*blockH)
		for col := 0; col < d.cfg.Columns; col++ {
			x0, x1 := int(float64(col)*blockW), int(float64(col+1)*blockW)

			var sum, samples int
			for y := y0; y < y1; y += stride {
				for x := x0; x < x1; x += stride {
					i := (y*w + x) * 4
					sum += absDiff(cur.Pixels[i], prev.Pixels[i]) +
						absDiff(cur.Pixels[i+1], prev.Pixels[i+1]) +
						absDiff(cur.Pixels[i+2], prev.Pixels[i+2])
					samples += 3
				}
			}
			if samples == 0 {
				continue
			}

			mean := float64(sum) / float64(samples)
			if mean > 0 && mean >= d.cfg.Threshold {
				points = append(points, Point{
					X:     (float64(x0) + float64(x1)) / 2,
					Y:     (float64(y0) + float64(y1)) / 2,
					Score: mean,
				})
			}
		}
	}
	return points
}

// Suppress keeps the highest-scoring points, at most maxPoints of them,
// rejecting any point closer than minDist to one already kept.
func Suppress(points []Point, maxPoints int, minDist float64) []Point {
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	kept := make([]Point, 0, maxPoints)
	for _, p := range sorted {
		if len(kept) >= maxPoints {
			break
		}
		tooClose := false
		for _, k := range kept {
			if math.Hypot(p.X-k.X, p.Y-k.Y) < minDist {
				tooClose = true
				break
			}
		}
		if !tooClose {
			kept = append(kept, p)
		}
	}
	return kept
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
