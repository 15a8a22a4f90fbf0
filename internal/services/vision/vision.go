// Package vision talks to the remote vision services over JSON/HTTP: object
// detection, face embeddings, prompt analysis and scene narration.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/analyze"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/identity"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/narrative"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/snapshot"
	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	PathPredict = "/predict"
	PathEmbed   = "/embed"
	PathAnalyze = "/analyze"
	PathNarrate = "/narrate"
)

type Options struct {
	Timeout    time.Duration
	RetryCount int
}

// Client implements every backend contract of the pipeline against one
// base URL. Deployments usually point each stage at its own service.
type Client struct {
	http    *resty.Client
	encoder *snapshot.Encoder
	logger  *zap.Logger
}

func NewClient(baseURL string, opts Options, encoder *snapshot.Encoder, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal

	return &Client{
		http:    client,
		encoder: encoder,
		logger:  logger,
	}
}

type detectResponse struct {
	Boxes       []models.Box `json:"boxes"`
	Labels      []string     `json:"labels"`
	Confidences []float64    `json:"confidences"`
}

// Detect uploads the frame as JPEG to /predict.
func (c *Client) Detect(ctx context.Context, frame *models.Frame) (models.DetectionResult, error) {
	data, err := c.encoder.Encode(frame)
	if err != nil {
		return models.DetectionResult{}, err
	}

	var out detectResponse
	if err := c.upload(ctx, PathPredict, data, &out); err != nil {
		return models.DetectionResult{}, err
	}

	result := models.DetectionResult{
		Boxes:       out.Boxes,
		Labels:      out.Labels,
		Confidences: out.Confidences,
	}
	c.logger.Debug("Detection: success", zap.Int("detections", result.Len()))
	return result, nil
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// ExtractEmbedding crops box out of the frame and uploads it to /embed.
func (c *Client) ExtractEmbedding(ctx context.Context, frame *models.Frame, box models.Box) (identity.Embedding, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(int(box.X), int(box.Y), int(box.X+box.Width), int(box.Y+box.Height))
	crop := imaging.Crop(snapshot.Image(frame), rect)
	if crop.Rect.Empty() {
		return nil, fmt.Errorf("box %v outside %dx%d frame", box, frame.Width, frame.Height)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, crop, imaging.JPEG); err != nil {
		return nil, fmt.Errorf("%w: %w", snapshot.ErrEncode, err)
	}

	var out embedResponse
	if err := c.upload(ctx, PathEmbed, buf.Bytes(), &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	return out.Embedding, nil
}

type analyzeBody struct {
	Prompt         string `json:"prompt"`
	Image          []byte `json:"image"`
	FeedID         string `json:"feedId"`
	ContextSummary string `json:"contextSummary,omitempty"`
}

func (c *Client) Analyze(ctx context.Context, req analyze.Request) (analyze.Response, error) {
	var out analyze.Response
	err := c.post(ctx, PathAnalyze, analyzeBody{
		Prompt:         req.Prompt,
		Image:          req.Snapshot,
		FeedID:         req.FeedID,
		ContextSummary: req.ContextSummary,
	}, &out)
	return out, err
}

type narrateBody struct {
	Image           []byte  `json:"image"`
	FeedID          string  `json:"feedId"`
	Timestamp       float64 `json:"timestamp"`
	PreviousSummary string  `json:"previousSummary,omitempty"`
}

func (c *Client) Narrate(ctx context.Context, req narrative.Request) (narrative.Response, error) {
	var out narrative.Response
	err := c.post(ctx, PathNarrate, narrateBody{
		Image:           req.Snapshot,
		FeedID:          req.FeedID,
		Timestamp:       req.Timestamp,
		PreviousSummary: req.PreviousSummary,
	}, &out)
	return out, err
}

func (c *Client) upload(ctx context.Context, path string, jpeg []byte, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", "frame.jpg", bytes.NewReader(jpeg)).
		SetResult(out).
		Post(path)
	return checkResponse(path, resp, err)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(out).
		Post(path)
	return checkResponse(path, resp, err)
}

func checkResponse(path string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("http request %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("bad status: %s, error: %s", resp.Status(), resp.Body())
	}
	return nil
}
