package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidFrame is returned when a frame's pixel buffer does not match its dimensions.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is one decoded RGBA frame. Pixels holds 4 bytes per pixel, row-major.
type Frame struct {
	Pixels    []byte
	Width     int
	Height    int
	Timestamp float64 // seconds
}

func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if len(f.Pixels) < f.Width*f.Height*4 {
		return fmt.Errorf("%w: buffer has %d bytes, need %d", ErrInvalidFrame, len(f.Pixels), f.Width*f.Height*4)
	}
	return nil
}

// SameSize reports whether both frames have identical dimensions.
func (f *Frame) SameSize(other *Frame) bool {
	return other != nil && f.Width == other.Width && f.Height == other.Height
}

// Offset converts the frame timestamp into a duration on the tick clock.
func (f *Frame) Offset() time.Duration {
	return time.Duration(f.Timestamp * float64(time.Second))
}

// Second is the cache bucket for the frame timestamp.
func (f *Frame) Second() int64 {
	return int64(math.Floor(f.Timestamp))
}

// Box is an axis-aligned rectangle in pixel coordinates, origin top-left.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// CenterDistance is the euclidean distance between the centres of two boxes.
func (b Box) CenterDistance(other Box) float64 {
	ax, ay := b.Center()
	bx, by := other.Center()
	return math.Hypot(ax-bx, ay-by)
}

// DetectionResult keeps detections as parallel slices; index i is one detection.
type DetectionResult struct {
	Boxes       []Box     `json:"boxes"`
	Labels      []string  `json:"labels"`
	Confidences []float64 `json:"confidences"`
}

func (d *DetectionResult) Append(box Box, label string, confidence float64) {
	d.Boxes = append(d.Boxes, box)
	d.Labels = append(d.Labels, label)
	d.Confidences = append(d.Confidences, confidence)
}

func (d DetectionResult) Len() int {
	return len(d.Labels)
}

// Valid reports whether the three slices have equal length.
func (d DetectionResult) Valid() bool {
	return len(d.Boxes) == len(d.Labels) && len(d.Labels) == len(d.Confidences)
}

// Sanitize returns an empty result when the slices disagree in length.
func (d DetectionResult) Sanitize() DetectionResult {
	if !d.Valid() {
		return DetectionResult{}
	}
	return d
}

// Concat returns a new result holding d followed by other.
func (d DetectionResult) Concat(other DetectionResult) DetectionResult {
	out := DetectionResult{
		Boxes:       make([]Box, 0, d.Len()+other.Len()),
		Labels:      make([]string, 0, d.Len()+other.Len()),
		Confidences: make([]float64, 0, d.Len()+other.Len()),
	}
	out.Boxes = append(append(out.Boxes, d.Boxes...), other.Boxes...)
	out.Labels = append(append(out.Labels, d.Labels...), other.Labels...)
	out.Confidences = append(append(out.Confidences, d.Confidences...), other.Confidences...)
	return out
}

type EventType string

const (
	EventMotion   EventType = "motion"
	EventPerson   EventType = "person"
	EventVehicle  EventType = "vehicle"
	EventObject   EventType = "object"
	EventAlert    EventType = "alert"
	EventActivity EventType = "activity"
)

func (t EventType) Valid() bool {
	switch t {
	case EventMotion, EventPerson, EventVehicle, EventObject, EventAlert, EventActivity:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

type EventSource string

const (
	SourceDetection EventSource = ""
	SourceAnalyze   EventSource = "analyze"
	SourcePeriodic  EventSource = "periodic"
)

type VideoEvent struct {
	ID          string         `json:"id"`
	Timestamp   float64        `json:"timestamp"`
	Type        EventType      `json:"type"`
	Severity    Severity       `json:"severity"`
	Confidence  float64        `json:"confidence"`
	Description string         `json:"description"`
	Box         *Box           `json:"box,omitempty"`
	Identity    *IdentityMatch `json:"identity,omitempty"`
	OverlayOnly bool           `json:"overlayOnly,omitempty"`
	Source      EventSource    `json:"source,omitempty"`
}

// IdentityMatch is a known identity matched to a person box.
type IdentityMatch struct {
	IdentityID string  `json:"identity_id"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
	Box        Box     `json:"box"`
}

type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Interval is the minimum spacing between two analyze requests for one prompt.
func (s Sensitivity) Interval() time.Duration {
	switch s {
	case SensitivityHigh:
		return 2 * time.Second
	case SensitivityLow:
		return 10 * time.Second
	default:
		return 5 * time.Second
	}
}

// Threshold is the minimum backend confidence that produces an alert.
func (s Sensitivity) Threshold() float64 {
	switch s {
	case SensitivityHigh:
		return 0.4
	case SensitivityLow:
		return 0.7
	default:
		return 0.55
	}
}

type AnalyzeNode struct {
	Prompt      string      `json:"prompt" yaml:"prompt"`
	Sensitivity Sensitivity `json:"sensitivity" yaml:"sensitivity"`
}

// ProcessOptions are supplied by the caller on every tick.
type ProcessOptions struct {
	EnableObjectDetection bool          `json:"enableObjectDetection"`
	EnableMotionOverlay   bool          `json:"enableMotionOverlay"`
	EnableFaceRecognition bool          `json:"enableFaceRecognition"`
	PrivacyMode           bool          `json:"privacyMode"`
	AnalyzeNodes          []AnalyzeNode `json:"analyzeNodes"`
	VideoID               string        `json:"videoId"`
	AllowList             []string      `json:"allowList,omitempty"`
}

type ProcessResult struct {
	Detections     DetectionResult `json:"detections"`
	Identities     []IdentityMatch `json:"identities,omitempty"`
	Events         []VideoEvent    `json:"events"`
	ProcessingTime time.Duration   `json:"processingTime"`
}
