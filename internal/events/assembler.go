// Package events turns raw detections into typed VideoEvents and merges
// events from every pipeline stage into one deduplicated, sorted set.
package events

import (
	"fmt"
	"math"
	"strings"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/identity"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/samber/lo"
)

const (
	DefaultBypassThreshold = 0.9

	// otherLabelMinConfidence is the floor for labels without a dedicated rule.
	otherLabelMinConfidence = 0.5
)

var vehicleLabels = []string{"car", "truck", "bus", "motorcycle"}

// AllowList restricts which labels a feed reports. An empty list allows everything.
type AllowList struct {
	Labels []string
	// Bypass lets a detection through regardless of the list when its
	// confidence is strictly above it.
	Bypass float64
}

func (a AllowList) Allows(label string, confidence float64) bool {
	if len(a.Labels) == 0 {
		return true
	}
	if lo.ContainsBy(a.Labels, func(l string) bool {
		return strings.EqualFold(strings.TrimSpace(l), label)
	}) {
		return true
	}
	bypass := a.Bypass
	if bypass <= 0 {
		bypass = DefaultBypassThreshold
	}
	return confidence > bypass
}

// Input is everything the assembler needs for one tick.
type Input struct {
	Timestamp  float64
	Detections models.DetectionResult
	Motion     models.DetectionResult
	Identities []models.IdentityMatch
	AllowList  AllowList
}

type Assembler struct {
	tolerance float64
}

// NewAssembler returns an assembler attaching identities within tolerance
// pixels of a person box centre.
func NewAssembler(tolerance float64) *Assembler {
	if tolerance <= 0 {
		tolerance = identity.DefaultTolerance
	}
	return &Assembler{tolerance: tolerance}
}

// Assemble maps the tick's detections to events. Ids are derived from the
// timestamp and detection index, so identical input yields identical ids.
func (a *Assembler) Assemble(in Input) []models.VideoEvent {
	millis := int64(math.Round(in.Timestamp * 1000))
	out := make([]models.VideoEvent, 0, in.Detections.Len()+in.Motion.Len())

	for i, label := range in.Detections.Labels {
		conf := in.Detections.Confidences[i]
		if !in.AllowList.Allows(label, conf) {
			continue
		}
		event, ok := a.fromDetection(label, conf, in.Detections.Boxes[i], in.Identities)
		if !ok {
			continue
		}
		event.ID = fmt.Sprintf("%s-%d-%d", event.Type, millis, i)
		event.Timestamp = in.Timestamp
		out = append(out, event)
	}

	for i := range in.Motion.Labels {
		box := in.Motion.Boxes[i]
		out = append(out, models.VideoEvent{
			ID:          fmt.Sprintf("motion-diff-%d-%d", millis, i),
			Timestamp:   in.Timestamp,
			Type:        models.EventMotion,
			Severity:    models.SeverityLow,
			Confidence:  in.Motion.Confidences[i],
			Description: "Motion",
			Box:         &box,
			OverlayOnly: true,
		})
	}
	return out
}

func (a *Assembler) fromDetection(label string, conf float64, box models.Box, matches []models.IdentityMatch) (models.VideoEvent, bool) {
	event := models.VideoEvent{
		Confidence: conf,
		Box:        &box,
	}

	switch {
	case label == "person":
		event.Type = models.EventPerson
		event.Severity = ConfidenceSeverity(conf)
		event.Description = fmt.Sprintf("Person detected (%.0f%%)", conf*100)
		if m, ok := identity.Nearest(box, matches, a.tolerance); ok {
			event.Identity = &m
			event.Description = fmt.Sprintf("Person detected: %s (%.0f%% match)", m.Name, m.Similarity*100)
		}
	case lo.Contains(vehicleLabels, label):
		event.Type = models.EventVehicle
		event.Severity = bandSeverity(conf)
		event.Description = fmt.Sprintf("Vehicle detected: %s", label)
	case conf > otherLabelMinConfidence:
		event.Type = models.EventMotion
		event.Severity = bandSeverity(conf)
		event.Description = fmt.Sprintf("Activity detected: %s", label)
	default:
		return models.VideoEvent{}, false
	}
	return event, true
}

// ConfidenceSeverity bands a confidence: >0.8 high, >0.6 medium, else low.
func ConfidenceSeverity(conf float64) models.Severity {
	switch {
	case conf > 0.8:
		return models.SeverityHigh
	case conf > 0.6:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

func bandSeverity(conf float64) models.Severity {
	if conf > 0.7 {
		return models.SeverityMedium
	}
	return models.SeverityLow
}
