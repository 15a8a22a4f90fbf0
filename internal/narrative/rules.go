package narrative

import (
	"strings"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
)

// Rule maps free text containing any of its keywords to an event type.
type Rule struct {
	Keywords []string
	Type     models.EventType
	Severity models.Severity
}

// Rules are tried in order; the first match wins.
var Rules = []Rule{
	{Keywords: []string{"person", "people", "individual"}, Type: models.EventPerson, Severity: models.SeverityMedium},
	{Keywords: []string{"vehicle", "car", "truck"}, Type: models.EventVehicle, Severity: models.SeverityMedium},
	{Keywords: []string{"alert", "incident", "suspicious"}, Type: models.EventAlert, Severity: models.SeverityHigh},
}

var fallback = Rule{Type: models.EventMotion, Severity: models.SeverityMedium}

// Classify picks the type and severity for a free-text narrative.
func Classify(text string) (models.EventType, models.Severity) {
	lower := strings.ToLower(text)
	for _, r := range Rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return r.Type, r.Severity
			}
		}
	}
	return fallback.Type, fallback.Severity
}
