package events

import (
	"sort"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/samber/lo"
)

// Merge unions the given event sets by id. A later event with an id already
// seen replaces the earlier one. The result is sorted by timestamp, then id.
func Merge(sets ...[]models.VideoEvent) []models.VideoEvent {
	byID := make(map[string]models.VideoEvent)
	for _, set := range sets {
		for _, e := range set {
			byID[e.ID] = e
		}
	}

	out := lo.Values(byID)
	Sort(out)
	return out
}

func Sort(events []models.VideoEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].ID < events[j].ID
	})
}

// Timeline drops overlay-only markers, leaving the events that belong on the
// alert timeline.
func Timeline(events []models.VideoEvent) []models.VideoEvent {
	return lo.Reject(events, func(e models.VideoEvent, _ int) bool {
		return e.OverlayOnly
	})
}
