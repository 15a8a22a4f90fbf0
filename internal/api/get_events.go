package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/events"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxRangeSeconds caps one range query; archive lookups cost a request per second.
const maxRangeSeconds = 3600

type EventsResponse struct {
	FeedID string              `json:"feed_id"`
	From   int64               `json:"from"`
	To     int64               `json:"to"`
	Events []models.VideoEvent `json:"events"`
}

// GetSecondHandler returns the events stored for one second of a feed.
func (h *Handlers) GetSecondHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	feedID := vars["feed_id"]
	second, err := strconv.ParseInt(vars["second"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid second", http.StatusBadRequest)
		return
	}

	evts, err := h.lookupSecond(r.Context(), feedID, second)
	if err != nil {
		h.logger.Error("Failed to look up events",
			zap.String("feed_id", feedID),
			zap.Int64("second", second),
			zap.Error(err),
		)
		http.Error(w, "Failed to fetch events", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, EventsResponse{
		FeedID: feedID,
		From:   second,
		To:     second,
		Events: timelineFilter(r, evts),
	})
}

// GetEventsHandler returns the events of seconds in [from, to], sorted.
func (h *Handlers) GetEventsHandler(w http.ResponseWriter, r *http.Request) {
	feedID := mux.Vars(r)["feed_id"]

	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	evts, err := h.lookupRange(r.Context(), feedID, from, to)
	if err != nil {
		h.logger.Error("Failed to look up events",
			zap.String("feed_id", feedID),
			zap.Int64("from", from),
			zap.Int64("to", to),
			zap.Error(err),
		)
		http.Error(w, "Failed to fetch events", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, EventsResponse{
		FeedID: feedID,
		From:   from,
		To:     to,
		Events: timelineFilter(r, evts),
	})
}

func (h *Handlers) lookupSecond(ctx context.Context, feedID string, second int64) ([]models.VideoEvent, error) {
	if cache, ok := h.live.Events(feedID); ok {
		if evts := cache.At(second); len(evts) > 0 {
			return evts, nil
		}
	}

	if h.cache != nil {
		evts, ok, err := h.cache.Get(ctx, feedID, second)
		if err != nil {
			h.logger.Warn("Event cache lookup failed", zap.String("feed_id", feedID), zap.Error(err))
		} else if ok {
			return evts, nil
		}
	}

	if h.archive != nil {
		return h.archive.LoadEvents(ctx, feedID, second)
	}
	return nil, nil
}

func (h *Handlers) lookupRange(ctx context.Context, feedID string, from, to int64) ([]models.VideoEvent, error) {
	var sets [][]models.VideoEvent
	if cache, ok := h.live.Events(feedID); ok {
		sets = append(sets, cache.Range(from, to))
	}

	if h.cache != nil {
		evts, err := h.cache.Range(ctx, feedID, from, to)
		if err != nil {
			h.logger.Warn("Event cache lookup failed", zap.String("feed_id", feedID), zap.Error(err))
		} else {
			sets = append(sets, evts)
		}
	}

	found := events.Merge(sets...)
	if len(found) > 0 || h.archive == nil {
		return found, nil
	}

	for sec := from; sec <= to; sec++ {
		evts, err := h.archive.LoadEvents(ctx, feedID, sec)
		if err != nil {
			return nil, err
		}
		sets = append(sets, evts)
	}
	return events.Merge(sets...), nil
}

func parseRange(r *http.Request) (int64, int64, error) {
	q := r.URL.Query()
	from, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil || from < 0 {
		return 0, 0, fmt.Errorf("from must be a non-negative second")
	}
	to := from
	if raw := q.Get("to"); raw != "" {
		to, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("to must be a second")
		}
	}
	if to < from {
		return 0, 0, fmt.Errorf("to is before from")
	}
	if to-from >= maxRangeSeconds {
		return 0, 0, fmt.Errorf("range exceeds %d seconds", maxRangeSeconds)
	}
	return from, to, nil
}

// timelineFilter drops overlay-only markers when the caller asks for
// ?timeline=true.
func timelineFilter(r *http.Request, evts []models.VideoEvent) []models.VideoEvent {
	if ok, _ := strconv.ParseBool(r.URL.Query().Get("timeline")); ok {
		evts = events.Timeline(evts)
	}
	if evts == nil {
		return []models.VideoEvent{}
	}
	return evts
}
