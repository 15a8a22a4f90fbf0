package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/database"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type FeedStatus struct {
	models.Feed
	Running bool `json:"running"`
}

// GetFeedStatusHandler returns the stored state of a feed and whether it runs
// in this process.
func (h *Handlers) GetFeedStatusHandler(w http.ResponseWriter, r *http.Request) {
	feedID := mux.Vars(r)["feed_id"]

	feed, err := h.feeds.GetFeed(r.Context(), feedID)
	if err != nil {
		if errors.Is(err, database.ErrFeedNotFound) {
			http.Error(w, "Feed not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to get feed", zap.String("feed_id", feedID), zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	_, running := h.live.Events(feedID)
	h.writeJSON(w, http.StatusOK, FeedStatus{Feed: *feed, Running: running})
}

// ListFeedsHandler lists the feeds running in this process.
func (h *Handlers) ListFeedsHandler(w http.ResponseWriter, _ *http.Request) {
	active := h.live.Active()
	sort.Strings(active)
	if active == nil {
		active = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string][]string{"feeds": active})
}
