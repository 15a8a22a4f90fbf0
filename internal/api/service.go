// Package api serves feed status and event lookups over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/events"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/identity"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type FeedStore interface {
	GetFeed(ctx context.Context, feedID string) (*models.Feed, error)
	UpsertIdentity(ctx context.Context, feedID string, id identity.Identity) error
}

// LiveFeeds exposes the feeds running in this process.
type LiveFeeds interface {
	Events(feedID string) (*events.Cache, bool)
	Active() []string
	Enroll(feedID string, id identity.Identity) int
}

type EventCache interface {
	Get(ctx context.Context, feedID string, second int64) ([]models.VideoEvent, bool, error)
	Range(ctx context.Context, feedID string, from, to int64) ([]models.VideoEvent, error)
}

type EventArchive interface {
	LoadEvents(ctx context.Context, feedID string, second int64) ([]models.VideoEvent, error)
}

// Handlers looks events up in the live cache first, then redis, then the
// archive. Cache and archive are optional.
type Handlers struct {
	feeds   FeedStore
	live    LiveFeeds
	cache   EventCache
	archive EventArchive
	metrics http.Handler
	logger  *zap.Logger
}

func NewHandlers(feeds FeedStore, live LiveFeeds, cache EventCache, archive EventArchive, metrics http.Handler, logger *zap.Logger) *Handlers {
	return &Handlers{
		feeds:   feeds,
		live:    live,
		cache:   cache,
		archive: archive,
		metrics: metrics,
		logger:  logger,
	}
}

func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/feeds", h.ListFeedsHandler).Methods(http.MethodGet)
	r.HandleFunc("/feeds/{feed_id}", h.GetFeedStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/feeds/{feed_id}/events", h.GetEventsHandler).Methods(http.MethodGet)
	r.HandleFunc("/feeds/{feed_id}/events/{second:[0-9]+}", h.GetSecondHandler).Methods(http.MethodGet)
	r.HandleFunc("/identities", h.CreateIdentityHandler).Methods(http.MethodPost)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}

	return r
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}
