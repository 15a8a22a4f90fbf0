package api

import (
	"net/http"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/identity"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CreateIdentityRequest struct {
	ID        string             `json:"id"`
	FeedID    string             `json:"feed_id"`
	Name      string             `json:"name"`
	Embedding identity.Embedding `json:"embedding"`
}

// CreateIdentityHandler registers a known identity and hands it to the
// matching feeds already running here.
func (h *Handlers) CreateIdentityHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || len(req.Embedding) == 0 {
		http.Error(w, "name and embedding are required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	id := identity.Identity{ID: req.ID, Name: req.Name, Embedding: req.Embedding}
	if err := h.feeds.UpsertIdentity(r.Context(), req.FeedID, id); err != nil {
		h.logger.Error("Failed to save identity", zap.String("identity_id", req.ID), zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if n := h.live.Enroll(req.FeedID, id); n > 0 {
		h.logger.Info("Identity enrolled in running feeds", zap.String("identity_id", req.ID), zap.Int("feeds", n))
	}

	h.writeJSON(w, http.StatusCreated, req)
}
