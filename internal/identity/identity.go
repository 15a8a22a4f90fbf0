// Package identity matches person detections against a registry of known
// face embeddings.
//
// Detection and embedding extraction are independent pipelines with no shared
// identifier. A match is tied back to a detection only by centroid proximity
// (see Nearest); this is a best-effort correlation, not a one-to-one mapping.
package identity

import (
	"context"
	"math"
	"sync"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/metrics"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultThreshold = 0.6
	DefaultTolerance = 32.0 // pixels between box centres

	personLabel = "person"
)

type Embedding []float64

// Identity is a known person with a reference embedding.
type Identity struct {
	ID        string
	Name      string
	Embedding Embedding
}

// Backend extracts a face embedding from the region of frame inside box.
type Backend interface {
	ExtractEmbedding(ctx context.Context, frame *models.Frame, box models.Box) (Embedding, error)
}

// Registry is the set of known identities for a feed. It may be extended
// while the feed runs.
type Registry struct {
	mu         sync.RWMutex
	identities []Identity
}

func NewRegistry(identities []Identity) *Registry {
	return &Registry{identities: identities}
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// Upsert adds id, replacing an entry with the same ID.
func (r *Registry) Upsert(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.identities {
		if r.identities[i].ID == id.ID {
			r.identities[i] = id
			return
		}
	}
	r.identities = append(r.identities, id)
}

// Identify returns the registry entry most similar to e, if its similarity
// reaches threshold.
func (r *Registry) Identify(e Embedding, threshold float64) (Identity, float64, bool) {
	var (
		best      Identity
		bestScore = -1.0
	)
	if r == nil {
		return best, 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.identities {
		if s := CosineSimilarity(e, id.Embedding); s > bestScore {
			best, bestScore = id, s
		}
	}
	if bestScore < threshold {
		return Identity{}, 0, false
	}
	return best, bestScore, true
}

// CosineSimilarity of two vectors; 0 if they differ in length or either is zero.
func CosineSimilarity(a, b Embedding) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type Options struct {
	FaceRecognition bool
	PrivacyMode     bool
}

type Correlator struct {
	backend   Backend
	registry  *Registry
	threshold float64
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewCorrelator(backend Backend, registry *Registry, threshold float64, logger *zap.Logger, m *metrics.Metrics) *Correlator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Correlator{
		backend:   backend,
		registry:  registry,
		threshold: threshold,
		logger:    logger,
		metrics:   m,
	}
}

// ShouldRun reports whether correlation applies to this tick.
func ShouldRun(opts Options, detections models.DetectionResult) bool {
	if !opts.FaceRecognition || opts.PrivacyMode {
		return false
	}
	for _, l := range detections.Labels {
		if l == personLabel {
			return true
		}
	}
	return false
}

// Correlate extracts an embedding for every person box and keeps the best
// registry match above threshold. Extraction failures skip the box.
func (c *Correlator) Correlate(ctx context.Context, frame *models.Frame, detections models.DetectionResult, opts Options) []models.IdentityMatch {
	if c == nil || c.backend == nil || c.registry.Len() == 0 || !ShouldRun(opts, detections) {
		return nil
	}

	var matches []models.IdentityMatch
	for i, label := range detections.Labels {
		if label != personLabel {
			continue
		}
		box := detections.Boxes[i]

		embedding, err := c.backend.ExtractEmbedding(ctx, frame, box)
		if err != nil {
			c.logger.Warn("Embedding extraction failed",
				zap.Int("detection", i),
				zap.Error(err),
			)
			c.metrics.BackendFailure(metrics.StageIdentity)
			continue
		}

		id, score, ok := c.registry.Identify(embedding, c.threshold)
		if !ok {
			continue
		}
		matches = append(matches, models.IdentityMatch{
			IdentityID: id.ID,
			Name:       id.Name,
			Similarity: score,
			Box:        box,
		})
	}
	return matches
}

// Nearest returns the match whose box centre is closest to box, provided it
// lies within tolerance pixels.
func Nearest(box models.Box, matches []models.IdentityMatch, tolerance float64) (models.IdentityMatch, bool) {
	var (
		best     models.IdentityMatch
		bestDist = math.Inf(1)
	)
	for _, m := range matches {
		if d := box.CenterDistance(m.Box); d <= tolerance && d < bestDist {
			best, bestDist = m, d
		}
	}
	return best, !math.IsInf(bestDist, 1)
}
