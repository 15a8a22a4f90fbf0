package detector

import (
	"context"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/metrics"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/ratelimit"
	"go.uber.org/zap"
)

const DefaultInterval = 1200 * time.Millisecond

// Backend is a neural object detector.
type Backend interface {
	Detect(ctx context.Context, frame *models.Frame) (models.DetectionResult, error)
}

// PreviousAware backends also look at the preceding frame.
type PreviousAware interface {
	DetectWithPrevious(ctx context.Context, cur, prev *models.Frame) (models.DetectionResult, error)
}

// Adapter runs the backend at most once per interval and serves the cached
// result in between.
type Adapter struct {
	backend  Backend
	interval time.Duration
	gate     ratelimit.Limiter
	cached   models.DetectionResult
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewAdapter(backend Backend, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Adapter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Adapter{
		backend:  backend,
		interval: interval,
		logger:   logger,
		metrics:  m,
	}
}

// Detect returns the detections for the tick at now. When disabled the
// backend is not called at all and the cache is dropped.
func (a *Adapter) Detect(ctx context.Context, now time.Duration, cur, prev *models.Frame, enabled bool) models.DetectionResult {
	if !enabled || a.backend == nil {
		a.cached = models.DetectionResult{}
		a.gate = ratelimit.Limiter{}
		return models.DetectionResult{}
	}

	if a.gate.TryAcquire(now, a.interval) != ratelimit.Acquired {
		return a.cached
	}
	defer a.gate.Release(now)

	result, err := a.run(ctx, cur, prev)
	if err != nil {
		a.logger.Warn("Object detection failed",
			zap.Float64("timestamp", cur.Timestamp),
			zap.Error(err),
		)
		a.metrics.BackendFailure(metrics.StageDetection)
		a.cached = models.DetectionResult{}
		return a.cached
	}

	if !result.Valid() {
		a.logger.Warn("Object detection returned mismatched arrays",
			zap.Int("boxes", len(result.Boxes)),
			zap.Int("labels", len(result.Labels)),
			zap.Int("confidences", len(result.Confidences)),
		)
	}
	a.cached = result.Sanitize()
	return a.cached
}

func (a *Adapter) run(ctx context.Context, cur, prev *models.Frame) (models.DetectionResult, error) {
	if pa, ok := a.backend.(PreviousAware); ok && prev != nil {
		return pa.DetectWithPrevious(ctx, cur, prev)
	}
	return a.backend.Detect(ctx, cur)
}
