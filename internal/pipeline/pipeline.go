// Package pipeline runs one video feed through every detection stage on each
// tick and returns the merged, sorted events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/analyze"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/detector"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/events"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/identity"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/metrics"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/motion"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/narrative"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/snapshot"
	"go.uber.org/zap"
)

// FrameSource yields frames one tick at a time. Next returns io.EOF when the
// stream ends.
type FrameSource interface {
	Next(ctx context.Context) (models.Frame, error)
	Paused() bool
}

// Backends are all optional; a nil backend disables its stage.
type Backends struct {
	Detector  detector.Backend
	Identity  identity.Backend
	Analyze   analyze.Backend
	Narrative narrative.Backend
}

type Config struct {
	DetectionInterval time.Duration
	NarrativeInterval time.Duration
	RequestTimeout    time.Duration
	QueueSize         int
	IdentityThreshold float64
	IdentityTolerance float64
	BypassThreshold   float64
	SnapshotMaxWidth  int
	SnapshotQuality   int
	Motion            motion.Config
}

// Pipeline is bound to one feed and driven from a single goroutine.
// ProcessFrame must not be called concurrently.
type Pipeline struct {
	feedID string
	bypass float64

	motion    *motion.Detector
	detector  *detector.Adapter
	identity  *identity.Correlator
	assembler *events.Assembler
	analyze   *analyze.Scheduler
	narrative *narrative.Scheduler
	encoder   *snapshot.Encoder
	cache     *events.Cache

	prev *models.Frame

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(feedID string, cfg Config, b Backends, registry *identity.Registry, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	logger = logger.With(zap.String("feed_id", feedID))
	return &Pipeline{
		feedID:    feedID,
		bypass:    cfg.BypassThreshold,
		motion:    motion.NewDetector(cfg.Motion),
		detector:  detector.NewAdapter(b.Detector, cfg.DetectionInterval, logger, m),
		identity:  identity.NewCorrelator(b.Identity, registry, cfg.IdentityThreshold, logger, m),
		assembler: events.NewAssembler(cfg.IdentityTolerance),
		analyze: analyze.NewScheduler(b.Analyze, analyze.Config{
			Timeout:   cfg.RequestTimeout,
			QueueSize: cfg.QueueSize,
		}, logger, m),
		narrative: narrative.NewScheduler(b.Narrative, narrative.Config{
			Interval: cfg.NarrativeInterval,
			Timeout:  cfg.RequestTimeout,
		}, logger, m),
		encoder: snapshot.NewEncoder(cfg.SnapshotMaxWidth, cfg.SnapshotQuality),
		cache:   events.NewCache(),
		logger:  logger,
		metrics: m,
	}
}

// ProcessFrame runs one tick. Backend failures never surface here; the only
// errors are an invalid frame or a snapshot that cannot be encoded.
//
// The pipeline keeps frame as the previous frame for the next tick, so the
// caller must not reuse its pixel buffer.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame models.Frame, opts models.ProcessOptions) (models.ProcessResult, error) {
	start := time.Now()
	if err := frame.Validate(); err != nil {
		return models.ProcessResult{}, err
	}
	now := frame.Offset()

	// completions of requests launched on earlier ticks
	drained := append(p.analyze.Drain(), p.narrative.Drain()...)

	cur := &frame
	motionResult := p.motion.Detect(cur, p.prev)
	detections := p.detector.Detect(ctx, now, cur, p.prev, opts.EnableObjectDetection)
	p.prev = cur

	matches := p.identity.Correlate(ctx, cur, detections, identity.Options{
		FaceRecognition: opts.EnableFaceRecognition,
		PrivacyMode:     opts.PrivacyMode,
	})

	if !opts.EnableMotionOverlay {
		motionResult = models.DetectionResult{}
	}
	assembled := p.assembler.Assemble(events.Input{
		Timestamp:  frame.Timestamp,
		Detections: detections,
		Motion:     motionResult,
		Identities: matches,
		AllowList:  events.AllowList{Labels: opts.AllowList, Bypass: p.bypass},
	})

	merged := events.Merge(assembled, drained)
	p.cache.Store(frame.Second(), merged)

	feedID := p.feedID
	if opts.VideoID != "" {
		feedID = opts.VideoID
	}
	snap := p.encoder.Lazy(cur)
	if err := p.analyze.Launch(now, frame.Timestamp, opts.AnalyzeNodes, snap, feedID, p.narrative.Context()); err != nil {
		return models.ProcessResult{}, err
	}
	if err := p.narrative.Launch(now, frame.Timestamp, snap, feedID); err != nil {
		return models.ProcessResult{}, err
	}

	elapsed := time.Since(start)
	p.metrics.ObserveFrame(elapsed)
	p.metrics.EventsEmitted(merged)

	return models.ProcessResult{
		Detections:     detections.Concat(motionResult),
		Identities:     matches,
		Events:         merged,
		ProcessingTime: elapsed,
	}, nil
}

// Run pulls frames from src until it is exhausted or ctx is done, handing each
// result to handle. Frames that arrive while the source is paused are skipped.
func (p *Pipeline) Run(ctx context.Context, src FrameSource, options func() models.ProcessOptions, handle func(context.Context, models.ProcessResult) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next frame: %w", err)
		}

		if src.Paused() {
			p.metrics.FrameSkipped()
			continue
		}

		result, err := p.ProcessFrame(ctx, frame, options())
		if err != nil {
			return fmt.Errorf("process frame at %.3fs: %w", frame.Timestamp, err)
		}
		if err := handle(ctx, result); err != nil {
			return err
		}
	}
}

func (p *Pipeline) FeedID() string {
	return p.feedID
}

// Cache holds every event the pipeline produced, keyed by second.
func (p *Pipeline) Cache() *events.Cache {
	return p.cache
}

// Flush waits for outstanding async requests and files their events under the
// second of the last processed frame. It is meant for the end of a stream,
// when no later tick will drain them.
func (p *Pipeline) Flush() (int64, []models.VideoEvent) {
	if p.prev == nil {
		return 0, nil
	}
	drained := p.analyze.Flush()
	p.narrative.Wait()
	drained = append(drained, p.narrative.Drain()...)
	if len(drained) == 0 {
		return p.prev.Second(), nil
	}
	second := p.prev.Second()
	merged := events.Merge(drained)
	p.cache.Store(second, merged)
	p.metrics.EventsEmitted(merged)
	return second, merged
}

// Wait blocks until every launched async request has reported.
func (p *Pipeline) Wait() {
	p.analyze.Wait()
	p.narrative.Wait()
}

// Close cancels outstanding async requests and discards their results.
func (p *Pipeline) Close() {
	p.analyze.Close()
	p.narrative.Close()
}
