// Package narrative periodically asks a backend to describe the scene and
// turns the description into events. The latest description is kept as
// context for the next request.
package narrative

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/metrics"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 30 * time.Second

	defaultConfidence = 0.5
)

type Request struct {
	Snapshot        []byte  `json:"-"`
	FeedID          string  `json:"feedId"`
	Timestamp       float64 `json:"timestamp"`
	PreviousSummary string  `json:"previousSummary,omitempty"`
}

type SubEvent struct {
	Description string `json:"description"`
	Type        string `json:"type,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

type Response struct {
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Events      []SubEvent `json:"events,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
}

// Text is the narrative carried forward as context.
func (r Response) Text() string {
	if s := strings.TrimSpace(r.Summary); s != "" {
		return s
	}
	if d := strings.TrimSpace(r.Description); d != "" {
		return d
	}
	descriptions := lo.FilterMap(r.Events, func(e SubEvent, _ int) (string, bool) {
		d := strings.TrimSpace(e.Description)
		return d, d != ""
	})
	return strings.Join(descriptions, "; ")
}

type Backend interface {
	Narrate(ctx context.Context, req Request) (Response, error)
}

type Snapshot interface {
	Bytes() ([]byte, error)
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

type completion struct {
	ranAt     time.Duration
	timestamp float64
	resp      Response
	err       error
}

// Scheduler shares one limiter across the whole feed.
type Scheduler struct {
	backend  Backend
	limiter  ratelimit.Limiter
	interval time.Duration
	timeout  time.Duration
	results  chan completion
	summary  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewScheduler(backend Backend, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		backend:  backend,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		// at most one request is ever outstanding
		results: make(chan completion, 1),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: m,
	}
}

// Context returns the most recent narrative text.
func (s *Scheduler) Context() string {
	return s.summary
}

func (s *Scheduler) Launch(now time.Duration, timestamp float64, snap Snapshot, feedID string) error {
	if s.backend == nil || s.ctx.Err() != nil {
		return nil
	}

	outcome := s.limiter.TryAcquire(now, s.interval)
	s.metrics.Launch(metrics.StageNarrative, outcome.String())
	if outcome != ratelimit.Acquired {
		return nil
	}

	data, err := snap.Bytes()
	if err != nil {
		s.limiter.Abort()
		return fmt.Errorf("narrative: %w", err)
	}

	req := Request{
		Snapshot:        data,
		FeedID:          feedID,
		Timestamp:       timestamp,
		PreviousSummary: s.summary,
	}
	s.wg.Add(1)
	go s.run(req, completion{ranAt: now, timestamp: timestamp})
	return nil
}

func (s *Scheduler) run(req Request, c completion) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	c.resp, c.err = s.backend.Narrate(ctx, req)

	select {
	case s.results <- c:
	case <-s.ctx.Done():
	}
}

// Drain applies a completed request, if any. The limiter is released
// whatever the outcome.
func (s *Scheduler) Drain() []models.VideoEvent {
	select {
	case c := <-s.results:
		if s.ctx.Err() != nil {
			return nil
		}
		s.limiter.Release(c.ranAt)

		if c.err != nil {
			s.logger.Warn("Narrative request failed", zap.Error(c.err))
			s.metrics.BackendFailure(metrics.StageNarrative)
			return nil
		}
		if text := c.resp.Text(); text != "" {
			s.summary = text
		}
		return Decompose(c.resp, c.timestamp)
	default:
		return nil
	}
}

// Decompose turns a response into events: one per listed sub-event, or a
// single classified event for free text.
func Decompose(resp Response, timestamp float64) []models.VideoEvent {
	conf := defaultConfidence
	if resp.Confidence != nil {
		conf = min(max(*resp.Confidence, 0), 1)
	}

	if len(resp.Events) > 0 {
		return lo.Map(resp.Events, func(e SubEvent, _ int) models.VideoEvent {
			t := models.EventType(strings.ToLower(strings.TrimSpace(e.Type)))
			if !t.Valid() {
				t = models.EventMotion
			}
			sev := models.Severity(strings.ToLower(strings.TrimSpace(e.Severity)))
			if !sev.Valid() {
				sev = models.SeverityMedium
			}
			return newEvent(timestamp, t, sev, conf, e.Description)
		})
	}

	text := resp.Text()
	if text == "" {
		return nil
	}
	t, sev := Classify(text)
	return []models.VideoEvent{newEvent(timestamp, t, sev, conf, text)}
}

func newEvent(timestamp float64, t models.EventType, sev models.Severity, conf float64, description string) models.VideoEvent {
	return models.VideoEvent{
		ID:          "narrative-" + uuid.NewString(),
		Timestamp:   timestamp,
		Type:        t,
		Severity:    sev,
		Confidence:  conf,
		Description: description,
		Source:      models.SourcePeriodic,
	}
}

func (s *Scheduler) InFlight() bool {
	return s.limiter.InFlight()
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels an outstanding request and discards its result.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
