// Package analyze asks a vision-language backend about the current frame,
// once per prompt and no more often than the prompt's sensitivity allows.
//
// Requests run on their own goroutines. Their completions are handed back
// over a bounded channel and applied by Drain on a later tick, which is the
// only place limiter state changes after launch.
package analyze

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/events"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/metrics"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/ratelimit"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultQueueSize = 64
)

type Request struct {
	Prompt         string `json:"prompt"`
	Snapshot       []byte `json:"-"`
	FeedID         string `json:"feedId"`
	ContextSummary string `json:"contextSummary,omitempty"`
}

// Response fields are optional; a missing confidence never raises an alert.
type Response struct {
	Confidence *float64 `json:"confidence,omitempty"`
	Summary    string   `json:"summary,omitempty"`
}

type Backend interface {
	Analyze(ctx context.Context, req Request) (Response, error)
}

// Snapshot supplies the encoded frame; it is only asked for when a request
// is actually launched.
type Snapshot interface {
	Bytes() ([]byte, error)
}

type Config struct {
	Timeout   time.Duration
	QueueSize int
}

type completion struct {
	key       string
	node      models.AnalyzeNode
	ranAt     time.Duration
	timestamp float64
	resp      Response
	err       error
}

type Scheduler struct {
	backend  Backend
	limiters *ratelimit.Set
	results  chan completion
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewScheduler(backend Backend, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		backend:  backend,
		limiters: ratelimit.NewSet(),
		results:  make(chan completion, cfg.QueueSize),
		timeout:  cfg.Timeout,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		metrics:  m,
	}
}

// Launch starts one request for every node whose key is idle and whose
// interval has elapsed at now. It never waits for a response. The only error
// is a snapshot that cannot be encoded.
func (s *Scheduler) Launch(now time.Duration, timestamp float64, nodes []models.AnalyzeNode, snap Snapshot, feedID, contextSummary string) error {
	if s.backend == nil || s.ctx.Err() != nil {
		return nil
	}

	for _, node := range nodes {
		key := ratelimit.Key(node.Prompt)
		if key == "" {
			continue
		}
		limiter := s.limiters.Get(key)

		outcome := limiter.TryAcquire(now, node.Sensitivity.Interval())
		s.metrics.Launch(metrics.StageAnalyze, outcome.String())
		if outcome != ratelimit.Acquired {
			continue
		}

		data, err := snap.Bytes()
		if err != nil {
			limiter.Abort()
			return fmt.Errorf("analyze %q: %w", key, err)
		}

		req := Request{
			Prompt:         key,
			Snapshot:       data,
			FeedID:         feedID,
			ContextSummary: contextSummary,
		}
		s.wg.Add(1)
		go s.run(req, completion{key: key, node: node, ranAt: now, timestamp: timestamp})
	}
	return nil
}

func (s *Scheduler) run(req Request, c completion) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	c.resp, c.err = s.backend.Analyze(ctx, req)

	select {
	case s.results <- c:
	case <-s.ctx.Done():
	}
}

// Drain applies every completion received since the previous call: each key
// is released with its launch time as the new cooldown start, and successful
// responses above threshold become alert events.
func (s *Scheduler) Drain() []models.VideoEvent {
	var out []models.VideoEvent
	for {
		select {
		case c := <-s.results:
			if event, ok := s.apply(c); ok {
				out = append(out, event)
			}
		default:
			return out
		}
	}
}

// Flush waits for every launched request and applies all of their
// completions. Results are consumed while waiting, so it returns even when
// more requests are outstanding than the queue holds.
func (s *Scheduler) Flush() []models.VideoEvent {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var out []models.VideoEvent
	for {
		select {
		case c := <-s.results:
			if event, ok := s.apply(c); ok {
				out = append(out, event)
			}
		case <-done:
			return append(out, s.Drain()...)
		}
	}
}

func (s *Scheduler) apply(c completion) (models.VideoEvent, bool) {
	if s.ctx.Err() != nil {
		return models.VideoEvent{}, false
	}
	s.limiters.Get(c.key).Release(c.ranAt)

	if c.err != nil {
		s.logger.Warn("Analyze request failed",
			zap.String("prompt", c.key),
			zap.Error(c.err),
		)
		s.metrics.BackendFailure(metrics.StageAnalyze)
		return models.VideoEvent{}, false
	}
	return Evaluate(c.node, c.resp, c.timestamp)
}

// Evaluate turns a response into an alert if its confidence reaches the
// node's sensitivity threshold.
func Evaluate(node models.AnalyzeNode, resp Response, timestamp float64) (models.VideoEvent, bool) {
	if resp.Confidence == nil {
		return models.VideoEvent{}, false
	}
	conf := *resp.Confidence
	if conf < node.Sensitivity.Threshold() {
		return models.VideoEvent{}, false
	}

	description := resp.Summary
	if description == "" {
		description = fmt.Sprintf("Analyze alert: %q", ratelimit.Key(node.Prompt))
	}
	return models.VideoEvent{
		ID:          "analyze-" + uuid.NewString(),
		Timestamp:   timestamp,
		Type:        models.EventAlert,
		Severity:    events.ConfidenceSeverity(conf),
		Confidence:  min(max(conf, 0), 1),
		Description: description,
		Source:      models.SourceAnalyze,
	}, true
}

// InFlight counts prompts with an outstanding request.
func (s *Scheduler) InFlight() int {
	return s.limiters.InFlight()
}

// Wait blocks until every launched request has queued its completion. It
// only returns if the queue has room for all of them; use Flush otherwise.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels outstanding requests. Their results are discarded.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
