package analyze

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSnapshot struct {
	err error
}

func (s staticSnapshot) Bytes() ([]byte, error) {
	return []byte("jpeg"), s.err
}

type stubBackend struct {
	mu       sync.Mutex
	requests []Request
	resp     Response
	err      error
	block    chan struct{}
}

func (b *stubBackend) Analyze(ctx context.Context, req Request) (Response, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	return b.resp, b.err
}

func (b *stubBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func confidence(v float64) *float64 {
	return &v
}

func node(prompt string, s models.Sensitivity) []models.AnalyzeNode {
	return []models.AnalyzeNode{{Prompt: prompt, Sensitivity: s}}
}

func sec(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// tick mimics the pipeline: drain first, then launch.
func tick(t *testing.T, s *Scheduler, at float64, nodes []models.AnalyzeNode) []models.VideoEvent {
	t.Helper()
	out := s.Drain()
	require.NoError(t, s.Launch(sec(at), at, nodes, staticSnapshot{}, "feed-1", ""))
	return out
}

func TestScheduler_HighSensitivityScenario(t *testing.T) {
	backend := &stubBackend{resp: Response{Confidence: confidence(0.1)}}
	s := NewScheduler(backend, Config{}, zap.NewNop(), nil)
	defer s.Close()
	nodes := node("is the gate open?", models.SensitivityHigh)

	tick(t, s, 0, nodes)
	s.Wait()
	tick(t, s, 1.9, nodes)
	s.Wait()
	assert.Equal(t, 1, backend.count())

	tick(t, s, 2.1, nodes)
	s.Wait()
	assert.Equal(t, 2, backend.count())
}

func TestScheduler_InFlightBlocksSecondRequest(t *testing.T) {
	backend := &stubBackend{
		resp:  Response{Confidence: confidence(0.9)},
		block: make(chan struct{}),
	}
	s := NewScheduler(backend, Config{}, zap.NewNop(), nil)
	defer s.Close()
	nodes := node("anyone at the door?", models.SensitivityHigh)

	tick(t, s, 0, nodes)
	tick(t, s, 10, nodes)
	tick(t, s, 20, nodes)

	assert.Equal(t, 1, s.InFlight())
	assert.Eventually(t, func() bool { return backend.count() == 1 }, time.Second, time.Millisecond)

	close(backend.block)
	s.Wait()

	out := tick(t, s, 21, nodes)
	require.Len(t, out, 1)
	s.Wait()
	assert.Equal(t, 2, backend.count())
}

func TestScheduler_ResultSurfacesOnNextTick(t *testing.T) {
	backend := &stubBackend{resp: Response{Confidence: confidence(0.85), Summary: "Gate left open"}}
	s := NewScheduler(backend, Config{}, zap.NewNop(), nil)
	defer s.Close()
	nodes := node("  is the gate open?  ", models.SensitivityMedium)

	first := tick(t, s, 1, nodes)
	s.Wait()
	second := tick(t, s, 1.5, nodes)

	assert.Empty(t, first)
	require.Len(t, second, 1)
	e := second[0]
	assert.Equal(t, models.EventAlert, e.Type)
	assert.Equal(t, models.SeverityHigh, e.Severity)
	assert.Equal(t, models.SourceAnalyze, e.Source)
	assert.Equal(t, "Gate left open", e.Description)
	assert.Equal(t, 1.0, e.Timestamp)

	backend.mu.Lock()
	assert.Equal(t, "is the gate open?", backend.requests[0].Prompt)
	assert.Equal(t, "feed-1", backend.requests[0].FeedID)
	backend.mu.Unlock()
}

func TestScheduler_FailureStillAdvancesCooldown(t *testing.T) {
	backend := &stubBackend{err: errors.New("503")}
	s := NewScheduler(backend, Config{}, zap.NewNop(), nil)
	defer s.Close()
	nodes := node("smoke?", models.SensitivityLow)

	tick(t, s, 0, nodes)
	s.Wait()
	out := tick(t, s, 5, nodes)
	s.Wait()

	assert.Empty(t, out)
	assert.Equal(t, 0, s.InFlight())
	assert.Equal(t, 1, backend.count())

	tick(t, s, 10, nodes)
	s.Wait()
	assert.Equal(t, 2, backend.count())
}

func TestScheduler_TimeoutReleasesKey(t *testing.T) {
	backend := &stubBackend{block: make(chan struct{})}
	s := NewScheduler(backend, Config{Timeout: 10 * time.Millisecond}, zap.NewNop(), nil)
	defer s.Close()
	nodes := node("stuck?", models.SensitivityHigh)

	tick(t, s, 0, nodes)
	s.Wait()
	tick(t, s, 1, nodes)

	assert.Equal(t, 0, s.InFlight())
}

func TestScheduler_SnapshotErrorPropagates(t *testing.T) {
	backend := &stubBackend{}
	s := NewScheduler(backend, Config{}, zap.NewNop(), nil)
	defer s.Close()

	err := s.Launch(0, 0, node("x", models.SensitivityHigh), staticSnapshot{err: errors.New("boom")}, "feed-1", "")

	assert.Error(t, err)
	assert.Equal(t, 0, s.InFlight())
	assert.Equal(t, 0, backend.count())
}

func TestScheduler_EmptyPromptIgnored(t *testing.T) {
	backend := &stubBackend{}
	s := NewScheduler(backend, Config{}, zap.NewNop(), nil)
	defer s.Close()

	tick(t, s, 0, node("   ", models.SensitivityHigh))
	s.Wait()

	assert.Equal(t, 0, backend.count())
}

func TestScheduler_CloseDiscardsResults(t *testing.T) {
	backend := &stubBackend{resp: Response{Confidence: confidence(0.99)}}
	s := NewScheduler(backend, Config{}, zap.NewNop(), nil)

	tick(t, s, 0, node("x", models.SensitivityHigh))
	s.Close()

	assert.Empty(t, s.Drain())
}

func TestEvaluate_Thresholds(t *testing.T) {
	tests := []struct {
		name    string
		sens    models.Sensitivity
		conf    *float64
		emitted bool
		sev     models.Severity
	}{
		{"high below", models.SensitivityHigh, confidence(0.39), false, ""},
		{"high at threshold", models.SensitivityHigh, confidence(0.4), true, models.SeverityLow},
		{"medium below", models.SensitivityMedium, confidence(0.54), false, ""},
		{"medium band", models.SensitivityMedium, confidence(0.65), true, models.SeverityMedium},
		{"low below", models.SensitivityLow, confidence(0.69), false, ""},
		{"low high band", models.SensitivityLow, confidence(0.81), true, models.SeverityHigh},
		{"unknown is medium", models.Sensitivity("odd"), confidence(0.55), true, models.SeverityLow},
		{"missing confidence", models.SensitivityHigh, nil, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, ok := Evaluate(models.AnalyzeNode{Prompt: "p", Sensitivity: tt.sens}, Response{Confidence: tt.conf}, 3)
			assert.Equal(t, tt.emitted, ok)
			if !tt.emitted {
				return
			}
			assert.Equal(t, models.EventAlert, event.Type)
			assert.Equal(t, tt.sev, event.Severity)
			assert.Equal(t, `Analyze alert: "p"`, event.Description)
		})
	}
}

func TestScheduler_FlushMorePromptsThanQueueSlots(t *testing.T) {
	backend := &stubBackend{resp: Response{Confidence: confidence(0.95)}}
	s := NewScheduler(backend, Config{QueueSize: 1}, zap.NewNop(), nil)
	defer s.Close()
	nodes := []models.AnalyzeNode{
		{Prompt: "is the gate open?", Sensitivity: models.SensitivityHigh},
		{Prompt: "is anyone at the door?", Sensitivity: models.SensitivityHigh},
		{Prompt: "is a car parked?", Sensitivity: models.SensitivityHigh},
	}
	require.NoError(t, s.Launch(0, 0, nodes, staticSnapshot{}, "feed-1", ""))

	done := make(chan []models.VideoEvent)
	go func() { done <- s.Flush() }()

	select {
	case out := <-done:
		assert.Len(t, out, 3)
		assert.Zero(t, s.InFlight())
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not return with 3 outstanding requests and a queue of 1")
	}
}
