package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeBackend struct {
	calls    int
	prevUsed int
	result   models.DetectionResult
	err      error
}

func (f *fakeBackend) Detect(_ context.Context, _ *models.Frame) (models.DetectionResult, error) {
	f.calls++
	return f.result, f.err
}

type previousBackend struct {
	fakeBackend
}

func (p *previousBackend) DetectWithPrevious(_ context.Context, _, _ *models.Frame) (models.DetectionResult, error) {
	p.calls++
	p.prevUsed++
	return p.result, p.err
}

func personResult() models.DetectionResult {
	var r models.DetectionResult
	r.Append(models.Box{X: 10, Y: 10, Width: 50, Height: 120}, "person", 0.9)
	return r
}

func frameAt(ts float64) *models.Frame {
	return &models.Frame{Width: 2, Height: 2, Pixels: make([]byte, 16), Timestamp: ts}
}

func TestAdapter_GatesByInterval(t *testing.T) {
	backend := &fakeBackend{result: personResult()}
	a := NewAdapter(backend, 1200*time.Millisecond, zap.NewNop(), nil)
	ctx := context.Background()

	first := a.Detect(ctx, 0, frameAt(0), nil, true)
	second := a.Detect(ctx, 500*time.Millisecond, frameAt(0.5), nil, true)
	third := a.Detect(ctx, 1300*time.Millisecond, frameAt(1.3), nil, true)

	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, 1, first.Len())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, third.Len())
}

func TestAdapter_DisabledSkipsBackend(t *testing.T) {
	backend := &fakeBackend{result: personResult()}
	a := NewAdapter(backend, time.Second, zap.NewNop(), nil)

	result := a.Detect(context.Background(), 0, frameAt(0), nil, false)

	assert.Equal(t, 0, result.Len())
	assert.Equal(t, 0, backend.calls)
}

func TestAdapter_ReenableRunsImmediately(t *testing.T) {
	backend := &fakeBackend{result: personResult()}
	a := NewAdapter(backend, 10*time.Second, zap.NewNop(), nil)
	ctx := context.Background()

	a.Detect(ctx, 0, frameAt(0), nil, true)
	a.Detect(ctx, time.Second, frameAt(1), nil, false)
	result := a.Detect(ctx, 2*time.Second, frameAt(2), nil, true)

	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, 1, result.Len())
}

func TestAdapter_ErrorDegradesToEmpty(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	a := NewAdapter(backend, time.Second, zap.NewNop(), nil)

	result := a.Detect(context.Background(), 0, frameAt(0), nil, true)

	assert.Equal(t, 0, result.Len())
	assert.Equal(t, 1, backend.calls)
}

func TestAdapter_MismatchedArraysTreatedAsEmpty(t *testing.T) {
	backend := &fakeBackend{result: models.DetectionResult{
		Boxes:       []models.Box{{}, {}},
		Labels:      []string{"person"},
		Confidences: []float64{0.9, 0.8},
	}}
	a := NewAdapter(backend, time.Second, zap.NewNop(), nil)

	result := a.Detect(context.Background(), 0, frameAt(0), nil, true)

	assert.Equal(t, 0, result.Len())
	assert.True(t, result.Valid())
}

func TestAdapter_UsesPreviousFrameWhenSupported(t *testing.T) {
	backend := &previousBackend{fakeBackend{result: personResult()}}
	a := NewAdapter(backend, time.Second, zap.NewNop(), nil)
	ctx := context.Background()

	a.Detect(ctx, 0, frameAt(0), nil, true)
	a.Detect(ctx, 2*time.Second, frameAt(2), frameAt(1), true)

	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, 1, backend.prevUsed)
}
