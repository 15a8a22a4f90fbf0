package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_FirstAcquireAlwaysRuns(t *testing.T) {
	var l Limiter

	assert.Equal(t, Acquired, l.TryAcquire(0, 2*time.Second))
	assert.True(t, l.InFlight())

	_, ran := l.LastRunAt()
	assert.False(t, ran)
}

func TestLimiter_InFlightBlocksSecondRequest(t *testing.T) {
	var l Limiter

	assert.Equal(t, Acquired, l.TryAcquire(0, time.Second))
	assert.Equal(t, SkippedInFlight, l.TryAcquire(10*time.Second, time.Second))
	assert.Equal(t, SkippedInFlight, l.TryAcquire(time.Hour, time.Second))
}

func TestLimiter_HighSensitivityScenario(t *testing.T) {
	var l Limiter
	interval := 2 * time.Second

	assert.Equal(t, Acquired, l.TryAcquire(0, interval))
	l.Release(0)

	assert.Equal(t, SkippedCooldown, l.TryAcquire(1900*time.Millisecond, interval))
	assert.Equal(t, Acquired, l.TryAcquire(2100*time.Millisecond, interval))
}

func TestLimiter_ReleaseAdvancesOnFailureToo(t *testing.T) {
	var l Limiter
	interval := 5 * time.Second

	assert.Equal(t, Acquired, l.TryAcquire(3*time.Second, interval))
	l.Release(3 * time.Second)

	last, ran := l.LastRunAt()
	assert.True(t, ran)
	assert.Equal(t, 3*time.Second, last)
	assert.False(t, l.InFlight())
	assert.Equal(t, SkippedCooldown, l.TryAcquire(7*time.Second, interval))
	assert.Equal(t, Acquired, l.TryAcquire(8*time.Second, interval))
}

func TestLimiter_ReleaseNeverMovesBackwards(t *testing.T) {
	var l Limiter
	l.TryAcquire(10*time.Second, time.Second)
	l.Release(10 * time.Second)
	l.TryAcquire(20*time.Second, time.Second)
	l.Release(5 * time.Second)

	last, _ := l.LastRunAt()
	assert.Equal(t, 10*time.Second, last)
}

func TestSet_KeysAreTrimmed(t *testing.T) {
	s := NewSet()

	a := s.Get(Key("  is the door open? "))
	b := s.Get(Key("is the door open?"))

	assert.Same(t, a, b)
	assert.Equal(t, 1, s.Len())
}

func TestSet_InFlightCount(t *testing.T) {
	s := NewSet()
	s.Get("a").TryAcquire(0, time.Second)
	s.Get("b").TryAcquire(0, time.Second)
	s.Get("b").Release(0)

	assert.Equal(t, 1, s.InFlight())
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "acquired", Acquired.String())
	assert.Equal(t, "in_flight", SkippedInFlight.String())
	assert.Equal(t, "cooldown", SkippedCooldown.String())
}

func TestLimiter_AbortKeepsCooldown(t *testing.T) {
	var l Limiter
	l.TryAcquire(0, time.Second)
	l.Release(0)

	assert.Equal(t, Acquired, l.TryAcquire(2*time.Second, time.Second))
	l.Abort()

	last, ok := l.LastRunAt()
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), last)
	assert.False(t, l.InFlight())
}
