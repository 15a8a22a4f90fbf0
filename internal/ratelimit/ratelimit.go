// Package ratelimit holds the per-key throttle state used by the asynchronous
// stages of the pipeline.
//
// A Limiter is owned by exactly one goroutine (the tick loop); it carries no
// locks. The in-flight flag alone caps outstanding requests per key at one.
package ratelimit

import (
	"strings"
	"time"
)

type Outcome int

const (
	Acquired Outcome = iota
	SkippedInFlight
	SkippedCooldown
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case SkippedInFlight:
		return "in_flight"
	case SkippedCooldown:
		return "cooldown"
	}
	return "unknown"
}

// Limiter is IDLE until TryAcquire succeeds, REQUESTING until Release.
type Limiter struct {
	lastRunAt time.Duration
	hasRun    bool
	inFlight  bool
}

// TryAcquire marks the limiter in flight when no request is outstanding and
// at least interval has passed since the last completed run.
func (l *Limiter) TryAcquire(now, interval time.Duration) Outcome {
	if l.inFlight {
		return SkippedInFlight
	}
	if l.hasRun && now-l.lastRunAt < interval {
		return SkippedCooldown
	}
	l.inFlight = true
	return Acquired
}

// Release ends the outstanding request. The cooldown advances to ranAt
// whether the request succeeded or not.
func (l *Limiter) Release(ranAt time.Duration) {
	if !l.hasRun || ranAt > l.lastRunAt {
		l.lastRunAt = ranAt
	}
	l.hasRun = true
	l.inFlight = false
}

// Abort ends an outstanding request that was never issued. The cooldown is
// left untouched.
func (l *Limiter) Abort() {
	l.inFlight = false
}

func (l *Limiter) InFlight() bool {
	return l.inFlight
}

// LastRunAt returns the time of the last completed run, false if none.
func (l *Limiter) LastRunAt() (time.Duration, bool) {
	return l.lastRunAt, l.hasRun
}

// Set maps normalized keys to their limiters. Limiters live as long as the set.
type Set struct {
	limiters map[string]*Limiter
}

func NewSet() *Set {
	return &Set{limiters: make(map[string]*Limiter)}
}

// Key normalizes a raw key (a prompt) by trimming surrounding whitespace.
func Key(raw string) string {
	return strings.TrimSpace(raw)
}

// Get returns the limiter for key, creating it on first use.
func (s *Set) Get(key string) *Limiter {
	l, ok := s.limiters[key]
	if !ok {
		l = &Limiter{}
		s.limiters[key] = l
	}
	return l
}

func (s *Set) Len() int {
	return len(s.limiters)
}

// InFlight counts keys with an outstanding request.
func (s *Set) InFlight() int {
	n := 0
	for _, l := range s.limiters {
		if l.inFlight {
			n++
		}
	}
	return n
}
