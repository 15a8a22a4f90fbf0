package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/snapshot"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// frameSource plays the JPEG frames of a feed folder in key order. Frame i is
// stamped i*interval seconds into the stream.
type frameSource struct {
	store    FrameStore
	bucket   string
	keys     []string
	interval time.Duration
	paused   func() bool
	logger   *zap.Logger

	next    int
	current int
}

func newFrameSource(store FrameStore, bucket string, keys []string, interval time.Duration, paused func() bool, logger *zap.Logger) *frameSource {
	return &frameSource{
		store:    store,
		bucket:   bucket,
		keys:     keys,
		interval: interval,
		paused:   paused,
		logger:   logger,
		current:  -1,
	}
}

func (s *frameSource) timestamp(idx int) float64 {
	return float64(idx) * s.interval.Seconds()
}

// SkipThrough moves past every frame whose second is at or before second.
func (s *frameSource) SkipThrough(second int64) {
	for s.next < len(s.keys) && int64(math.Floor(s.timestamp(s.next))) <= second {
		s.next++
	}
}

// Next downloads and decodes the next frame. Frames that cannot be fetched
// after retries or cannot be decoded are skipped.
func (s *frameSource) Next(ctx context.Context) (models.Frame, error) {
	for s.next < len(s.keys) {
		idx := s.next
		s.next++

		data, err := s.fetch(ctx, s.keys[idx])
		if err != nil {
			if ctx.Err() != nil {
				return models.Frame{}, ctx.Err()
			}
			s.logger.Warn("Skipping frame", zap.String("key", s.keys[idx]), zap.Error(err))
			continue
		}

		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			s.logger.Warn("Skipping undecodable frame", zap.String("key", s.keys[idx]), zap.Error(err))
			continue
		}

		s.current = idx
		return snapshot.FromImage(img, s.timestamp(idx)), nil
	}
	return models.Frame{}, io.EOF
}

func (s *frameSource) fetch(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.store.GetObject(ctx, s.bucket, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch %s after %d attempts: %w", key, retries, lastErr)
}

func (s *frameSource) Paused() bool {
	return s.paused != nil && s.paused()
}

// Second is the cache bucket of the frame last returned by Next.
func (s *frameSource) Second() int64 {
	if s.current < 0 {
		return 0
	}
	return int64(math.Floor(s.timestamp(s.current)))
}

func (s *frameSource) Len() int {
	return len(s.keys)
}

func (s *frameSource) Position() int {
	return s.next
}
