// Package store mirrors per-second event sets into redis so recent seconds can
// be served without touching the archive.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/events"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func New(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *Store) eventsKey(feedID string, second int64) string {
	return fmt.Sprintf("%s:feed:%s:events:%d", s.prefix, feedID, second)
}

// indexKey is a sorted set of the seconds cached for a feed, scored by second.
func (s *Store) indexKey(feedID string) string {
	return fmt.Sprintf("%s:feed:%s:seconds", s.prefix, feedID)
}

// PublishEvents replaces the cached set of one second. Every tick of a second
// carries the full merged set, so the last write is the complete one.
func (s *Store) PublishEvents(ctx context.Context, feedID string, second int64, evts []models.VideoEvent) error {
	if len(evts) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(evts)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	key := s.eventsKey(feedID, second)
	index := s.indexKey(feedID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, jsonData, s.ttl)
		pipe.ZAdd(ctx, index, &redis.Z{Score: float64(second), Member: strconv.FormatInt(second, 10)})
		if s.ttl > 0 {
			pipe.Expire(ctx, index, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set event cache: %w", err)
	}

	s.logger.Debug("Updated event cache",
		zap.String("feed_id", feedID),
		zap.String("key", key),
		zap.Int("event_count", len(evts)),
	)
	return nil
}

// Get returns the cached events of one second; ok is false on a miss.
func (s *Store) Get(ctx context.Context, feedID string, second int64) ([]models.VideoEvent, bool, error) {
	val, err := s.client.Get(ctx, s.eventsKey(feedID, second)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get cache: %w", err)
	}

	var out []models.VideoEvent
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	return out, true, nil
}

// Range returns the cached events of seconds in [from, to], sorted. Seconds
// whose entry already expired are skipped.
func (s *Store) Range(ctx context.Context, feedID string, from, to int64) ([]models.VideoEvent, error) {
	seconds, err := s.client.ZRangeByScore(ctx, s.indexKey(feedID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(to, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache index: %w", err)
	}
	if len(seconds) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(seconds))
	for _, sec := range seconds {
		n, err := strconv.ParseInt(sec, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, s.eventsKey(feedID, n))
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}

	var out []models.VideoEvent
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var set []models.VideoEvent
		if err := json.Unmarshal([]byte(raw), &set); err != nil {
			s.logger.Warn("Skipping corrupt cache entry", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, set...)
	}
	events.Sort(out)
	return out, nil
}

// Seconds lists the cached seconds of a feed in ascending order.
func (s *Store) Seconds(ctx context.Context, feedID string) ([]int64, error) {
	members, err := s.client.ZRange(ctx, s.indexKey(feedID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache index: %w", err)
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		if n, err := strconv.ParseInt(m, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}
