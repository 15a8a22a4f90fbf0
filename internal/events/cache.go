package events

import (
	"sort"
	"sync"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/samber/lo"
)

// Cache keeps every tick's events under the whole second they were produced
// in. It only grows; readers may run concurrently with the tick.
type Cache struct {
	mu      sync.RWMutex
	buckets map[int64][]models.VideoEvent
}

func NewCache() *Cache {
	return &Cache{buckets: make(map[int64][]models.VideoEvent)}
}

// Store merges events into the bucket for second.
func (c *Cache) Store(second int64, events []models.VideoEvent) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buckets[second] = Merge(c.buckets[second], events)
}

// At returns a copy of the events stored for second.
func (c *Cache) At(second int64) []models.VideoEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket, ok := c.buckets[second]
	if !ok {
		return nil
	}
	return append([]models.VideoEvent(nil), bucket...)
}

// Range returns the events of every second in [from, to], merged and sorted.
func (c *Cache) Range(from, to int64) []models.VideoEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sets [][]models.VideoEvent
	for sec, bucket := range c.buckets {
		if sec >= from && sec <= to {
			sets = append(sets, bucket)
		}
	}
	return Merge(sets...)
}

// Seconds lists the populated buckets in ascending order.
func (c *Cache) Seconds() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := lo.Keys(c.buckets)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, b := range c.buckets {
		n += len(b)
	}
	return n
}
