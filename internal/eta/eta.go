package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Estimator is the optional route/ETA collaborator. Implementations return
// whole minutes of driving time from the driver position to the pickup.
type Estimator interface {
	EstimateArrival(ctx context.Context, from, to models.Coord) (int, error)
}

// Static always answers the same placeholder, for when no route provider
// is configured.
type Static struct {
	Minutes int
}

func (s Static) EstimateArrival(context.Context, models.Coord, models.Coord) (int, error) {
	if s.Minutes <= 0 {
		return 5, nil
	}
	return s.Minutes, nil
}

// Naive estimates straight-line distance over an assumed city speed.
type Naive struct {
	SpeedMps float64
}

func (n Naive) EstimateArrival(_ context.Context, from, to models.Coord) (int, error) {
	speed := n.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h city average
	}
	secs := geo.DistanceM(from, to) / speed
	return int(math.Ceil(secs / 60)), nil
}

// Cache memoizes estimates per coordinate pair with a TTL.
type Cache struct {
	inner Estimator
	ttl   time.Duration

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	minutes int
	ts      time.Time
}

func NewCache(inner Estimator, ttl time.Duration) *Cache {
	return &Cache{inner: inner, ttl: ttl, store: make(map[string]cacheEntry)}
}

func cacheKey(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) EstimateArrival(ctx context.Context, from, to models.Coord) (int, error) {
	k := cacheKey(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.ttl {
		return e.minutes, nil
	}
	minutes, err := c.inner.EstimateArrival(ctx, from, to)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{minutes: minutes, ts: time.Now()}
	c.mu.Unlock()
	return minutes, nil
}
