// Package selector implements StorageSelector: picking the SE that should
// host a given upload from the current SE map, current capacity data, and
// the selection predicate (mode, health, capacity headroom).
package selector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/coreerr"
	"github.com/filemesh/ingester/pkg/registry"
)

// ErrNoAvailable is returned when no candidate SE satisfies the predicate.
// It classifies as coreerr.KindCapacityExhausted so the HTTP layer maps it
// to 503 rather than an unclassified 500.
var ErrNoAvailable = coreerr.New(coreerr.KindCapacityExhausted, "no storage element satisfies the selection predicate")

// SEMapSource exposes the reloader's current SE map snapshot.
type SEMapSource interface {
	Current() map[string]model.StorageElement
}

// CapacitySource reads capacity entries, returning registry.ErrNotFound or
// registry.ErrStale as sentinels so the selector knows to fall back.
type CapacitySource interface {
	GetCapacity(ctx context.Context, elementID string) (model.CapacityEntry, error)
}

// HealthSource reads health entries the same way CapacitySource reads capacity.
type HealthSource interface {
	GetHealth(ctx context.Context, elementID string) (model.HealthEntry, error)
}

// AdminFallback is consulted when the Registry's capacity/health read is
// stale or missing.
type AdminFallback interface {
	GetCapacity(ctx context.Context, elementID string) (model.CapacityEntry, error)
}

// Metrics receives per-selection source labels ("registry" vs "admin").
type Metrics interface {
	ObserveSource(source string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSource(string) {}

// Config configures a Selector.
type Config struct {
	LocalCacheTTL time.Duration // default 5s
	MinHeadroom   int64         // default 64 MiB
}

func (c Config) normalized() Config {
	if c.LocalCacheTTL <= 0 {
		c.LocalCacheTTL = 5 * time.Second
	}
	if c.MinHeadroom <= 0 {
		c.MinHeadroom = 64 << 20
	}
	return c
}

type cacheEntry struct {
	capacity model.CapacityEntry
	health   model.HealthStatus
	cachedAt time.Time
}

// Selector implements StorageSelector.Select.
type Selector struct {
	cfg     Config
	seMap   SEMapSource
	cap     CapacitySource
	health  HealthSource
	admin   AdminFallback
	metrics Metrics

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Selector.
func New(cfg Config, seMap SEMapSource, cap CapacitySource, health HealthSource, admin AdminFallback, metrics Metrics) *Selector {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Selector{
		cfg: cfg.normalized(), seMap: seMap, cap: cap, health: health, admin: admin, metrics: metrics,
		cache: make(map[string]cacheEntry),
	}
}

// InvalidateCache drops all locally cached capacity reads. Called after a
// lazy reload so stale bursts don't persist past a known topology change.
func (s *Selector) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry)
}

// Select picks an SE for an upload of fileSize bytes under retentionPolicy.
// targetElementID, if non-empty, pins the selection to that element.
// excludeElementIDs, if given, are skipped during candidate search (but not
// when targetElementID pins the selection explicitly) — used by callers
// retrying after a failed attempt against one of the excluded elements.
func (s *Selector) Select(ctx context.Context, fileSize int64, retentionPolicy model.RetentionPolicy, targetElementID string, excludeElementIDs ...string) (model.SelectedSE, error) {
	mode, ok := retentionPolicy.ModeFor()
	if !ok {
		return model.SelectedSE{}, coreerr.New(coreerr.KindConfiguration, "unknown retention policy: "+string(retentionPolicy))
	}

	current := s.seMap.Current()

	if targetElementID != "" {
		el, ok := current[targetElementID]
		if !ok || el.Mode != mode {
			return model.SelectedSE{}, coreerr.New(coreerr.KindConfiguration,
				"target storage element absent or wrong mode: "+targetElementID)
		}
		if ok := s.satisfies(ctx, el, fileSize); ok {
			return toSelected(el), nil
		}
		return model.SelectedSE{}, ErrNoAvailable
	}

	excluded := make(map[string]bool, len(excludeElementIDs))
	for _, id := range excludeElementIDs {
		excluded[id] = true
	}

	candidates := make([]model.StorageElement, 0, len(current))
	for _, el := range current {
		if el.Mode == mode && !excluded[el.ElementID] {
			candidates = append(candidates, el)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })

	for _, el := range candidates {
		if s.satisfies(ctx, el, fileSize) {
			return toSelected(el), nil
		}
	}

	return model.SelectedSE{}, ErrNoAvailable
}

func toSelected(el model.StorageElement) model.SelectedSE {
	return model.SelectedSE{ElementID: el.ElementID, Endpoint: el.Endpoint, Mode: el.Mode}
}

// satisfies evaluates the selection predicate for a single candidate,
// fetching capacity/health from the local cache, Registry, or Admin in
// that order.
func (s *Selector) satisfies(ctx context.Context, el model.StorageElement, fileSize int64) bool {
	capacity, health, ok := s.capacityFor(ctx, el.ElementID)
	if !ok {
		return false
	}

	if capacity.CapacityStatus == model.CapacityFull || health == model.HealthUnavailable {
		return false
	}

	minHeadroom := s.cfg.MinHeadroom
	if capacity.CapacityFree < fileSize+minHeadroom {
		return false
	}

	return true
}

func (s *Selector) capacityFor(ctx context.Context, elementID string) (model.CapacityEntry, model.HealthStatus, bool) {
	s.mu.Lock()
	if entry, ok := s.cache[elementID]; ok && time.Since(entry.cachedAt) < s.cfg.LocalCacheTTL {
		s.mu.Unlock()
		return entry.capacity, entry.health, true
	}
	s.mu.Unlock()

	capacity, err := s.cap.GetCapacity(ctx, elementID)
	source := "registry"
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) && !errors.Is(err, registry.ErrStale) {
			return model.CapacityEntry{}, "", false
		}
		if s.admin == nil {
			return model.CapacityEntry{}, "", false
		}
		capacity, err = s.admin.GetCapacity(ctx, elementID)
		if err != nil {
			return model.CapacityEntry{}, "", false
		}
		source = "admin"
	}
	s.metrics.ObserveSource(source)

	health := model.HealthHealthy
	if s.health != nil {
		if he, err := s.health.GetHealth(ctx, elementID); err == nil {
			health = he.HealthStatus
		} else if !errors.Is(err, registry.ErrNotFound) && !errors.Is(err, registry.ErrStale) {
			return model.CapacityEntry{}, "", false
		}
	}

	s.mu.Lock()
	s.cache[elementID] = cacheEntry{capacity: capacity, health: health, cachedAt: time.Now()}
	s.mu.Unlock()

	return capacity, health, true
}
