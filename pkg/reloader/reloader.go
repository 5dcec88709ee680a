// Package reloader keeps every Ingester replica's in-memory SE map
// synchronized with the authoritative catalogue, via a periodic loop and
// a lazy, error-triggered path that coalesces concurrent triggers.
package reloader

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/registry"
)

// CatalogueSource fetches the authoritative SE catalogue; registry.Store
// satisfies it. Reloader tries this source first and falls back to Admin
// through AdminSource.
type CatalogueSource interface {
	GetCatalogue(ctx context.Context) ([]model.StorageElement, error)
}

// AdminSource is the AdminFallback surface the reloader falls back to.
type AdminSource interface {
	ListAvailableElements(ctx context.Context) ([]model.StorageElement, error)
}

// Metrics receives reload outcome counters. Implementations should be
// cheap/non-blocking (Prometheus counters).
type Metrics interface {
	ObserveReload(source string, added, removed, updated int)
	ObserveReloadFailure()
}

type noopMetrics struct{}

func (noopMetrics) ObserveReload(string, int, int, int) {}
func (noopMetrics) ObserveReloadFailure()                {}

// Config configures a Reloader.
type Config struct {
	Interval time.Duration // default 60s, bounded [10s, 600s]
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Interval < 10*time.Second {
		c.Interval = 10 * time.Second
	}
	if c.Interval > 600*time.Second {
		c.Interval = 600 * time.Second
	}
	return c
}

// seMap is the immutable snapshot held behind an atomic.Pointer.
type seMap map[string]model.StorageElement

// Reloader owns the single writer side of the SE map: atomic.Pointer swap
// on publish, many lock-free readers via Current().
type Reloader struct {
	cfg      Config
	store    CatalogueSource
	admin    AdminSource
	registry *registry.Redis // for purging removed SEs; nil-safe
	logger   *slog.Logger
	metrics  Metrics

	current atomic.Pointer[seMap]
	group   singleflight.Group
}

// New constructs a Reloader. The map starts empty until the first
// successful reload (Run or a lazy trigger).
func New(cfg Config, store CatalogueSource, admin AdminSource, reg *registry.Redis, logger *slog.Logger, metrics Metrics) *Reloader {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	r := &Reloader{cfg: cfg.normalized(), store: store, admin: admin, registry: reg, logger: logger, metrics: metrics}
	empty := seMap{}
	r.current.Store(&empty)
	return r
}

// Current returns the latest published SE map snapshot. Safe for
// concurrent use; never blocks.
func (r *Reloader) Current() map[string]model.StorageElement {
	return *r.current.Load()
}

// Run drives the periodic reload path until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	// Best-effort initial fill so callers don't start with an empty map.
	if _, err := r.reload(ctx, "startup"); err != nil && r.logger != nil {
		r.logger.Warn("reloader: initial load failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.reload(ctx, "periodic"); err != nil && r.logger != nil {
				r.logger.Warn("reloader: periodic reload failed, keeping prior map", "error", err)
			}
		}
	}
}

// TriggerLazyReload performs an immediate reload tagged with reason.
// Concurrent triggers coalesce behind a single in-flight fetch.
func (r *Reloader) TriggerLazyReload(ctx context.Context, reason string) error {
	_, err := r.reloadCoalesced(ctx, reason)
	return err
}

func (r *Reloader) reloadCoalesced(ctx context.Context, reason string) (seMap, error) {
	v, err, _ := r.group.Do("reload", func() (any, error) {
		return r.reload(ctx, reason)
	})
	if err != nil {
		return nil, err
	}
	return v.(seMap), nil
}

func (r *Reloader) reload(ctx context.Context, reason string) (seMap, error) {
	elements, source, err := r.fetch(ctx)
	if err != nil {
		r.metrics.ObserveReloadFailure()
		return r.Current(), err
	}

	next := make(seMap, len(elements))
	for _, e := range elements {
		next[e.ElementID] = e
	}

	prev := r.Current()
	added, removed, updated := diff(prev, next)

	r.current.Store(&next)

	if r.registry != nil {
		for _, id := range removed {
			if err := r.registry.PurgeElement(ctx, id); err != nil && r.logger != nil {
				r.logger.Warn("reloader: purging removed SE failed", "element_id", id, "error", err)
			}
		}
	}

	r.metrics.ObserveReload(source, len(added), len(removed), len(updated))
	if r.logger != nil && (len(added)+len(removed)+len(updated) > 0) {
		r.logger.Info("reloader: applied diff",
			"reason", reason, "source", source,
			"added", len(added), "removed", len(removed), "updated", len(updated))
	}

	return next, nil
}

func (r *Reloader) fetch(ctx context.Context) ([]model.StorageElement, string, error) {
	if r.store != nil {
		elements, err := r.store.GetCatalogue(ctx)
		if err == nil {
			return elements, "registry", nil
		}
		if r.logger != nil {
			r.logger.Warn("reloader: registry catalogue fetch failed, falling back to admin", "error", err)
		}
	}
	if r.admin != nil {
		elements, err := r.admin.ListAvailableElements(ctx)
		if err == nil {
			return elements, "admin", nil
		}
		return nil, "", err
	}
	return nil, "", errNoSource
}

var errNoSource = &noSourceError{}

type noSourceError struct{}

func (*noSourceError) Error() string { return "reloader: no catalogue source configured" }

// diff computes added/removed/updated element ids between two SE maps.
// updated means the id is in both maps and its endpoint, priority or mode
// changed.
func diff(prev, next seMap) (added, removed, updated []string) {
	for id, ne := range next {
		pe, ok := prev[id]
		if !ok {
			added = append(added, id)
			continue
		}
		if pe.Endpoint != ne.Endpoint || pe.Priority != ne.Priority || pe.Mode != ne.Mode {
			updated = append(updated, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(updated)
	return added, removed, updated
}
