// Package capacitymonitor implements CapacityMonitor: cluster-wide
// leader-elected polling of every known SE's capacity/health, written
// through the Registry Cache with an adaptively-computed next interval.
package capacitymonitor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/filemesh/ingester/internal/model"
)

// SEMapSource exposes the current SE map to poll.
type SEMapSource interface {
	Current() map[string]model.StorageElement
}

// Poller fetches a single SE's capacity over HTTP.
type Poller interface {
	GetCapacity(ctx context.Context, endpoint, elementID string, timeout time.Duration) (model.CapacityEntry, model.HealthStatus, error)
}

// LeaderStore is the subset of *registry.Redis used for leader election and
// write-through of capacity/health/membership.
type LeaderStore interface {
	AcquireLeader(ctx context.Context, replicaID string, ttl time.Duration) (bool, error)
	RenewLeader(ctx context.Context, replicaID string, ttl time.Duration) (bool, error)
	PutSEStatus(ctx context.Context, capacity model.CapacityEntry, health model.HealthEntry, mode model.Mode, priority int, available bool) error
	PutHealth(ctx context.Context, entry model.HealthEntry) error
	RemoveFromAvailableSet(ctx context.Context, mode model.Mode, elementID string) error
}

// AuditRecorder logs leader-election transitions to the operational audit
// trail.
type AuditRecorder interface {
	RecordLeaderChange(replicaID string, acquired bool)
}

// Metrics receives observability counters/gauges.
type Metrics interface {
	ObservePollAttempt(elementID string)
	ObservePollSuccess(elementID string)
	ObservePollFailure(elementID string)
	ObservePollDuration(seconds float64)
	SetCurrentInterval(seconds float64)
	SetLeaderState(isLeader bool)
}

type noopMetrics struct{}

func (noopMetrics) ObservePollAttempt(string)   {}
func (noopMetrics) ObservePollSuccess(string)   {}
func (noopMetrics) ObservePollFailure(string)   {}
func (noopMetrics) ObservePollDuration(float64) {}
func (noopMetrics) SetCurrentInterval(float64)  {}
func (noopMetrics) SetLeaderState(bool)         {}

type noopAudit struct{}

func (noopAudit) RecordLeaderChange(string, bool) {}

// Config configures a Monitor. Zero values take spec defaults.
type Config struct {
	ReplicaID    string
	LeaderCheck  time.Duration // default 10s
	BaseInterval time.Duration // default 30s
	MinInterval  time.Duration // default 10s
	MaxInterval  time.Duration // default 120s
	PerSETimeout time.Duration // default 5s
	Concurrency  int64         // default 16
	Thresholds   model.Thresholds
}

func (c Config) normalized() Config {
	if c.LeaderCheck <= 0 {
		c.LeaderCheck = 10 * time.Second
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = 30 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 10 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 120 * time.Second
	}
	if c.PerSETimeout <= 0 {
		c.PerSETimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	if c.Thresholds == (model.Thresholds{}) {
		c.Thresholds = model.DefaultThresholds()
	}
	return c
}

// Monitor implements the CapacityMonitor control loop.
type Monitor struct {
	cfg     Config
	seMap   SEMapSource
	poller  Poller
	store   LeaderStore
	logger  *slog.Logger
	metrics Metrics
	audit   AuditRecorder

	isLeader bool
}

// New constructs a Monitor.
func New(cfg Config, seMap SEMapSource, poller Poller, store LeaderStore, logger *slog.Logger, metrics Metrics, audit AuditRecorder) *Monitor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if audit == nil {
		audit = noopAudit{}
	}
	return &Monitor{cfg: cfg.normalized(), seMap: seMap, poller: poller, store: store, logger: logger, metrics: metrics, audit: audit}
}

// Run drives leader election and, while leading, the polling loop, until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.BaseInterval
	leaderTTL := 3 * m.cfg.BaseInterval

	ticker := time.NewTicker(m.cfg.LeaderCheck)
	defer ticker.Stop()

	pollTimer := time.NewTimer(0) // fires at once; until leading, re-arms at BaseInterval
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := m.electionTick(ctx, leaderTTL); err != nil && m.logger != nil {
				m.logger.Warn("capacitymonitor: election tick failed", "error", err)
			}

		case <-pollTimer.C:
			if m.isLeader {
				next := m.pollCycle(ctx)
				interval = next
				m.metrics.SetCurrentInterval(interval.Seconds())
			} else {
				interval = m.cfg.BaseInterval
			}
			pollTimer.Reset(interval)
		}
	}
}

func (m *Monitor) electionTick(ctx context.Context, ttl time.Duration) error {
	if m.isLeader {
		renewed, err := m.store.RenewLeader(ctx, m.cfg.ReplicaID, ttl)
		if err != nil {
			// Transient Registry failure: stop writes and drop to follower
			// rather than risk a split-brain poller.
			m.isLeader = false
			m.metrics.SetLeaderState(false)
			m.audit.RecordLeaderChange(m.cfg.ReplicaID, false)
			return err
		}
		if !renewed {
			m.isLeader = false
			m.metrics.SetLeaderState(false)
			m.audit.RecordLeaderChange(m.cfg.ReplicaID, false)
		}
		return nil
	}

	acquired, err := m.store.AcquireLeader(ctx, m.cfg.ReplicaID, ttl)
	if err != nil {
		return err
	}
	if acquired {
		m.isLeader = true
		m.metrics.SetLeaderState(true)
		m.audit.RecordLeaderChange(m.cfg.ReplicaID, true)
		if m.logger != nil {
			m.logger.Info("capacitymonitor: acquired leadership", "replica_id", m.cfg.ReplicaID)
		}
	}
	return nil
}

// pollCycle polls every known SE with bounded parallelism and returns the
// adaptively-computed next interval. It runs on Run's select loop, the same
// goroutine as electionTick, so isLeader does not change during a cycle; a
// lost lock is noticed at the next election tick, after the cycle ends.
func (m *Monitor) pollCycle(ctx context.Context) time.Duration {
	start := time.Now()
	elements := m.seMap.Current()

	sem := semaphore.NewWeighted(m.cfg.Concurrency)
	results := make(chan polledSE, len(elements))

	// Semaphore acquisition may be cut short by ctx cancellation; launched
	// counts the goroutines actually started so the drain below reads only
	// their results.
	launched := 0
	for _, el := range elements {
		el := el
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func() {
			defer sem.Release(1)
			results <- m.pollOne(ctx, el)
		}()
		launched++
	}

	maxPercent := 0.0
	anyCriticalOrFull := false
	allWarningOrBelow := true

drain:
	for i := 0; i < launched; i++ {
		select {
		case r := <-results:
			if !m.isLeader {
				continue // not leading: drain without writes
			}
			m.writeResult(ctx, r)
			if r.capacity.CapacityPercent > maxPercent {
				maxPercent = r.capacity.CapacityPercent
			}
			if r.capacity.CapacityStatus == model.CapacityCritical || r.capacity.CapacityStatus == model.CapacityFull {
				anyCriticalOrFull = true
			}
			if r.capacity.CapacityPercent > m.cfg.Thresholds.WarningPercent {
				allWarningOrBelow = false
			}
		case <-ctx.Done():
			break drain
		}
	}

	m.metrics.ObservePollDuration(time.Since(start).Seconds())

	return m.nextInterval(anyCriticalOrFull, allWarningOrBelow, maxPercent)
}

type polledSE struct {
	element  model.StorageElement
	capacity model.CapacityEntry
	health   model.HealthStatus
	err      error
}

func (m *Monitor) pollOne(ctx context.Context, el model.StorageElement) polledSE {
	m.metrics.ObservePollAttempt(el.ElementID)

	capacity, health, err := m.poller.GetCapacity(ctx, el.Endpoint, el.ElementID, m.cfg.PerSETimeout)
	if err != nil {
		m.metrics.ObservePollFailure(el.ElementID)
		return polledSE{element: el, health: model.HealthUnavailable, err: err}
	}
	m.metrics.ObservePollSuccess(el.ElementID)

	capacity.ElementID = el.ElementID
	capacity.LastUpdated = time.Now()
	capacity.CapacityPercent = percentUsed(capacity)
	capacity.CapacityStatus = m.cfg.Thresholds.DeriveStatus(capacity.CapacityPercent, capacity.CapacityFree)

	return polledSE{element: el, capacity: capacity, health: health}
}

func percentUsed(c model.CapacityEntry) float64 {
	if c.CapacityTotal <= 0 {
		return 0
	}
	p := float64(c.CapacityUsed) / float64(c.CapacityTotal) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// writeResult publishes the poll outcome via PutSEStatus, which writes
// capacity, then health, then set membership in that fixed order.
func (m *Monitor) writeResult(ctx context.Context, r polledSE) {
	health := model.HealthEntry{ElementID: r.element.ElementID, HealthStatus: r.health, LastUpdated: time.Now()}

	if r.err != nil {
		// Poll failed: still publish a degraded/unavailable health entry so
		// readers stop treating this SE as fresh, but skip the capacity
		// write (we have no new data) and remove it from the available set.
		m.retryingWrite(ctx, func() error { return m.store.PutHealth(ctx, health) })
		m.retryingWrite(ctx, func() error { return m.store.RemoveFromAvailableSet(ctx, r.element.Mode, r.element.ElementID) })
		return
	}

	available := r.element.Mode.Writable() && r.capacity.CapacityStatus != model.CapacityFull && r.health != model.HealthUnavailable
	m.retryingWrite(ctx, func() error {
		return m.store.PutSEStatus(ctx, r.capacity, health, r.element.Mode, r.element.Priority, available)
	})
}

// retryingWrite retries a single Registry write with exponential backoff
// capped at MaxInterval, logging failures; it never mutates the in-memory
// SE map, only Registry state.
func (m *Monitor) retryingWrite(ctx context.Context, fn func() error) {
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if err := fn(); err == nil {
			return
		} else if m.logger != nil {
			m.logger.Warn("capacitymonitor: registry write failed, retrying", "attempt", attempt, "error", err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > m.cfg.MaxInterval {
			backoff = m.cfg.MaxInterval
		}
	}
}

// nextInterval implements the adaptive interval computation: critical/full
// drives to MinInterval, all-below-warning drives to MaxInterval, otherwise
// linear interpolation by the maximum observed capacity_percent.
func (m *Monitor) nextInterval(anyCriticalOrFull, allWarningOrBelow bool, maxPercent float64) time.Duration {
	if anyCriticalOrFull {
		return m.cfg.MinInterval
	}
	if allWarningOrBelow {
		return m.cfg.MaxInterval
	}

	t := m.cfg.Thresholds
	span := t.CriticalPercent - t.WarningPercent
	if span <= 0 {
		return m.cfg.BaseInterval
	}
	frac := (maxPercent - t.WarningPercent) / span
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}

	// Higher utilization -> shorter interval: interpolate from MaxInterval
	// (at warning threshold) down to MinInterval (at critical threshold).
	rng := float64(m.cfg.MaxInterval - m.cfg.MinInterval)
	interval := time.Duration(float64(m.cfg.MaxInterval) - frac*rng)

	if interval < m.cfg.MinInterval {
		interval = m.cfg.MinInterval
	}
	if interval > m.cfg.MaxInterval {
		interval = m.cfg.MaxInterval
	}
	return interval
}

// IsLeader reports whether this monitor currently holds the leader lock.
func (m *Monitor) IsLeader() bool { return m.isLeader }
