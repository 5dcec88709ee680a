package capacitymonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/filemesh/ingester/internal/model"
)

type fakeSEMap struct{ elements map[string]model.StorageElement }

func (f fakeSEMap) Current() map[string]model.StorageElement { return f.elements }

type fakePoller struct {
	mu      sync.Mutex
	results map[string]model.CapacityEntry
	health  map[string]model.HealthStatus
	errs    map[string]error
	calls   int
}

func (f *fakePoller) GetCapacity(ctx context.Context, endpoint, elementID string, timeout time.Duration) (model.CapacityEntry, model.HealthStatus, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err, ok := f.errs[elementID]; ok {
		return model.CapacityEntry{}, model.HealthUnavailable, err
	}
	return f.results[elementID], f.health[elementID], nil
}

type fakeStore struct {
	mu          sync.Mutex
	leader      string
	statuses    map[string]bool
	priorities  map[string]int
	acquireFail bool
}

func (f *fakeStore) AcquireLeader(ctx context.Context, replicaID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireFail {
		return false, nil
	}
	if f.leader == "" {
		f.leader = replicaID
		return true, nil
	}
	return f.leader == replicaID, nil
}

func (f *fakeStore) RenewLeader(ctx context.Context, replicaID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader == replicaID, nil
}

func (f *fakeStore) PutSEStatus(ctx context.Context, capacity model.CapacityEntry, health model.HealthEntry, mode model.Mode, priority int, available bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]bool)
	}
	if f.priorities == nil {
		f.priorities = make(map[string]int)
	}
	f.statuses[capacity.ElementID] = available
	f.priorities[capacity.ElementID] = priority
	return nil
}

func (f *fakeStore) PutHealth(ctx context.Context, entry model.HealthEntry) error { return nil }

type fakeAudit struct {
	mu      sync.Mutex
	changes []bool // acquired flag, in call order
}

func (f *fakeAudit) RecordLeaderChange(replicaID string, acquired bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, acquired)
}

func (f *fakeStore) RemoveFromAvailableSet(ctx context.Context, mode model.Mode, elementID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]bool)
	}
	f.statuses[elementID] = false
	return nil
}

func TestMonitorAcquiresLeadershipAndPolls(t *testing.T) {
	seMap := fakeSEMap{elements: map[string]model.StorageElement{
		"se-A": {ElementID: "se-A", Endpoint: "http://a", Mode: model.ModeEdit, Priority: 10},
	}}
	poller := &fakePoller{
		results: map[string]model.CapacityEntry{"se-A": {CapacityTotal: 1 << 30, CapacityUsed: 1 << 20, CapacityFree: (1 << 30) - (1 << 20)}},
		health:  map[string]model.HealthStatus{"se-A": model.HealthHealthy},
	}
	store := &fakeStore{}
	audit := &fakeAudit{}
	m := New(Config{ReplicaID: "r1", LeaderCheck: 5 * time.Millisecond, BaseInterval: 5 * time.Millisecond}, seMap, poller, store, nil, nil, audit)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	if !m.IsLeader() {
		t.Fatalf("expected monitor to become leader")
	}
	poller.mu.Lock()
	calls := poller.calls
	poller.mu.Unlock()
	if calls == 0 {
		t.Fatalf("expected at least one poll")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if avail, ok := store.statuses["se-A"]; !ok || !avail {
		t.Fatalf("expected se-A published as available, got %v ok=%v", avail, ok)
	}
	if got := store.priorities["se-A"]; got != 10 {
		t.Fatalf("expected se-A's configured priority 10 to reach PutSEStatus, got %d", got)
	}
	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.changes) == 0 || !audit.changes[0] {
		t.Fatalf("expected leader acquisition recorded to the audit trail, got %v", audit.changes)
	}
}

func TestMonitorDoesNotPollWithoutLeadership(t *testing.T) {
	seMap := fakeSEMap{elements: map[string]model.StorageElement{
		"se-A": {ElementID: "se-A", Endpoint: "http://a", Mode: model.ModeEdit},
	}}
	poller := &fakePoller{}
	store := &fakeStore{acquireFail: true}
	m := New(Config{ReplicaID: "r1", LeaderCheck: 5 * time.Millisecond, BaseInterval: 5 * time.Millisecond}, seMap, poller, store, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	if m.IsLeader() {
		t.Fatalf("expected monitor to never acquire leadership")
	}
	poller.mu.Lock()
	defer poller.mu.Unlock()
	if poller.calls != 0 {
		t.Fatalf("expected zero polls without leadership, got %d", poller.calls)
	}
}

func TestNextIntervalCriticalDrivesToMin(t *testing.T) {
	m := New(Config{}, nil, nil, nil, nil, nil, nil)
	got := m.nextInterval(true, false, 95)
	if got != m.cfg.MinInterval {
		t.Fatalf("expected MinInterval, got %v", got)
	}
}

func TestNextIntervalAllBelowWarningDrivesToMax(t *testing.T) {
	m := New(Config{}, nil, nil, nil, nil, nil, nil)
	got := m.nextInterval(false, true, 50)
	if got != m.cfg.MaxInterval {
		t.Fatalf("expected MaxInterval, got %v", got)
	}
}

func TestNextIntervalInterpolatesBetweenThresholds(t *testing.T) {
	m := New(Config{}, nil, nil, nil, nil, nil, nil)
	t1 := m.nextInterval(false, false, m.cfg.Thresholds.WarningPercent)
	t2 := m.nextInterval(false, false, m.cfg.Thresholds.CriticalPercent)
	if t1 <= t2 {
		t.Fatalf("expected interval to shrink as utilization rises: at warning %v, at critical %v", t1, t2)
	}
	if t1 > m.cfg.MaxInterval || t2 < m.cfg.MinInterval {
		t.Fatalf("interpolated interval out of bounds: %v %v", t1, t2)
	}
}
