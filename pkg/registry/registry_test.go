package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/filemesh/ingester/internal/model"
)

func newTestStore(t *testing.T, maxStale time.Duration) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, maxStale)
}

func TestCapacityRoundTrip(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	entry := model.CapacityEntry{
		ElementID:       "se-A",
		CapacityTotal:   100,
		CapacityUsed:    10,
		CapacityFree:    90,
		CapacityPercent: 10,
		CapacityStatus:  model.CapacityOK,
		LastUpdated:     time.Now(),
	}
	if err := store.PutCapacity(ctx, entry); err != nil {
		t.Fatalf("PutCapacity: %v", err)
	}

	got, err := store.GetCapacity(ctx, "se-A")
	if err != nil {
		t.Fatalf("GetCapacity: %v", err)
	}
	if got.ElementID != "se-A" || got.CapacityFree != 90 {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestCapacityNotFound(t *testing.T) {
	store := newTestStore(t, time.Minute)
	if _, err := store.GetCapacity(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCapacityStale(t *testing.T) {
	store := newTestStore(t, 10*time.Millisecond)
	ctx := context.Background()

	entry := model.CapacityEntry{ElementID: "se-A", LastUpdated: time.Now().Add(-time.Hour)}
	if err := store.PutCapacity(ctx, entry); err != nil {
		t.Fatalf("PutCapacity: %v", err)
	}

	if _, err := store.GetCapacity(ctx, "se-A"); err != ErrStale {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestAvailableSetOrderingByPriority(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.AddToAvailableSet(ctx, model.ModeEdit, "se-B", 200); err != nil {
		t.Fatalf("add se-B: %v", err)
	}
	if err := store.AddToAvailableSet(ctx, model.ModeEdit, "se-A", 100); err != nil {
		t.Fatalf("add se-A: %v", err)
	}

	ids, err := store.ListByPriority(ctx, model.ModeEdit)
	if err != nil {
		t.Fatalf("ListByPriority: %v", err)
	}
	if len(ids) != 2 || ids[0] != "se-A" || ids[1] != "se-B" {
		t.Fatalf("expected [se-A se-B], got %v", ids)
	}

	if err := store.RemoveFromAvailableSet(ctx, model.ModeEdit, "se-A"); err != nil {
		t.Fatalf("remove se-A: %v", err)
	}
	ids, err = store.ListByPriority(ctx, model.ModeEdit)
	if err != nil {
		t.Fatalf("ListByPriority: %v", err)
	}
	if len(ids) != 1 || ids[0] != "se-B" {
		t.Fatalf("expected [se-B], got %v", ids)
	}
}

func TestLeaderElectionSingleHolder(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	ok, err := store.AcquireLeader(ctx, "replica-1", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected replica-1 to acquire leader, ok=%v err=%v", ok, err)
	}

	ok, err = store.AcquireLeader(ctx, "replica-2", time.Second)
	if err != nil || ok {
		t.Fatalf("expected replica-2 to be denied, ok=%v err=%v", ok, err)
	}

	ok, err = store.RenewLeader(ctx, "replica-1", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected replica-1 to renew, ok=%v err=%v", ok, err)
	}

	ok, err = store.RenewLeader(ctx, "replica-2", time.Second)
	if err != nil || ok {
		t.Fatalf("expected replica-2 renewal to fail (not holder), ok=%v err=%v", ok, err)
	}
}

func TestPurgeElementRemovesAllTraces(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	_ = store.PutCapacity(ctx, model.CapacityEntry{ElementID: "se-A", LastUpdated: time.Now()})
	_ = store.PutHealth(ctx, model.HealthEntry{ElementID: "se-A", LastUpdated: time.Now()})
	_ = store.AddToAvailableSet(ctx, model.ModeEdit, "se-A", 100)

	if err := store.PurgeElement(ctx, "se-A"); err != nil {
		t.Fatalf("PurgeElement: %v", err)
	}

	if _, err := store.GetCapacity(ctx, "se-A"); err != ErrNotFound {
		t.Fatalf("expected capacity purged, got %v", err)
	}
	if _, err := store.GetHealth(ctx, "se-A"); err != ErrNotFound {
		t.Fatalf("expected health purged, got %v", err)
	}
	ids, err := store.ListByPriority(ctx, model.ModeEdit)
	if err != nil {
		t.Fatalf("ListByPriority: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty available set, got %v", ids)
	}
}
