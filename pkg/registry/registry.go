// Package registry is the typed façade over the shared Registry store
// (Redis: kv + sorted sets used as pub/sub-free priority indexes) that
// every other core component uses instead of talking to Redis directly.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/coreerr"
)

// ErrNotFound is returned by GetCapacity/GetHealth when no entry exists.
var ErrNotFound = errors.New("registry: entry not found")

// ErrStale is returned by GetCapacity/GetHealth when the entry's
// last_updated is older than MaxStale.
var ErrStale = errors.New("registry: entry stale")

// LeaderResult is the outcome of a leader-lock attempt.
type LeaderResult int

const (
	LeaderAcquired LeaderResult = iota
	LeaderDenied
	LeaderRenewed
	LeaderLost
)

const (
	capacityKeyPrefix  = "capacity:"
	healthKeyPrefix    = "health:"
	leaderKey          = "capacity:leader"
	catalogueKey       = "storage:elements:registry"
	availableSetPrefix = "capacity:" // + mode + ":available"
)

// Store is the Registry Cache contract consumed by CapacityMonitor,
// StorageSelector, RegistryReloader and the leader-election loop.
type Store interface {
	GetCapacity(ctx context.Context, elementID string) (model.CapacityEntry, error)
	PutCapacity(ctx context.Context, entry model.CapacityEntry) error
	DeleteCapacity(ctx context.Context, elementID string) error

	GetHealth(ctx context.Context, elementID string) (model.HealthEntry, error)
	PutHealth(ctx context.Context, entry model.HealthEntry) error
	DeleteHealth(ctx context.Context, elementID string) error

	AddToAvailableSet(ctx context.Context, mode model.Mode, elementID string, priority int) error
	RemoveFromAvailableSet(ctx context.Context, mode model.Mode, elementID string) error
	ListByPriority(ctx context.Context, mode model.Mode) ([]string, error)

	AcquireLeader(ctx context.Context, replicaID string, ttl time.Duration) (bool, error)
	RenewLeader(ctx context.Context, replicaID string, ttl time.Duration) (bool, error)

	PutCatalogue(ctx context.Context, elements []model.StorageElement) error
	GetCatalogue(ctx context.Context) ([]model.StorageElement, error)
}

// Redis implements Store over a redis.Client.
type Redis struct {
	client   *redis.Client
	maxStale time.Duration
}

// New constructs a Redis-backed Store. A zero maxStale defaults to 90s
// per spec.
func New(client *redis.Client, maxStale time.Duration) *Redis {
	if maxStale <= 0 {
		maxStale = 90 * time.Second
	}
	return &Redis{client: client, maxStale: maxStale}
}

// Ping checks Registry reachability for the readiness endpoint's
// "Registry reachable OR Admin reachable" predicate.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "registry ping failed", err)
	}
	return nil
}

func (r *Redis) GetCapacity(ctx context.Context, elementID string) (model.CapacityEntry, error) {
	var entry model.CapacityEntry
	raw, err := r.client.Get(ctx, capacityKeyPrefix+elementID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entry, ErrNotFound
		}
		return entry, coreerr.Wrap(coreerr.KindRegistryUnavailable, "get capacity", err)
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return entry, coreerr.Wrap(coreerr.KindRegistryUnavailable, "decode capacity entry", err)
	}
	if time.Since(entry.LastUpdated) > r.maxStale {
		return entry, ErrStale
	}
	return entry, nil
}

func (r *Redis) PutCapacity(ctx context.Context, entry model.CapacityEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode capacity entry: %w", err)
	}
	if err := r.client.Set(ctx, capacityKeyPrefix+entry.ElementID, raw, 0).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "put capacity", err)
	}
	return nil
}

func (r *Redis) DeleteCapacity(ctx context.Context, elementID string) error {
	if err := r.client.Del(ctx, capacityKeyPrefix+elementID).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "delete capacity", err)
	}
	return nil
}

func (r *Redis) GetHealth(ctx context.Context, elementID string) (model.HealthEntry, error) {
	var entry model.HealthEntry
	raw, err := r.client.Get(ctx, healthKeyPrefix+elementID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entry, ErrNotFound
		}
		return entry, coreerr.Wrap(coreerr.KindRegistryUnavailable, "get health", err)
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return entry, coreerr.Wrap(coreerr.KindRegistryUnavailable, "decode health entry", err)
	}
	if time.Since(entry.LastUpdated) > r.maxStale {
		return entry, ErrStale
	}
	return entry, nil
}

func (r *Redis) PutHealth(ctx context.Context, entry model.HealthEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode health entry: %w", err)
	}
	if err := r.client.Set(ctx, healthKeyPrefix+entry.ElementID, raw, 0).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "put health", err)
	}
	return nil
}

func (r *Redis) DeleteHealth(ctx context.Context, elementID string) error {
	if err := r.client.Del(ctx, healthKeyPrefix+elementID).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "delete health", err)
	}
	return nil
}

func availableSetKey(mode model.Mode) string {
	return fmt.Sprintf("%s%s:available", availableSetPrefix, mode)
}

func (r *Redis) AddToAvailableSet(ctx context.Context, mode model.Mode, elementID string, priority int) error {
	err := r.client.ZAdd(ctx, availableSetKey(mode), redis.Z{Score: float64(priority), Member: elementID}).Err()
	if err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "add to available set", err)
	}
	return nil
}

func (r *Redis) RemoveFromAvailableSet(ctx context.Context, mode model.Mode, elementID string) error {
	if err := r.client.ZRem(ctx, availableSetKey(mode), elementID).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "remove from available set", err)
	}
	return nil
}

// ListByPriority returns element ids ordered by ascending priority (the
// sorted-set score). Ties within equal scores fall back to Redis's own
// lexicographic ordering, which matches the element_id tie-break rule.
func (r *Redis) ListByPriority(ctx context.Context, mode model.Mode) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, availableSetKey(mode), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindRegistryUnavailable, "list by priority", err)
	}
	return ids, nil
}

type leaderValue struct {
	ReplicaID string    `json:"replica_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AcquireLeader attempts to claim the leader lock with SET NX + TTL, the
// Registry's atomic "set if absent with TTL" primitive.
func (r *Redis) AcquireLeader(ctx context.Context, replicaID string, ttl time.Duration) (bool, error) {
	val := leaderValue{ReplicaID: replicaID, ExpiresAt: time.Now().Add(ttl)}
	raw, err := json.Marshal(val)
	if err != nil {
		return false, fmt.Errorf("encode leader value: %w", err)
	}

	ok, err := r.client.SetNX(ctx, leaderKey, raw, ttl).Result()
	if err != nil {
		return false, coreerr.Wrap(coreerr.KindRegistryUnavailable, "acquire leader", err)
	}
	return ok, nil
}

// RenewLeader extends the lock's TTL if and only if replicaID currently
// holds it; a mismatched or missing holder returns (false, nil) so the
// caller drops to follower rather than treating it as a transient error.
func (r *Redis) RenewLeader(ctx context.Context, replicaID string, ttl time.Duration) (bool, error) {
	raw, err := r.client.Get(ctx, leaderKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, coreerr.Wrap(coreerr.KindRegistryUnavailable, "read leader for renewal", err)
	}

	var cur leaderValue
	if err := json.Unmarshal([]byte(raw), &cur); err != nil || cur.ReplicaID != replicaID {
		return false, nil
	}

	val := leaderValue{ReplicaID: replicaID, ExpiresAt: time.Now().Add(ttl)}
	newRaw, err := json.Marshal(val)
	if err != nil {
		return false, fmt.Errorf("encode leader value: %w", err)
	}
	if err := r.client.Set(ctx, leaderKey, newRaw, ttl).Err(); err != nil {
		return false, coreerr.Wrap(coreerr.KindRegistryUnavailable, "renew leader", err)
	}
	return true, nil
}

func (r *Redis) PutCatalogue(ctx context.Context, elements []model.StorageElement) error {
	raw, err := json.Marshal(elements)
	if err != nil {
		return fmt.Errorf("encode catalogue: %w", err)
	}
	if err := r.client.Set(ctx, catalogueKey, raw, 0).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "put catalogue", err)
	}
	return nil
}

func (r *Redis) GetCatalogue(ctx context.Context) ([]model.StorageElement, error) {
	raw, err := r.client.Get(ctx, catalogueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, coreerr.Wrap(coreerr.KindRegistryUnavailable, "get catalogue", err)
	}
	var elements []model.StorageElement
	if err := json.Unmarshal([]byte(raw), &elements); err != nil {
		return nil, coreerr.Wrap(coreerr.KindRegistryUnavailable, "decode catalogue", err)
	}
	return elements, nil
}

// PutSEStatus writes capacity, then health, then set membership, in that
// fixed order, so a reader never observes a newer last_updated alongside
// older membership for longer than the gap between these three calls.
// priority carries the SE's configured priority into the available set so
// ListByPriority reflects it; it is ignored when available is false.
func (r *Redis) PutSEStatus(ctx context.Context, capacity model.CapacityEntry, health model.HealthEntry, mode model.Mode, priority int, available bool) error {
	if err := r.PutCapacity(ctx, capacity); err != nil {
		return err
	}
	if err := r.PutHealth(ctx, health); err != nil {
		return err
	}
	if available {
		return r.AddToAvailableSet(ctx, mode, capacity.ElementID, priority)
	}
	return r.RemoveFromAvailableSet(ctx, mode, capacity.ElementID)
}

// PurgeElement removes every Registry trace of elementID: capacity,
// health, and membership in every writable mode's available set. Used by
// RegistryReloader when a removed SE is detected. Best-effort: errors are
// collected but do not stop the purge from attempting every key.
func (r *Redis) PurgeElement(ctx context.Context, elementID string) error {
	var errs []error
	if err := r.DeleteCapacity(ctx, elementID); err != nil {
		errs = append(errs, err)
	}
	if err := r.DeleteHealth(ctx, elementID); err != nil {
		errs = append(errs, err)
	}
	for _, mode := range []model.Mode{model.ModeEdit, model.ModeRW} {
		if err := r.RemoveFromAvailableSet(ctx, mode, elementID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
