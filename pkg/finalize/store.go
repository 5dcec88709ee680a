package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/pkg/coreerr"
)

// ErrNotFound is returned by Store.Get when no transaction exists for the
// given id.
var ErrNotFound = errors.New("finalize: transaction not found")

// Store persists FinalizeTransaction records so status is visible across
// replicas and survives a coordinator crash.
type Store interface {
	Create(ctx context.Context, txn model.FinalizeTransaction) error
	Get(ctx context.Context, transactionID string) (model.FinalizeTransaction, error)
	Update(ctx context.Context, txn model.FinalizeTransaction) error
	ListByStates(ctx context.Context, states ...model.FinalizeState) ([]model.FinalizeTransaction, error)
}

const txnKeyPrefix = "finalize:txn:"

func stateSetKey(state model.FinalizeState) string { return "finalize:state:" + string(state) }

// RedisStore implements Store over a redis.Client: one JSON blob per
// transaction plus a membership set per state for the recovery and GC sweeps.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed Store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Create(ctx context.Context, txn model.FinalizeTransaction) error {
	raw, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("encode finalize transaction: %w", err)
	}
	ok, err := s.client.SetNX(ctx, txnKeyPrefix+txn.TransactionID, raw, 0).Result()
	if err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "create finalize transaction", err)
	}
	if !ok {
		// transaction_id collision is not expected (uuid-generated); treat
		// as already-created for idempotent retry of the same id.
		return nil
	}
	if err := s.client.SAdd(ctx, stateSetKey(txn.State), txn.TransactionID).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "index finalize transaction", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, transactionID string) (model.FinalizeTransaction, error) {
	var txn model.FinalizeTransaction
	raw, err := s.client.Get(ctx, txnKeyPrefix+transactionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return txn, ErrNotFound
		}
		return txn, coreerr.Wrap(coreerr.KindRegistryUnavailable, "get finalize transaction", err)
	}
	if err := json.Unmarshal([]byte(raw), &txn); err != nil {
		return txn, coreerr.Wrap(coreerr.KindRegistryUnavailable, "decode finalize transaction", err)
	}
	return txn, nil
}

// Update rewrites the transaction record and moves it between state sets.
// The previous state is read first so membership never accumulates stale
// entries across every state the transaction ever passed through.
func (s *RedisStore) Update(ctx context.Context, txn model.FinalizeTransaction) error {
	prev, err := s.Get(ctx, txn.TransactionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	raw, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("encode finalize transaction: %w", err)
	}
	if err := s.client.Set(ctx, txnKeyPrefix+txn.TransactionID, raw, 0).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "update finalize transaction", err)
	}

	if prev.State != "" && prev.State != txn.State {
		if err := s.client.SRem(ctx, stateSetKey(prev.State), txn.TransactionID).Err(); err != nil {
			return coreerr.Wrap(coreerr.KindRegistryUnavailable, "unindex finalize transaction", err)
		}
	}
	if err := s.client.SAdd(ctx, stateSetKey(txn.State), txn.TransactionID).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindRegistryUnavailable, "index finalize transaction", err)
	}
	return nil
}

func (s *RedisStore) ListByStates(ctx context.Context, states ...model.FinalizeState) ([]model.FinalizeTransaction, error) {
	var out []model.FinalizeTransaction
	for _, state := range states {
		ids, err := s.client.SMembers(ctx, stateSetKey(state)).Result()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindRegistryUnavailable, "list finalize transactions by state", err)
		}
		for _, id := range ids {
			txn, err := s.Get(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue // stale index entry; ignore
				}
				return nil, err
			}
			out = append(out, txn)
		}
	}
	return out, nil
}
