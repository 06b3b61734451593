// Package redisstore holds the replicated backend's signal rows in Redis.
// Each row gets a native TTL matching its expiry, so the data tier enforces
// the no-history rule even if every application-level check were bypassed.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"circles-server/internal/model"
	"circles-server/internal/store"
)

const signalKeyPrefix = "circles:signal:"

type SignalStore struct {
	rdb *redis.Client
}

func NewSignalStore(rdb *redis.Client) *SignalStore {
	return &SignalStore{rdb: rdb}
}

func signalKey(ownerID string) string {
	return signalKeyPrefix + ownerID
}

func (s *SignalStore) PutSignal(ctx context.Context, sig model.StoredSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	if err := s.rdb.Set(ctx, signalKey(sig.OwnerID), data, signalTTL(sig)).Err(); err != nil {
		return fmt.Errorf("store signal: %w", err)
	}
	return nil
}

// signalTTL derives the key TTL from the row's own write-time clock
// (UpdatedAt is stamped by the service on every write), so the data-tier
// expiry follows the same clock the service uses.
func signalTTL(sig model.StoredSignal) time.Duration {
	ttl := time.Duration(sig.TTLExpiresAt-sig.UpdatedAt) * time.Millisecond
	if ttl <= 0 {
		// Already expired at write time; the policy layer rejects this
		// before we get here, but never store an immortal key.
		ttl = time.Second
	}
	return ttl
}

func (s *SignalStore) GetSignal(ctx context.Context, ownerID string) (model.StoredSignal, error) {
	data, err := s.rdb.Get(ctx, signalKey(ownerID)).Result()
	if err == redis.Nil {
		return model.StoredSignal{}, store.ErrNotFound
	}
	if err != nil {
		return model.StoredSignal{}, fmt.Errorf("get signal: %w", err)
	}

	var sig model.StoredSignal
	if err := json.Unmarshal([]byte(data), &sig); err != nil {
		return model.StoredSignal{}, fmt.Errorf("decode signal: %w", err)
	}
	return sig, nil
}

func (s *SignalStore) DeleteSignal(ctx context.Context, ownerID string) (int, error) {
	n, err := s.rdb.Del(ctx, signalKey(ownerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("delete signal: %w", err)
	}
	return int(n), nil
}

// DeleteExpiredSignals is satisfied by Redis key expiry; nothing to sweep.
func (s *SignalStore) DeleteExpiredSignals(ctx context.Context, nowMillis int64) (int, error) {
	return 0, nil
}
