package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idemLock      = "LOCK"
	idemResPrefix = "RES:"
)

// IdempotencyStore remembers the response of a request keyed by the client's
// Idempotency-Key header. A key is either locked while the first request runs
// or holds the saved response together with a fingerprint of the request that
// produced it.
type IdempotencyStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// StoredResult is a saved response and the fingerprint of its request.
type StoredResult struct {
	Fingerprint string          `json:"fp"`
	Payload     json.RawMessage `json:"body"`
}

func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

func (s *IdempotencyStore) AcquireLock(ctx context.Context, key string, lockTTL time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, idemLock, lockTTL).Result()
}

func (s *IdempotencyStore) SaveResult(ctx context.Context, key, fingerprint string, payload []byte) error {
	b, err := json.Marshal(StoredResult{Fingerprint: fingerprint, Payload: payload})
	if err != nil {
		return fmt.Errorf("redis.IdempotencyStore.SaveResult:%w", err)
	}

	return s.rdb.Set(ctx, key, idemResPrefix+string(b), s.ttl).Err()
}

// GetResult reports found=false while the key is only locked or absent.
func (s *IdempotencyStore) GetResult(ctx context.Context, key string) (StoredResult, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return StoredResult{}, false, nil
	}
	if err != nil {
		return StoredResult{}, false, err
	}

	raw, ok := strings.CutPrefix(v, idemResPrefix)
	if !ok {
		return StoredResult{}, false, nil
	}

	var res StoredResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return StoredResult{}, false, fmt.Errorf("redis.IdempotencyStore.GetResult:%w", err)
	}

	return res, true, nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
