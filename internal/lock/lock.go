package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ownershipPrefix = "botd:tenant:lock:"
	heartbeatPrefix = "botd:heartbeat:"

	// singleTenantSegment stands in for the empty single-tenant id in keys.
	singleTenantSegment = "_single"
)

// Store is the subset of an atomic key/value store the orchestrator needs
// for tenant ownership locks and heartbeat records.
type Store interface {
	// SetIfAbsent writes key only if it does not exist. Returns true if written.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	// Renew extends the TTL of key only while it still holds owner.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release deletes key only while it still holds owner.
	Release(ctx context.Context, key, owner string) (bool, error)
}

// OwnershipKey is the lock key guarding a tenant's bot connections.
func OwnershipKey(tenantID string) string {
	return ownershipPrefix + segment(tenantID)
}

// HeartbeatKey is the liveness key a pod refreshes for each tenant it serves.
func HeartbeatKey(podID, tenantID string) string {
	return heartbeatPrefix + podID + ":" + segment(tenantID)
}

func segment(tenantID string) string {
	if tenantID == "" {
		return singleTenantSegment
	}
	return tenantID
}

// renewScript extends a key's expiry only if the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store using Redis SET NX PX and owner-checked scripts
type RedisStore struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// SetIfAbsent tries to take key for value.
// Returns false if another writer already holds it.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis Set: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis Get: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis Del: %w", err)
	}
	return nil
}

func (s *RedisStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.rdb, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis renew: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release: %w", err)
	}
	return n == 1, nil
}
