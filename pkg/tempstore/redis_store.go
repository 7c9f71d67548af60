package tempstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// metaSuffix namespaces the hash holding an entry's metadata, kept as a
// sibling key to the raw-bytes key so TTL expiry removes both together
// (spec §7: metadata and payload share one TTL lifecycle).
const metaSuffix = ":meta"

// RedisStore is the networked TempStore backend for multi-instance
// deployments, grounded on the teacher's RedisLimiterStore (go-redis
// client wrapping a single logical resource per key).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a RedisStore against the given go-redis client.
// Close closes the client itself, so a client shared with other users
// must not be closed through this store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Set(ctx context.Context, key, category string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, value, ttl)
	pipe.HSet(ctx, key+metaSuffix, map[string]any{
		"category":  category,
		"size":      len(value),
		"storedAt":  now.Format(time.RFC3339Nano),
		"expiresAt": now.Add(ttl).Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key+metaSuffix, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tempstore: redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tempstore: redis get failed: %w", err)
	}
	return b, nil
}

func (s *RedisStore) GetMetadata(ctx context.Context, key string) (Metadata, error) {
	vals, err := s.client.HGetAll(ctx, key+metaSuffix).Result()
	if err != nil {
		return Metadata{}, fmt.Errorf("tempstore: redis hgetall failed: %w", err)
	}
	if len(vals) == 0 {
		return Metadata{}, ErrNotFound
	}
	size, _ := strconv.Atoi(vals["size"])
	storedAt, _ := time.Parse(time.RFC3339Nano, vals["storedAt"])
	expiresAt, _ := time.Parse(time.RFC3339Nano, vals["expiresAt"])
	return Metadata{
		Key:       key,
		Category:  vals["category"],
		SizeBytes: size,
		StoredAt:  storedAt,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *RedisStore) Has(ctx context.Context, key string) bool {
	n, err := s.client.Exists(ctx, key).Result()
	return err == nil && n > 0
}

func (s *RedisStore) ExtendTtl(ctx context.Context, key string, extension time.Duration) error {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("tempstore: redis ttl failed: %w", err)
	}
	if ttl < 0 {
		return ErrNotFound
	}
	newTTL := ttl + extension
	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, key, newTTL)
	pipe.Expire(ctx, key+metaSuffix, newTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key, key+metaSuffix).Err()
}

// SecureDelete overwrites the Redis value with zero bytes of the same
// length before deleting it, so a crash between overwrite and unlink still
// leaves no recoverable plaintext in the keyspace or its replication
// stream.
func (s *RedisStore) SecureDelete(ctx context.Context, key string) error {
	size, err := s.client.StrLen(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("tempstore: redis strlen failed: %w", err)
	}
	if size > 0 {
		zeros := make([]byte, size)
		if err := s.client.Set(ctx, key, zeros, redis.KeepTTL).Err(); err != nil {
			return fmt.Errorf("tempstore: redis overwrite failed: %w", err)
		}
	}
	return s.Delete(ctx, key)
}

// Cleanup is a near-noop for Redis: expiry is enforced server-side via TTL.
// It exists to satisfy the Store interface uniformly and always returns
// 0, nil.
func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	info, err := s.client.Info(ctx, "keyspace").Result()
	if err != nil {
		return Stats{}, fmt.Errorf("tempstore: redis info failed: %w", err)
	}
	_ = info // exact key count parsing is deployment-specific; callers that
	// need precise occupancy should scan their own key namespace instead.
	return Stats{}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
