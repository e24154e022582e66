package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/issdandavis/spiralverse-protocol/config"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// =============================================================================
// Redis connection
// =============================================================================

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis store connected",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize),
	)
	return client, nil
}

// =============================================================================
// Redis repository
// =============================================================================

// Redis is a Repository whose values live in Redis as JSON.
//
// Updates hold a process-local per-key mutex and commit with
// WATCH/MULTI, so writers in other processes are detected and the update
// is replayed on a fresh read. fn must only mutate its argument.
type Redis[T any] struct {
	client     redis.UniversalClient
	prefix     string
	collection string
	maxRetries int
	locks      sync.Map
	logger     *zap.Logger
}

// NewRedis creates a repository for collection under prefix.
func NewRedis[T any](client redis.UniversalClient, prefix, collection string, logger *zap.Logger) *Redis[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "spiralverse"
	}
	return &Redis[T]{
		client:     client,
		prefix:     prefix,
		collection: collection,
		maxRetries: 16,
		logger:     logger.With(zap.String("component", "redis_store"), zap.String("collection", collection)),
	}
}

func (r *Redis[T]) dataKey(key string) string {
	return r.prefix + ":" + r.collection + ":data:" + key
}

func (r *Redis[T]) indexKey() string {
	return r.prefix + ":" + r.collection + ":index"
}

func (r *Redis[T]) lock(key string) func() {
	v, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Create implements Repository.
func (r *Redis[T]) Create(ctx context.Context, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", r.collection, err)
	}

	unlock := r.lock(key)
	defer unlock()

	var created *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, r.dataKey(key), data, 0)
		pipe.SAdd(ctx, r.indexKey(), key)
		return nil
	})
	if err != nil {
		return err
	}
	if !created.Val() {
		return alreadyExists(r.collection, key)
	}
	return nil
}

// Get implements Repository.
func (r *Redis[T]) Get(ctx context.Context, key string) (T, error) {
	var v T
	data, err := r.client.Get(ctx, r.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, notFound(r.collection, key)
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal %s %q: %w", r.collection, key, err)
	}
	return v, nil
}

// Update implements Repository.
func (r *Redis[T]) Update(ctx context.Context, key string, fn func(*T) error) (T, error) {
	var committed T

	unlock := r.lock(key)
	defer unlock()

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, r.dataKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(r.collection, key)
		}
		if err != nil {
			return err
		}
		var draft T
		if err := json.Unmarshal(data, &draft); err != nil {
			return fmt.Errorf("failed to unmarshal %s %q: %w", r.collection, key, err)
		}
		if err := fn(&draft); err != nil {
			return err
		}
		enc, err := json.Marshal(draft)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", r.collection, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.dataKey(key), enc, 0)
			return nil
		})
		if err == nil {
			committed = draft
		}
		return err
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, r.dataKey(key))
		if err == nil {
			return committed, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			var zero T
			return zero, err
		}
		r.logger.Debug("optimistic update conflict, retrying",
			zap.String("key", key), zap.Int("attempt", attempt+1))
	}
	var zero T
	return zero, types.Errorf(types.ErrConflict, "%s %q: too many concurrent writers", r.collection, key).
		WithRetryable(true)
}

// Delete implements Repository.
func (r *Redis[T]) Delete(ctx context.Context, key string, guard func(T) error) error {
	unlock := r.lock(key)
	defer unlock()

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, r.dataKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(r.collection, key)
		}
		if err != nil {
			return err
		}
		if guard != nil {
			var current T
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("failed to unmarshal %s %q: %w", r.collection, key, err)
			}
			if err := guard(current); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.dataKey(key))
			pipe.SRem(ctx, r.indexKey(), key)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, r.dataKey(key))
		if !errors.Is(err, redis.TxFailedErr) {
			if err == nil {
				r.locks.Delete(key)
			}
			return err
		}
	}
	return types.Errorf(types.ErrConflict, "%s %q: too many concurrent writers", r.collection, key).
		WithRetryable(true)
}

// List implements Repository.
func (r *Redis[T]) List(ctx context.Context) ([]T, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []T{}, nil
	}
	sort.Strings(keys)

	dataKeys := make([]string, len(keys))
	for i, k := range keys {
		dataKeys[i] = r.dataKey(k)
	}
	values, err := r.client.MGet(ctx, dataKeys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(values))
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			// index entry without data: concurrently deleted
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			r.logger.Warn("skipping undecodable entry", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
