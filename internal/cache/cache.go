package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Cache is a time-bounded key/value store sitting in front of read paths.
// It is never a source of truth: every miss falls through to the store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Cleanup(ctx context.Context) (int, error)
}

// Fetch reads key through c, falling back to load on a miss and caching
// the JSON encoding of its result. Cache failures are logged and ignored so
// the authoritative read always wins.
func Fetch[T any](ctx context.Context, c Cache, logger zerolog.Logger, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var zero T

	if c != nil {
		data, ok, err := c.Get(ctx, key)
		if err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		} else if ok {
			var v T
			if err := json.Unmarshal(data, &v); err == nil {
				return v, nil
			}
			logger.Warn().Str("key", key).Msg("dropping undecodable cache entry")
			_ = c.Delete(ctx, key)
		}
	}

	v, err := load(ctx)
	if err != nil {
		return zero, err
	}

	if c != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return v, fmt.Errorf("failed to encode cache value: %w", err)
		}
		if err := c.Set(ctx, key, data, ttl); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
		}
	}

	return v, nil
}

// Invalidate deletes keys, logging rather than returning failures.
func Invalidate(ctx context.Context, c Cache, logger zerolog.Logger, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.Delete(ctx, keys...); err != nil {
		logger.Warn().Err(err).Strs("keys", keys).Msg("cache invalidation failed")
	}
}

// RunJanitor calls Cleanup every interval until ctx is done. It is owned by
// the process entry point.
func RunJanitor(ctx context.Context, c Cache, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := c.Cleanup(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("cache cleanup failed")
				continue
			}
			if evicted > 0 {
				logger.Debug().Int("evicted", evicted).Msg("cache cleanup")
			}
		}
	}
}

// Key helpers shared by readers and invalidators.

func SessionKey(sessionID string) string { return "session:" + sessionID }

func OwnerSessionsKey(ownerID string) string { return "sessions:owner:" + ownerID }

func SessionImagesKey(sessionID string) string { return "images:" + sessionID }
