package xcache

import (
	"context"
	"time"

	cachelib "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	gocache "github.com/patrickmn/go-cache"

	"github.com/wireloom/llamaserve/internal/log"
)

// Cache aliases the gocache CacheInterface so callers depend on xcache
// without importing eko/gocache directly:
//   - Get(ctx, key) (T, error)
//   - Set(ctx, key, value, options ...Option) error
//   - Delete(ctx, key) error
//   - Invalidate(ctx, options ...store.InvalidateOption) error
//   - Clear(ctx) error
type Cache[T any] = cachelib.CacheInterface[T]

type SetterCache[T any] = cachelib.SetterCacheInterface[T]

// NewMemory creates a pure in-memory cache using patrickmn/go-cache as the
// backend. Pass an existing *gocache.Cache so the caller controls default
// expiration & cleanup interval.
func NewMemory[T any](client *gocache.Cache, options ...Option) SetterCache[T] {
	s := gocache_store.NewGoCache(client, options...)
	return cachelib.New[T](s)
}

// NewFromConfig builds a typed cache from cfg. Mode "memory" builds an
// in-process cache; anything else (including empty) returns a noop cache so
// callers never need a nil check.
func NewFromConfig[T any](cfg Config) Cache[T] {
	switch cfg.Mode {
	case ModeMemory:
		exp := defaultIfZero(cfg.Memory.Expiration, 30*time.Minute)
		cleanup := defaultIfZero(cfg.Memory.CleanupInterval, 10*time.Minute)

		client := gocache.New(exp, cleanup)
		s := gocache_store.NewGoCache(client, store.WithExpiration(exp))

		log.Info(context.Background(), "cache configured", log.String("mode", cfg.Mode))

		return cachelib.New[T](s)
	default:
		log.Info(context.Background(), "cache disabled")
		return NewNoop[T]()
	}
}

func defaultIfZero(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}

	return d
}
