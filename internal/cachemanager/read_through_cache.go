package cachemanager

import (
	"context"
	"time"
)

// ReadThroughCache pairs a cache with the fetch that fills it. Lookups take
// the cache key and a fetch input separately because the input may carry
// more than the key (the log resolver keys by session id but fetches with
// the full candidate list).
type ReadThroughCache[K ~string, V any, I any] struct {
	cache           CacheManager[K, V]
	fetch           func(ctx context.Context, input I) (V, error)
	shouldSkipCache bool
}

// NewReadThroughCache builds a read-through wrapper. shouldSkipCache turns
// it into a pass-through, which commands with a freshness flag use.
func NewReadThroughCache[K ~string, V any, I any](
	cache CacheManager[K, V],
	fetch func(ctx context.Context, input I) (V, error),
	shouldSkipCache bool,
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{
		cache:           cache,
		fetch:           fetch,
		shouldSkipCache: shouldSkipCache,
	}
}

// Get returns the cached value or fetches and caches it with ttl.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.shouldSkipCache {
		return r.fetch(ctx, input)
	}

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	value, err := r.fetch(ctx, input)
	if err != nil {
		return value, err
	}

	r.cache.Set(ctx, key, value, ttl)

	return value, nil
}

// GetWithRefresh is Get, but a hit also extends the entry's ttl. Follow-mode
// readers use it so an actively tailed session never loses its resolution.
func (r *ReadThroughCache[K, V, I]) GetWithRefresh(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.shouldSkipCache {
		return r.fetch(ctx, input)
	}

	if value, ok := r.cache.GetWithRefresh(ctx, key, ttl); ok {
		return value, nil
	}

	value, err := r.fetch(ctx, input)
	if err != nil {
		return value, err
	}

	r.cache.Set(ctx, key, value, ttl)

	return value, nil
}

// Invalidate drops the cached value for key so the next Get re-fetches.
func (r *ReadThroughCache[K, V, I]) Invalidate(ctx context.Context, key K) {
	if r.cache != nil {
		_ = r.cache.Delete(ctx, key)
	}
}
