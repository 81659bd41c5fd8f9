// Package cachemanager provides small in-process caches for lookups that
// are cheap to redo but annoying to redo constantly, like resolving which
// log file a session is actually writing to.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a typed cache with per-entry TTLs.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	GetWithRefresh(ctx context.Context, key K, ttl time.Duration) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
}
