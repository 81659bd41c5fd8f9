package cachemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type candidateInput struct {
	SessionID  string
	Candidates []string
}

func countingFetch(calls *int, path string, err error) func(context.Context, candidateInput) (string, error) {
	return func(ctx context.Context, input candidateInput) (string, error) {
		*calls++
		return path, err
	}
}

func TestReadThroughCache_Get_WithCacheDisabled(t *testing.T) {
	calls := 0
	backing := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)

	readThroughCache := NewReadThroughCache[string, string, candidateInput](
		backing,
		countingFetch(&calls, "logs/afk-abc123.log", nil),
		true,
	)

	input := candidateInput{SessionID: "abc123"}

	path, err := readThroughCache.Get(context.Background(), "abc123", input, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "logs/afk-abc123.log", path)

	// Disabled caches never store, so the second lookup fetches again.
	_, err = readThroughCache.Get(context.Background(), "abc123", input, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	_, ok := backing.Get(context.Background(), "abc123")
	require.False(t, ok)
}

func TestReadThroughCache_Get_WithValueInCache(t *testing.T) {
	calls := 0
	backing := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)
	backing.Set(context.Background(), "abc123", "logs/abc123.log", DefaultExpiration)

	readThroughCache := NewReadThroughCache[string, string, candidateInput](
		backing,
		countingFetch(&calls, "logs/afk-abc123.log", nil),
		false,
	)

	path, err := readThroughCache.Get(context.Background(), "abc123", candidateInput{SessionID: "abc123"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "logs/abc123.log", path)
	require.Equal(t, 0, calls)
}

func TestReadThroughCache_Get_EmptyCache(t *testing.T) {
	calls := 0
	backing := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)

	readThroughCache := NewReadThroughCache[string, string, candidateInput](
		backing,
		countingFetch(&calls, "logs/afk-abc123.log", nil),
		false,
	)

	input := candidateInput{SessionID: "abc123"}

	path, err := readThroughCache.Get(context.Background(), "abc123", input, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "logs/afk-abc123.log", path)
	require.Equal(t, 1, calls)

	// The fetched value lands in the cache, so the next lookup is a hit.
	path, err = readThroughCache.Get(context.Background(), "abc123", input, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "logs/afk-abc123.log", path)
	require.Equal(t, 1, calls)
}

func TestReadThroughCache_Get_FetchError(t *testing.T) {
	calls := 0
	backing := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)

	readThroughCache := NewReadThroughCache[string, string, candidateInput](
		backing,
		countingFetch(&calls, "", errors.New("no log file yet")),
		false,
	)

	_, err := readThroughCache.Get(context.Background(), "abc123", candidateInput{SessionID: "abc123"}, time.Minute)
	require.Error(t, err)

	// Errors never poison the cache.
	_, ok := backing.Get(context.Background(), "abc123")
	require.False(t, ok)
}

func TestReadThroughCache_GetWithRefresh_WithValueInCache(t *testing.T) {
	calls := 0
	backing := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)
	backing.Set(context.Background(), "abc123", "logs/abc123.log", DefaultExpiration)

	readThroughCache := NewReadThroughCache[string, string, candidateInput](
		backing,
		countingFetch(&calls, "logs/afk-abc123.log", nil),
		false,
	)

	path, err := readThroughCache.GetWithRefresh(context.Background(), "abc123", candidateInput{SessionID: "abc123"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "logs/abc123.log", path)
	require.Equal(t, 0, calls)
}

func TestReadThroughCache_GetWithRefresh_EmptyCache(t *testing.T) {
	calls := 0
	backing := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)

	readThroughCache := NewReadThroughCache[string, string, candidateInput](
		backing,
		countingFetch(&calls, "logs/afk-abc123.log", nil),
		false,
	)

	path, err := readThroughCache.GetWithRefresh(context.Background(), "abc123", candidateInput{SessionID: "abc123"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "logs/afk-abc123.log", path)
	require.Equal(t, 1, calls)

	got, ok := backing.Get(context.Background(), "abc123")
	require.True(t, ok)
	require.Equal(t, "logs/afk-abc123.log", got)
}

func TestReadThroughCache_GetWithRefresh_FetchError(t *testing.T) {
	calls := 0
	backing := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)

	readThroughCache := NewReadThroughCache[string, string, candidateInput](
		backing,
		countingFetch(&calls, "", errors.New("no log file yet")),
		false,
	)

	_, err := readThroughCache.GetWithRefresh(context.Background(), "abc123", candidateInput{SessionID: "abc123"}, time.Minute)
	require.Error(t, err)
}

func TestReadThroughCache_Invalidate(t *testing.T) {
	calls := 0
	backing := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)

	readThroughCache := NewReadThroughCache[string, string, candidateInput](
		backing,
		countingFetch(&calls, "logs/afk-abc123.log", nil),
		false,
	)

	input := candidateInput{SessionID: "abc123"}

	_, err := readThroughCache.Get(context.Background(), "abc123", input, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	readThroughCache.Invalidate(context.Background(), "abc123")

	_, err = readThroughCache.Get(context.Background(), "abc123", input, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
