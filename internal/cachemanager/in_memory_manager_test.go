package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewInMemoryCacheManager(t *testing.T) {
	require.NotPanics(t, func() {
		NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	})
}

type resolvedLog struct {
	Path   string
	Source string
}

func TestNewInMemoryCacheManager_GetExistingValue_StructType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, resolvedLog]("log-cache", DefaultExpiration, DefaultCleanupInterval)
	resolved := resolvedLog{
		Path: "logs/afk-abc123.log",
	}
	cache.Set(context.Background(), "session:abc123", resolved, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "session:abc123")
	require.True(t, ok)
	require.Equal(t, resolved, got)
}

func TestNewInMemoryCacheManager_GetExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "abc123", "logs/afk-abc123.log", DefaultExpiration)

	got, ok := cache.Get(context.Background(), "abc123")
	require.True(t, ok)
	require.Equal(t, "logs/afk-abc123.log", got)
}

func TestNewInMemoryCacheManager_GetWithNoExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.Get(context.Background(), "abc123")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestNewInMemoryCacheManager_GetWithExistingInvalidValueType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)

	cache.cache.Set("abc123", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "abc123")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestNewInMemoryCacheManager_GetWithRefresh_WithNoExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.GetWithRefresh(context.Background(), "abc123", time.Minute*60)
	require.False(t, ok)
	require.Equal(t, "", got)
}

func TestNewInMemoryCacheManager_GetWithRefresh_WithExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "abc123", "logs/afk-abc123.log", DefaultExpiration)

	got, ok := cache.GetWithRefresh(context.Background(), "abc123", time.Minute*60)
	require.True(t, ok)
	require.Equal(t, "logs/afk-abc123.log", got)
}

func TestNewInMemoryCacheManager_DeleteWithNoKeysDoesNothing(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)

	err := cache.Delete(context.Background())
	require.NoError(t, err)
}

func TestNewInMemoryCacheManager_DeleteExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "abc123", "logs/afk-abc123.log", DefaultExpiration)

	got, ok := cache.Get(context.Background(), "abc123")
	require.True(t, ok)
	require.Equal(t, "logs/afk-abc123.log", got)

	err := cache.Delete(context.Background(), "abc123")
	require.NoError(t, err)

	got, ok = cache.Get(context.Background(), "abc123")
	require.False(t, ok)
	require.Equal(t, "", got)
}

func TestNewInMemoryCacheManager_Flush(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("log-cache", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "abc123", "logs/afk-abc123.log", DefaultExpiration)

	got, ok := cache.Get(context.Background(), "abc123")
	require.True(t, ok)
	require.Equal(t, "logs/afk-abc123.log", got)

	err := cache.Flush(context.Background())
	require.NoError(t, err)

	got, ok = cache.Get(context.Background(), "abc123")
	require.False(t, ok)
	require.Equal(t, "", got)
}
