package resources

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// expire rewrites an entry's deadline into the past without sweeping, so
// tests can observe lazy eviction deterministically.
func expire(s *Store, uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.entries[uri]; ok {
		res.ExpiresAt = time.Now().Add(-time.Minute)
	}
}

func TestStore_PublishAndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	uri, err := store.Publish(ctx, "session://abc/dockerfile", []byte("FROM alpine\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, "session://abc/dockerfile", uri)

	res, err := store.Read(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("FROM alpine\n"), res.Content)
	assert.Equal(t, SchemeSession, res.Scheme)
	assert.Equal(t, "text/plain", res.MimeType)
	assert.Equal(t, int64(12), res.Size)
	assert.False(t, res.ExpiresAt.IsZero())
}

func TestStore_PublishCopiesContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	content := []byte("FROM alpine\n")
	_, err := store.Publish(ctx, "session://abc/dockerfile", content, nil)
	require.NoError(t, err)

	content[0] = 'X'

	res, err := store.Read(ctx, "session://abc/dockerfile")
	require.NoError(t, err)
	assert.Equal(t, byte('F'), res.Content[0])
}

func TestStore_PublishReplacesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, "session://abc/dockerfile", []byte("v1"), nil)
	require.NoError(t, err)
	_, err = store.Publish(ctx, "session://abc/dockerfile", []byte("v2"), nil)
	require.NoError(t, err)

	res, err := store.Read(ctx, "session://abc/dockerfile")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), res.Content)
}

func TestStore_PublishRejectsInvalidScheme(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Publish(context.Background(), "file://etc/passwd", []byte("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidScheme)
}

func TestStore_PublishRejectsMalformedURI(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Publish(context.Background(), "not-a-uri", []byte("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidURI)
}

func TestStore_PublishRejectsOversizedContent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxContentSize = 16

	store, err := NewStore(cfg, nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Publish(context.Background(), "temp://big", make([]byte, 17), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContentTooLarge)

	// At the limit is accepted.
	_, err = store.Publish(context.Background(), "temp://fits", make([]byte, 16), nil)
	assert.NoError(t, err)
}

func TestStore_PublishZeroTTLNeverExpires(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	noExpiry := time.Duration(0)
	_, err := store.Publish(ctx, "cache://pinned", []byte("x"), &PublishOptions{TTL: &noExpiry})
	require.NoError(t, err)

	res, err := store.GetMetadata(ctx, "cache://pinned")
	require.NoError(t, err)
	assert.True(t, res.ExpiresAt.IsZero())

	negative := -time.Minute
	_, err = store.Publish(ctx, "cache://pinned2", []byte("x"), &PublishOptions{TTL: &negative})
	require.NoError(t, err)

	res, err = store.GetMetadata(ctx, "cache://pinned2")
	require.NoError(t, err)
	assert.True(t, res.ExpiresAt.IsZero())
}

func TestStore_ReadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Read(context.Background(), "session://nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReadExpiredBehavesAsNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, "temp://short-lived", []byte("x"), nil)
	require.NoError(t, err)

	expire(store, "temp://short-lived")

	// No sweep has run; the read itself must observe expiry.
	_, err = store.Read(ctx, "temp://short-lived")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	// The expired entry is gone, not just hidden.
	store.mu.RLock()
	_, exists := store.entries["temp://short-lived"]
	store.mu.RUnlock()
	assert.False(t, exists)
}

func TestStore_GetMetadataOmitsContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, "session://abc/report", []byte(`{"critical":0}`), &PublishOptions{MimeType: "application/json"})
	require.NoError(t, err)

	meta, err := store.GetMetadata(ctx, "session://abc/report")
	require.NoError(t, err)
	assert.Nil(t, meta.Content)
	assert.Equal(t, int64(14), meta.Size)
	assert.Equal(t, "application/json", meta.MimeType)
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, uri := range []string{
		"session://abc/dockerfile",
		"session://abc/manifests/deployment.yaml",
		"session://xyz/dockerfile",
		"cache://base-images",
	} {
		_, err := store.Publish(ctx, uri, []byte("x"), nil)
		require.NoError(t, err)
	}

	uris, err := store.List(ctx, "session://abc/*")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"session://abc/dockerfile",
		"session://abc/manifests/deployment.yaml",
	}, uris)

	all, err := store.List(ctx, "*")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := store.List(ctx, "temp://*")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_ListSkipsAndEvictsExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, "session://abc/live", []byte("x"), nil)
	require.NoError(t, err)
	_, err = store.Publish(ctx, "session://abc/dead", []byte("x"), nil)
	require.NoError(t, err)

	expire(store, "session://abc/dead")

	uris, err := store.List(ctx, "session://abc/*")
	require.NoError(t, err)
	assert.Equal(t, []string{"session://abc/live"}, uris)

	store.mu.RLock()
	_, exists := store.entries["session://abc/dead"]
	store.mu.RUnlock()
	assert.False(t, exists)
}

func TestStore_Invalidate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, uri := range []string{
		"session://abc/dockerfile",
		"session://abc/scan-report",
		"session://xyz/dockerfile",
	} {
		_, err := store.Publish(ctx, uri, []byte("x"), nil)
		require.NoError(t, err)
	}

	removed, err := store.Invalidate(ctx, "session://abc/*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Read(ctx, "session://abc/dockerfile")
	assert.ErrorIs(t, err, ErrNotFound)

	// Unmatched entries survive.
	_, err = store.Read(ctx, "session://xyz/dockerfile")
	assert.NoError(t, err)
}

func TestStore_InvalidateDoesNotCountExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, "temp://live", []byte("x"), nil)
	require.NoError(t, err)
	_, err = store.Publish(ctx, "temp://dead", []byte("x"), nil)
	require.NoError(t, err)

	expire(store, "temp://dead")

	removed, err := store.Invalidate(ctx, "temp://*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestStore_Cleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		uri := fmt.Sprintf("temp://item-%d", i)
		_, err := store.Publish(ctx, uri, []byte("x"), nil)
		require.NoError(t, err)
	}
	expire(store, "temp://item-0")
	expire(store, "temp://item-1")

	assert.Equal(t, 2, store.Cleanup(ctx))
	assert.Equal(t, 0, store.Cleanup(ctx))

	st := store.Stats()
	assert.Equal(t, 1, st.Entries)
}

func TestStore_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, "session://a/x", make([]byte, 100), nil)
	require.NoError(t, err)
	_, err = store.Publish(ctx, "session://a/y", make([]byte, 50), nil)
	require.NoError(t, err)

	st := store.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, int64(150), st.TotalSize)

	// Expired entries drop out of stats even before a sweep.
	expire(store, "session://a/x")
	st = store.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(50), st.TotalSize)
}

func TestStore_Close(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Publish(ctx, "session://a/x", []byte("x"), nil)
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close()) // idempotent

	_, err = store.Publish(ctx, "session://a/y", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, err = store.Read(ctx, "session://a/x")
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, err = store.List(ctx, "*")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				uri := fmt.Sprintf("session://worker-%d/item-%d", n, j)
				if _, err := store.Publish(ctx, uri, []byte("payload"), nil); err != nil {
					t.Error(err)
					return
				}
				if _, err := store.Read(ctx, uri); err != nil {
					t.Error(err)
					return
				}
				if _, err := store.List(ctx, fmt.Sprintf("session://worker-%d/*", n)); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	st := store.Stats()
	assert.Equal(t, 400, st.Entries)
}
