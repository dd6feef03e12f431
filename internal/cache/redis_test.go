package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withMiniredis points the package-level client at a real go-redis client
// backed by an in-process miniredis server, mirroring the teacher's
// notifier_test.go / ws_ticket_test.go setup, and restores the previous
// client on cleanup so other tests in this package aren't affected.
func withMiniredis(t *testing.T) *redis.Client {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	prev := GetClient()
	SetClient(rdb)
	t.Cleanup(func() { SetClient(prev) })

	return rdb
}

type cachedValue struct {
	Name string `json:"name"`
}

func TestAside_PopulatesCacheOnMissThenHitsOnSecondCall(t *testing.T) {
	withMiniredis(t)
	ctx := context.Background()

	loads := 0
	load := func() error { loads++; return nil }

	var first cachedValue
	require.NoError(t, Aside(ctx, "k1", &first, time.Minute, func() error {
		first = cachedValue{Name: "alice"}
		return load()
	}))
	assert.Equal(t, 1, loads)

	var second cachedValue
	require.NoError(t, Aside(ctx, "k1", &second, time.Minute, func() error {
		second = cachedValue{Name: "should-not-run"}
		return load()
	}))
	assert.Equal(t, 1, loads, "a cache hit must not invoke load again")
	assert.Equal(t, "alice", second.Name)
}

func TestAside_FallsBackToLoadWhenNoClientConfigured(t *testing.T) {
	prev := GetClient()
	SetClient(nil)
	t.Cleanup(func() { SetClient(prev) })

	var dest cachedValue
	require.NoError(t, Aside(context.Background(), "k1", &dest, time.Minute, func() error {
		dest = cachedValue{Name: "bob"}
		return nil
	}))
	assert.Equal(t, "bob", dest.Name)
}

func TestInvalidateUser_RemovesCachedEntry(t *testing.T) {
	rdb := withMiniredis(t)
	ctx := context.Background()

	var dest cachedValue
	require.NoError(t, Aside(ctx, UserKey(42), &dest, time.Minute, func() error {
		dest = cachedValue{Name: "carol"}
		return nil
	}))

	exists, err := rdb.Exists(ctx, UserKey(42)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	InvalidateUser(ctx, 42)

	exists, err = rdb.Exists(ctx, UserKey(42)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestInvalidateSession_RemovesCachedEntry(t *testing.T) {
	rdb := withMiniredis(t)
	ctx := context.Background()

	var dest cachedValue
	require.NoError(t, Aside(ctx, SessionKey("client-1"), &dest, time.Minute, func() error {
		dest = cachedValue{Name: "session"}
		return nil
	}))

	InvalidateSession(ctx, "client-1")
	exists, err := rdb.Exists(ctx, SessionKey("client-1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestAside_ExpiredEntryIsReloaded(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	prev := GetClient()
	SetClient(rdb)
	t.Cleanup(func() { SetClient(prev) })

	ctx := context.Background()
	loads := 0
	var dest cachedValue
	require.NoError(t, Aside(ctx, "k-ttl", &dest, time.Second, func() error {
		loads++
		dest = cachedValue{Name: "first"}
		return nil
	}))

	srv.FastForward(2 * time.Second)

	require.NoError(t, Aside(ctx, "k-ttl", &dest, time.Second, func() error {
		loads++
		dest = cachedValue{Name: "second"}
		return nil
	}))
	assert.Equal(t, 2, loads)
	assert.Equal(t, "second", dest.Name)
}
