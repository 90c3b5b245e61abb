package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), srv, client
}

func TestVersionInitialisesPerTenant(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	v, err := c.Version(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, c.Bump(ctx, "t1"))
	v, err = c.Version(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	other, err := c.Version(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestBuildKeyCarriesVersion(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	key, err := c.BuildKey(ctx, "t1", "tb", "all")
	require.NoError(t, err)
	assert.Equal(t, "ledger:t1:reports:tb:all:v1", key)

	require.NoError(t, c.Bump(ctx, "t1"))
	key, err = c.BuildKey(ctx, "t1", "tb", "all")
	require.NoError(t, err)
	assert.Equal(t, "ledger:t1:reports:tb:all:v2", key)
}

func TestFetchJSONCachesUntilBump(t *testing.T) {
	c, srv, _ := newTestCache(t)
	ctx := context.Background()
	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]int{"calls": calls}, nil
	}

	fetch := func() map[string]int {
		key, err := c.BuildKey(ctx, "t1", "probe")
		require.NoError(t, err)
		var out map[string]int
		require.NoError(t, c.FetchJSON(ctx, key, &out, loader))
		return out
	}

	assert.Equal(t, 1, fetch()["calls"])
	assert.Equal(t, 1, fetch()["calls"])
	assert.Equal(t, 1, calls)
	assert.True(t, srv.Exists("ledger:t1:reports:probe:v1"))

	require.NoError(t, c.Bump(ctx, "t1"))
	assert.Equal(t, 2, fetch()["calls"])
	assert.Equal(t, 2, calls)
}

func TestFetchJSONDoesNotCacheLoaderErrors(t *testing.T) {
	c, srv, _ := newTestCache(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var out map[string]int
	err := c.FetchJSON(ctx, "k", &out, func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, srv.Exists("k"))
}

func TestNilCachePassesThrough(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	key, err := c.BuildKey(ctx, "t1", "tb")
	require.NoError(t, err)
	assert.Equal(t, "ledger:t1:reports:tb", key)
	require.NoError(t, c.Bump(ctx, "t1"))

	var out []string
	require.NoError(t, c.FetchJSON(ctx, key, &out, func(context.Context) (any, error) {
		return []string{"a"}, nil
	}))
	assert.Equal(t, []string{"a"}, out)
}

func TestListenForInvalidationMirrorsBumps(t *testing.T) {
	origin, _, originClient := newTestCache(t)
	mirror, _, mirrorClient := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan int64, 4)
	require.NoError(t, mirror.ListenForInvalidation(ctx, originClient, func(tenantID string, ver int64) {
		if tenantID == "t1" {
			seen <- ver
		}
	}))

	require.NoError(t, origin.Bump(ctx, "t1"))
	require.NoError(t, origin.Bump(ctx, "t1"))

	var last int64
	for last < 2 {
		select {
		case last = <-seen:
		case <-time.After(2 * time.Second):
			t.Fatal("bump not received")
		}
	}
	ver, err := mirrorClient.Get(ctx, versionKey("t1")).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)
}

func TestParseBump(t *testing.T) {
	tenant, ver, ok := parseBump("acme:west:7")
	require.True(t, ok)
	assert.Equal(t, "acme:west", tenant)
	assert.Equal(t, int64(7), ver)

	_, _, ok = parseBump("garbage")
	assert.False(t, ok)
	_, _, ok = parseBump("t1:x")
	assert.False(t, ok)
}
