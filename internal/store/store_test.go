package store

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisForTest(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewRedis(RedisConfig{Addr: mr.Addr(), Timeout: time.Second})
	t.Cleanup(func() { r.Close() })
	return r, mr
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("redis", func(t *testing.T) {
		r, _ := newRedisForTest(t)
		fn(t, r)
	})
}

func TestStrings(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Set(ctx, "k", "v1", 0))
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)

		ok, err := s.SetNX(ctx, "k", "v2", 0)
		require.NoError(t, err)
		assert.False(t, ok, "set-if-absent must not overwrite")

		ok, err = s.SetNX(ctx, "k2", "v2", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		deleted, err := s.DeleteIfEquals(ctx, "k", "other")
		require.NoError(t, err)
		assert.False(t, deleted)
		deleted, err = s.DeleteIfEquals(ctx, "k", "v1")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Delete(ctx, "k2", "missing"))
		_, err = s.Get(ctx, "k2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCounters(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := int64(1); i <= 2; i++ {
			n, ok, err := s.IncrIfBelow(ctx, "load", 2)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, i, n)
		}
		_, ok, err := s.IncrIfBelow(ctx, "load", 2)
		require.NoError(t, err)
		assert.False(t, ok, "counter at limit must not grow")

		n, err := s.DecrIfPositive(ctx, "load")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		s.DecrIfPositive(ctx, "load")
		n, err = s.DecrIfPositive(ctx, "load")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "counter never goes negative")

		n, err = s.DecrIfPositive(ctx, "never-set")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		n, err = s.Incr(ctx, "plain")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestSetsAndSortedSets(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.SAdd(ctx, "set", "a", "b", "a"))
		card, err := s.SCard(ctx, "set")
		require.NoError(t, err)
		assert.Equal(t, int64(2), card)

		members, err := s.SMembers(ctx, "set")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, members)

		isMember, err := s.SIsMember(ctx, "set", "b")
		require.NoError(t, err)
		assert.True(t, isMember)

		require.NoError(t, s.SRem(ctx, "set", "a", "b"))
		card, _ = s.SCard(ctx, "set")
		assert.Zero(t, card)

		require.NoError(t, s.ZAdd(ctx, "z", 3, "c"))
		require.NoError(t, s.ZAdd(ctx, "z", 1, "a"))
		require.NoError(t, s.ZAdd(ctx, "z", 2, "b"))

		asc, err := s.ZRange(ctx, "z", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, asc)

		desc, err := s.ZRevRange(ctx, "z", 0, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, desc)

		require.NoError(t, s.ZRem(ctx, "z", "b"))
		zc, _ := s.ZCard(ctx, "z")
		assert.Equal(t, int64(2), zc)
	})
}

func TestLists(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.LPush(ctx, "l", "1"))
		require.NoError(t, s.LPush(ctx, "l", "2"))
		require.NoError(t, s.LPush(ctx, "l", "3"))

		all, err := s.LRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"3", "2", "1"}, all, "newest first")

		page, err := s.LRange(ctx, "l", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, page)

		n, _ := s.LLen(ctx, "l")
		assert.Equal(t, int64(3), n)
	})
}

func TestPubSub(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		keys := NewKeys("")

		sub, err := s.PSubscribe(ctx, keys.BroadcastChannel(), keys.UserChannelPattern())
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, s.Publish(ctx, keys.UserChannel("u1"), []byte("hello")))
		require.NoError(t, s.Publish(ctx, keys.GroupChannel("g1"), []byte("ignored")))
		require.NoError(t, s.Publish(ctx, keys.BroadcastChannel(), []byte("all")))

		got := make([]Message, 0, 2)
		timeout := time.After(2 * time.Second)
		for len(got) < 2 {
			select {
			case m := <-sub.Messages():
				got = append(got, m)
			case <-timeout:
				t.Fatalf("received %d of 2 messages", len(got))
			}
		}
		assert.Equal(t, "websocket:user:u1", got[0].Channel)
		assert.Equal(t, []byte("hello"), got[0].Payload)
		assert.Equal(t, "websocket:broadcast", got[1].Channel)
	})
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "p", "node-a", time.Minute))
	require.NoError(t, m.SAdd(ctx, "s", "x"))
	require.NoError(t, m.Expire(ctx, "s", time.Minute))

	now = now.Add(2 * time.Minute)

	_, err := m.Get(ctx, "p")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, m.Sweep(), "set key swept")
}

func TestRedisPresenceTTL(t *testing.T) {
	r, mr := newRedisForTest(t)
	ctx := context.Background()
	keys := NewKeys("")

	require.NoError(t, r.Set(ctx, keys.UserServer("u1"), "node-a", 24*time.Hour))
	assert.Equal(t, 24*time.Hour, mr.TTL(keys.UserServer("u1")))

	mr.FastForward(25 * time.Hour)
	_, err := r.Get(ctx, keys.UserServer("u1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, channel string
		want             bool
	}{
		{"websocket:user:*", "websocket:user:42", true},
		{"websocket:user:*", "websocket:group:42", false},
		{"websocket:broadcast", "websocket:broadcast", true},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"*", "", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, matchPattern(c.pattern, c.channel), "%s ~ %s", c.pattern, c.channel)
	}
}

func TestFailoverDegradesAndRestores(t *testing.T) {
	r, mr := newRedisForTest(t)
	local := NewMemory()
	f := NewFailover(r, local, FailoverConfig{ProbeInterval: time.Hour, Logger: zerolog.Nop()})
	ctx := context.Background()

	var restored int
	var mu sync.Mutex
	f.OnRestore(func(context.Context) {
		mu.Lock()
		restored++
		mu.Unlock()
	})

	require.NoError(t, f.Set(ctx, "user:server:u1", "node-a", time.Hour))
	assert.Equal(t, Distributed, f.Mode())

	v, err := local.Get(ctx, "user:server:u1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", v, "healthy writes are mirrored locally")

	mr.Close()

	v, err = f.Get(ctx, "user:server:u1")
	require.NoError(t, err, "reads fall back to the mirror")
	assert.Equal(t, "node-a", v)
	assert.Equal(t, LocalOnly, f.Mode())
	assert.True(t, f.Degraded())

	require.NoError(t, f.SAdd(ctx, "online", "u2"), "writes keep working while degraded")
	assert.False(t, f.Probe(ctx), "primary still down")

	require.NoError(t, mr.Restart())
	assert.True(t, f.Probe(ctx))
	assert.Equal(t, Distributed, f.Mode())

	mu.Lock()
	assert.Equal(t, 1, restored)
	mu.Unlock()
}

func TestFailoverKeepsServerErrors(t *testing.T) {
	r, _ := newRedisForTest(t)
	f := NewFailover(r, NewMemory(), FailoverConfig{Logger: zerolog.Nop()})
	ctx := context.Background()

	require.NoError(t, f.SAdd(ctx, "a-set", "x"))
	_, err := f.Incr(ctx, "a-set")
	assert.Error(t, err, "WRONGTYPE reply is returned to the caller")
	assert.False(t, f.Degraded(), "a server reply is not an outage")

	_, err = f.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.Degraded())
}

// hungListener accepts connections and never answers them.
func hungListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	return ln.Addr().String()
}

func TestFailoverDegradesOnHungPrimary(t *testing.T) {
	r := NewRedis(RedisConfig{Addr: hungListener(t), Timeout: 200 * time.Millisecond})
	t.Cleanup(func() { r.Close() })
	f := NewFailover(r, NewMemory(), FailoverConfig{ProbeInterval: time.Hour, Logger: zerolog.Nop()})

	// The caller's budget matches the per-call timeout, so it runs out mid-call.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, f.Set(ctx, "user:server:u1", "node-a", time.Hour), "write lands in the mirror")
	assert.True(t, f.Degraded())
	assert.Equal(t, LocalOnly, f.Mode())

	v, err := f.Get(context.Background(), "user:server:u1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", v)
	assert.Less(t, time.Since(start), 2*time.Second, "degraded calls do not wait on the primary")
}

func TestFailoverIgnoresSpentCallerContext(t *testing.T) {
	r := NewRedis(RedisConfig{Addr: hungListener(t), Timeout: 200 * time.Millisecond})
	t.Cleanup(func() { r.Close() })
	f := NewFailover(r, NewMemory(), FailoverConfig{ProbeInterval: time.Hour, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, f.Set(ctx, "k", "v", 0))
	assert.False(t, f.Degraded(), "a cancelled caller is not an outage")
}

func TestFailoverSubscriptionReceivesFromPrimary(t *testing.T) {
	r, _ := newRedisForTest(t)
	f := NewFailover(r, NewMemory(), FailoverConfig{Logger: zerolog.Nop()})
	ctx := context.Background()

	sub, err := f.PSubscribe(ctx, "websocket:user:*")
	require.NoError(t, err)
	defer sub.Close()

	other := NewRedis(RedisConfig{Addr: r.client.Options().Addr})
	defer other.Close()
	require.NoError(t, other.Publish(ctx, "websocket:user:u9", []byte("x")))

	select {
	case m := <-sub.Messages():
		assert.Equal(t, "websocket:user:u9", m.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("no message from primary")
	}
}
