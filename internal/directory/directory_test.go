package directory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/cs_gateway/internal/fanout"
	"github.com/adred-codev/cs_gateway/internal/store"
	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ fanout.LocalDelivery = (*Directory)(nil)

var connIDs atomic.Uint64

type fakeConn struct {
	id     uint64
	userID string
	role   types.Role
	closed atomic.Bool
	inbox  chan []byte
}

func newConn(userID string, role types.Role) *fakeConn {
	return &fakeConn{id: connIDs.Add(1), userID: userID, role: role, inbox: make(chan []byte, 16)}
}

func (c *fakeConn) ID() uint64       { return c.id }
func (c *fakeConn) UserID() string   { return c.userID }
func (c *fakeConn) Role() types.Role { return c.role }
func (c *fakeConn) Send(p []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.inbox <- p:
		return true
	default:
		return false
	}
}

func (c *fakeConn) next(t *testing.T) string {
	t.Helper()
	select {
	case p := <-c.inbox:
		return string(p)
	case <-time.After(2 * time.Second):
		t.Fatalf("no message for %s", c.userID)
		return ""
	}
}

func (c *fakeConn) empty(t *testing.T) {
	t.Helper()
	select {
	case p := <-c.inbox:
		t.Fatalf("unexpected message for %s: %s", c.userID, p)
	case <-time.After(50 * time.Millisecond):
	}
}

type countingPublisher struct {
	mu    sync.Mutex
	calls []string
}

func (p *countingPublisher) record(s string) error {
	p.mu.Lock()
	p.calls = append(p.calls, s)
	p.mu.Unlock()
	return nil
}

func (p *countingPublisher) PublishUser(_ context.Context, id string, _ []byte) error {
	return p.record("user:" + id)
}
func (p *countingPublisher) PublishGroup(_ context.Context, id string, _ []byte) error {
	return p.record("group:" + id)
}
func (p *countingPublisher) PublishBroadcast(context.Context, []byte) error {
	return p.record("broadcast")
}

func newLocal(t *testing.T, pub Publisher) (*Directory, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return New(Config{NodeID: "node-1", Store: st, Keys: store.NewKeys(""), Publisher: pub, Logger: zerolog.Nop()}), st
}

func TestLocalRoundTrip(t *testing.T) {
	d, _ := newLocal(t, nil)
	ctx := context.Background()
	u := newConn("u1", types.RoleUser)
	d.AddConnection(ctx, "u1", u)

	payload := []byte(`{"type":"CHAT","content":"hi"}`)
	assert.True(t, d.SendMessage(ctx, "u1", payload))
	assert.Equal(t, string(payload), u.next(t))
}

func TestPresenceLifecycle(t *testing.T) {
	d, st := newLocal(t, nil)
	ctx := context.Background()
	keys := store.NewKeys("")
	u := newConn("u1", types.RoleUser)

	d.AddConnection(ctx, "u1", u)
	owner, err := st.Get(ctx, keys.UserServer("u1"))
	require.NoError(t, err)
	assert.Equal(t, "node-1", owner)
	assert.True(t, d.IsOnline(ctx, "u1"))
	assert.EqualValues(t, 1, d.GetOnlineCount(ctx))
	users, err := d.LocalNodeUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	assert.True(t, d.RemoveConnection(ctx, u))
	_, err = st.Get(ctx, keys.UserServer("u1"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, d.IsOnline(ctx, "u1"))
	assert.Zero(t, d.GetOnlineCount(ctx))
	assert.False(t, d.SendMessage(ctx, "u1", []byte("x")))
}

func TestSupersededConnection(t *testing.T) {
	d, _ := newLocal(t, nil)
	ctx := context.Background()
	old := newConn("u1", types.RoleUser)
	fresh := newConn("u1", types.RoleUser)

	assert.Nil(t, d.AddConnection(ctx, "u1", old))
	assert.Equal(t, old, d.AddConnection(ctx, "u1", fresh))
	assert.False(t, d.Owns(old))

	assert.False(t, d.RemoveConnection(ctx, old), "stale connection must not tear down the new one")
	assert.True(t, d.IsOnline(ctx, "u1"))
	assert.True(t, d.SendMessage(ctx, "u1", []byte("m")))
	assert.Equal(t, "m", fresh.next(t))
}

func TestRemoveKeepsPresenceOwnedElsewhere(t *testing.T) {
	d, st := newLocal(t, nil)
	ctx := context.Background()
	keys := store.NewKeys("")
	u := newConn("u1", types.RoleUser)
	d.AddConnection(ctx, "u1", u)

	// The user reconnected to another node before this one noticed.
	require.NoError(t, st.Set(ctx, keys.UserServer("u1"), "node-2", time.Hour))

	d.RemoveConnection(ctx, u)
	owner, err := st.Get(ctx, keys.UserServer("u1"))
	require.NoError(t, err)
	assert.Equal(t, "node-2", owner)
	ok, err := st.SIsMember(ctx, keys.OnlineUsers(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoteDeliveryPublishes(t *testing.T) {
	pub := &countingPublisher{}
	d, st := newLocal(t, pub)
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, store.NewKeys("").UserServer("remote"), "node-2", time.Hour))

	assert.True(t, d.SendMessage(ctx, "remote", []byte("x")))
	assert.False(t, d.SendMessage(ctx, "nobody", []byte("x")))
	assert.Equal(t, []string{"user:remote"}, pub.calls)
}

func TestGroupsAndBroadcast(t *testing.T) {
	pub := &countingPublisher{}
	d, _ := newLocal(t, pub)
	ctx := context.Background()
	a := newConn("a", types.RoleAgent)
	b := newConn("b", types.RoleUser)
	c := newConn("c", types.RoleUser)
	for _, conn := range []*fakeConn{a, b, c} {
		d.AddConnection(ctx, conn.userID, conn)
	}

	assert.True(t, d.AddToGroup("a", "g"))
	assert.True(t, d.AddToGroup("b", "g"))
	assert.False(t, d.AddToGroup("ghost", "g"))
	assert.Equal(t, []string{"a", "b"}, d.GroupMembers("g"))

	assert.Equal(t, 2, d.SendToGroup(ctx, "g", []byte("grp")))
	assert.Equal(t, "grp", a.next(t))
	assert.Equal(t, "grp", b.next(t))
	c.empty(t)

	d.RemoveFromGroup("a", "g")
	d.RemoveConnection(ctx, b)
	assert.Empty(t, d.GroupMembers("g"))

	assert.Equal(t, 2, d.Broadcast(ctx, []byte("all")))
	assert.Equal(t, "all", a.next(t))
	assert.Equal(t, "all", c.next(t))
	assert.Equal(t, []string{"group:g", "broadcast"}, pub.calls)
}

func TestLocalConnectionsInRegistrationOrder(t *testing.T) {
	d, _ := newLocal(t, nil)
	ctx := context.Background()
	for _, id := range []string{"z", "a", "m"} {
		d.AddConnection(ctx, id, newConn(id, types.RoleUser))
	}
	var ids []string
	for _, c := range d.LocalConnections() {
		ids = append(ids, c.UserID())
	}
	assert.Equal(t, []string{"z", "a", "m"}, ids)
	assert.Equal(t, 3, d.LocalCount())
}

func TestRepublishPresenceAfterOutage(t *testing.T) {
	d, st := newLocal(t, nil)
	ctx := context.Background()
	keys := store.NewKeys("")
	d.AddConnection(ctx, "u1", newConn("u1", types.RoleUser))

	require.NoError(t, st.Delete(ctx, keys.UserServer("u1"), keys.OnlineUsers()))
	d.RepublishPresence(ctx)

	owner, err := st.Get(ctx, keys.UserServer("u1"))
	require.NoError(t, err)
	assert.Equal(t, "node-1", owner)
	assert.EqualValues(t, 1, d.GetOnlineCount(ctx))
}

type node struct {
	dir    *Directory
	bridge *fanout.Bridge
}

func startNode(t *testing.T, id string, addr string) node {
	t.Helper()
	keys := store.NewKeys("")
	st := store.NewRedis(store.RedisConfig{Addr: addr})
	t.Cleanup(func() { st.Close() })

	bridge := fanout.NewBridge(fanout.BridgeConfig{
		NodeID: id,
		Bus:    fanout.NewStoreBus(st, keys, zerolog.Nop()),
		Logger: zerolog.Nop(),
	})
	dir := New(Config{NodeID: id, Store: st, Keys: keys, Publisher: bridge, Logger: zerolog.Nop()})
	require.NoError(t, bridge.Start(context.Background(), dir))
	t.Cleanup(func() { bridge.Close() })
	return node{dir: dir, bridge: bridge}
}

func TestTwoNodesShareStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	n1 := startNode(t, "n1", mr.Addr())
	n2 := startNode(t, "n2", mr.Addr())

	u := newConn("U", types.RoleUser)
	a := newConn("A", types.RoleAgent)
	n1.dir.AddConnection(ctx, "U", u)
	n2.dir.AddConnection(ctx, "A", a)

	assert.True(t, n2.dir.IsOnline(ctx, "U"))
	assert.EqualValues(t, 2, n1.dir.GetOnlineCount(ctx))

	assert.True(t, n2.dir.SendMessage(ctx, "U", []byte("from A")))
	assert.Equal(t, "from A", u.next(t))

	n1.dir.Broadcast(ctx, []byte("hello all"))
	assert.Equal(t, "hello all", u.next(t))
	assert.Equal(t, "hello all", a.next(t))
	u.empty(t)

	require.True(t, n2.dir.AddToGroup("A", "ops"))
	n1.dir.SendToGroup(ctx, "ops", []byte("ops msg"))
	assert.Equal(t, "ops msg", a.next(t))
	u.empty(t)
}
