package balancer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/cs_gateway/internal/conversation"
	"github.com/adred-codev/cs_gateway/internal/directory"
	"github.com/adred-codev/cs_gateway/internal/messaging"
	"github.com/adred-codev/cs_gateway/internal/store"
	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var connIDs atomic.Uint64

type fakeConn struct {
	id     uint64
	userID string
	role   types.Role

	mu   sync.Mutex
	msgs []*messaging.Envelope
}

func (c *fakeConn) ID() uint64       { return c.id }
func (c *fakeConn) UserID() string   { return c.userID }
func (c *fakeConn) Role() types.Role { return c.role }
func (c *fakeConn) Send(p []byte) bool {
	env, err := messaging.Decode(p)
	if err != nil {
		return false
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, env)
	c.mu.Unlock()
	return true
}

func (c *fakeConn) received(t messaging.Type) []*messaging.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*messaging.Envelope
	for _, m := range c.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	st    store.Store
	dir   *directory.Directory
	convs *conversation.Store
	b     *Balancer
}

func newFixture(t *testing.T, capacity int64) *fixture {
	t.Helper()
	st := store.NewMemory()
	keys := store.NewKeys("")
	dir := directory.New(directory.Config{NodeID: "n1", Store: st, Keys: keys, Logger: zerolog.Nop()})
	convs := conversation.NewStore(st, keys, zerolog.Nop())
	b := New(Config{
		Store:            st,
		Keys:             keys,
		Directory:        dir,
		Conversations:    convs,
		MaxUsersPerAgent: capacity,
		Logger:           zerolog.Nop(),
	})
	return &fixture{t: t, ctx: context.Background(), st: st, dir: dir, convs: convs, b: b}
}

func (f *fixture) connect(userID string, role types.Role) *fakeConn {
	c := &fakeConn{id: connIDs.Add(1), userID: userID, role: role}
	f.dir.AddConnection(f.ctx, userID, c)
	return c
}

func (f *fixture) agent(id string) *fakeConn {
	c := f.connect(id, types.RoleAgent)
	f.b.RegisterAgent(f.ctx, id)
	return c
}

func TestAssignIsIdempotent(t *testing.T) {
	f := newFixture(t, 5)
	a := f.agent("A")
	u := f.connect("U1", types.RoleUser)

	assert.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U1"))
	assert.EqualValues(t, 1, f.b.GetAgentLoad(f.ctx, "A"))
	assert.Equal(t, "A", f.b.GetAgentForUser(f.ctx, "U1"))

	assert.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U1"))
	assert.EqualValues(t, 1, f.b.GetAgentLoad(f.ctx, "A"))
	assert.Equal(t, []string{"U1"}, f.b.GetUsersForAgent(f.ctx, "A"))

	require.Len(t, u.received(messaging.TypeCSAssign), 1)
	assert.Equal(t, "You have been assigned to agent: A", u.received(messaging.TypeCSAssign)[0].Content)
	assert.Equal(t, messaging.SenderSystem, u.received(messaging.TypeCSAssign)[0].SenderID)
	require.Len(t, a.received(messaging.TypeUserJoin), 1)
	assert.Equal(t, "User U1 connected, waiting for service", a.received(messaging.TypeUserJoin)[0].Content)
}

func TestCapacityLimitsAssignments(t *testing.T) {
	f := newFixture(t, 3)
	f.agent("A")

	var assigned, waiting int
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("U%d", i)
		f.connect(id, types.RoleUser)
		if f.b.AssignCustomerService(f.ctx, id) == "A" {
			assigned++
		} else {
			waiting++
		}
		assert.LessOrEqual(t, f.b.GetAgentLoad(f.ctx, "A"), f.b.MaxUsersPerAgent())
	}
	assert.Equal(t, 3, assigned)
	assert.Equal(t, 2, waiting)
	assert.Equal(t, []string{"U4", "U5"}, f.b.WaitingUsers(f.ctx))
}

func TestNoAgentsQueuesUser(t *testing.T) {
	f := newFixture(t, 3)
	f.connect("U1", types.RoleUser)
	assert.Empty(t, f.b.AssignCustomerService(f.ctx, "U1"))
	assert.Equal(t, []string{"U1"}, f.b.WaitingUsers(f.ctx))

	f.b.RemoveUserFromAgent(f.ctx, "U1")
	assert.Empty(t, f.b.WaitingUsers(f.ctx))
}

func TestLeastLoadedAgentWins(t *testing.T) {
	f := newFixture(t, 5)
	f.agent("A")
	f.connect("U1", types.RoleUser)
	require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U1"))

	f.agent("B")
	f.connect("U2", types.RoleUser)
	assert.Equal(t, "B", f.b.AssignCustomerService(f.ctx, "U2"))

	// Equal load: ties go to the lower id.
	f.connect("U3", types.RoleUser)
	assert.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U3"))
}

func TestUnregisterReassignsUsers(t *testing.T) {
	f := newFixture(t, 5)
	f.agent("A")
	u1 := f.connect("U1", types.RoleUser)
	u2 := f.connect("U2", types.RoleUser)
	require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U1"))
	require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U2"))
	f.agent("B")

	f.b.UnregisterAgent(f.ctx, "A")

	assert.Equal(t, []string{"B"}, f.b.GetAllOnlineAgents(f.ctx))
	assert.False(t, f.b.IsAgent(f.ctx, "A"))
	assert.Zero(t, f.b.GetAgentLoad(f.ctx, "A"))
	for _, u := range []*fakeConn{u1, u2} {
		assert.Equal(t, "B", f.b.GetAgentForUser(f.ctx, u.userID))
		notices := u.received(messaging.TypeSystem)
		require.Len(t, notices, 1)
		assert.Equal(t, messaging.TextReassigning, notices[0].Content)
	}
	assert.EqualValues(t, 2, f.b.GetAgentLoad(f.ctx, "B"))
}

func TestUnregisterLastAgentLeavesUsersUnassigned(t *testing.T) {
	f := newFixture(t, 5)
	f.agent("A")
	f.connect("U1", types.RoleUser)
	require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U1"))

	f.b.UnregisterAgent(f.ctx, "A")
	assert.Empty(t, f.b.GetAgentForUser(f.ctx, "U1"))
	assert.Empty(t, f.b.GetAllOnlineAgents(f.ctx))
	assert.Equal(t, []string{"U1"}, f.b.WaitingUsers(f.ctx))
}

func TestBackfillOnAgentRegistration(t *testing.T) {
	f := newFixture(t, 1)
	f.agent("A1")
	f.connect("U1", types.RoleUser)
	require.Equal(t, "A1", f.b.AssignCustomerService(f.ctx, "U1"))

	u2 := f.connect("U2", types.RoleUser)
	assert.Empty(t, f.b.AssignCustomerService(f.ctx, "U2"))

	f.agent("A2")
	assert.Equal(t, "A2", f.b.GetAgentForUser(f.ctx, "U2"))
	assert.EqualValues(t, 1, f.b.GetAgentLoad(f.ctx, "A2"))
	assert.Len(t, u2.received(messaging.TypeCSAssign), 1)
	assert.Empty(t, f.b.WaitingUsers(f.ctx))
}

func TestBackfillStopsAtCapacity(t *testing.T) {
	f := newFixture(t, 2)
	for _, id := range []string{"U1", "U2", "U3"} {
		f.connect(id, types.RoleUser)
		f.b.AssignCustomerService(f.ctx, id)
	}
	f.agent("A")

	assert.EqualValues(t, 2, f.b.GetAgentLoad(f.ctx, "A"))
	assert.Equal(t, []string{"U1", "U2"}, f.b.GetUsersForAgent(f.ctx, "A"))
	assert.Equal(t, []string{"U3"}, f.b.WaitingUsers(f.ctx))
}

func TestBackfillFromClusterWaitingQueue(t *testing.T) {
	f := newFixture(t, 5)
	keys := store.NewKeys("")
	// A user connected to another node and queued there.
	require.NoError(t, f.st.SAdd(f.ctx, keys.OnlineUsers(), "remote"))
	require.NoError(t, f.st.ZAdd(f.ctx, keys.Waiting(), 1, "remote"))
	// A queued user whose node died.
	require.NoError(t, f.st.ZAdd(f.ctx, keys.Waiting(), 2, "gone"))

	f.agent("A")
	assert.Equal(t, "A", f.b.GetAgentForUser(f.ctx, "remote"))
	assert.Empty(t, f.b.GetAgentForUser(f.ctx, "gone"))
	assert.Empty(t, f.b.WaitingUsers(f.ctx))
}

func TestRemoveUserFromAgent(t *testing.T) {
	f := newFixture(t, 5)
	a := f.agent("A")
	f.connect("U1", types.RoleUser)
	require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U1"))

	f.b.RemoveUserFromAgent(f.ctx, "U1")
	assert.Empty(t, f.b.GetAgentForUser(f.ctx, "U1"))
	assert.Zero(t, f.b.GetAgentLoad(f.ctx, "A"))
	assert.Empty(t, f.b.GetUsersForAgent(f.ctx, "A"))
	leave := a.received(messaging.TypeUserLeave)
	require.Len(t, leave, 1)
	assert.Equal(t, "User U1 left", leave[0].Content)

	// A second removal is a no-op and the load stays at zero.
	f.b.RemoveUserFromAgent(f.ctx, "U1")
	assert.Zero(t, f.b.GetAgentLoad(f.ctx, "A"))
	assert.Len(t, a.received(messaging.TypeUserLeave), 1)
}

func TestReregisterKeepsLoad(t *testing.T) {
	f := newFixture(t, 5)
	f.agent("A")
	f.connect("U1", types.RoleUser)
	require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U1"))

	f.b.RegisterAgent(f.ctx, "A")
	assert.EqualValues(t, 1, f.b.GetAgentLoad(f.ctx, "A"))
}

func TestCapacityChangeIsNotRetroactive(t *testing.T) {
	f := newFixture(t, 3)
	f.agent("A")
	for _, id := range []string{"U1", "U2", "U3"} {
		f.connect(id, types.RoleUser)
		require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, id))
	}

	f.b.SetMaxUsersPerAgent(1)
	assert.EqualValues(t, 1, f.b.MaxUsersPerAgent())
	assert.EqualValues(t, 3, f.b.GetAgentLoad(f.ctx, "A"))
	assert.Len(t, f.b.GetUsersForAgent(f.ctx, "A"), 3)

	f.connect("U4", types.RoleUser)
	assert.Empty(t, f.b.AssignCustomerService(f.ctx, "U4"))

	f.b.SetMaxUsersPerAgent(0)
	assert.EqualValues(t, 1, f.b.MaxUsersPerAgent(), "non-positive capacity is ignored")
}

func TestConversationTracking(t *testing.T) {
	f := newFixture(t, 5)
	f.agent("A")
	f.connect("U1", types.RoleUser)
	require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U1"))

	c, err := f.convs.Active(f.ctx, "U1", "A")
	require.NoError(t, err)
	assert.Equal(t, "user", c.CreatorRole)
	assert.EqualValues(t, 1, f.b.ActiveSessionsCount(f.ctx))

	userMsg := messaging.New(messaging.TypeChat, "help", "U1", "A")
	agentMsg := messaging.New(messaging.TypeChat, "sure", "A", "U1")
	f.b.RecordChat(f.ctx, userMsg, types.RoleUser)
	f.b.RecordChat(f.ctx, agentMsg, types.RoleAgent)
	// Outside any conversation: dropped.
	f.b.RecordChat(f.ctx, messaging.New(messaging.TypeChat, "x", "A", "stranger"), types.RoleAgent)

	msgs, err := f.convs.Messages(f.ctx, c.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "sure", msgs[0].Content)
	assert.Equal(t, "agent", msgs[0].SenderRole)
	assert.Equal(t, agentMsg.MessageID, msgs[0].MessageID)
	assert.Equal(t, "help", msgs[1].Content)

	// Reassignment to the same pair reuses the open conversation.
	f.b.RemoveUserFromAgent(f.ctx, "U1")
	require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U1"))
	again, err := f.convs.Active(f.ctx, "U1", "A")
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)

	ended, err := f.b.EndConversation(f.ctx, c.ID, conversation.EndTypeAgent)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusClosed, ended.Status)
	assert.Zero(t, f.b.ActiveSessionsCount(f.ctx))
}

func TestConcurrentNodesNeverOvershootCapacity(t *testing.T) {
	mr := miniredis.RunT(t)
	keys := store.NewKeys("")
	ctx := context.Background()
	const capacity = 5

	var balancers []*Balancer
	for i := 0; i < 2; i++ {
		st := store.NewRedis(store.RedisConfig{Addr: mr.Addr()})
		t.Cleanup(func() { st.Close() })
		dir := directory.New(directory.Config{NodeID: fmt.Sprintf("n%d", i), Store: st, Keys: keys, Logger: zerolog.Nop()})
		balancers = append(balancers, New(Config{
			Store:            st,
			Keys:             keys,
			Directory:        dir,
			MaxUsersPerAgent: capacity,
			Logger:           zerolog.Nop(),
		}))
	}
	balancers[0].RegisterAgent(ctx, "A")

	var wg sync.WaitGroup
	var assigned atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if balancers[i%2].AssignCustomerService(ctx, fmt.Sprintf("U%d", i)) != "" {
				assigned.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, capacity, assigned.Load())
	assert.EqualValues(t, capacity, balancers[1].GetAgentLoad(ctx, "A"))
	assert.Len(t, balancers[1].GetUsersForAgent(ctx, "A"), capacity)
}

// deadlineStore fails calls whose ctx is already done, the way a networked
// store does. With stallClaims set, SetNX applies and then holds the call
// until ctx expires.
//
// With lateClaims set, SetNX applies, holds until ctx expires and then
// reports ctx.Err(), the way a network client does when the reply arrives
// after the deadline.
type deadlineStore struct {
	*store.Memory
	stallClaims atomic.Bool
	lateClaims  atomic.Bool
}

func (s *deadlineStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.Memory.SetNX(ctx, key, value, ttl)
	switch {
	case s.lateClaims.Load():
		<-ctx.Done()
		return false, ctx.Err()
	case s.stallClaims.Load():
		<-ctx.Done()
	}
	return ok, err
}

func (s *deadlineStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Memory.Get(ctx, key)
}

func (s *deadlineStore) IncrIfBelow(ctx context.Context, key string, limit int64) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	return s.Memory.IncrIfBelow(ctx, key, limit)
}

func (s *deadlineStore) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Memory.DeleteIfEquals(ctx, key, value)
}

func (s *deadlineStore) SAdd(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Memory.SAdd(ctx, key, members...)
}

func (s *deadlineStore) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.SMembers(ctx, key)
}

func newDeadlineFixture(t *testing.T, capacity int64) (*fixture, *deadlineStore) {
	t.Helper()
	mem := store.NewMemory()
	st := &deadlineStore{Memory: mem}
	keys := store.NewKeys("")
	dir := directory.New(directory.Config{NodeID: "n1", Store: mem, Keys: keys, Logger: zerolog.Nop()})
	b := New(Config{
		Store:            st,
		Keys:             keys,
		Directory:        dir,
		MaxUsersPerAgent: capacity,
		StepTimeout:      time.Second,
		Logger:           zerolog.Nop(),
	})
	return &fixture{t: t, ctx: context.Background(), st: st, dir: dir, b: b}, st
}

// assertConsistent checks that agentID's load, user set and the users'
// mappings agree.
func (f *fixture) assertConsistent(agentID string, userIDs ...string) {
	f.t.Helper()
	users := f.b.GetUsersForAgent(f.ctx, agentID)
	assert.EqualValues(f.t, len(users), f.b.GetAgentLoad(f.ctx, agentID), "load matches user set of %s", agentID)
	for _, u := range userIDs {
		mapped := f.b.GetAgentForUser(f.ctx, u) == agentID
		assert.Equal(f.t, mapped, contains(users, u), "mapping and user set agree for %s", u)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestClaimFinishesWhenCallerDeadlineExpires(t *testing.T) {
	f, st := newDeadlineFixture(t, 5)
	f.agent("A")
	f.connect("U1", types.RoleUser)

	st.stallClaims.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got := f.b.AssignCustomerService(ctx, "U1")
	st.stallClaims.Store(false)

	assert.Equal(t, "A", got)
	assert.Equal(t, "A", f.b.GetAgentForUser(f.ctx, "U1"))
	assert.EqualValues(t, 1, f.b.GetAgentLoad(f.ctx, "A"))
	assert.Equal(t, []string{"U1"}, f.b.GetUsersForAgent(f.ctx, "A"))
	f.assertConsistent("A", "U1")
}

func TestAgentChangesRunPastExpiredCaller(t *testing.T) {
	f, _ := newDeadlineFixture(t, 5)
	f.agent("A")
	users := []string{"U1", "U2", "U3"}
	for _, u := range users {
		f.connect(u, types.RoleUser)
		require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, u))
	}
	f.connect("B", types.RoleAgent)

	expired, cancel := context.WithCancel(context.Background())
	cancel()

	f.b.RegisterAgent(expired, "B")
	assert.True(t, f.b.IsAgent(f.ctx, "B"))

	f.b.UnregisterAgent(expired, "A")
	for _, u := range users {
		assert.Equal(t, "B", f.b.GetAgentForUser(f.ctx, u), "%s reassigned", u)
	}
	assert.EqualValues(t, 3, f.b.GetAgentLoad(f.ctx, "B"))
	f.assertConsistent("B", users...)
	f.assertConsistent("A", users...)
}

func TestClaimWithLostReplyIsReleased(t *testing.T) {
	f, st := newDeadlineFixture(t, 5)
	f.agent("A")
	f.connect("U1", types.RoleUser)

	st.lateClaims.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got := f.b.AssignCustomerService(ctx, "U1")
	st.lateClaims.Store(false)

	assert.Equal(t, "", got)
	assert.Equal(t, "", f.b.GetAgentForUser(f.ctx, "U1"), "claim released")
	assert.EqualValues(t, 0, f.b.GetAgentLoad(f.ctx, "A"))
	assert.Empty(t, f.b.GetUsersForAgent(f.ctx, "A"))
	f.assertConsistent("A", "U1")

	// The user can still be assigned once the store answers in time.
	require.Equal(t, "A", f.b.AssignCustomerService(f.ctx, "U1"))
	assert.EqualValues(t, 1, f.b.GetAgentLoad(f.ctx, "A"))
	f.assertConsistent("A", "U1")
}
