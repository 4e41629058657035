// Package directory tracks which node holds each user's connection and
// delivers payloads to users, groups and everyone.
//
// Local connections live in this process. Presence (userId -> nodeId), the
// cluster online set and this node's user set live in the shared store.
// Anything not deliverable here is handed to a Publisher so the owning node
// can deliver it. Group membership is per node and never replicated.
package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/adred-codev/cs_gateway/internal/store"
	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/rs/zerolog"
)

// DefaultPresenceTTL bounds how long a presence record outlives a node that
// died without cleaning up.
const DefaultPresenceTTL = 24 * time.Hour

// Conn is a live connection as the directory sees it.
type Conn interface {
	ID() uint64
	UserID() string
	Role() types.Role
	// Send queues payload for the transport. False means the connection is
	// closed or its queue is full.
	Send(payload []byte) bool
}

// Publisher carries deliveries to other nodes.
type Publisher interface {
	PublishUser(ctx context.Context, userID string, payload []byte) error
	PublishGroup(ctx context.Context, groupID string, payload []byte) error
	PublishBroadcast(ctx context.Context, payload []byte) error
}

type Config struct {
	NodeID      string
	Store       store.Store
	Keys        store.Keys
	PresenceTTL time.Duration
	Publisher   Publisher // nil disables cross-node delivery
	Logger      zerolog.Logger
}

type entry struct {
	conn Conn
	seq  uint64
}

type group struct {
	mu      sync.RWMutex
	members map[uint64]Conn
}

type Directory struct {
	nodeID string
	st     store.Store
	keys   store.Keys
	ttl    time.Duration
	pub    Publisher
	logger zerolog.Logger

	conns  sync.Map // userID -> entry
	seq    atomic.Uint64
	groups sync.Map // groupID -> *group
}

func New(cfg Config) *Directory {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	return &Directory{
		nodeID: cfg.NodeID,
		st:     cfg.Store,
		keys:   cfg.Keys,
		ttl:    cfg.PresenceTTL,
		pub:    cfg.Publisher,
		logger: cfg.Logger.With().Str("component", "directory").Str("node_id", cfg.NodeID).Logger(),
	}
}

func (d *Directory) NodeID() string { return d.nodeID }

func (d *Directory) storeError(op string, err error, userID string) {
	monitoring.RecordStoreError(op)
	d.logger.Warn().Err(err).Str("op", op).Str("user_id", userID).Msg("Store call failed")
}

// AddConnection registers conn for userID on this node and publishes
// presence. A connection already registered for userID is replaced and
// returned so the caller can close it.
func (d *Directory) AddConnection(ctx context.Context, userID string, conn Conn) (replaced Conn) {
	e := entry{conn: conn, seq: d.seq.Add(1)}
	if prev, loaded := d.conns.Swap(userID, e); loaded {
		if p := prev.(entry).conn; p.ID() != conn.ID() {
			replaced = p
			d.removeFromGroups(p)
		}
	}
	d.writePresence(ctx, userID)

	d.logger.Info().
		Str("user_id", userID).
		Str("role", conn.Role().String()).
		Uint64("conn_id", conn.ID()).
		Bool("replaced", replaced != nil).
		Msg("Connection registered")
	return replaced
}

func (d *Directory) writePresence(ctx context.Context, userID string) {
	if err := d.st.Set(ctx, d.keys.UserServer(userID), d.nodeID, d.ttl); err != nil {
		d.storeError("presence_set", err, userID)
	}
	if err := d.st.SAdd(ctx, d.keys.ServerUsers(d.nodeID), userID); err != nil {
		d.storeError("server_users_add", err, userID)
	}
	if err := d.st.SAdd(ctx, d.keys.OnlineUsers(), userID); err != nil {
		d.storeError("online_add", err, userID)
	}
}

// RemoveConnection unregisters conn. It reports false when conn is not the
// connection currently registered for its user, in which case nothing
// shared is touched.
func (d *Directory) RemoveConnection(ctx context.Context, conn Conn) bool {
	userID := conn.UserID()
	v, ok := d.conns.Load(userID)
	if !ok {
		d.removeFromGroups(conn)
		return false
	}
	e := v.(entry)
	if e.conn.ID() != conn.ID() || !d.conns.CompareAndDelete(userID, e) {
		d.removeFromGroups(conn)
		return false
	}
	d.removeFromGroups(conn)

	if err := d.st.SRem(ctx, d.keys.ServerUsers(d.nodeID), userID); err != nil {
		d.storeError("server_users_rem", err, userID)
	}
	if d.clearPresence(ctx, userID) {
		if err := d.st.SRem(ctx, d.keys.OnlineUsers(), userID); err != nil {
			d.storeError("online_rem", err, userID)
		}
	}

	d.logger.Info().Str("user_id", userID).Uint64("conn_id", conn.ID()).Msg("Connection removed")
	return true
}

// clearPresence deletes the presence record if it still names this node and
// reports whether the user is now offline cluster-wide.
func (d *Directory) clearPresence(ctx context.Context, userID string) bool {
	key := d.keys.UserServer(userID)
	deleted, err := d.st.DeleteIfEquals(ctx, key, d.nodeID)
	if err != nil {
		d.storeError("presence_del", err, userID)
		return true
	}
	if deleted {
		return true
	}
	owner, err := d.st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		d.storeError("presence_get", err, userID)
		return true
	}
	d.logger.Debug().Str("user_id", userID).Str("owner", owner).Msg("User reconnected elsewhere, keeping presence")
	return false
}

// Lookup returns the local connection for userID.
func (d *Directory) Lookup(userID string) (Conn, bool) {
	v, ok := d.conns.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(entry).conn, true
}

// Owns reports whether conn is the registered connection for its user.
func (d *Directory) Owns(conn Conn) bool {
	c, ok := d.Lookup(conn.UserID())
	return ok && c.ID() == conn.ID()
}

// IsOnline checks local connections first, then the cluster online set.
func (d *Directory) IsOnline(ctx context.Context, userID string) bool {
	if _, ok := d.conns.Load(userID); ok {
		return true
	}
	online, err := d.st.SIsMember(ctx, d.keys.OnlineUsers(), userID)
	if err != nil {
		d.storeError("online_check", err, userID)
		return false
	}
	return online
}

// SendMessage delivers payload to userID. Local connections are written
// directly. Otherwise the payload is published for the node named in the
// presence record; true then only means some node claims the user.
func (d *Directory) SendMessage(ctx context.Context, userID string, payload []byte) bool {
	if d.DeliverUser(userID, payload) {
		return true
	}

	owner, err := d.st.Get(ctx, d.keys.UserServer(userID))
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		d.storeError("presence_get", err, userID)
		return false
	}
	if owner == d.nodeID || d.pub == nil {
		return false
	}
	if err := d.pub.PublishUser(ctx, userID, payload); err != nil {
		monitoring.LogError(d.logger, err, "Fanout publish to user failed", map[string]any{
			"user_id": userID,
			"owner":   owner,
		})
		return false
	}
	return true
}

// Broadcast writes to every local connection and publishes once for the
// other nodes. It returns the number of local recipients.
func (d *Directory) Broadcast(ctx context.Context, payload []byte) int {
	n := d.DeliverBroadcast(payload)
	if d.pub != nil {
		if err := d.pub.PublishBroadcast(ctx, payload); err != nil {
			monitoring.LogError(d.logger, err, "Fanout broadcast failed", nil)
		}
	}
	return n
}

// AddToGroup adds userID's local connection to groupID. It reports false
// when the user is not connected to this node.
func (d *Directory) AddToGroup(userID, groupID string) bool {
	conn, ok := d.Lookup(userID)
	if !ok {
		return false
	}
	v, _ := d.groups.LoadOrStore(groupID, &group{members: make(map[uint64]Conn)})
	g := v.(*group)
	g.mu.Lock()
	g.members[conn.ID()] = conn
	g.mu.Unlock()
	return true
}

func (d *Directory) RemoveFromGroup(userID, groupID string) {
	conn, ok := d.Lookup(userID)
	if !ok {
		return
	}
	v, ok := d.groups.Load(groupID)
	if !ok {
		return
	}
	g := v.(*group)
	g.mu.Lock()
	delete(g.members, conn.ID())
	g.mu.Unlock()
}

func (d *Directory) removeFromGroups(conn Conn) {
	d.groups.Range(func(_, v any) bool {
		g := v.(*group)
		g.mu.Lock()
		delete(g.members, conn.ID())
		g.mu.Unlock()
		return true
	})
}

// SendToGroup writes to local members of groupID and publishes for the
// members held by other nodes.
func (d *Directory) SendToGroup(ctx context.Context, groupID string, payload []byte) int {
	n := d.DeliverGroup(groupID, payload)
	if d.pub != nil {
		if err := d.pub.PublishGroup(ctx, groupID, payload); err != nil {
			monitoring.LogError(d.logger, err, "Fanout group publish failed", map[string]any{"group_id": groupID})
		}
	}
	return n
}

// GroupMembers returns the user ids of local members of groupID.
func (d *Directory) GroupMembers(groupID string) []string {
	v, ok := d.groups.Load(groupID)
	if !ok {
		return nil
	}
	g := v.(*group)
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.members))
	for _, c := range g.members {
		out = append(out, c.UserID())
	}
	sort.Strings(out)
	return out
}

// GetOnlineCount is the size of the cluster online set, or the local
// connection count when the store cannot answer.
func (d *Directory) GetOnlineCount(ctx context.Context) int64 {
	n, err := d.st.SCard(ctx, d.keys.OnlineUsers())
	if err != nil {
		d.storeError("online_count", err, "")
		return int64(d.LocalCount())
	}
	return n
}

func (d *Directory) LocalCount() int {
	n := 0
	d.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// LocalConnections returns a snapshot of local connections in
// registration order.
func (d *Directory) LocalConnections() []Conn {
	var entries []entry
	d.conns.Range(func(_, v any) bool {
		entries = append(entries, v.(entry))
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Conn, len(entries))
	for i, e := range entries {
		out[i] = e.conn
	}
	return out
}

// LocalNodeUsers lists the users the store records for this node.
func (d *Directory) LocalNodeUsers(ctx context.Context) ([]string, error) {
	return d.st.SMembers(ctx, d.keys.ServerUsers(d.nodeID))
}

// RepublishPresence rewrites presence for every local connection. It runs
// after the store comes back from an outage.
func (d *Directory) RepublishPresence(ctx context.Context) {
	conns := d.LocalConnections()
	for _, c := range conns {
		d.writePresence(ctx, c.UserID())
	}
	d.logger.Info().Int("connections", len(conns)).Msg("Presence republished")
}

// DeliverUser writes payload to userID's local connection only.
func (d *Directory) DeliverUser(userID string, payload []byte) bool {
	conn, ok := d.Lookup(userID)
	if !ok {
		return false
	}
	return conn.Send(payload)
}

// DeliverGroup writes payload to the local members of groupID only.
func (d *Directory) DeliverGroup(groupID string, payload []byte) int {
	v, ok := d.groups.Load(groupID)
	if !ok {
		return 0
	}
	g := v.(*group)
	g.mu.RLock()
	members := make([]Conn, 0, len(g.members))
	for _, c := range g.members {
		members = append(members, c)
	}
	g.mu.RUnlock()

	n := 0
	for _, c := range members {
		if c.Send(payload) {
			n++
		}
	}
	return n
}

// DeliverBroadcast writes payload to every local connection only.
func (d *Directory) DeliverBroadcast(payload []byte) int {
	n := 0
	d.conns.Range(func(_, v any) bool {
		if v.(entry).conn.Send(payload) {
			n++
		}
		return true
	})
	return n
}
