// Package balancer assigns users to customer-service agents.
//
// It uses a "least load" strategy: a user goes to the online agent with the
// fewest assigned users, skipping agents at capacity. All load and mapping
// state lives in the shared store so every node sees the same assignments.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/adred-codev/cs_gateway/internal/conversation"
	"github.com/adred-codev/cs_gateway/internal/directory"
	"github.com/adred-codev/cs_gateway/internal/messaging"
	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/adred-codev/cs_gateway/internal/store"
	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/rs/zerolog"
)

// DefaultMaxUsersPerAgent is the capacity used when none is configured.
const DefaultMaxUsersPerAgent = 20

// Directory is the part of the connection directory the balancer uses.
type Directory interface {
	SendMessage(ctx context.Context, userID string, payload []byte) bool
	IsOnline(ctx context.Context, userID string) bool
	LocalConnections() []directory.Conn
}

type Config struct {
	Store            store.Store
	Keys             store.Keys
	Directory        Directory
	Conversations    conversation.Service // nil disables conversation tracking
	MaxUsersPerAgent int64
	StepTimeout      time.Duration // Store budget for one user's assignment step (default: 2s)
	Logger           zerolog.Logger
}

type Balancer struct {
	st     store.Store
	keys   store.Keys
	dir    Directory
	convs  conversation.Service
	logger zerolog.Logger

	maxUsers    atomic.Int64
	stepTimeout time.Duration
	now         func() time.Time
}

func New(cfg Config) *Balancer {
	b := &Balancer{
		st:     cfg.Store,
		keys:   cfg.Keys,
		dir:    cfg.Directory,
		convs:  cfg.Conversations,
		logger: cfg.Logger.With().Str("component", "balancer").Logger(),
		now:    time.Now,
	}
	b.stepTimeout = cfg.StepTimeout
	if b.stepTimeout <= 0 {
		b.stepTimeout = 2 * time.Second
	}
	if cfg.MaxUsersPerAgent < 1 {
		cfg.MaxUsersPerAgent = DefaultMaxUsersPerAgent
	}
	b.maxUsers.Store(cfg.MaxUsersPerAgent)
	return b
}

// SetMaxUsersPerAgent changes the capacity checked by future assignments.
// Agents already above the new value keep their users.
func (b *Balancer) SetMaxUsersPerAgent(n int64) {
	if n < 1 {
		return
	}
	b.maxUsers.Store(n)
	b.logger.Info().Int64("max_users_per_agent", n).Msg("Agent capacity changed")
}

func (b *Balancer) MaxUsersPerAgent() int64 { return b.maxUsers.Load() }

// step returns a context for one unit of balancer work. It keeps ctx's
// values but not its deadline, so a long scan or an expiring caller cannot
// cut a step off halfway.
func (b *Balancer) step(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), b.stepTimeout)
}

func (b *Balancer) storeError(op string, err error, fields ...string) {
	monitoring.RecordStoreError(op)
	ev := b.logger.Warn().Err(err).Str("op", op)
	for i := 0; i+1 < len(fields); i += 2 {
		ev = ev.Str(fields[i], fields[i+1])
	}
	ev.Msg("Store call failed")
}

func (b *Balancer) notify(ctx context.Context, t messaging.Type, receiverID, content string) {
	env := messaging.New(t, content, messaging.SenderSystem, receiverID)
	b.dir.SendMessage(ctx, receiverID, env.MustEncode())
}

func (b *Balancer) refreshAgentGauge(ctx context.Context) {
	if n, err := b.st.SCard(ctx, b.keys.Agents()); err == nil {
		monitoring.SetOnlineAgents(int(n))
	}
}

// RegisterAgent marks agentID online and hands it waiting users up to its
// capacity. A re-registering agent keeps the users it already has.
func (b *Balancer) RegisterAgent(ctx context.Context, agentID string) {
	b.registerAgent(ctx, agentID)
	b.backfill(ctx, agentID)
}

func (b *Balancer) registerAgent(ctx context.Context, agentID string) {
	ctx, cancel := b.step(ctx)
	defer cancel()

	if err := b.st.SAdd(ctx, b.keys.Agents(), agentID); err != nil {
		b.storeError("agent_add", err, "agent_id", agentID)
	}
	current, err := b.st.SCard(ctx, b.keys.AgentUsers(agentID))
	if err != nil {
		b.storeError("agent_users_count", err, "agent_id", agentID)
		current = 0
	}
	if err := b.st.Set(ctx, b.keys.AgentLoad(agentID), strconv.FormatInt(current, 10), 0); err != nil {
		b.storeError("agent_load_set", err, "agent_id", agentID)
	}
	b.refreshAgentGauge(ctx)

	b.logger.Info().Str("agent_id", agentID).Int64("load", current).Msg("Agent registered")
}

// backfill assigns unassigned users to agentID: local connections first in
// registration order, then the cluster waiting queue oldest first.
func (b *Balancer) backfill(ctx context.Context, agentID string) {
	capacity := b.MaxUsersPerAgent()
	load := b.loadStep(ctx, agentID)
	assigned := 0

	tryUser := func(userID string, checkOnline bool) {
		uctx, cancel := b.step(ctx)
		defer cancel()

		if checkOnline && !b.dir.IsOnline(uctx, userID) {
			b.dequeue(uctx, userID)
			return
		}
		if b.GetAgentForUser(uctx, userID) != "" {
			b.dequeue(uctx, userID)
			return
		}
		owner, ok := b.claim(uctx, userID, agentID)
		if !ok {
			return
		}
		if owner != agentID {
			b.dequeue(uctx, userID)
			return
		}
		b.completeAssignment(uctx, userID, agentID)
		load++
		assigned++
	}

	for _, c := range b.dir.LocalConnections() {
		if load >= capacity {
			break
		}
		if c.Role() != types.RoleUser {
			continue
		}
		tryUser(c.UserID(), false)
	}

	if load < capacity {
		for _, userID := range b.waitingStep(ctx, agentID) {
			if load >= capacity {
				break
			}
			tryUser(userID, true)
		}
	}

	if assigned > 0 {
		b.logger.Info().
			Str("agent_id", agentID).
			Int("assigned", assigned).
			Int64("load", load).
			Int64("max_users_per_agent", capacity).
			Msg("Waiting users assigned to agent")
	}
}

func (b *Balancer) loadStep(ctx context.Context, agentID string) int64 {
	ctx, cancel := b.step(ctx)
	defer cancel()
	return b.GetAgentLoad(ctx, agentID)
}

func (b *Balancer) waitingStep(ctx context.Context, agentID string) []string {
	ctx, cancel := b.step(ctx)
	defer cancel()
	waiting, err := b.st.ZRange(ctx, b.keys.Waiting(), 0, -1)
	if err != nil {
		b.storeError("waiting_list", err, "agent_id", agentID)
	}
	return waiting
}

// UnregisterAgent takes agentID offline and reassigns every user it served.
func (b *Balancer) UnregisterAgent(ctx context.Context, agentID string) {
	users := b.unregisterAgent(ctx, agentID)

	sort.Strings(users)
	reassigned := 0
	for _, userID := range users {
		if b.reassign(ctx, userID, agentID) {
			reassigned++
		}
	}

	b.logger.Info().
		Str("agent_id", agentID).
		Int("users", len(users)).
		Int("reassigned", reassigned).
		Msg("Agent unregistered")
}

// unregisterAgent removes agentID's online entry and load state and returns
// the users it served.
func (b *Balancer) unregisterAgent(ctx context.Context, agentID string) []string {
	ctx, cancel := b.step(ctx)
	defer cancel()

	if err := b.st.SRem(ctx, b.keys.Agents(), agentID); err != nil {
		b.storeError("agent_rem", err, "agent_id", agentID)
	}
	users, err := b.st.SMembers(ctx, b.keys.AgentUsers(agentID))
	if err != nil {
		b.storeError("agent_users_list", err, "agent_id", agentID)
	}
	if err := b.st.Delete(ctx, b.keys.AgentLoad(agentID), b.keys.AgentUsers(agentID)); err != nil {
		b.storeError("agent_delete", err, "agent_id", agentID)
	}
	b.refreshAgentGauge(ctx)
	return users
}

func (b *Balancer) reassign(ctx context.Context, userID, agentID string) bool {
	ctx, cancel := b.step(ctx)
	defer cancel()

	if _, err := b.st.DeleteIfEquals(ctx, b.keys.UserAgent(userID), agentID); err != nil {
		b.storeError("user_agent_del", err, "user_id", userID)
	}
	b.notify(ctx, messaging.TypeSystem, userID, messaging.TextReassigning)
	return b.AssignCustomerService(ctx, userID) != ""
}

type candidate struct {
	id   string
	load int64
}

// candidates lists online agents below capacity, least loaded first.
func (b *Balancer) candidates(ctx context.Context) []candidate {
	agents, err := b.st.SMembers(ctx, b.keys.Agents())
	if err != nil {
		b.storeError("agents_list", err)
		return nil
	}
	capacity := b.MaxUsersPerAgent()
	out := make([]candidate, 0, len(agents))
	for _, id := range agents {
		if load := b.GetAgentLoad(ctx, id); load < capacity {
			out = append(out, candidate{id: id, load: load})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].load != out[j].load {
			return out[i].load < out[j].load
		}
		return out[i].id < out[j].id
	})
	return out
}

// claim tries to map userID to agentID. The mapping is claimed first with
// set-if-absent; the load is then incremented only while below capacity and
// the claim is released if that fails. Everything after the set-if-absent
// runs on its own step context so the claim is never left half done. A
// set-if-absent that errors may still have been applied (a reply lost to a
// deadline), so it is released as well. When the user already has an agent
// that agent is returned with ok set.
func (b *Balancer) claim(ctx context.Context, userID, agentID string) (owner string, ok bool) {
	mapping := b.keys.UserAgent(userID)
	set, err := b.st.SetNX(ctx, mapping, agentID, 0)
	if err != nil {
		b.storeError("user_agent_claim", err, "user_id", userID, "agent_id", agentID)
		b.release(ctx, userID, agentID)
		return "", false
	}
	if !set {
		existing, err := b.st.Get(ctx, mapping)
		if err != nil {
			return "", false
		}
		return existing, true
	}

	ctx, cancel := b.step(ctx)
	defer cancel()

	_, incremented, err := b.st.IncrIfBelow(ctx, b.keys.AgentLoad(agentID), b.MaxUsersPerAgent())
	if err != nil || !incremented {
		if err != nil {
			b.storeError("agent_load_incr", err, "agent_id", agentID)
		}
		b.release(ctx, userID, agentID)
		return "", false
	}

	if err := b.st.SAdd(ctx, b.keys.AgentUsers(agentID), userID); err != nil {
		b.storeError("agent_users_add", err, "agent_id", agentID, "user_id", userID)
	}
	return agentID, true
}

// release drops userID's mapping if it still points at agentID.
func (b *Balancer) release(ctx context.Context, userID, agentID string) {
	ctx, cancel := b.step(ctx)
	defer cancel()
	if _, err := b.st.DeleteIfEquals(ctx, b.keys.UserAgent(userID), agentID); err != nil {
		b.storeError("user_agent_release", err, "user_id", userID)
	}
}

func (b *Balancer) completeAssignment(ctx context.Context, userID, agentID string) {
	b.dequeue(ctx, userID)
	monitoring.RecordAssignment("assigned")

	b.notify(ctx, messaging.TypeCSAssign, userID, "You have been assigned to agent: "+agentID)
	b.notify(ctx, messaging.TypeUserJoin, agentID, fmt.Sprintf("User %s connected, waiting for service", userID))
	b.ensureConversation(ctx, userID, agentID)

	b.logger.Info().Str("user_id", userID).Str("agent_id", agentID).Msg("User assigned to agent")
}

func (b *Balancer) ensureConversation(ctx context.Context, userID, agentID string) {
	if b.convs == nil {
		return
	}
	_, err := b.convs.Active(ctx, userID, agentID)
	if err == nil {
		return
	}
	if !errors.Is(err, conversation.ErrNotFound) {
		monitoring.LogError(b.logger, err, "Failed to look up active conversation", map[string]any{
			"user_id":  userID,
			"agent_id": agentID,
		})
		return
	}
	_, err = b.convs.Create(ctx, &conversation.Conversation{
		CreatorID:   userID,
		ReceiverID:  agentID,
		CreatorRole: types.RoleUser.String(),
	})
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypeConversation, monitoring.ErrorSeverityWarning)
		monitoring.LogError(b.logger, err, "Failed to create conversation", map[string]any{
			"user_id":  userID,
			"agent_id": agentID,
		})
	}
}

func (b *Balancer) enqueue(ctx context.Context, userID string) {
	if err := b.st.ZAdd(ctx, b.keys.Waiting(), float64(b.now().UnixMilli()), userID); err != nil {
		b.storeError("waiting_add", err, "user_id", userID)
	}
}

func (b *Balancer) dequeue(ctx context.Context, userID string) {
	if err := b.st.ZRem(ctx, b.keys.Waiting(), userID); err != nil {
		b.storeError("waiting_rem", err, "user_id", userID)
	}
}

// AssignCustomerService returns userID's agent, assigning the least loaded
// agent with spare capacity when the user has none. It returns "" and
// queues the user when every agent is full.
func (b *Balancer) AssignCustomerService(ctx context.Context, userID string) string {
	if agentID := b.GetAgentForUser(ctx, userID); agentID != "" {
		return agentID
	}

	for _, c := range b.candidates(ctx) {
		owner, ok := b.claim(ctx, userID, c.id)
		if !ok {
			continue
		}
		if owner == c.id {
			b.completeAssignment(ctx, userID, c.id)
		}
		return owner
	}

	b.enqueue(ctx, userID)
	monitoring.RecordAssignment(monitoring.OutcomeWaiting)
	b.logger.Info().Str("user_id", userID).Msg("No agent available, user waiting")
	return ""
}

// RemoveUserFromAgent releases userID's assignment and takes it off the
// waiting queue.
func (b *Balancer) RemoveUserFromAgent(ctx context.Context, userID string) {
	b.dequeue(ctx, userID)

	agentID := b.GetAgentForUser(ctx, userID)
	if agentID == "" {
		return
	}
	deleted, err := b.st.DeleteIfEquals(ctx, b.keys.UserAgent(userID), agentID)
	if err != nil {
		b.storeError("user_agent_del", err, "user_id", userID)
	}
	if err == nil && !deleted {
		return
	}
	if err := b.st.SRem(ctx, b.keys.AgentUsers(agentID), userID); err != nil {
		b.storeError("agent_users_rem", err, "agent_id", agentID)
	}
	if _, err := b.st.DecrIfPositive(ctx, b.keys.AgentLoad(agentID)); err != nil {
		b.storeError("agent_load_decr", err, "agent_id", agentID)
	}

	b.notify(ctx, messaging.TypeUserLeave, agentID, fmt.Sprintf("User %s left", userID))
	if b.convs != nil {
		if c, err := b.convs.Active(ctx, userID, agentID); err == nil {
			if err := b.convs.Touch(ctx, c.ID); err != nil {
				b.logger.Warn().Err(err).Str("conversation_id", c.ID).Msg("Failed to touch conversation")
			}
		}
	}

	b.logger.Info().Str("user_id", userID).Str("agent_id", agentID).Msg("User removed from agent")
}

func (b *Balancer) GetAgentForUser(ctx context.Context, userID string) string {
	agentID, err := b.st.Get(ctx, b.keys.UserAgent(userID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.storeError("user_agent_get", err, "user_id", userID)
		}
		return ""
	}
	return agentID
}

func (b *Balancer) GetAgentLoad(ctx context.Context, agentID string) int64 {
	raw, err := b.st.Get(ctx, b.keys.AgentLoad(agentID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.storeError("agent_load_get", err, "agent_id", agentID)
		}
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (b *Balancer) IsAgent(ctx context.Context, userID string) bool {
	ok, err := b.st.SIsMember(ctx, b.keys.Agents(), userID)
	if err != nil {
		b.storeError("agent_check", err, "user_id", userID)
		return false
	}
	return ok
}

func (b *Balancer) GetUsersForAgent(ctx context.Context, agentID string) []string {
	users, err := b.st.SMembers(ctx, b.keys.AgentUsers(agentID))
	if err != nil {
		b.storeError("agent_users_list", err, "agent_id", agentID)
		return []string{}
	}
	sort.Strings(users)
	return users
}

func (b *Balancer) GetAllOnlineAgents(ctx context.Context) []string {
	agents, err := b.st.SMembers(ctx, b.keys.Agents())
	if err != nil {
		b.storeError("agents_list", err)
		return []string{}
	}
	sort.Strings(agents)
	return agents
}

// WaitingUsers lists queued users, oldest first.
func (b *Balancer) WaitingUsers(ctx context.Context) []string {
	users, err := b.st.ZRange(ctx, b.keys.Waiting(), 0, -1)
	if err != nil {
		b.storeError("waiting_list", err)
		return []string{}
	}
	return users
}

// RecordChat stores a routed chat message in the active conversation of the
// (user, agent) pair it belongs to. Messages outside a conversation are not
// recorded.
func (b *Balancer) RecordChat(ctx context.Context, env *messaging.Envelope, senderRole types.Role) {
	if b.convs == nil {
		return
	}
	userID, agentID := env.SenderID, env.ReceiverID
	if senderRole == types.RoleAgent {
		userID, agentID = env.ReceiverID, env.SenderID
	}

	c, err := b.convs.Active(ctx, userID, agentID)
	if errors.Is(err, conversation.ErrNotFound) {
		return
	}
	if err != nil {
		monitoring.LogError(b.logger, err, "Failed to look up conversation for chat", map[string]any{
			"user_id":  userID,
			"agent_id": agentID,
		})
		return
	}

	_, err = b.convs.SaveMessage(ctx, &conversation.MessageRecord{
		ConversationID: c.ID,
		MessageID:      env.MessageID,
		SenderID:       env.SenderID,
		ReceiverID:     env.ReceiverID,
		Content:        env.Content,
		MessageType:    string(env.Type),
		SenderRole:     senderRole.String(),
		SendTime:       env.Timestamp,
	})
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypeConversation, monitoring.ErrorSeverityWarning)
		monitoring.LogError(b.logger, err, "Failed to save chat message", map[string]any{
			"conversation_id": c.ID,
			"message_id":      env.MessageID,
		})
	}
}

// EndConversation closes a conversation.
func (b *Balancer) EndConversation(ctx context.Context, id, endType string) (*conversation.Conversation, error) {
	if b.convs == nil {
		return nil, conversation.ErrNotFound
	}
	return b.convs.End(ctx, id, endType)
}

// ActiveSessionsCount is the number of open conversations.
func (b *Balancer) ActiveSessionsCount(ctx context.Context) int64 {
	if b.convs == nil {
		return 0
	}
	n, err := b.convs.ActiveCount(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to count active conversations")
		return 0
	}
	return n
}
