package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/cs_gateway/internal/store"
	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store keeps conversations in the shared store:
//
//	conversation:<id>                  JSON document, TTL
//	messages:<id>                      list of JSON records, newest first, TTL
//	user_conversations:<userId>        zset scored by start time
//	agent_conversations:<agentId>      zset scored by start time
//	active_conversation:<a>:<b>        id of the open conversation
//	active_conversations               zset of open conversation ids
type Store struct {
	st     store.Store
	keys   store.Keys
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewStore(st store.Store, keys store.Keys, logger zerolog.Logger) *Store {
	return &Store{
		st:     st,
		keys:   keys,
		ttl:    DefaultTTL,
		logger: logger.With().Str("component", "conversation_store").Logger(),
		now:    time.Now,
	}
}

func (s *Store) millis() int64 { return s.now().UnixMilli() }

func isAgent(role string) bool {
	return strings.EqualFold(role, types.RoleAgent.String())
}

func (s *Store) put(ctx context.Context, c *Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	if err := s.st.Set(ctx, s.keys.Conversation(c.ID), string(data), s.ttl); err != nil {
		return fmt.Errorf("write conversation %s: %w", c.ID, err)
	}
	return nil
}

// Create stores c, filling in the id, status and start time when unset.
func (s *Store) Create(ctx context.Context, c *Conversation) (*Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	now := s.millis()
	if c.StartTime == 0 {
		c.StartTime = now
	}
	if c.LastMessageTime == 0 {
		c.LastMessageTime = now
	}

	if err := s.put(ctx, c); err != nil {
		return nil, err
	}

	score := float64(c.StartTime)
	agentID := c.ReceiverID
	if isAgent(c.CreatorRole) {
		agentID = c.CreatorID
	}
	writes := []struct {
		key    string
		member string
	}{
		{s.keys.UserConversations(c.CreatorID), c.ID},
		{s.keys.UserConversations(c.ReceiverID), c.ID},
		{s.keys.AgentConversations(agentID), c.ID},
	}
	for _, w := range writes {
		if err := s.st.ZAdd(ctx, w.key, score, w.member); err != nil {
			return nil, fmt.Errorf("index conversation %s: %w", c.ID, err)
		}
	}
	if c.Status == StatusActive {
		if err := s.st.Set(ctx, s.keys.ActivePair(c.CreatorID, c.ReceiverID), c.ID, s.ttl); err != nil {
			return nil, fmt.Errorf("mark conversation %s active: %w", c.ID, err)
		}
		if err := s.st.ZAdd(ctx, s.keys.ActiveConversations(), score, c.ID); err != nil {
			return nil, fmt.Errorf("mark conversation %s active: %w", c.ID, err)
		}
	}

	s.logger.Info().
		Str("conversation_id", c.ID).
		Str("creator_id", c.CreatorID).
		Str("receiver_id", c.ReceiverID).
		Msg("Conversation created")
	return c, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	raw, err := s.st.Get(ctx, s.keys.Conversation(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", id, err)
	}
	var c Conversation
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) activeID(ctx context.Context, userID, agentID string) (string, error) {
	for _, key := range []string{s.keys.ActivePair(userID, agentID), s.keys.ActivePair(agentID, userID)} {
		id, err := s.st.Get(ctx, key)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("read active conversation: %w", err)
		}
	}
	return "", ErrNotFound
}

func (s *Store) Active(ctx context.Context, userID, agentID string) (*Conversation, error) {
	id, err := s.activeID(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// End closes the conversation. Ending a closed conversation is a no-op.
func (s *Store) End(ctx context.Context, id, endType string) (*Conversation, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusClosed {
		return c, nil
	}

	c.Status = StatusClosed
	c.EndTime = s.millis()
	c.EndType = endType
	if err := s.put(ctx, c); err != nil {
		return nil, err
	}
	s.clearActive(ctx, c)

	s.logger.Info().Str("conversation_id", id).Str("end_type", endType).Msg("Conversation ended")
	return c, nil
}

func (s *Store) clearActive(ctx context.Context, c *Conversation) {
	for _, key := range []string{s.keys.ActivePair(c.CreatorID, c.ReceiverID), s.keys.ActivePair(c.ReceiverID, c.CreatorID)} {
		if _, err := s.st.DeleteIfEquals(ctx, key, c.ID); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", c.ID).Msg("Failed to clear active pair")
		}
	}
	if err := s.st.ZRem(ctx, s.keys.ActiveConversations(), c.ID); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", c.ID).Msg("Failed to clear active set entry")
	}
}

// Touch sets the last-activity time to now.
func (s *Store) Touch(ctx context.Context, id string) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	c.LastMessageTime = s.millis()
	return s.put(ctx, c)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.clearActive(ctx, c)

	agentID := c.ReceiverID
	if isAgent(c.CreatorRole) {
		agentID = c.CreatorID
	}
	for _, key := range []string{
		s.keys.UserConversations(c.CreatorID),
		s.keys.UserConversations(c.ReceiverID),
		s.keys.AgentConversations(agentID),
	} {
		if err := s.st.ZRem(ctx, key, id); err != nil {
			return fmt.Errorf("unindex conversation %s: %w", id, err)
		}
	}
	if err := s.st.Delete(ctx, s.keys.Conversation(id), s.keys.Messages(id)); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, key string, page, size int) ([]*Conversation, error) {
	start, stop := pageBounds(page, size)
	ids, err := s.st.ZRevRange(ctx, key, start, stop)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired document, index entry outlived it
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) ForUser(ctx context.Context, userID string, page, size int) ([]*Conversation, error) {
	return s.list(ctx, s.keys.UserConversations(userID), page, size)
}

func (s *Store) ForAgent(ctx context.Context, agentID string, page, size int) ([]*Conversation, error) {
	return s.list(ctx, s.keys.AgentConversations(agentID), page, size)
}

func (s *Store) ListActive(ctx context.Context, page, size int) ([]*Conversation, error) {
	return s.list(ctx, s.keys.ActiveConversations(), page, size)
}

func (s *Store) ActiveCount(ctx context.Context) (int64, error) {
	n, err := s.st.ZCard(ctx, s.keys.ActiveConversations())
	if err != nil {
		return 0, fmt.Errorf("count active conversations: %w", err)
	}
	return n, nil
}

// SaveMessage appends rec to its conversation's history and bumps the
// conversation's last-activity time.
func (s *Store) SaveMessage(ctx context.Context, rec *MessageRecord) (*MessageRecord, error) {
	if rec.RecordID == "" {
		rec.RecordID = uuid.NewString()
	}
	if rec.MessageID == "" {
		rec.MessageID = uuid.NewString()
	}
	if rec.SendTime == 0 {
		rec.SendTime = s.millis()
	}
	if rec.Status == "" {
		rec.Status = "sent"
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode message record: %w", err)
	}
	key := s.keys.Messages(rec.ConversationID)
	if err := s.st.LPush(ctx, key, string(data)); err != nil {
		return nil, fmt.Errorf("append message to %s: %w", rec.ConversationID, err)
	}
	if err := s.st.Expire(ctx, key, s.ttl); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", rec.ConversationID).Msg("Failed to refresh message TTL")
	}

	if err := s.Touch(ctx, rec.ConversationID); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn().Err(err).Str("conversation_id", rec.ConversationID).Msg("Failed to touch conversation")
	}
	return rec, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string, page, size int) ([]*MessageRecord, error) {
	start, stop := pageBounds(page, size)
	raw, err := s.st.LRange(ctx, s.keys.Messages(conversationID), start, stop)
	if err != nil {
		return nil, fmt.Errorf("read messages of %s: %w", conversationID, err)
	}
	out := make([]*MessageRecord, 0, len(raw))
	for _, r := range raw {
		var rec MessageRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Skipping undecodable message record")
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}
