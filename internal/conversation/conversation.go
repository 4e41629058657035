// Package conversation persists customer-service conversations and their
// message history.
package conversation

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("conversation not found")

// DefaultTTL is how long conversations and their messages are kept.
const DefaultTTL = 7 * 24 * time.Hour

type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// End types recorded when a conversation is closed.
const (
	EndTypeUser   = "user"
	EndTypeAgent  = "agent"
	EndTypeSystem = "system"
)

// Conversation is one (creator, receiver) exchange. Times are epoch millis.
type Conversation struct {
	ID              string `json:"conversationId"`
	CreatorID       string `json:"creatorId"`
	ReceiverID      string `json:"receiverId"`
	CreatorRole     string `json:"creatorRole"`
	Status          Status `json:"status"`
	StartTime       int64  `json:"startTime"`
	EndTime         int64  `json:"endTime,omitempty"`
	EndType         string `json:"endType,omitempty"`
	LastMessageTime int64  `json:"lastMessageTime,omitempty"`
}

// MessageRecord is a persisted chat message.
type MessageRecord struct {
	RecordID       string `json:"recordId"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	SenderRole     string `json:"senderRole"`
	SendTime       int64  `json:"sendTime"`
	Status         string `json:"status"`
}

// Service is the conversation store. Pages are 1-based; list results are
// newest first.
type Service interface {
	Create(ctx context.Context, c *Conversation) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	// Active returns the open conversation between the two parties in
	// either direction, or ErrNotFound.
	Active(ctx context.Context, userID, agentID string) (*Conversation, error)
	End(ctx context.Context, id, endType string) (*Conversation, error)
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error

	ForUser(ctx context.Context, userID string, page, size int) ([]*Conversation, error)
	ForAgent(ctx context.Context, agentID string, page, size int) ([]*Conversation, error)
	ListActive(ctx context.Context, page, size int) ([]*Conversation, error)
	ActiveCount(ctx context.Context) (int64, error)

	SaveMessage(ctx context.Context, rec *MessageRecord) (*MessageRecord, error)
	Messages(ctx context.Context, conversationID string, page, size int) ([]*MessageRecord, error)
}

func pageBounds(page, size int) (start, stop int64) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	return int64((page - 1) * size), int64(page*size - 1)
}
