// Package messaging defines the JSON envelope exchanged with clients and
// carried between nodes.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the envelope's message type
type Type string

const (
	TypeSystem    Type = "SYSTEM"
	TypeChat      Type = "CHAT"
	TypeGroup     Type = "GROUP"
	TypeBroadcast Type = "BROADCAST"
	TypeCSAssign  Type = "CS_ASSIGN"
	TypeCSStatus  Type = "CS_STATUS"
	TypeUserJoin  Type = "USER_JOIN"
	TypeUserLeave Type = "USER_LEAVE"
	TypeConfirm   Type = "CONFIRM"
	TypeError     Type = "ERROR"
)

// Sender ids used for envelopes the gateway itself originates.
const (
	SenderServer = "server" // Session-level notices (welcome, confirm, errors)
	SenderSystem = "system" // Balancer notices (assignment, join, leave)
)

// Notice texts sent to clients.
const (
	TextAgentWelcome     = "Welcome back! You can start serving customers."
	TextAgentConnected   = "agent connected"
	TextUserConnected    = "user connected"
	TextYourAgent        = ", your agent is: "
	TextWaiting          = "Assigning an agent, please wait..."
	TextReassigning      = "Your agent went offline, reassigning..."
	TextIdleTimeout      = "Connection idle timeout, disconnecting"
	TextFormatError      = "Message format error"
	TextRateLimited      = "Rate limit exceeded, message dropped"
	TextDelivered        = "delivered"
	TextRecipientOffline = "recipient offline"
	TextGroupSent        = "group message sent"
	TextBroadcastSent    = "broadcast sent"
)

// Envelope is the wire message.
//
//	{ "type": "CHAT", "content": "hi", "senderId": "u1",
//	  "receiverId": "a1", "timestamp": 1700000000000, "messageId": "..." }
type Envelope struct {
	Type       Type   `json:"type"`
	Content    string `json:"content"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Timestamp  int64  `json:"timestamp"` // Unix milliseconds
	MessageID  string `json:"messageId"`
}

// New returns an envelope stamped with the current time and a fresh message id.
func New(t Type, content, senderID, receiverID string) *Envelope {
	return &Envelope{
		Type:       t,
		Content:    content,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Timestamp:  NowMillis(),
		MessageID:  NewMessageID(),
	}
}

// Decode parses a client frame. Unknown fields are ignored.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// MustEncode is Encode for envelopes built from plain strings, which cannot fail to marshal.
func (e *Envelope) MustEncode() []byte {
	data, err := e.Encode()
	if err != nil {
		panic(err)
	}
	return data
}

// Stamp sets ingress fields on a client envelope: the authenticated sender,
// a message id when the client did not supply one, and a timestamp when missing.
func (e *Envelope) Stamp(senderID string) {
	e.SenderID = senderID
	if e.MessageID == "" {
		e.MessageID = NewMessageID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = NowMillis()
	}
}

// Confirm builds the acknowledgement returned to the sender of original.
func Confirm(original *Envelope, recipient, content string) *Envelope {
	c := New(TypeConfirm, content, SenderServer, recipient)
	c.MessageID = original.MessageID
	return c
}

func NewMessageID() string {
	return uuid.NewString()
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}
