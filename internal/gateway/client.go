package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/cs_gateway/internal/messaging"
	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/gobwas/ws"
)

// Client is one authenticated connection. Identity and role are fixed
// before the pumps start.
type Client struct {
	id     uint64
	conn   net.Conn
	server *Server

	userID string
	role   types.Role
	token  string

	send    chan []byte   // Queued text frames
	control chan ws.Frame // Pongs and the final close frame, written ahead of send
	done    chan struct{} // Closed once when the connection must go away

	closeOnce   sync.Once
	cleanupOnce sync.Once
	closeReason atomic.Value // disconnect reason, first caller wins
	closedBy    atomic.Value

	idle        *time.Timer
	connectedAt time.Time
}

func newClient(s *Server, id uint64, conn net.Conn, userID string, role types.Role, token string) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		server:      s,
		userID:      userID,
		role:        role,
		token:       token,
		send:        make(chan []byte, s.config.SendBuffer),
		control:     make(chan ws.Frame, 4),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

func (c *Client) ID() uint64       { return c.id }
func (c *Client) UserID() string   { return c.userID }
func (c *Client) Role() types.Role { return c.role }

// Send queues payload without blocking. It fails once the connection is
// closing or when the queue is full.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.server.logger.Warn().
			Uint64("client_id", c.id).
			Str("user_id", c.userID).
			Int("buffer", cap(c.send)).
			Msg("Send buffer full, dropping message")
		return false
	}
}

func (c *Client) sendEnvelope(env *messaging.Envelope) bool {
	return c.Send(env.MustEncode())
}

func (c *Client) notice(t messaging.Type, content string) {
	c.sendEnvelope(messaging.New(t, content, messaging.SenderServer, c.userID))
}

func (c *Client) queueControl(f ws.Frame) {
	select {
	case c.control <- f:
	default:
	}
}

// close asks the write pump to flush what is queued and close the
// transport. Only the first call's reason is kept.
func (c *Client) close(reason, initiatedBy string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		c.closedBy.Store(initiatedBy)
		if c.idle != nil {
			c.idle.Stop()
		}
		close(c.done)
	})
}

func (c *Client) isClosing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) disconnectReason() (reason, initiatedBy string) {
	reason, _ = c.closeReason.Load().(string)
	initiatedBy, _ = c.closedBy.Load().(string)
	return reason, initiatedBy
}

// touch restarts the idle watchdog.
func (c *Client) touch() {
	if c.idle != nil && !c.isClosing() {
		c.idle.Reset(c.server.config.IdleTimeout)
	}
}
