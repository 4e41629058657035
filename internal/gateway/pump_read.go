package gateway

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/adred-codev/cs_gateway/internal/messaging"
	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var errClientClose = errors.New("client sent close frame")

// readPump registers the session, then reads frames until the transport
// fails or closes. Frames of one connection are handled strictly in order.
func (s *Server) readPump(c *Client) {
	defer s.wg.Done()
	// Panic recovery must be the first defer so it also covers cleanup
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"client_id": c.id,
		"user_id":   c.userID,
	})
	defer s.disconnectClient(c)

	s.openSession(c)

	rd := &wsutil.Reader{
		Source:       c.conn,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: s.config.MaxFramePayload,
	}
	rd.OnIntermediate = func(hdr ws.Header, r io.Reader) error {
		return s.handleControl(c, hdr, r)
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			s.readFailed(c, err)
			return
		}
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := s.handleControl(c, hdr, rd); err != nil {
				s.readFailed(c, err)
				return
			}
			continue
		}

		if hdr.OpCode != ws.OpText {
			n, err := io.Copy(io.Discard, rd)
			if err != nil {
				s.readFailed(c, err)
				return
			}
			s.logger.Debug().
				Uint64("client_id", c.id).
				Int64("length", n).
				Msg("Ignoring binary frame")
			continue
		}

		msg, err := io.ReadAll(rd)
		if err != nil {
			s.readFailed(c, err)
			return
		}

		atomic.AddInt64(&s.stats.MessagesReceived, 1)
		atomic.AddInt64(&s.stats.BytesReceived, int64(len(msg)))
		monitoring.UpdateMessageMetrics(0, 1)
		monitoring.UpdateBytesMetrics(0, int64(len(msg)))

		if !s.rateLimiter.CheckLimit(c.id) {
			s.logger.Warn().
				Uint64("client_id", c.id).
				Str("user_id", c.userID).
				Int("burst_limit", s.rateLimiter.Burst()).
				Float64("rate_limit_per_sec", s.rateLimiter.Rate()).
				Msg("Client rate limited")
			atomic.AddInt64(&s.stats.RateLimitedMessages, 1)
			monitoring.IncrementRateLimitedMessages()
			c.notice(messaging.TypeError, messaging.TextRateLimited)
			continue
		}

		s.handleClientMessage(c, msg)
	}
}

// handleControl answers pings and reports a close frame as errClientClose.
func (s *Server) handleControl(c *Client, hdr ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		c.queueControl(ws.NewPongFrame(payload))
	case ws.OpClose:
		return errClientClose
	}
	return nil
}

func (s *Server) readFailed(c *Client, err error) {
	if c.isClosing() {
		return // closed by the server, reason already recorded
	}
	var protoErr ws.ProtocolError
	switch {
	case errors.Is(err, errClientClose):
		c.close(monitoring.DisconnectReasonClientInitiated, monitoring.DisconnectInitiatedByClient)
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		s.logger.Warn().
			Uint64("client_id", c.id).
			Int64("max_frame_payload", s.config.MaxFramePayload).
			Msg("Closing connection: frame too large")
		c.close(monitoring.DisconnectReasonFrameTooLarge, monitoring.DisconnectInitiatedByServer)
	case errors.As(err, &protoErr), errors.Is(err, wsutil.ErrInvalidUTF8):
		c.close(monitoring.DisconnectReasonProtocolError, monitoring.DisconnectInitiatedByServer)
	default:
		c.close(monitoring.DisconnectReasonReadError, monitoring.DisconnectInitiatedByClient)
	}
}
