package gateway

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// writePump is the only writer on the transport. It batches queued frames
// behind one flush and, once the client is closing, drains the queue, sends a
// close frame and closes the connection.
func (s *Server) writePump(c *Client) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"client_id": c.id,
	})

	writer := bufio.NewWriter(c.conn)
	defer c.conn.Close()

	for {
		select {
		case f := <-c.control:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			err := ws.WriteFrame(writer, f)
			if err == nil {
				err = writer.Flush()
			}
			if err != nil {
				s.writeFailed(c, err)
				return
			}

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
			if err := s.writeText(c, writer, message); err != nil {
				s.writeFailed(c, err)
				return
			}

			// Batch additional messages from the channel.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := s.writeText(c, writer, <-c.send); err != nil {
					s.writeFailed(c, err)
					return
				}
			}

			if err := writer.Flush(); err != nil {
				s.writeFailed(c, err)
				return
			}

		case <-c.done:
			s.writeClosing(c, writer)
			return
		}
	}
}

func (s *Server) writeText(c *Client, writer *bufio.Writer, message []byte) error {
	if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
		return err
	}
	atomic.AddInt64(&s.stats.MessagesSent, 1)
	atomic.AddInt64(&s.stats.BytesSent, int64(len(message)))
	monitoring.UpdateMessageMetrics(1, 0)
	monitoring.UpdateBytesMetrics(int64(len(message)), 0)
	return nil
}

func (s *Server) writeFailed(c *Client, err error) {
	s.logger.Debug().Err(err).Uint64("client_id", c.id).Msg("Failed to write message")
	c.close(monitoring.DisconnectReasonWriteError, monitoring.DisconnectInitiatedByServer)
}

// writeClosing flushes frames queued before the close and ends with a close
// frame. Errors are ignored, the transport is closed right after.
func (s *Server) writeClosing(c *Client, writer *bufio.Writer) {
	c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
	for n := len(c.send); n > 0; n-- {
		if err := s.writeText(c, writer, <-c.send); err != nil {
			return
		}
	}

	code := ws.StatusNormalClosure
	reason, _ := c.disconnectReason()
	switch reason {
	case monitoring.DisconnectReasonFrameTooLarge:
		code = ws.StatusMessageTooBig
	case monitoring.DisconnectReasonProtocolError:
		code = ws.StatusProtocolError
	case monitoring.DisconnectReasonServerShutdown:
		code = ws.StatusGoingAway
	}
	ws.WriteFrame(writer, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	writer.Flush()
}
