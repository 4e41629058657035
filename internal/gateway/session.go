package gateway

import (
	"context"
	"sync/atomic"

	"github.com/adred-codev/cs_gateway/internal/messaging"
	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/adred-codev/cs_gateway/internal/types"
)

// openSession registers c with the directory and the balancer and sends
// the welcome notices.
func (s *Server) openSession(c *Client) {
	ctx, cancel := s.storeCtx()
	defer cancel()

	if replaced := s.dir.AddConnection(ctx, c.userID, c); replaced != nil {
		if old, ok := replaced.(*Client); ok {
			s.logger.Info().
				Str("user_id", c.userID).
				Uint64("old_client_id", old.id).
				Uint64("client_id", c.id).
				Msg("Connection superseded by a newer one")
			old.close(monitoring.DisconnectReasonSuperseded, monitoring.DisconnectInitiatedByServer)
		}
	}

	switch c.role {
	case types.RoleAgent:
		s.bal.RegisterAgent(ctx, c.userID)
		c.notice(messaging.TypeSystem, messaging.TextAgentWelcome)
		c.notice(messaging.TypeSystem, messaging.TextAgentConnected)
	case types.RoleUser:
		welcome := messaging.TextUserConnected
		if agentID := s.bal.AssignCustomerService(ctx, c.userID); agentID != "" {
			welcome += messaging.TextYourAgent + agentID
		} else {
			c.notice(messaging.TypeSystem, messaging.TextWaiting)
		}
		c.notice(messaging.TypeSystem, welcome)
	}
}

// closeSession undoes openSession. A connection that has been superseded
// leaves the newer connection's assignment alone.
func (s *Server) closeSession(c *Client) {
	ctx, cancel := s.storeCtx()
	defer cancel()

	if s.dir.Owns(c) {
		switch c.role {
		case types.RoleAgent:
			s.bal.UnregisterAgent(ctx, c.userID)
		case types.RoleUser:
			s.bal.RemoveUserFromAgent(ctx, c.userID)
		}
	}
	s.dir.RemoveConnection(ctx, c)
}

// handleClientMessage routes one text frame from c.
func (s *Server) handleClientMessage(c *Client, data []byte) {
	env, err := messaging.Decode(data)
	if err != nil {
		s.logger.Debug().
			Err(err).
			Uint64("client_id", c.id).
			Str("user_id", c.userID).
			Msg("Client sent malformed message")
		c.notice(messaging.TypeError, messaging.TextFormatError)
		return
	}
	env.Stamp(c.userID)

	ctx, cancel := s.storeCtx()
	defer cancel()

	switch c.role {
	case types.RoleAgent:
		s.routeAgentMessage(ctx, c, env, data)
	case types.RoleUser:
		s.routeUserMessage(ctx, c, env)
	}
}

func (s *Server) routeAgentMessage(ctx context.Context, c *Client, env *messaging.Envelope, raw []byte) {
	switch env.Type {
	case "", messaging.TypeChat:
		env.Type = messaging.TypeChat
		s.deliverChat(ctx, c, env)
	case messaging.TypeGroup:
		n := s.dir.SendToGroup(ctx, env.ReceiverID, env.MustEncode())
		monitoring.RecordRouted("group", monitoring.OutcomeDelivered)
		s.logger.Debug().Str("group_id", env.ReceiverID).Int("local_members", n).Msg("Group message sent")
		c.sendEnvelope(messaging.Confirm(env, c.userID, messaging.TextGroupSent))
	case messaging.TypeBroadcast:
		n := s.dir.Broadcast(ctx, env.MustEncode())
		monitoring.RecordRouted("broadcast", monitoring.OutcomeDelivered)
		s.logger.Debug().Int("local_receivers", n).Msg("Broadcast sent")
		c.sendEnvelope(messaging.Confirm(env, c.userID, messaging.TextBroadcastSent))
	default:
		c.Send(raw)
	}
}

// routeUserMessage sends a user's message to their current agent. The agent
// is looked up on every message so reassignment and backfill take effect
// without reconnecting.
func (s *Server) routeUserMessage(ctx context.Context, c *Client, env *messaging.Envelope) {
	agentID := s.bal.GetAgentForUser(ctx, c.userID)
	if agentID == "" {
		monitoring.RecordRouted("chat", monitoring.OutcomeWaiting)
		c.notice(messaging.TypeSystem, messaging.TextWaiting)
		return
	}
	env.Type = messaging.TypeChat
	env.ReceiverID = agentID
	s.deliverChat(ctx, c, env)
}

func (s *Server) deliverChat(ctx context.Context, c *Client, env *messaging.Envelope) {
	s.bal.RecordChat(ctx, env, c.role)

	delivered := s.dir.SendMessage(ctx, env.ReceiverID, env.MustEncode())
	content := messaging.TextDelivered
	outcome := monitoring.OutcomeDelivered
	if !delivered {
		content = messaging.TextRecipientOffline
		outcome = monitoring.OutcomeOffline
	}
	monitoring.RecordRouted("chat", outcome)
	c.sendEnvelope(messaging.Confirm(env, c.userID, content))
}

// onIdle fires when c has sent nothing for the idle timeout.
func (s *Server) onIdle(c *Client) {
	if c.isClosing() {
		return
	}
	atomic.AddInt64(&s.stats.IdleTimeouts, 1)
	s.logger.Info().
		Uint64("client_id", c.id).
		Str("user_id", c.userID).
		Dur("idle_timeout", s.config.IdleTimeout).
		Msg("Closing idle connection")
	c.notice(messaging.TypeSystem, messaging.TextIdleTimeout)
	c.close(monitoring.DisconnectReasonIdleTimeout, monitoring.DisconnectInitiatedByServer)
}
