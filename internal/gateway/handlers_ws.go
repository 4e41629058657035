package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adred-codev/cs_gateway/internal/auth"
	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/gobwas/ws"
)

// WebSocket upgrade handler
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := getClientIP(r)

	if r.Method != http.MethodGet {
		monitoring.RecordAuthFailure("bad_method")
		http.Error(w, "Unauthorized: WebSocket upgrade requires GET", http.StatusUnauthorized)
		return
	}

	// Reject new connections during graceful shutdown
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.connectionRateLimiter != nil && !s.connectionRateLimiter.CheckConnectionAllowed(clientIP) {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Msg("Connection rejected: rate limit exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	shouldAccept, reason := s.resourceGuard.ShouldAcceptConnection()
	if !shouldAccept {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int64("current_connections", atomic.LoadInt64(&s.stats.CurrentConnections)).
			Str("reason", reason).
			Msg("Connection rejected by ResourceGuard")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	token := auth.ExtractToken(r)
	userID, err := s.authenticate(r.Context(), token)
	if err != nil {
		monitoring.RecordAuthFailure("invalid_token")
		s.logger.Warn().
			Err(err).
			Str("client_ip", clientIP).
			Bool("token_present", token != "").
			Msg("Connection rejected: invalid token")
		http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
		return
	}
	role := types.RoleFromQuery(r.URL.Query().Get("role"))

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_id", userID).
			Msg("WebSocket upgrade failed")
		return
	}

	c := newClient(s, s.clientID.Add(1), conn, userID, role, token)
	c.idle = time.AfterFunc(s.config.IdleTimeout, func() { s.onIdle(c) })

	s.clients.Store(c.id, c)
	atomic.AddInt64(&s.stats.TotalConnections, 1)
	current := atomic.AddInt64(&s.stats.CurrentConnections, 1)
	monitoring.RecordConnectionOpened(current)

	s.logger.Info().
		Str("client_ip", clientIP).
		Uint64("client_id", c.id).
		Str("user_id", userID).
		Str("role", string(role)).
		Int64("current_connections", current).
		Dur("setup_time", time.Since(startTime)).
		Msg("Client connected")

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", auth.ErrInvalidToken
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	userID, err := s.validator.Validate(ctx, token)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", auth.ErrInvalidToken
	}
	return userID, nil
}

// getClientIP extracts the client IP from the request.
// Checks X-Forwarded-For header first (for load balancers/proxies),
// then falls back to RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// disconnectClient runs connection cleanup exactly once, whatever ended the
// connection.
func (s *Server) disconnectClient(c *Client) {
	c.cleanupOnce.Do(func() {
		c.close(monitoring.DisconnectReasonReadError, monitoring.DisconnectInitiatedByClient)
		reason, initiatedBy := c.disconnectReason()

		s.closeSession(c)
		s.rateLimiter.RemoveClient(c.id)
		s.clients.Delete(c.id)

		current := atomic.AddInt64(&s.stats.CurrentConnections, -1)
		duration := time.Since(c.connectedAt)
		monitoring.RecordDisconnectWithStats(s.stats, current, reason, initiatedBy, duration)

		s.logger.Info().
			Uint64("client_id", c.id).
			Str("user_id", c.userID).
			Str("role", string(c.role)).
			Str("reason", reason).
			Str("initiated_by", initiatedBy).
			Dur("duration", duration).
			Msg("Client disconnected")
	})
}
