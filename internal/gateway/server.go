// Package gateway is the WebSocket front end: it upgrades and authenticates
// connections, runs the per-connection protocol and serves the admin API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/cs_gateway/internal/auth"
	"github.com/adred-codev/cs_gateway/internal/balancer"
	"github.com/adred-codev/cs_gateway/internal/conversation"
	"github.com/adred-codev/cs_gateway/internal/directory"
	"github.com/adred-codev/cs_gateway/internal/limits"
	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/adred-codev/cs_gateway/internal/store"
	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/rs/zerolog"
)

// Config holds the transport and admission settings of a Server.
type Config struct {
	Addr            string
	WSPath          string
	IdleTimeout     time.Duration
	MaxFramePayload int64
	SendBuffer      int
	WriteWait       time.Duration
	MessageRate     float64
	MessageBurst    int
	StoreTimeout    time.Duration // Bound on store calls made for one frame

	Guard           limits.GuardConfig
	ConnRateLimit   *limits.ConnectionRateLimiterConfig // nil disables
	MetricsInterval time.Duration
	AdminEnabled    bool
	DrainTimeout    time.Duration // Grace period for connections on Shutdown (default: 30s)
}

// Deps are the services a Server routes through.
type Deps struct {
	Store         store.Store
	Directory     *directory.Directory
	Balancer      *balancer.Balancer
	Conversations conversation.Service // nil disables the conversation API
	Validator     auth.Validator
	Tokens        *auth.StoreValidator // nil disables the token API
	Logger        zerolog.Logger
}

type Server struct {
	config Config
	logger zerolog.Logger

	st        store.Store
	dir       *directory.Directory
	bal       *balancer.Balancer
	convs     conversation.Service
	validator auth.Validator
	tokens    *auth.StoreValidator

	listener   net.Listener
	httpServer *http.Server

	clients  sync.Map // uint64 -> *Client
	clientID atomic.Uint64

	rateLimiter           *limits.RateLimiter
	connectionRateLimiter *limits.ConnectionRateLimiter
	resourceGuard         *limits.ResourceGuard

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	stats *types.Stats
}

func NewServer(config Config, deps Deps) *Server {
	if config.WSPath == "" {
		config.WSPath = "/websocket"
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 180 * time.Second
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if config.WriteWait <= 0 {
		config.WriteWait = 5 * time.Second
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      config,
		logger:      deps.Logger.With().Str("component", "gateway").Logger(),
		st:          deps.Store,
		dir:         deps.Directory,
		bal:         deps.Balancer,
		convs:       deps.Conversations,
		validator:   deps.Validator,
		tokens:      deps.Tokens,
		rateLimiter: limits.NewRateLimiter(config.MessageRate, config.MessageBurst),
		ctx:         ctx,
		cancel:      cancel,
		stats:       types.NewStats(),
	}
	s.resourceGuard = limits.NewResourceGuard(config.Guard, deps.Logger, &s.stats.CurrentConnections)

	if config.ConnRateLimit != nil {
		rl := *config.ConnRateLimit
		rl.Logger = deps.Logger
		s.connectionRateLimiter = limits.NewConnectionRateLimiter(rl)
		s.logger.Info().Msg("Connection rate limiting enabled")
	}

	s.logger.Info().
		Str("addr", config.Addr).
		Str("ws_path", config.WSPath).
		Int("max_connections", config.Guard.MaxConnections).
		Dur("idle_timeout", config.IdleTimeout).
		Msg("Gateway initialized")
	return s
}

// Handler returns the HTTP handler serving the upgrade path, health,
// metrics and, when enabled, the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.WSPath, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	if s.config.AdminEnabled {
		s.registerAdminRoutes(mux)
	}
	return mux
}

// GetStats returns the live connection statistics
func (s *Server) GetStats() *types.Stats {
	return s.stats
}

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "httpServe", nil)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}()

	s.resourceGuard.StartMonitoring(s.ctx, s.config.MetricsInterval, s.stats)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Server listening")
	return nil
}

// Shutdown stops accepting connections, closes live ones and waits for
// their cleanup until ctx is done or the drain timeout passes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
		}
	}

	s.logger.Info().
		Int64("active_connections", atomic.LoadInt64(&s.stats.CurrentConnections)).
		Msg("Closing active connections")
	s.clients.Range(func(_, v any) bool {
		v.(*Client).close(monitoring.DisconnectReasonServerShutdown, monitoring.DisconnectInitiatedByServer)
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drain := time.NewTimer(s.config.DrainTimeout)
	defer drain.Stop()
	var err error
	select {
	case <-done:
		s.logger.Info().Msg("All connections drained")
	case <-drain.C:
		err = errors.New("drain timeout expired")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.logger.Warn().
			Err(err).
			Int64("remaining_connections", atomic.LoadInt64(&s.stats.CurrentConnections)).
			Msg("Shutdown finished with connections still open")
	}

	s.cancel()
	if s.connectionRateLimiter != nil {
		s.connectionRateLimiter.Stop()
	}
	s.logger.Info().Msg("Graceful shutdown completed")
	return err
}

// storeCtx bounds the store calls made on behalf of one connection event.
func (s *Server) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.config.StoreTimeout)
}
