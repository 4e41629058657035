package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS bus.
type NATSConfig struct {
	URL           string
	Subject       string // Single subject all nodes share (default: websocket.fanout)
	Name          string // Connection name, usually the node id
	ReconnectWait time.Duration
}

// natsConn is the subset of *nats.Conn the bus uses.
type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATSBus carries frames on one NATS subject. The delivery class and target
// travel inside the frame.
type NATSBus struct {
	conn    natsConn
	subject string
	logger  zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBus connects to NATS with unlimited reconnects.
func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	log := logger.With().Str("component", "nats_bus").Logger()

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS async error")
			monitoring.RecordError(monitoring.ErrorTypeFanout, monitoring.ErrorSeverityWarning)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return newNATSBus(conn, cfg.Subject, log), nil
}

func newNATSBus(conn natsConn, subject string, logger zerolog.Logger) *NATSBus {
	if subject == "" {
		subject = "websocket.fanout"
	}
	return &NATSBus{conn: conn, subject: subject, logger: logger}
}

func (b *NATSBus) Publish(_ context.Context, f Frame) error {
	data, err := f.encode()
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", f.Kind, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, h Handler) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		f, err := decodeFrame(msg.Data)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Dropping malformed fanout frame")
			monitoring.RecordError(monitoring.ErrorTypeFanout, monitoring.ErrorSeverityWarning)
			return
		}
		h(f)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains the connection, flushing pending publishes first.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		if s != nil {
			s.Unsubscribe()
		}
	}
	return b.conn.Drain()
}
