package fanout

import (
	"context"
	"fmt"

	"github.com/adred-codev/cs_gateway/internal/limits"
	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/rs/zerolog"
)

// LocalDelivery is what the Bridge hands inbound frames to. Implementations
// must deliver to this node's connections only and never publish.
type LocalDelivery interface {
	DeliverBroadcast(payload []byte) int
	DeliverUser(userID string, payload []byte) bool
	DeliverGroup(groupID string, payload []byte) int
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	NodeID string
	Bus    Bus
	Pool   *limits.WorkerPool // Runs local delivery of inbound frames
	Logger zerolog.Logger
}

// Bridge publishes this node's outbound frames and dispatches inbound frames
// from other nodes to local delivery.
type Bridge struct {
	nodeID string
	bus    Bus
	pool   *limits.WorkerPool
	logger zerolog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	return &Bridge{
		nodeID: cfg.NodeID,
		bus:    cfg.Bus,
		pool:   cfg.Pool,
		logger: cfg.Logger.With().Str("component", "fanout_bridge").Str("node_id", cfg.NodeID).Logger(),
	}
}

// Start subscribes to the bus and routes frames to local.
func (b *Bridge) Start(ctx context.Context, local LocalDelivery) error {
	if err := b.bus.Subscribe(ctx, func(f Frame) { b.dispatch(local, f) }); err != nil {
		return fmt.Errorf("start fanout bridge: %w", err)
	}
	b.logger.Info().Msg("Fanout bridge subscribed")
	return nil
}

func (b *Bridge) dispatch(local LocalDelivery, f Frame) {
	if f.Origin == b.nodeID {
		monitoring.RecordFanoutReceived(string(f.Kind), "own_origin")
		return
	}

	payload := []byte(f.Payload)
	deliver := func() {
		switch f.Kind {
		case KindBroadcast:
			n := local.DeliverBroadcast(payload)
			b.logger.Debug().Int("recipients", n).Msg("Delivered remote broadcast")
		case KindUser:
			if !local.DeliverUser(f.Target, payload) {
				monitoring.RecordFanoutReceived(string(f.Kind), "not_local")
				return
			}
		case KindGroup:
			local.DeliverGroup(f.Target, payload)
		}
		monitoring.RecordFanoutReceived(string(f.Kind), "delivered")
	}

	if b.pool == nil {
		deliver()
		return
	}
	if !b.pool.SubmitKeyed(string(f.Kind)+":"+f.Target, deliver) {
		monitoring.RecordFanoutReceived(string(f.Kind), "dropped")
		b.logger.Warn().Str("kind", string(f.Kind)).Str("target", f.Target).Msg("Worker pool full, dropping fanout frame")
	}
}

// PublishUser asks whichever node owns userID to deliver payload.
func (b *Bridge) PublishUser(ctx context.Context, userID string, payload []byte) error {
	return b.publish(ctx, Frame{Kind: KindUser, Target: userID, Payload: string(payload)})
}

// PublishGroup asks every other node to deliver payload to its members of groupID.
func (b *Bridge) PublishGroup(ctx context.Context, groupID string, payload []byte) error {
	return b.publish(ctx, Frame{Kind: KindGroup, Target: groupID, Payload: string(payload)})
}

// PublishBroadcast asks every other node to deliver payload to all its connections.
func (b *Bridge) PublishBroadcast(ctx context.Context, payload []byte) error {
	return b.publish(ctx, Frame{Kind: KindBroadcast, Payload: string(payload)})
}

func (b *Bridge) publish(ctx context.Context, f Frame) error {
	f.Origin = b.nodeID
	if err := b.bus.Publish(ctx, f); err != nil {
		return err
	}
	monitoring.RecordFanoutPublished(string(f.Kind))
	return nil
}

// Close stops receiving frames.
func (b *Bridge) Close() error {
	return b.bus.Close()
}
