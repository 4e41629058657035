package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/adred-codev/cs_gateway/internal/store"
	"github.com/rs/zerolog"
)

// StoreBus publishes frames on the shared store's pub/sub channels:
// <prefix>broadcast, <prefix>user:<id> and <prefix>group:<id>.
type StoreBus struct {
	st     store.Store
	keys   store.Keys
	logger zerolog.Logger

	mu   sync.Mutex
	subs []store.Subscription
	wg   sync.WaitGroup
}

func NewStoreBus(st store.Store, keys store.Keys, logger zerolog.Logger) *StoreBus {
	return &StoreBus{
		st:     st,
		keys:   keys,
		logger: logger.With().Str("component", "store_bus").Logger(),
	}
}

func (b *StoreBus) channel(f Frame) string {
	switch f.Kind {
	case KindUser:
		return b.keys.UserChannel(f.Target)
	case KindGroup:
		return b.keys.GroupChannel(f.Target)
	default:
		return b.keys.BroadcastChannel()
	}
}

func (b *StoreBus) Publish(ctx context.Context, f Frame) error {
	data, err := f.encode()
	if err != nil {
		return err
	}
	if err := b.st.Publish(ctx, b.channel(f), data); err != nil {
		return fmt.Errorf("publish %s: %w", f.Kind, err)
	}
	return nil
}

func (b *StoreBus) Subscribe(ctx context.Context, h Handler) error {
	sub, err := b.st.PSubscribe(ctx,
		b.keys.BroadcastChannel(),
		b.keys.UserChannelPattern(),
		b.keys.GroupChannelPattern(),
	)
	if err != nil {
		return fmt.Errorf("subscribe fanout channels: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer monitoring.RecoverPanic(b.logger, "storeBusSubscriber", nil)

		for msg := range sub.Messages() {
			f, err := decodeFrame(msg.Payload)
			if err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed fanout frame")
				monitoring.RecordError(monitoring.ErrorTypeFanout, monitoring.ErrorSeverityWarning)
				continue
			}
			h(f)
		}
	}()
	return nil
}

func (b *StoreBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	b.wg.Wait()
	return nil
}
