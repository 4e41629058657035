// Package notify delivers notifications published to a Kafka topic by
// backend services to connected users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/cs_gateway/internal/messaging"
	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Directory is the delivery surface notifications go through. Targets on
// other nodes are reached by the directory's own fanout.
type Directory interface {
	SendMessage(ctx context.Context, userID string, payload []byte) bool
	SendToGroup(ctx context.Context, groupID string, payload []byte) int
	Broadcast(ctx context.Context, payload []byte) int
}

// Fetcher is the part of *kgo.Client the consumer polls.
type Fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// Target kinds, taken from the record key.
const (
	TargetUser      = "user"
	TargetGroup     = "group"
	TargetBroadcast = "broadcast"
)

var errBadKey = errors.New("record key must be user:<id>, group:<id> or broadcast")

type ConsumerConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topic         string
	Directory     Directory
	DeliveryWait  time.Duration // Bound on each delivery's store calls
	Logger        zerolog.Logger
}

// Consumer reads notification records and hands them to the directory.
//
// The record key selects the target and the value is a message envelope:
//
//	key: user:u1        value: {"type":"SYSTEM","content":"Your order shipped"}
//	key: group:vip      value: {"content":"Flash sale"}
//	key: broadcast      value: {"content":"Maintenance at 02:00"}
type Consumer struct {
	client Fetcher
	dir    Directory
	wait   time.Duration
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewConsumer connects a consumer-group client for cfg.Topic. New groups
// start at the end of the topic.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("directory is required")
	}

	logger := cfg.Logger
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("Notification partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("Notification partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return newConsumer(client, cfg), nil
}

func newConsumer(client Fetcher, cfg ConsumerConfig) *Consumer {
	wait := cfg.DeliveryWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &Consumer{
		client: client,
		dir:    cfg.Directory,
		wait:   wait,
		logger: cfg.Logger.With().Str("component", "notify_consumer").Str("topic", cfg.Topic).Logger(),
	}
}

// Start begins polling in the background until Stop or ctx is done.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info().Msg("Starting notification consumer")
	c.wg.Add(1)
	go c.consumeLoop(ctx)
}

// Stop ends the poll loop and closes the client.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.client.Close()
	c.logger.Info().
		Uint64("messages_processed", c.processed.Load()).
		Uint64("messages_failed", c.failed.Load()).
		Msg("Notification consumer stopped")
}

func (c *Consumer) Processed() uint64 { return c.processed.Load() }
func (c *Consumer) Failed() uint64    { return c.failed.Load() }

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	defer monitoring.RecoverPanic(c.logger, "notify.consumeLoop", nil)

	for {
		if ctx.Err() != nil {
			return
		}
		fetches := c.client.PollFetches(ctx)
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error().
				Err(err).
				Str("fetch_topic", topic).
				Int32("partition", partition).
				Msg("Fetch error")
		})
		fetches.EachRecord(func(r *kgo.Record) {
			c.processRecord(ctx, r)
		})
	}
}

func parseKey(key string) (kind, id string, err error) {
	if key == TargetBroadcast {
		return TargetBroadcast, "", nil
	}
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" || (kind != TargetUser && kind != TargetGroup) {
		return "", "", errBadKey
	}
	return kind, id, nil
}

var defaultTypes = map[string]messaging.Type{
	TargetUser:      messaging.TypeSystem,
	TargetGroup:     messaging.TypeGroup,
	TargetBroadcast: messaging.TypeBroadcast,
}

// processRecord delivers one record. Malformed records are counted and
// skipped; an offline target is not an error.
func (c *Consumer) processRecord(ctx context.Context, r *kgo.Record) {
	kind, id, err := parseKey(string(r.Key))
	if err != nil {
		c.reject(r, "bad_key", err)
		return
	}
	env, err := messaging.Decode(r.Value)
	if err != nil {
		c.reject(r, "bad_value", err)
		return
	}

	if env.Type == "" {
		env.Type = defaultTypes[kind]
	}
	if env.SenderID == "" {
		env.SenderID = messaging.SenderSystem
	}
	if kind != TargetBroadcast {
		env.ReceiverID = id
	}
	env.Stamp(env.SenderID)
	payload, err := env.Encode()
	if err != nil {
		c.reject(r, "bad_value", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	result := monitoring.OutcomeDelivered
	switch kind {
	case TargetUser:
		if !c.dir.SendMessage(ctx, id, payload) {
			result = monitoring.OutcomeOffline
		}
	case TargetGroup:
		c.dir.SendToGroup(ctx, id, payload)
	case TargetBroadcast:
		c.dir.Broadcast(ctx, payload)
	}
	c.processed.Add(1)
	monitoring.RecordNotification(kind, result)
	c.logger.Debug().
		Str("target", kind).
		Str("target_id", id).
		Str("message_id", env.MessageID).
		Str("result", result).
		Msg("Notification delivered")
}

func (c *Consumer) reject(r *kgo.Record, reason string, err error) {
	c.failed.Add(1)
	monitoring.RecordNotification("invalid", reason)
	c.logger.Warn().
		Err(err).
		Str("key", string(r.Key)).
		Int32("partition", r.Partition).
		Int64("offset", r.Offset).
		Msg("Skipping malformed notification record")
}
