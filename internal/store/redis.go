package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compare-and-delete so a node never erases a value another node wrote.
var deleteIfEqualsScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Returns -1 when the counter is already at the limit.
var incrIfBelowScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v >= tonumber(ARGV[1]) then
	return -1
end
return redis.call("INCR", KEYS[1])
`)

var decrIfPositiveScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v <= 0 then
	return 0
end
return redis.call("DECR", KEYS[1])
`)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration // Per-call deadline (default: 2s)
}

// Redis is the Distributed backend. Every call is bounded by Timeout.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedis creates a Redis-backed store. It does not dial; use Ping to check reachability.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   1,
	})
	return &Redis{client: client, timeout: cfg.Timeout}
}

func (r *Redis) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.timeout)
}

func (r *Redis) Mode() Mode { return Distributed }

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	n, err := deleteIfEqualsScript.Run(ctx, r.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("delete-if-equals %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.Incr(ctx, key).Result()
}

func (r *Redis) IncrIfBelow(ctx context.Context, key string, limit int64) (int64, bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	n, err := incrIfBelowScript.Run(ctx, r.client, []string{key}, limit).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("incr-if-below %s: %w", key, err)
	}
	if n < 0 {
		return limit, false, nil
	}
	return n, true, nil
}

func (r *Redis) DecrIfPositive(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	n, err := decrIfPositiveScript.Run(ctx, r.client, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("decr-if-positive %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.SAdd(ctx, key, toArgs(members)...).Err()
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.SRem(ctx, key, toArgs(members)...).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.SCard(ctx, key).Result()
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.ZRem(ctx, key, toArgs(members)...).Err()
}

func (r *Redis) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.ZRange(ctx, key, start, stop).Result()
}

func (r *Redis) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.ZRevRange(ctx, key, start, stop).Result()
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.ZCard(ctx, key).Result()
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.LPush(ctx, key, toArgs(values)...).Err()
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.LRange(ctx, key, start, stop).Result()
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.LLen(ctx, key).Result()
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()
	return r.client.Publish(ctx, channel, payload).Err()
}

// PSubscribe opens a pattern subscription and waits for the server to confirm it.
// go-redis re-establishes the subscription on its own after a connection drop.
func (r *Redis) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	ps := r.client.PSubscribe(ctx, patterns...)

	rctx, cancel := r.ctx(ctx)
	defer cancel()
	if _, err := ps.Receive(rctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("psubscribe %v: %w", patterns, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Message, 256),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		select {
		case s.out <- Message{Pattern: m.Pattern, Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
