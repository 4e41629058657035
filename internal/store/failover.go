package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// FailoverConfig configures a Failover store.
type FailoverConfig struct {
	ProbeInterval time.Duration // Recovery probe period while degraded (default: 5s)
	Logger        zerolog.Logger
}

// Failover serves from a Distributed primary and switches to a local Memory
// mirror when the primary fails.
//
// While healthy every write also lands in the mirror, so the node's own
// presence and assignment writes survive the switch. While degraded all
// reads and writes go to the mirror and Mode reports LocalOnly. A probe
// loop pings the primary and, on success, switches back and runs the
// OnRestore hooks. Writes made while degraded are not replayed.
type Failover struct {
	primary Store
	local   *Memory

	degraded int32
	interval time.Duration
	logger   zerolog.Logger

	hooksMu   sync.Mutex
	onRestore []func(ctx context.Context)
}

// NewFailover fronts primary with local.
func NewFailover(primary Store, local *Memory, cfg FailoverConfig) *Failover {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	f := &Failover{
		primary:  primary,
		local:    local,
		interval: cfg.ProbeInterval,
		logger:   cfg.Logger.With().Str("component", "store_failover").Logger(),
	}
	monitoring.SetStoreMode(string(Distributed), string(LocalOnly))
	return f
}

// OnRestore registers a hook run after the primary becomes reachable again.
func (f *Failover) OnRestore(fn func(ctx context.Context)) {
	f.hooksMu.Lock()
	f.onRestore = append(f.onRestore, fn)
	f.hooksMu.Unlock()
}

// Start checks the primary once and then probes it every interval until ctx is done.
func (f *Failover) Start(ctx context.Context) {
	if err := f.primary.Ping(ctx); err != nil {
		f.degrade("ping", err)
	}

	go func() {
		defer monitoring.RecoverPanic(f.logger, "storeProbe", nil)

		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.local.Sweep()
				f.Probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Probe pings the primary if degraded and restores it on success.
// Returns true when the store is healthy after the call.
func (f *Failover) Probe(ctx context.Context) bool {
	if !f.Degraded() {
		return true
	}
	if err := f.primary.Ping(ctx); err != nil {
		return false
	}
	if !atomic.CompareAndSwapInt32(&f.degraded, 1, 0) {
		return true
	}

	f.logger.Info().Msg("Shared store reachable again, leaving local-only mode")
	monitoring.SetStoreMode(string(Distributed), string(LocalOnly))

	f.hooksMu.Lock()
	hooks := append([]func(context.Context){}, f.onRestore...)
	f.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
	return true
}

// Degraded reports whether the store is serving from the local mirror.
func (f *Failover) Degraded() bool {
	return atomic.LoadInt32(&f.degraded) == 1
}

func (f *Failover) degrade(op string, err error) {
	monitoring.RecordStoreError(op)
	if atomic.CompareAndSwapInt32(&f.degraded, 0, 1) {
		f.logger.Error().Err(err).Str("op", op).Msg("Shared store unavailable, switching to local-only mode")
		monitoring.SetStoreMode(string(LocalOnly), string(Distributed))
	}
}

// outage reports whether err means the primary could not be reached, as
// opposed to a missing key or a server-side error reply. A caller deadline
// that expires during the call counts as an outage, since a hung primary
// looks exactly like that. A ctx that was already done before the call, or
// was cancelled, does not.
func (f *Failover) outage(ctx context.Context, spent bool, err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || spent || errors.Is(ctx.Err(), context.Canceled) {
		return false
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}

// do runs op against the primary, falling back to the mirror on outage.
func do[T any](f *Failover, ctx context.Context, name string, op func(Store) (T, error)) (T, error) {
	if !f.Degraded() {
		spent := ctx.Err() != nil
		v, err := op(f.primary)
		if !f.outage(ctx, spent, err) {
			return v, err
		}
		f.degrade(name, err)
	}
	return op(f.local)
}

// write runs op against the primary and applies mirror to the local store on success.
func write[T any](f *Failover, ctx context.Context, name string, op func(Store) (T, error), mirror func(T)) (T, error) {
	if !f.Degraded() {
		spent := ctx.Err() != nil
		v, err := op(f.primary)
		if err == nil {
			mirror(v)
			return v, nil
		}
		if !f.outage(ctx, spent, err) {
			return v, err
		}
		f.degrade(name, err)
	}
	return op(f.local)
}

func (f *Failover) Mode() Mode {
	if f.Degraded() {
		return LocalOnly
	}
	return Distributed
}

func (f *Failover) Ping(ctx context.Context) error {
	if f.Degraded() {
		return f.local.Ping(ctx)
	}
	return f.primary.Ping(ctx)
}

func (f *Failover) Get(ctx context.Context, key string) (string, error) {
	return do(f, ctx, "get", func(s Store) (string, error) { return s.Get(ctx, key) })
}

func (f *Failover) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := write(f, ctx, "set",
		func(s Store) (struct{}, error) { return struct{}{}, s.Set(ctx, key, value, ttl) },
		func(struct{}) { f.local.Set(ctx, key, value, ttl) })
	return err
}

func (f *Failover) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return write(f, ctx, "setnx",
		func(s Store) (bool, error) { return s.SetNX(ctx, key, value, ttl) },
		func(ok bool) {
			if ok {
				f.local.Set(ctx, key, value, ttl)
			}
		})
}

func (f *Failover) Delete(ctx context.Context, keys ...string) error {
	_, err := write(f, ctx, "del",
		func(s Store) (struct{}, error) { return struct{}{}, s.Delete(ctx, keys...) },
		func(struct{}) { f.local.Delete(ctx, keys...) })
	return err
}

func (f *Failover) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	return write(f, ctx, "del_if_equals",
		func(s Store) (bool, error) { return s.DeleteIfEquals(ctx, key, value) },
		func(bool) { f.local.DeleteIfEquals(ctx, key, value) })
}

func (f *Failover) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := write(f, ctx, "expire",
		func(s Store) (struct{}, error) { return struct{}{}, s.Expire(ctx, key, ttl) },
		func(struct{}) { f.local.Expire(ctx, key, ttl) })
	return err
}

func (f *Failover) mirrorCounter(ctx context.Context, key string) func(int64) {
	return func(n int64) {
		f.local.Set(ctx, key, strconv.FormatInt(n, 10), 0)
	}
}

func (f *Failover) Incr(ctx context.Context, key string) (int64, error) {
	return write(f, ctx, "incr",
		func(s Store) (int64, error) { return s.Incr(ctx, key) },
		f.mirrorCounter(ctx, key))
}

type incrResult struct {
	n  int64
	ok bool
}

func (f *Failover) IncrIfBelow(ctx context.Context, key string, limit int64) (int64, bool, error) {
	r, err := write(f, ctx, "incr_if_below",
		func(s Store) (incrResult, error) {
			n, ok, err := s.IncrIfBelow(ctx, key, limit)
			return incrResult{n, ok}, err
		},
		func(r incrResult) {
			if r.ok {
				f.mirrorCounter(ctx, key)(r.n)
			}
		})
	return r.n, r.ok, err
}

func (f *Failover) DecrIfPositive(ctx context.Context, key string) (int64, error) {
	return write(f, ctx, "decr_if_positive",
		func(s Store) (int64, error) { return s.DecrIfPositive(ctx, key) },
		f.mirrorCounter(ctx, key))
}

func (f *Failover) SAdd(ctx context.Context, key string, members ...string) error {
	_, err := write(f, ctx, "sadd",
		func(s Store) (struct{}, error) { return struct{}{}, s.SAdd(ctx, key, members...) },
		func(struct{}) { f.local.SAdd(ctx, key, members...) })
	return err
}

func (f *Failover) SRem(ctx context.Context, key string, members ...string) error {
	_, err := write(f, ctx, "srem",
		func(s Store) (struct{}, error) { return struct{}{}, s.SRem(ctx, key, members...) },
		func(struct{}) { f.local.SRem(ctx, key, members...) })
	return err
}

func (f *Failover) SMembers(ctx context.Context, key string) ([]string, error) {
	return do(f, ctx, "smembers", func(s Store) ([]string, error) { return s.SMembers(ctx, key) })
}

func (f *Failover) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return do(f, ctx, "sismember", func(s Store) (bool, error) { return s.SIsMember(ctx, key, member) })
}

func (f *Failover) SCard(ctx context.Context, key string) (int64, error) {
	return do(f, ctx, "scard", func(s Store) (int64, error) { return s.SCard(ctx, key) })
}

func (f *Failover) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := write(f, ctx, "zadd",
		func(s Store) (struct{}, error) { return struct{}{}, s.ZAdd(ctx, key, score, member) },
		func(struct{}) { f.local.ZAdd(ctx, key, score, member) })
	return err
}

func (f *Failover) ZRem(ctx context.Context, key string, members ...string) error {
	_, err := write(f, ctx, "zrem",
		func(s Store) (struct{}, error) { return struct{}{}, s.ZRem(ctx, key, members...) },
		func(struct{}) { f.local.ZRem(ctx, key, members...) })
	return err
}

func (f *Failover) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return do(f, ctx, "zrange", func(s Store) ([]string, error) { return s.ZRange(ctx, key, start, stop) })
}

func (f *Failover) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return do(f, ctx, "zrevrange", func(s Store) ([]string, error) { return s.ZRevRange(ctx, key, start, stop) })
}

func (f *Failover) ZCard(ctx context.Context, key string) (int64, error) {
	return do(f, ctx, "zcard", func(s Store) (int64, error) { return s.ZCard(ctx, key) })
}

func (f *Failover) LPush(ctx context.Context, key string, values ...string) error {
	_, err := write(f, ctx, "lpush",
		func(s Store) (struct{}, error) { return struct{}{}, s.LPush(ctx, key, values...) },
		func(struct{}) { f.local.LPush(ctx, key, values...) })
	return err
}

func (f *Failover) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return do(f, ctx, "lrange", func(s Store) ([]string, error) { return s.LRange(ctx, key, start, stop) })
}

func (f *Failover) LLen(ctx context.Context, key string) (int64, error) {
	return do(f, ctx, "llen", func(s Store) (int64, error) { return s.LLen(ctx, key) })
}

// Publish goes to the primary while healthy and to local subscribers while degraded.
func (f *Failover) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := do(f, ctx, "publish", func(s Store) (struct{}, error) {
		return struct{}{}, s.Publish(ctx, channel, payload)
	})
	return err
}

// PSubscribe subscribes on both backends and merges their streams. If the
// primary cannot be subscribed yet, the subscription keeps retrying in the
// background at the probe interval.
func (f *Failover) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	localSub, err := f.local.PSubscribe(ctx, patterns...)
	if err != nil {
		return nil, err
	}

	m := &mergedSubscription{
		out:  make(chan Message, 256),
		done: make(chan struct{}),
	}
	m.attach(localSub)

	if sub, err := f.primary.PSubscribe(ctx, patterns...); err == nil {
		m.attach(sub)
	} else {
		f.degrade("psubscribe", err)
		go m.retry(f, patterns)
	}
	return m, nil
}

func (f *Failover) Close() error {
	f.local.Close()
	return f.primary.Close()
}

type mergedSubscription struct {
	out  chan Message
	done chan struct{}

	mu        sync.Mutex
	subs      []Subscription
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (m *mergedSubscription) attach(sub Subscription) {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		sub.Close()
		return
	default:
	}
	m.subs = append(m.subs, sub)
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for msg := range sub.Messages() {
			select {
			case m.out <- msg:
			case <-m.done:
				return
			}
		}
	}()
}

func (m *mergedSubscription) retry(f *Failover, patterns []string) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sub, err := f.primary.PSubscribe(context.Background(), patterns...)
			if err != nil {
				continue
			}
			m.attach(sub)
			return
		case <-m.done:
			return
		}
	}
}

func (m *mergedSubscription) Messages() <-chan Message { return m.out }

func (m *mergedSubscription) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		close(m.done)
		subs := m.subs
		m.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}
		m.wg.Wait()
		close(m.out)
	})
	return nil
}
