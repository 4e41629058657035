package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is the LocalOnly backend: a single-process implementation of Store.
// Expiry is evaluated lazily on access.
type Memory struct {
	mu      sync.Mutex
	strings map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	lists   map[string][]string
	expires map[string]time.Time

	subMu sync.RWMutex
	subs  map[*memorySubscription]struct{}

	now func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]string),
		expires: make(map[string]time.Time),
		subs:    make(map[*memorySubscription]struct{}),
		now:     time.Now,
	}
}

func (m *Memory) Mode() Mode { return LocalOnly }

func (m *Memory) Ping(context.Context) error { return nil }

// expireLocked drops key if its deadline has passed. Caller holds m.mu.
func (m *Memory) expireLocked(key string) {
	if at, ok := m.expires[key]; ok && !m.now().Before(at) {
		m.deleteLocked(key)
	}
}

func (m *Memory) deleteLocked(key string) bool {
	_, s := m.strings[key]
	_, st := m.sets[key]
	_, z := m.zsets[key]
	_, l := m.lists[key]
	delete(m.strings, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.lists, key)
	delete(m.expires, key)
	return s || st || z || l
}

// Sweep drops every expired key and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for key, at := range m.expires {
		if !now.Before(at) && m.deleteLocked(key) {
			removed++
		}
	}
	return removed
}

func (m *Memory) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expires[key] = m.now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if _, ok := m.strings[key]; ok {
		return false, nil
	}
	m.strings[key] = value
	m.setTTLLocked(key, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.deleteLocked(k)
	}
	return nil
}

func (m *Memory) DeleteIfEquals(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if v, ok := m.strings[key]; ok && v == value {
		m.deleteLocked(key)
		return true, nil
	}
	return false, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *Memory) counterLocked(key string) (int64, error) {
	m.expireLocked(key)
	v, ok := m.strings[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer", key)
	}
	return n, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.counterLocked(key)
	if err != nil {
		return 0, err
	}
	n++
	m.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) IncrIfBelow(_ context.Context, key string, limit int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.counterLocked(key)
	if err != nil {
		return 0, false, err
	}
	if n >= limit {
		return n, false, nil
	}
	n++
	m.strings[key] = strconv.FormatInt(n, 10)
	return n, true, nil
}

func (m *Memory) DecrIfPositive(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.counterLocked(key)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}
	n--
	m.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(set, mem)
	}
	if len(set) == 0 {
		m.deleteLocked(key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.sets[key])), nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(z, mem)
	}
	if len(z) == 0 {
		m.deleteLocked(key)
	}
	return nil
}

// sortedLocked orders members by (score, member) like Redis.
func (m *Memory) sortedLocked(key string) []string {
	m.expireLocked(key)
	z := m.zsets[key]
	out := make([]string, 0, len(z))
	for mem := range z {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool {
		if z[out[i]] != z[out[j]] {
			return z[out[i]] < z[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

func (m *Memory) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sliceRange(m.sortedLocked(key), start, stop), nil
}

func (m *Memory) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	asc := m.sortedLocked(key)
	desc := make([]string, len(asc))
	for i, v := range asc {
		desc[len(asc)-1-i] = v
	}
	return sliceRange(desc, start, stop), nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	list := m.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	m.lists[key] = list
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return sliceRange(m.lists[key], start, stop), nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.lists[key])), nil
}

// Publish delivers to matching subscribers without blocking; a full subscriber buffer drops the message.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for sub := range m.subs {
		for _, p := range sub.patterns {
			if matchPattern(p, channel) {
				sub.deliver(Message{Pattern: p, Channel: channel, Payload: payload})
				break
			}
		}
	}
	return nil
}

func (m *Memory) PSubscribe(_ context.Context, patterns ...string) (Subscription, error) {
	sub := &memorySubscription{
		owner:    m,
		patterns: patterns,
		out:      make(chan Message, 256),
	}
	m.subMu.Lock()
	m.subs[sub] = struct{}{}
	m.subMu.Unlock()
	return sub, nil
}

func (m *Memory) Close() error {
	m.subMu.Lock()
	subs := m.subs
	m.subs = make(map[*memorySubscription]struct{})
	m.subMu.Unlock()
	for sub := range subs {
		sub.closeChannel()
	}
	return nil
}

type memorySubscription struct {
	owner    *Memory
	patterns []string
	out      chan Message

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
	}
}

func (s *memorySubscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

func (s *memorySubscription) Messages() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.owner.subMu.Lock()
	delete(s.owner.subs, s)
	s.owner.subMu.Unlock()
	s.closeChannel()
	return nil
}

// sliceRange applies Redis inclusive start/stop semantics, including negative indexes.
func sliceRange(values []string, start, stop int64) []string {
	n := int64(len(values))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}
	}
	out := make([]string, stop-start+1)
	copy(out, values[start:stop+1])
	return out
}

// matchPattern implements the subset of Redis glob syntax the gateway uses: '*' and '?'.
func matchPattern(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchPattern(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		s = s[1:]
	}
	return len(s) == 0
}
