package kv

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const shardCount = 32

// Memory is an in-process Store. Keys are spread over fixed shards with
// per-shard locking so hot providers do not contend on one mutex. Expired
// entries are dropped lazily on access and swept by a background janitor.
type Memory struct {
	shards [shardCount]memShard
	stop   chan struct{}
	once   sync.Once

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

type memShard struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	value     string
	counter   int64
	isCounter bool
	expiresAt time.Time // zero = no expiry
}

// NewMemory creates an in-process store and starts its janitor.
func NewMemory() *Memory {
	m := &Memory{stop: make(chan struct{}), nowFunc: time.Now}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*memEntry)
	}
	go m.janitor()
	return m
}

func (m *Memory) shard(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

// live returns the entry for key if present and unexpired. Caller holds s.mu.
func (m *Memory) live(s *memShard, key string) *memEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.nowFunc().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := m.live(s, key)
	if e == nil {
		return "", false, nil
	}
	if e.isCounter {
		return strconv.FormatInt(e.counter, 10), true, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) CompareAndSet(_ context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := m.live(s, key)
	if old == "" {
		if e != nil {
			return false, nil
		}
	} else {
		if e == nil || e.isCounter || e.value != old {
			return false, nil
		}
	}
	s.entries[key] = &memEntry{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) IncrWithLimit(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := m.live(s, key)
	if e == nil {
		e = &memEntry{isCounter: true, expiresAt: m.expiry(ttl)}
		s.entries[key] = e
	}
	if limit > 0 && e.counter >= limit {
		return e.counter, false, nil
	}
	e.counter++
	return e.counter, true, nil
}

func (m *Memory) Peek(_ context.Context, key string) (int64, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := m.live(s, key)
	if e == nil {
		return 0, nil
	}
	return e.counter, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.nowFunc().Add(ttl)
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := m.nowFunc()
			for i := range m.shards {
				s := &m.shards[i]
				s.mu.Lock()
				for k, e := range s.entries {
					if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		case <-m.stop:
			return
		}
	}
}
