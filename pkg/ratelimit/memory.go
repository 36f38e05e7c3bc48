package ratelimit

import (
	"context"
	"sync"
	"time"
)

type tatEntry struct {
	tat        time.Time
	expiration time.Time
}

// MemoryLimiter keeps theoretical arrival times per key in process.
type MemoryLimiter struct {
	mu        sync.Mutex
	data      map[string]*tatEntry
	policy    *Policy
	clock     Clock
	cleanup   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryLimiter starts a sweeper that drops idle keys every cleanupInterval (0 disables it).
func NewMemoryLimiter(policy *Policy, cleanupInterval time.Duration) *MemoryLimiter {
	m := &MemoryLimiter{
		data:   map[string]*tatEntry{},
		policy: policy,
		clock:  systemClock{},
		done:   make(chan struct{}),
	}

	if cleanupInterval > 0 {
		m.cleanup = time.NewTicker(cleanupInterval)
		go m.cleanupLoop()
	}

	return m
}

func (m *MemoryLimiter) WithClock(clock Clock) *MemoryLimiter {
	m.clock = clock
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	tat := now
	if e, ok := m.data[key]; ok && now.Before(e.expiration) && e.tat.After(now) {
		tat = e.tat
	}

	allowAt := tat.Add(-m.policy.BurstAllowance())
	if now.Before(allowAt) {
		return &Result{
			Allowed:    false,
			Limit:      m.policy.Limit,
			Remaining:  0,
			Reset:      tat,
			RetryAfter: allowAt.Sub(now),
		}, nil
	}

	next := tat.Add(m.policy.EmissionInterval())
	m.data[key] = &tatEntry{tat: next, expiration: now.Add(m.policy.Window + m.policy.BurstAllowance())}

	return &Result{
		Allowed:   true,
		Limit:     m.policy.Limit,
		Remaining: m.policy.remaining(next, now),
		Reset:     next,
	}, nil
}

func (m *MemoryLimiter) cleanupLoop() {
	for {
		select {
		case <-m.cleanup.C:
			m.removeExpired()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryLimiter) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for k, e := range m.data {
		if !now.Before(e.expiration) {
			delete(m.data, k)
		}
	}
}

func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() {
		if m.cleanup != nil {
			m.cleanup.Stop()
		}
		close(m.done)
	})

	return nil
}
