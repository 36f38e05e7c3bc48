package ledger

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyLock hands out one single-slot semaphore per signing key.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func newKeyLock() *keyLock {
	return &keyLock{locks: map[string]*semaphore.Weighted{}}
}

func (r *keyLock) get(key string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		l = semaphore.NewWeighted(1)
		r.locks[key] = l
	}

	return l
}

// acquire takes the slot for key, giving up with a Timeout chain error when ctx ends first.
// The returned func releases the slot.
func (r *keyLock) acquire(ctx context.Context, key string) (func(), error) {
	l := r.get(key)
	if err := l.Acquire(ctx, 1); err != nil {
		return nil, NewChainError(Timeout, err)
	}

	return func() { l.Release(1) }, nil
}
