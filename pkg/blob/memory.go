package blob

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/scoir/anchor/pkg/apperror"
)

// MemoryProvider keeps blobs in process. Failures can be injected for tests.
type MemoryProvider struct {
	name    string
	mu      sync.RWMutex
	blobs   map[string][]byte
	down    atomic.Bool
	uploads atomic.Int64
	failN   atomic.Int64
}

func NewMemoryProvider(name string) *MemoryProvider {
	if name == "" {
		name = "memory"
	}

	return &MemoryProvider{name: name, blobs: map[string][]byte{}}
}

func (r *MemoryProvider) Name() string {
	return r.name
}

// SetDown makes every call fail with BLOB_UNAVAILABLE until cleared.
func (r *MemoryProvider) SetDown(down bool) {
	r.down.Store(down)
}

// FailNext makes the next n calls fail with BLOB_UNAVAILABLE.
func (r *MemoryProvider) FailNext(n int) {
	r.failN.Store(int64(n))
}

// Uploads is the number of distinct blobs stored.
func (r *MemoryProvider) Uploads() int64 {
	return r.uploads.Load()
}

func (r *MemoryProvider) unavailable() bool {
	if r.down.Load() {
		return true
	}

	for {
		n := r.failN.Load()
		if n <= 0 {
			return false
		}
		if r.failN.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (r *MemoryProvider) Upload(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if r.unavailable() {
		return "", apperror.Newf(apperror.BlobUnavailable, "%s is unavailable", r.name)
	}

	loc := Locator(data)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blobs[loc]; !ok {
		r.blobs[loc] = append([]byte(nil), data...)
		r.uploads.Add(1)
	}

	return loc, nil
}

func (r *MemoryProvider) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.unavailable() {
		return nil, apperror.Newf(apperror.BlobUnavailable, "%s is unavailable", r.name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blobs[locator]
	if !ok {
		return nil, apperror.Newf(apperror.NotFound, "blob %s not found", locator)
	}

	return append([]byte(nil), b...), nil
}

func (r *MemoryProvider) Probe(_ context.Context) error {
	if r.down.Load() {
		return apperror.Newf(apperror.BlobUnavailable, "%s is unavailable", r.name)
	}

	return nil
}
