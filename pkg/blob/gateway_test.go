package blob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scoir/anchor/pkg/apperror"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseInterval = time.Millisecond
	cfg.MaxInterval = 4 * time.Millisecond
	cfg.Deadline = 2 * time.Second
	return cfg
}

type slowProvider struct {
	*MemoryProvider
	delay time.Duration
}

func (r *slowProvider) Upload(ctx context.Context, data []byte) (string, error) {
	select {
	case <-ctx.Done():
		return "", apperror.Wrap(ctx.Err(), apperror.BlobTimeout, "slow provider")
	case <-time.After(r.delay):
	}

	return r.MemoryProvider.Upload(ctx, data)
}

func TestGateway_Upload(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent locator", func(t *testing.T) {
		p := NewMemoryProvider("a")
		g, err := NewGateway(fastConfig(), p)
		require.NoError(t, err)

		a, err := g.Upload(ctx, []byte("ciphertext"))
		require.NoError(t, err)
		b, err := g.Upload(ctx, []byte("ciphertext"))
		require.NoError(t, err)

		require.Equal(t, a, b)
		require.Equal(t, int64(1), p.Uploads())
		require.NoError(t, ValidateLocator(a))
		require.Equal(t, "Qm", a[:2])
	})

	t.Run("retries transient failures on the same provider", func(t *testing.T) {
		p := NewMemoryProvider("a")
		p.FailNext(2)
		g, err := NewGateway(fastConfig(), p)
		require.NoError(t, err)

		_, err = g.Upload(ctx, []byte("data"))
		require.NoError(t, err)
	})

	t.Run("fails over after three attempts", func(t *testing.T) {
		a := NewMemoryProvider("a")
		b := NewMemoryProvider("b")
		a.FailNext(3)
		g, err := NewGateway(fastConfig(), a, b)
		require.NoError(t, err)

		loc, err := g.Upload(ctx, []byte("data"))
		require.NoError(t, err)
		require.Equal(t, int64(0), a.Uploads())
		require.Equal(t, int64(1), b.Uploads())

		st := g.Status()
		require.Equal(t, StatusDegraded, st.Status)
		require.False(t, st.Providers[0].Available)
		require.True(t, st.Providers[1].Available)

		got, err := g.Fetch(ctx, loc)
		require.NoError(t, err)
		require.Equal(t, []byte("data"), got)
	})

	t.Run("all providers down", func(t *testing.T) {
		a := NewMemoryProvider("a")
		a.SetDown(true)
		g, err := NewGateway(fastConfig(), a)
		require.NoError(t, err)

		_, err = g.Upload(ctx, []byte("data"))
		require.True(t, apperror.Is(err, apperror.BlobUnavailable))
		require.Equal(t, StatusDown, g.Status().Status)
	})

	t.Run("deadline", func(t *testing.T) {
		cfg := fastConfig()
		cfg.Deadline = 20 * time.Millisecond
		g, err := NewGateway(cfg, &slowProvider{MemoryProvider: NewMemoryProvider("slow"), delay: time.Second})
		require.NoError(t, err)

		_, err = g.Upload(ctx, []byte("data"))
		require.True(t, apperror.Is(err, apperror.BlobTimeout))
	})
}

func TestGateway_Fetch(t *testing.T) {
	ctx := context.Background()

	t.Run("not found everywhere", func(t *testing.T) {
		g, err := NewGateway(fastConfig(), NewMemoryProvider("a"), NewMemoryProvider("b"))
		require.NoError(t, err)

		_, err = g.Fetch(ctx, Locator([]byte("never stored")))
		require.True(t, apperror.Is(err, apperror.NotFound))
	})

	t.Run("falls through to the provider holding the blob", func(t *testing.T) {
		a := NewMemoryProvider("a")
		b := NewMemoryProvider("b")
		loc, err := b.Upload(ctx, []byte("data"))
		require.NoError(t, err)

		g, err := NewGateway(fastConfig(), a, b)
		require.NoError(t, err)

		got, err := g.Fetch(ctx, loc)
		require.NoError(t, err)
		require.Equal(t, []byte("data"), got)
	})

	t.Run("bad locator", func(t *testing.T) {
		g, err := NewGateway(fastConfig(), NewMemoryProvider("a"))
		require.NoError(t, err)

		_, err = g.Fetch(ctx, "not-a-locator")
		require.True(t, apperror.Is(err, apperror.Validation))
	})
}

func TestGateway_Probe(t *testing.T) {
	a := NewMemoryProvider("a")
	g, err := NewGateway(fastConfig(), a)
	require.NoError(t, err)

	a.SetDown(true)
	g.Probe(context.Background())
	require.Equal(t, StatusDown, g.Status().Status)

	a.SetDown(false)
	g.Probe(context.Background())
	require.Equal(t, StatusOK, g.Status().Status)
	require.Equal(t, int64(0), g.Status().QueueDepth)
}

func TestNewGateway(t *testing.T) {
	_, err := NewGateway(fastConfig())
	require.Error(t, err)
}
