package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/scoir/anchor/pkg/apperror"
)

const signerA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func fastConfig() Config {
	return Config{Attempts: 3, BaseInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func fp(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func TestGateway_Anchor(t *testing.T) {
	ctx := context.Background()

	t.Run("anchors and confirms", func(t *testing.T) {
		chain := NewMemoryChain(signerA, 1)
		g, err := NewGateway(fastConfig(), chain)
		require.NoError(t, err)

		rec, err := g.Anchor(ctx, &AnchorRequest{Fingerprint: fp(1), Locator: "QmX"})
		require.NoError(t, err)
		require.NotEmpty(t, rec.TxID)
		require.GreaterOrEqual(t, rec.BlockHeight, uint64(1))
		require.NotZero(t, rec.GasConsumed)

		info, err := g.Lookup(ctx, fp(1))
		require.NoError(t, err)
		require.True(t, info.Anchored)
		require.True(t, info.Confirmed)
		require.Equal(t, rec.TxID, info.TxID)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		chain := NewMemoryChain(signerA, 1)
		chain.FailWith(NewChainError(NetworkError, errors.New("connection reset")), NewChainError(NonceExpired, errors.New("nonce too low")))
		g, err := NewGateway(fastConfig(), chain)
		require.NoError(t, err)

		_, err = g.Anchor(ctx, &AnchorRequest{Fingerprint: fp(1)})
		require.NoError(t, err)
		require.Equal(t, 1, chain.TxCount(fp(1)))
	})

	t.Run("exhausted retries surface as timeout", func(t *testing.T) {
		chain := NewMemoryChain(signerA, 1)
		e := NewChainError(NetworkError, errors.New("connection refused"))
		chain.FailWith(e, e, e)
		g, err := NewGateway(fastConfig(), chain)
		require.NoError(t, err)

		_, err = g.Anchor(ctx, &AnchorRequest{Fingerprint: fp(1)})
		require.True(t, apperror.Is(err, apperror.LedgerTimeout))
		require.Equal(t, 0, chain.TxCount(fp(1)))
	})

	t.Run("terminal errors are not retried", func(t *testing.T) {
		for _, code := range []Code{InsufficientFunds, UserRejected, Reverted} {
			chain := NewMemoryChain(signerA, 1)
			chain.FailWith(NewChainError(code, errors.New(string(code))))
			g, err := NewGateway(fastConfig(), chain)
			require.NoError(t, err)

			_, err = g.Anchor(ctx, &AnchorRequest{Fingerprint: fp(1)})
			require.True(t, apperror.Is(err, apperror.LedgerRejected), code)
			require.Equal(t, 0, chain.TxCount(fp(1)))
		}
	})

	t.Run("adopts an existing anchor", func(t *testing.T) {
		chain := NewMemoryChain(signerA, 1)
		txID := chain.Register(fp(1), "QmX")
		g, err := NewGateway(fastConfig(), chain)
		require.NoError(t, err)

		rec, err := g.Anchor(ctx, &AnchorRequest{Fingerprint: fp(1), Locator: "QmX"})
		require.NoError(t, err)
		require.Equal(t, txID, rec.TxID)
		require.Equal(t, 1, chain.TxCount(fp(1)))
	})

	t.Run("waiting past the deadline", func(t *testing.T) {
		chain := NewMemoryChain(signerA, 1)
		chain.Hold(true)
		g, err := NewGateway(fastConfig(), chain)
		require.NoError(t, err)

		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err = g.Anchor(tctx, &AnchorRequest{Fingerprint: fp(1)})
		require.True(t, apperror.Is(err, apperror.LedgerTimeout))
		require.Equal(t, 1, chain.TxCount(fp(1)))

		info, err := g.Lookup(ctx, fp(1))
		require.NoError(t, err)
		require.True(t, info.Anchored)
		require.False(t, info.Confirmed)

		chain.Mine(1)
		info, err = g.Lookup(ctx, fp(1))
		require.NoError(t, err)
		require.True(t, info.Confirmed)
	})

	t.Run("unknown signer", func(t *testing.T) {
		g, err := NewGateway(fastConfig(), NewMemoryChain(signerA, 1))
		require.NoError(t, err)

		_, err = g.Anchor(ctx, &AnchorRequest{Signer: "0xbbbb", Fingerprint: fp(1)})
		require.True(t, apperror.Is(err, apperror.Validation))
	})
}

func TestGateway_Serialisation(t *testing.T) {
	ctx := context.Background()

	t.Run("same signer is serialised", func(t *testing.T) {
		chain := NewMemoryChain(signerA, 1)
		chain.SetSubmitDelay(5 * time.Millisecond)
		g, err := NewGateway(fastConfig(), chain)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 1; i <= 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := g.Anchor(ctx, &AnchorRequest{Fingerprint: fp(i)})
				require.NoError(t, err)
			}(i)
		}
		wg.Wait()

		require.Equal(t, 1, chain.MaxConcurrentSubmits())
	})

	t.Run("queued caller gives up at its own deadline", func(t *testing.T) {
		chain := NewMemoryChain(signerA, 1)
		chain.SetSubmitDelay(500 * time.Millisecond)
		g, err := NewGateway(fastConfig(), chain)
		require.NoError(t, err)

		hctx, hcancel := context.WithTimeout(ctx, time.Second)
		defer hcancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = g.Anchor(hctx, &AnchorRequest{Fingerprint: fp(1)})
		}()
		time.Sleep(20 * time.Millisecond)

		tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err = g.Anchor(tctx, &AnchorRequest{Fingerprint: fp(2)})
		require.True(t, apperror.Is(err, apperror.LedgerTimeout))
		require.Less(t, time.Since(start), 250*time.Millisecond)
		require.Equal(t, 0, chain.TxCount(fp(2)))

		hcancel()
		<-done
	})

	t.Run("confirmation wait does not hold the signer", func(t *testing.T) {
		chain := NewMemoryChain(signerA, 1)
		chain.Hold(true)
		g, err := NewGateway(fastConfig(), chain)
		require.NoError(t, err)

		hctx, hcancel := context.WithTimeout(ctx, 600*time.Millisecond)
		defer hcancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = g.Anchor(hctx, &AnchorRequest{Fingerprint: fp(1)})
		}()

		require.Eventually(t, func() bool {
			return chain.TxCount(fp(1)) == 1
		}, time.Second, time.Millisecond)

		tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err = g.Anchor(tctx, &AnchorRequest{Fingerprint: fp(2)})
		require.True(t, apperror.Is(err, apperror.LedgerTimeout))
		require.Less(t, time.Since(start), 250*time.Millisecond)
		require.Equal(t, 1, chain.TxCount(fp(2)))

		hcancel()
		<-done
	})

	t.Run("different signers proceed independently", func(t *testing.T) {
		a := NewMemoryChain(signerA, 1)
		b := NewMemoryChain("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 1)
		g, err := NewGateway(fastConfig(), a, b)
		require.NoError(t, err)

		_, err = g.Anchor(ctx, &AnchorRequest{Signer: b.Signer(), Fingerprint: fp(1)})
		require.NoError(t, err)
		require.Equal(t, 0, a.TxCount(fp(1)))
		require.Equal(t, 1, b.TxCount(fp(1)))
	})
}

func TestClassify(t *testing.T) {
	require.Equal(t, InsufficientFunds, CodeOf(classify(errors.New("insufficient funds for gas * price + value"))))
	require.Equal(t, NonceExpired, CodeOf(classify(errors.New("nonce too low"))))
	require.Equal(t, Reverted, CodeOf(classify(errors.New("execution reverted: already registered"))))
	require.Equal(t, Timeout, CodeOf(classify(context.DeadlineExceeded)))
	require.Equal(t, NetworkError, CodeOf(classify(errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"))))
	require.True(t, NonceExpired.Retryable())
	require.False(t, Reverted.Retryable())
}

func TestMetadataDigest(t *testing.T) {
	a, err := MetadataDigest(map[string]string{"recipientName": "Jane"})
	require.NoError(t, err)
	b, err := MetadataDigest(map[string]string{"recipientName": "Jane"})
	require.NoError(t, err)
	c, err := MetadataDigest(map[string]string{"recipientName": "John"})
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
