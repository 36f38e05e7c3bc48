package lifecycle

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/blob"
	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/datastore"
	"github.com/scoir/anchor/pkg/datastore/memory"
	"github.com/scoir/anchor/pkg/ledger"
)

const (
	issuer = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	owner  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	helloF = "0x5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*datastore.AuditEvent
}

func (r *recordingSink) Notify(events ...*datastore.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recordingSink) kinds() []datastore.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []datastore.EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type suite struct {
	store    *memory.Store
	provider *blob.MemoryProvider
	blobs    *blob.Gateway
	chain    *ledger.MemoryChain
	ledger   *ledger.Gateway
	cipher   *crypto.Cipher
	sink     *recordingSink
	orch     *Orchestrator
}

func (r *suite) orchestrator(cfg Config) *Orchestrator {
	return New(cfg, r.store, r.blobs, r.ledger, r.cipher, r.sink)
}

func setup(t *testing.T) *suite {
	s := &suite{
		store:    memory.NewStore(),
		provider: blob.NewMemoryProvider("primary"),
		chain:    ledger.NewMemoryChain(issuer, 1),
		sink:     &recordingSink{},
	}

	var err error
	s.blobs, err = blob.NewGateway(blob.Config{
		Deadline:       2 * time.Second,
		Attempts:       2,
		BaseInterval:   time.Millisecond,
		MaxInterval:    5 * time.Millisecond,
		Multiplier:     2,
		HealthInterval: time.Hour,
	}, s.provider)
	require.NoError(t, err)

	s.ledger, err = ledger.NewGateway(ledger.Config{
		Attempts:     3,
		BaseInterval: time.Millisecond,
		MaxInterval:  5 * time.Millisecond,
	}, s.chain)
	require.NoError(t, err)

	s.cipher, err = crypto.NewCipherFromHex(strings.Repeat("ab", 32))
	require.NoError(t, err)

	s.orch = s.orchestrator(Config{SagaDeadline: 5 * time.Second, Workers: 4})
	return s
}

func metadata() datastore.Metadata {
	return datastore.Metadata{
		RecipientName:    "Jane",
		RecipientID:      "STU001",
		IssuingAuthority: "Acme U",
		CredentialKind:   datastore.Degree,
		IssueDate:        "2024-01-15",
	}
}

func hello() *Input {
	return &Input{
		IssuerKey: issuer,
		FileName:  "hello.txt",
		MimeType:  "text/plain; charset=utf-8",
		Body:      []byte("hello\n"),
		Metadata:  metadata(),
	}
}

func TestOrchestrator_Issue(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		s := setup(t)

		res, err := s.orch.Issue(context.Background(), hello())
		require.NoError(t, err)
		require.Equal(t, helloF, res.Fingerprint)
		require.Equal(t, datastore.LedgerAnchored, res.Status)
		require.True(t, strings.HasPrefix(res.Locator, "Qm"))
		require.NotEmpty(t, res.TxID)
		require.GreaterOrEqual(t, res.BlockHeight, uint64(1))
		require.NotZero(t, res.GasConsumed)

		c, err := s.store.GetCredential(context.Background(), helloF)
		require.NoError(t, err)
		require.Equal(t, datastore.LedgerAnchored, c.Status)
		require.Equal(t, res.Locator, c.BlobLocator)
		require.Equal(t, issuer, c.Access.OwnerKey)
		require.Equal(t, issuer, c.Access.IssuerKey)
		require.Equal(t, "text/plain", c.FileDescriptor.MimeType)
		require.Equal(t, int64(6), c.FileDescriptor.ByteSize)
		require.Equal(t, res.TxID, c.LedgerAnchor.TxID)

		events, err := s.store.ListAuditEvents(context.Background(), &datastore.AuditCriteria{Fingerprint: helloF})
		require.NoError(t, err)
		require.Len(t, events.Items, 3)
		require.Equal(t, datastore.Created, events.Items[0].Kind)
		require.Equal(t, datastore.BlobStoredEvent, events.Items[1].Kind)
		require.Equal(t, datastore.LedgerAnchoredEvent, events.Items[2].Kind)
		require.Equal(t, []datastore.EventKind{datastore.Created, datastore.BlobStoredEvent,
			datastore.LedgerAnchoredEvent}, s.sink.kinds())

		require.Empty(t, s.orch.Pending())
		require.Equal(t, 1, s.chain.TxCount(helloF))
	})

	t.Run("stored blob decrypts to the original body", func(t *testing.T) {
		s := setup(t)

		res, err := s.orch.Issue(context.Background(), hello())
		require.NoError(t, err)

		sealed, err := s.blobs.Fetch(context.Background(), res.Locator)
		require.NoError(t, err)
		require.NotEqual(t, []byte("hello\n"), sealed)

		pt, err := s.cipher.Decrypt(sealed)
		require.NoError(t, err)
		require.Equal(t, []byte("hello\n"), pt)
	})

	t.Run("explicit owner is normalised", func(t *testing.T) {
		s := setup(t)
		in := hello()
		in.OwnerKey = "0x" + strings.ToUpper(owner[2:])

		_, err := s.orch.Issue(context.Background(), in)
		require.NoError(t, err)

		c, err := s.store.GetCredential(context.Background(), helloF)
		require.NoError(t, err)
		require.Equal(t, owner, c.Access.OwnerKey)
		require.Equal(t, issuer, c.Access.IssuerKey)
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		s := setup(t)

		_, err := s.orch.Issue(context.Background(), hello())
		require.NoError(t, err)

		in := hello()
		in.Metadata.RecipientName = "Someone Else"
		_, err = s.orch.Issue(context.Background(), in)
		require.True(t, apperror.Is(err, apperror.DuplicateFingerprint))
		require.Equal(t, 1, s.chain.TxCount(helloF))
	})

	t.Run("concurrent duplicates have one winner", func(t *testing.T) {
		s := setup(t)

		const n = 10
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.orch.Issue(context.Background(), hello())
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		ok, dup := 0, 0
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case apperror.Is(err, apperror.DuplicateFingerprint):
				dup++
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}

		require.Equal(t, 1, ok)
		require.Equal(t, n-1, dup)
		require.Equal(t, 1, s.chain.TxCount(helloF))
		require.Equal(t, int64(1), s.provider.Uploads())
	})

	t.Run("validation failures store nothing", func(t *testing.T) {
		s := setup(t)
		tests := []struct {
			name   string
			mutate func(in *Input)
			kind   apperror.Kind
		}{
			{"future issue date", func(in *Input) { in.Metadata.IssueDate = time.Now().AddDate(0, 0, 2).Format("2006-01-02") }, apperror.Validation},
			{"unknown kind", func(in *Input) { in.Metadata.CredentialKind = "trophy" }, apperror.Validation},
			{"missing recipient", func(in *Input) { in.Metadata.RecipientName = " " }, apperror.Validation},
			{"expiry before issue", func(in *Input) { in.Metadata.ExpiryDate = "2023-01-01" }, apperror.Validation},
			{"bad issuer", func(in *Input) { in.IssuerKey = "0x1234" }, apperror.Validation},
			{"bad owner", func(in *Input) { in.OwnerKey = "nobody" }, apperror.Validation},
			{"gif", func(in *Input) { in.MimeType = "image/gif" }, apperror.UnsupportedMediaType},
			{"declared png", func(in *Input) { in.MimeType = PNG }, apperror.UnsupportedMediaType},
			{"empty body", func(in *Input) { in.Body = nil }, apperror.Validation},
			{"no file name", func(in *Input) { in.FileName = "" }, apperror.Validation},
			{"malformed pdf", func(in *Input) {
				in.MimeType = PDF
				in.Body = []byte("%PDF-1.4\nthis is not really a pdf\n")
			}, apperror.Validation},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				in := hello()
				tt.mutate(in)
				_, err := s.orch.Issue(context.Background(), in)
				require.True(t, apperror.Is(err, tt.kind), "%v", err)
			})
		}

		list, err := s.store.ListCredentials(context.Background(), &datastore.CredentialCriteria{Wallet: issuer})
		require.NoError(t, err)
		require.Zero(t, list.TotalItems)
	})

	t.Run("file too large", func(t *testing.T) {
		s := setup(t)
		orch := s.orchestrator(Config{MaxFileBytes: 4})

		_, err := orch.Issue(context.Background(), hello())
		require.True(t, apperror.Is(err, apperror.PayloadTooLarge))
	})

	t.Run("terminal ledger failure fails the record", func(t *testing.T) {
		s := setup(t)
		s.chain.FailWith(ledger.NewChainError(ledger.InsufficientFunds, errors.New("insufficient funds for gas")))

		_, err := s.orch.Issue(context.Background(), hello())
		require.True(t, apperror.Is(err, apperror.LedgerRejected))

		c, err := s.store.GetCredential(context.Background(), helloF)
		require.NoError(t, err)
		require.Equal(t, datastore.Failed, c.Status)
		require.NotEmpty(t, c.BlobLocator)
		require.Nil(t, c.LedgerAnchor)
		require.Equal(t, "anchor", c.Failure.Step)
		require.Equal(t, string(apperror.LedgerRejected), c.Failure.Reason)

		events, err := s.store.ListAuditEvents(context.Background(), &datastore.AuditCriteria{
			Fingerprint: helloF,
			Kinds:       []datastore.EventKind{datastore.FailedEvent},
		})
		require.NoError(t, err)
		require.Len(t, events.Items, 1)
		require.Equal(t, "anchor", events.Items[0].Payload["step"])
		require.Empty(t, s.orch.Pending())

		n, err := s.orch.RecoverOnce(context.Background())
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("rejected submission adopts an existing anchor", func(t *testing.T) {
		s := setup(t)
		fake := &rejectingLedger{chain: s.chain}
		orch := New(Config{}, s.store, s.blobs, fake, s.cipher, nil)

		res, err := orch.Issue(context.Background(), hello())
		require.NoError(t, err)
		require.Equal(t, datastore.LedgerAnchored, res.Status)
		require.Equal(t, fake.txID, res.TxID)
	})

	t.Run("retryable blob failure is resumed", func(t *testing.T) {
		s := setup(t)
		s.provider.SetDown(true)

		_, err := s.orch.Issue(context.Background(), hello())
		require.True(t, apperror.Is(err, apperror.BlobUnavailable))

		c, err := s.store.GetCredential(context.Background(), helloF)
		require.NoError(t, err)
		require.Equal(t, datastore.Draft, c.Status)

		pending := s.orch.Pending()
		require.Len(t, pending, 1)
		require.Equal(t, StepBlob, pending[0].Step)
		require.Equal(t, 1, pending[0].Attempt)
		require.NotEmpty(t, pending[0].LastError)

		s.provider.SetDown(false)
		n, err := s.orch.RecoverOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)

		c, err = s.store.GetCredential(context.Background(), helloF)
		require.NoError(t, err)
		require.Equal(t, datastore.LedgerAnchored, c.Status)
		require.Empty(t, s.orch.Pending())
	})

	t.Run("no worker available", func(t *testing.T) {
		s := setup(t)
		orch := s.orchestrator(Config{Workers: 1})
		orch.workers <- struct{}{}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := orch.Issue(ctx, hello())
		require.True(t, apperror.Is(err, apperror.Timeout))
	})
}

// rejectingLedger registers the fingerprint itself and then reports a revert, as
// happens when a previous submission landed but its receipt was lost.
type rejectingLedger struct {
	chain *ledger.MemoryChain
	txID  string
}

func (r *rejectingLedger) Anchor(_ context.Context, req *ledger.AnchorRequest) (*ledger.Receipt, error) {
	r.txID = r.chain.Register(req.Fingerprint, req.Locator)
	return nil, apperror.Wrap(ledger.NewChainError(ledger.Reverted, errors.New("document already registered")),
		apperror.LedgerRejected, "ledger rejected anchor")
}

func (r *rejectingLedger) Lookup(ctx context.Context, fingerprint string) (*ledger.AnchorInfo, error) {
	return r.chain.Lookup(ctx, fingerprint)
}
