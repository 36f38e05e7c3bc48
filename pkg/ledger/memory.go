package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type memoryEntry struct {
	txID        string
	fingerprint string
	locator     string
	block       uint64
	gas         uint64
	at          time.Time
}

// MemoryChain is an in-process registry that mines one block per submission.
// Failures can be scripted for tests.
type MemoryChain struct {
	mu            sync.Mutex
	signer        string
	confirmations uint64
	head          uint64
	byFP          map[string]*memoryEntry
	byTx          map[string]*memoryEntry
	submissions   map[string]int
	failures      []error
	hold          bool
	active        int
	maxActive     int
	delay         time.Duration
}

func NewMemoryChain(signer string, confirmations uint64) *MemoryChain {
	if confirmations == 0 {
		confirmations = 1
	}

	return &MemoryChain{
		signer:        signer,
		confirmations: confirmations,
		byFP:          map[string]*memoryEntry{},
		byTx:          map[string]*memoryEntry{},
		submissions:   map[string]int{},
	}
}

func (r *MemoryChain) Signer() string {
	return r.signer
}

// FailWith queues errors returned by the next Submit calls, in order.
func (r *MemoryChain) FailWith(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

// Hold stops automatic mining so submitted transactions stay unconfirmed.
func (r *MemoryChain) Hold(hold bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold = hold
}

// SetSubmitDelay makes Submit take d, to observe serialisation.
func (r *MemoryChain) SetSubmitDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// Mine advances the head by n blocks.
func (r *MemoryChain) Mine(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head += n
}

// TxCount is the number of accepted registrations for fingerprint.
func (r *MemoryChain) TxCount(fingerprint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submissions[fingerprint]
}

// MaxConcurrentSubmits is the highest number of Submit calls observed in flight at once.
func (r *MemoryChain) MaxConcurrentSubmits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}

// Register writes an anchor directly, as another party would.
func (r *MemoryChain) Register(fingerprint, locator string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(fingerprint, locator).txID
}

func (r *MemoryChain) register(fingerprint, locator string) *memoryEntry {
	r.head++
	r.submissions[fingerprint]++

	seed := make([]byte, 8)
	binary.BigEndian.PutUint64(seed, r.head)
	sum := sha256.Sum256(append([]byte(fingerprint+r.signer), seed...))

	e := &memoryEntry{
		txID:        "0x" + hex.EncodeToString(sum[:]),
		fingerprint: fingerprint,
		locator:     locator,
		block:       r.head,
		gas:         uint64(45000 + 16*len(locator)),
		at:          time.Now().UTC(),
	}
	r.byFP[fingerprint] = e
	r.byTx[e.txID] = e

	return e
}

func (r *MemoryChain) Submit(ctx context.Context, req *AnchorRequest) (string, error) {
	r.mu.Lock()
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	delay := r.delay
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", NewChainError(Timeout, ctx.Err())
		case <-time.After(delay):
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return "", err
	}

	if _, ok := r.byFP[req.Fingerprint]; ok {
		return "", NewChainError(Reverted, errors.New("execution reverted: document already registered"))
	}

	e := r.register(req.Fingerprint, req.Locator)
	if r.hold {
		r.head--
		e.block = r.head + 1
	}

	return e.txID, nil
}

func (r *MemoryChain) confirmed(e *memoryEntry) bool {
	return r.head >= e.block && r.head-e.block+1 >= r.confirmations
}

func (r *MemoryChain) WaitConfirmed(ctx context.Context, txID string) (*Receipt, error) {
	for {
		r.mu.Lock()
		e, ok := r.byTx[txID]
		if !ok {
			r.mu.Unlock()
			return nil, NewChainError(NetworkError, errors.Errorf("transaction %s is unknown", txID))
		}

		if !r.hold {
			for !r.confirmed(e) {
				r.head++
			}
		}

		if r.confirmed(e) {
			out := &Receipt{TxID: e.txID, BlockHeight: e.block, GasConsumed: e.gas}
			r.mu.Unlock()
			return out, nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, NewChainError(Timeout, ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *MemoryChain) Lookup(ctx context.Context, fingerprint string) (*AnchorInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewChainError(Timeout, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byFP[fingerprint]
	if !ok {
		return &AnchorInfo{}, nil
	}

	return &AnchorInfo{
		Anchored:        true,
		TxID:            e.txID,
		BlockHeight:     e.block,
		AnchorTimestamp: e.at,
		Confirmed:       r.confirmed(e),
	}, nil
}

func (r *MemoryChain) Head(_ context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head, nil
}
