package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scoir/anchor/pkg/metrics"
)

type Step string

const (
	StepValidate Step = "validate"
	StepReserve  Step = "reserve"
	StepEncrypt  Step = "encrypt"
	StepBlob     Step = "blob"
	StepAnchor   Step = "anchor"
)

// Operation is the in-process state of a saga that has reserved its fingerprint.
// sealed holds the encrypted body until the blob is stored; it is nil for records
// picked up after a restart.
type Operation struct {
	ID          string
	Fingerprint string
	Step        Step
	Attempt     int
	LastError   string
	UpdatedAt   time.Time

	sealed  []byte
	claimed bool
}

// pendingTable tracks operations by fingerprint. A claim gives one goroutine the right
// to advance an operation; the recovery loop skips claimed entries.
type pendingTable struct {
	mu  sync.Mutex
	ops map[string]*Operation
}

func newPendingTable() *pendingTable {
	return &pendingTable{ops: map[string]*Operation{}}
}

// add registers and claims a new operation for fingerprint.
func (r *pendingTable) add(fingerprint string, sealed []byte) *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	op := &Operation{
		ID:          uuid.New().String(),
		Fingerprint: fingerprint,
		Step:        StepBlob,
		UpdatedAt:   time.Now(),
		sealed:      sealed,
		claimed:     true,
	}
	r.ops[fingerprint] = op
	metrics.PendingOperations.Set(float64(len(r.ops)))

	return op
}

// claim returns the operation for fingerprint, creating an empty one when none exists.
// ok is false when another goroutine holds the claim.
func (r *pendingTable) claim(fingerprint string) (op *Operation, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op = r.ops[fingerprint]
	if op == nil {
		op = &Operation{
			ID:          uuid.New().String(),
			Fingerprint: fingerprint,
			UpdatedAt:   time.Now(),
		}
		r.ops[fingerprint] = op
		metrics.PendingOperations.Set(float64(len(r.ops)))
	}

	if op.claimed {
		return nil, false
	}

	op.claimed = true
	return op, true
}

// release records the outcome of an attempt and returns the claim.
func (r *pendingTable) release(op *Operation, step Step, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op.Step = step
	op.Attempt++
	op.UpdatedAt = time.Now()
	if err != nil {
		op.LastError = err.Error()
	}
	op.claimed = false
}

// remove drops op unless it has since been replaced.
func (r *pendingTable) remove(op *Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ops[op.Fingerprint] == op {
		delete(r.ops, op.Fingerprint)
	}
	metrics.PendingOperations.Set(float64(len(r.ops)))
}

func (r *pendingTable) snapshot() []Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		cp := *op
		cp.sealed = nil
		out = append(out, cp)
	}

	return out
}
