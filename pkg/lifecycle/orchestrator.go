/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package lifecycle runs the issuance saga: reserve a fingerprint, store the encrypted
// body, anchor the fingerprint, and resume interrupted sagas.
package lifecycle

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/datastore"
	"github.com/scoir/anchor/pkg/ledger"
	"github.com/scoir/anchor/pkg/metrics"
)

// OrphanedDraft is the failure reason for drafts whose body was lost with the process.
const OrphanedDraft = "ORPHANED_DRAFT"

type Config struct {
	MaxFileBytes     int64
	SagaDeadline     time.Duration
	Workers          int
	RecoveryInterval time.Duration
	RecoveryBatch    int
}

func DefaultConfig() Config {
	return Config{
		MaxFileBytes:     10 << 20,
		SagaDeadline:     120 * time.Second,
		Workers:          8,
		RecoveryInterval: 30 * time.Second,
		RecoveryBatch:    50,
	}
}

//go:generate mockery -name=BlobStore
type BlobStore interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

//go:generate mockery -name=Ledger
type Ledger interface {
	Anchor(ctx context.Context, req *ledger.AnchorRequest) (*ledger.Receipt, error)
	Lookup(ctx context.Context, fingerprint string) (*ledger.AnchorInfo, error)
}

type Sealer interface {
	Encrypt(plaintext []byte) ([]byte, error)
}

// EventSink receives audit events after they are committed.
type EventSink interface {
	Notify(events ...*datastore.AuditEvent)
}

type Input struct {
	IssuerKey string
	OwnerKey  string
	FileName  string
	MimeType  string
	Body      []byte
	Metadata  datastore.Metadata
}

type Result struct {
	Fingerprint string           `json:"fingerprint"`
	Locator     string           `json:"locator,omitempty"`
	TxID        string           `json:"txId,omitempty"`
	BlockHeight uint64           `json:"blockHeight,omitempty"`
	GasConsumed uint64           `json:"gasConsumed,omitempty"`
	Status      datastore.Status `json:"status"`
}

func resultOf(c *datastore.Credential) *Result {
	out := &Result{Fingerprint: c.Fingerprint, Locator: c.BlobLocator, Status: c.Status}
	if c.LedgerAnchor != nil {
		out.TxID = c.LedgerAnchor.TxID
		out.BlockHeight = c.LedgerAnchor.BlockHeight
		out.GasConsumed = c.LedgerAnchor.GasConsumed
	}

	return out
}

type Orchestrator struct {
	cfg     Config
	store   datastore.Store
	blobs   BlobStore
	ledger  Ledger
	sealer  Sealer
	sink    EventSink
	pending *pendingTable
	workers chan struct{}
	now     func() time.Time
}

type nopSink struct{}

func (nopSink) Notify(...*datastore.AuditEvent) {}

// New returns an orchestrator. sink may be nil.
func New(cfg Config, store datastore.Store, blobs BlobStore, chain Ledger, sealer Sealer, sink EventSink) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = def.MaxFileBytes
	}
	if cfg.SagaDeadline <= 0 {
		cfg.SagaDeadline = def.SagaDeadline
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = def.RecoveryInterval
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = def.RecoveryBatch
	}
	if sink == nil {
		sink = nopSink{}
	}

	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		blobs:   blobs,
		ledger:  chain,
		sealer:  sealer,
		sink:    sink,
		pending: newPendingTable(),
		workers: make(chan struct{}, cfg.Workers),
		now:     time.Now,
	}
}

// Pending lists the sagas this process is tracking.
func (r *Orchestrator) Pending() []Operation {
	return r.pending.snapshot()
}

// Issue runs the saga for one credential. A record left in draft or blob-stored by a
// retryable failure is resumed by the recovery loop.
func (r *Orchestrator) Issue(ctx context.Context, in *Input) (*Result, error) {
	c, err := r.issue(ctx, in)

	outcome := "anchored"
	if err != nil {
		outcome = string(apperror.KindOf(err))
	}
	metrics.SagaTotal.WithLabelValues(outcome).Inc()

	if err != nil {
		return nil, err
	}

	return resultOf(c), nil
}

func (r *Orchestrator) issue(ctx context.Context, in *Input) (*datastore.Credential, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}
	defer r.releaseWorker()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.SagaDeadline)
	defer cancel()

	start := time.Now()
	c, err := r.prepare(in)
	observe(StepValidate, start)
	if err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{"fingerprint": c.Fingerprint, "issuer": c.Access.IssuerKey})

	start = time.Now()
	_, err = r.store.GetCredential(ctx, c.Fingerprint)
	switch {
	case err == nil:
		return nil, apperror.Newf(apperror.DuplicateFingerprint, "credential %s is already registered", c.Fingerprint)
	case !apperror.Is(err, apperror.NotFound):
		return nil, r.deadline(ctx, StepReserve, err)
	}

	created := &datastore.AuditEvent{
		Kind:     datastore.Created,
		ActorKey: c.Access.IssuerKey,
		Payload: map[string]interface{}{
			"ownerKey": c.Access.OwnerKey,
			"mimeType": c.FileDescriptor.MimeType,
			"byteSize": c.FileDescriptor.ByteSize,
		},
	}
	if err := r.store.InsertCredential(ctx, c, created); err != nil {
		return nil, r.deadline(ctx, StepReserve, err)
	}
	observe(StepReserve, start)
	r.sink.Notify(created)
	logger.Info("credential reserved")

	sealed, err := r.sealer.Encrypt(in.Body)
	if err != nil {
		_, _, err = r.stepFailed(ctx, c, StepEncrypt, err)
		return nil, err
	}

	op := r.pending.add(c.Fingerprint, sealed)
	return r.advance(ctx, c, op)
}

// prepare validates the input and builds the draft record.
func (r *Orchestrator) prepare(in *Input) (*datastore.Credential, error) {
	issuer, err := crypto.NormalizeWallet(in.IssuerKey)
	if err != nil {
		return nil, err
	}

	owner := issuer
	if in.OwnerKey != "" {
		owner, err = crypto.NormalizeWallet(in.OwnerKey)
		if err != nil {
			return nil, err
		}
	}

	md := in.Metadata
	if err := ValidateMetadata(&md, r.now()); err != nil {
		return nil, err
	}

	fd, err := inspectFile(in.FileName, in.MimeType, in.Body, r.cfg.MaxFileBytes)
	if err != nil {
		return nil, err
	}

	return &datastore.Credential{
		Fingerprint:    crypto.Fingerprint(in.Body),
		Metadata:       md,
		FileDescriptor: *fd,
		Access: datastore.Access{
			OwnerKey:          owner,
			IssuerKey:         issuer,
			AuthorizedViewers: []*datastore.AccessEntry{},
		},
		Status: datastore.Draft,
		Audit:  datastore.Audit{CreatedAt: r.now().UTC().Truncate(time.Millisecond)},
	}, nil
}

// advance drives c forward from its current status and settles op.
func (r *Orchestrator) advance(ctx context.Context, c *datastore.Credential, op *Operation) (*datastore.Credential, error) {
	out, step, err := r.run(ctx, c, op)

	if err == nil || out.Status == datastore.Failed {
		r.pending.remove(op)
	} else {
		r.pending.release(op, step, err)
	}

	if err != nil {
		return nil, err
	}

	return out, nil
}

func (r *Orchestrator) run(ctx context.Context, c *datastore.Credential, op *Operation) (*datastore.Credential, Step, error) {
	var err error

	if c.Status == datastore.Draft {
		if op.sealed == nil {
			return c, StepBlob, apperror.Newf(apperror.Internal, "draft %s has no body to store", c.Fingerprint)
		}

		start := time.Now()
		var locator string
		locator, err = r.blobs.Upload(ctx, op.sealed)
		if err != nil {
			return r.stepFailed(ctx, c, StepBlob, err)
		}

		c, err = r.transition(ctx, c, datastore.Draft, func(n *datastore.Credential) {
			n.BlobLocator = locator
			n.Status = datastore.BlobStored
		}, func() *datastore.AuditEvent {
			return &datastore.AuditEvent{
				Kind:     datastore.BlobStoredEvent,
				ActorKey: c.Access.IssuerKey,
				Payload:  map[string]interface{}{"locator": locator},
			}
		})
		if err != nil {
			return r.stepFailed(ctx, c, StepBlob, err)
		}
		observe(StepBlob, start)
		op.sealed = nil
	}

	if c.Status == datastore.BlobStored {
		start := time.Now()
		var receipt *ledger.Receipt
		receipt, err = r.anchor(ctx, c)
		if err != nil {
			return r.stepFailed(ctx, c, StepAnchor, err)
		}

		c, err = r.transition(ctx, c, datastore.BlobStored, func(n *datastore.Credential) {
			n.Status = datastore.LedgerAnchored
			n.LedgerAnchor = &datastore.LedgerAnchor{
				TxID:        receipt.TxID,
				BlockHeight: receipt.BlockHeight,
				GasConsumed: receipt.GasConsumed,
				AnchoredAt:  r.now().UTC(),
			}
		}, func() *datastore.AuditEvent {
			return &datastore.AuditEvent{
				Kind:     datastore.LedgerAnchoredEvent,
				ActorKey: c.Access.IssuerKey,
				Payload: map[string]interface{}{
					"txId":        receipt.TxID,
					"blockHeight": receipt.BlockHeight,
					"gasConsumed": receipt.GasConsumed,
				},
			}
		})
		if err != nil {
			return r.stepFailed(ctx, c, StepAnchor, err)
		}
		observe(StepAnchor, start)

		log.WithFields(log.Fields{"fingerprint": c.Fingerprint, "txId": receipt.TxID}).Info("credential anchored")
	}

	return c, StepAnchor, nil
}

// anchor submits the fingerprint. A rejection is re-checked against the registry so an
// anchor written by an earlier attempt is adopted instead of failing the record.
func (r *Orchestrator) anchor(ctx context.Context, c *datastore.Credential) (*ledger.Receipt, error) {
	digest, err := ledger.MetadataDigest(c.Metadata)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Internal, "unable to digest metadata")
	}

	receipt, err := r.ledger.Anchor(ctx, &ledger.AnchorRequest{
		Fingerprint:    c.Fingerprint,
		Locator:        c.BlobLocator,
		MetadataDigest: digest,
	})
	if err == nil {
		return receipt, nil
	}

	if !apperror.Is(err, apperror.LedgerRejected) {
		return nil, err
	}

	info, lerr := r.ledger.Lookup(ctx, c.Fingerprint)
	if lerr != nil || !info.Anchored || !info.Confirmed {
		return nil, err
	}

	log.WithFields(log.Fields{"fingerprint": c.Fingerprint, "txId": info.TxID}).
		Warn("ledger rejected submission but the fingerprint is anchored, adopting")

	return &ledger.Receipt{TxID: info.TxID, BlockHeight: info.BlockHeight}, nil
}

// transition writes a status change from status from, re-reading on version conflicts
// caused by concurrent standalone events.
func (r *Orchestrator) transition(ctx context.Context, c *datastore.Credential, from datastore.Status,
	mutate func(*datastore.Credential), event func() *datastore.AuditEvent) (*datastore.Credential, error) {

	for attempt := 0; ; attempt++ {
		next := c.Copy()
		mutate(next)
		e := event()

		err := r.store.UpdateCredential(ctx, next, e)
		if err == nil {
			r.sink.Notify(e)
			return next, nil
		}

		if !apperror.Is(err, apperror.VersionConflict) || attempt >= 2 {
			return c, err
		}

		cur, gerr := r.store.GetCredential(ctx, c.Fingerprint)
		if gerr != nil {
			return c, gerr
		}

		if cur.Status != from {
			return cur, err
		}
		c = cur
	}
}

// stepFailed classifies err. Terminal kinds fail the record; retryable ones leave it
// for the recovery loop.
func (r *Orchestrator) stepFailed(ctx context.Context, c *datastore.Credential, step Step, err error) (*datastore.Credential, Step, error) {
	logger := log.WithFields(log.Fields{"fingerprint": c.Fingerprint, "step": step}).WithError(err)

	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("saga deadline exceeded, leaving record for recovery")
		return c, step, apperror.Wrap(err, apperror.Timeout, "saga deadline exceeded during "+string(step))
	}

	kind := apperror.KindOf(err)
	if apperror.Retryable(kind) {
		logger.Warn("saga step failed, leaving record for recovery")
		return c, step, err
	}

	failed, ferr := r.markFailed(ctx, c, step, string(kind))
	if ferr != nil {
		logger.WithField("markError", ferr.Error()).Error("unable to mark credential failed")
		return c, step, err
	}

	logger.Error("saga step failed terminally")
	return failed, step, err
}

func (r *Orchestrator) markFailed(ctx context.Context, c *datastore.Credential, step Step, reason string) (*datastore.Credential, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	at := r.now().UTC()
	return r.transition(ctx, c, c.Status, func(n *datastore.Credential) {
		n.Status = datastore.Failed
		n.Failure = &datastore.Failure{Step: string(step), Reason: reason, At: at}
	}, func() *datastore.AuditEvent {
		return &datastore.AuditEvent{
			Kind:     datastore.FailedEvent,
			ActorKey: c.Access.IssuerKey,
			Payload:  map[string]interface{}{"step": string(step), "reason": reason},
		}
	})
}

// deadline maps an error seen while the saga deadline expired to TIMEOUT.
func (r *Orchestrator) deadline(ctx context.Context, step Step, err error) error {
	if ctx.Err() != nil && !apperror.Is(err, apperror.DuplicateFingerprint) {
		return apperror.Wrap(err, apperror.Timeout, "saga deadline exceeded during "+string(step))
	}

	return err
}

func (r *Orchestrator) acquire(ctx context.Context) error {
	select {
	case r.workers <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperror.Wrap(ctx.Err(), apperror.Timeout, "no saga worker became available")
	}
}

func (r *Orchestrator) releaseWorker() {
	<-r.workers
}

func observe(step Step, start time.Time) {
	metrics.SagaStepDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
}
