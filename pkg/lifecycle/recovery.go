package lifecycle

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/datastore"
)

// Run resumes stalled sagas every RecoveryInterval until ctx is done.
func (r *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		if n, err := r.RecoverOnce(ctx); err != nil {
			log.WithError(err).Warn("recovery pass failed")
		} else if n > 0 {
			log.WithField("advanced", n).Info("recovery pass complete")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RecoverOnce re-advances records left in draft or blob-stored and returns how many
// reached a terminal status.
func (r *Orchestrator) RecoverOnce(ctx context.Context) (int, error) {
	records, err := r.store.ListCredentialsByStatus(ctx, []datastore.Status{datastore.Draft, datastore.BlobStored},
		r.cfg.RecoveryBatch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, c := range records {
		if ctx.Err() != nil {
			break
		}

		if r.resume(ctx, c) {
			n++
		}
	}

	return n, nil
}

func (r *Orchestrator) resume(ctx context.Context, c *datastore.Credential) bool {
	op, ok := r.pending.claim(c.Fingerprint)
	if !ok {
		return false
	}

	logger := log.WithFields(log.Fields{"fingerprint": c.Fingerprint, "status": c.Status, "attempt": op.Attempt})

	if c.Status == datastore.Draft && op.sealed == nil {
		if r.now().Sub(c.Audit.CreatedAt) < r.cfg.SagaDeadline {
			r.pending.remove(op)
			return false
		}

		_, err := r.markFailed(ctx, c, StepBlob, OrphanedDraft)
		r.pending.remove(op)
		if err != nil {
			logger.WithError(err).Warn("unable to fail orphaned draft")
			return false
		}

		logger.Warn("draft body is gone, marked failed")
		return true
	}

	if err := r.acquire(ctx); err != nil {
		r.pending.release(op, op.Step, nil)
		return false
	}
	defer r.releaseWorker()

	sctx, cancel := context.WithTimeout(ctx, r.cfg.SagaDeadline)
	defer cancel()

	logger.Info("resuming saga")
	out, err := r.advance(sctx, c, op)
	if err != nil {
		logger.WithError(err).Warn("resumed saga did not complete")
		return false
	}

	return out.Status == datastore.LedgerAnchored
}
