/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package verification answers whether a credential is authentic, by file, by
// fingerprint or by QR payload.
package verification

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/datastore"
	"github.com/scoir/anchor/pkg/ledger"
	"github.com/scoir/anchor/pkg/metrics"
)

type Mode string

const (
	ByFile        Mode = "file"
	ByFingerprint Mode = "fingerprint"
	ByQR          Mode = "qr"
)

type Reason string

const (
	NotRegistered Reason = "NOT_REGISTERED"
	PendingAnchor Reason = "PENDING_ANCHOR"
	LedgerOnly    Reason = "LEDGER_ONLY"
	RecordFailed  Reason = "RECORD_FAILED"
	AnchorDiffers Reason = "ANCHOR_MISMATCH"
)

type Anchor struct {
	TxID            string     `json:"txId"`
	BlockHeight     uint64     `json:"blockHeight"`
	AnchorTimestamp *time.Time `json:"anchorTimestamp,omitempty"`
	Confirmed       bool       `json:"confirmed"`
}

// Summary describes the local record. Metadata, issuer and file details are only
// present for callers in the access set; others see a shortened owner key.
type Summary struct {
	Status            datastore.Status          `json:"status,omitempty"`
	OwnerKey          string                    `json:"ownerKey"`
	IssuerKey         string                    `json:"issuerKey,omitempty"`
	Metadata          *datastore.Metadata       `json:"metadata,omitempty"`
	FileDescriptor    *datastore.FileDescriptor `json:"fileDescriptor,omitempty"`
	CreatedAt         *time.Time                `json:"createdAt,omitempty"`
	VerificationCount *int                      `json:"verificationCount,omitempty"`
	Redacted          bool                      `json:"redacted"`
}

type Result struct {
	Valid         bool     `json:"valid"`
	Fingerprint   string   `json:"fingerprint"`
	LedgerAnchor  *Anchor  `json:"ledgerAnchor,omitempty"`
	RecordSummary *Summary `json:"recordSummary,omitempty"`
	Reason        Reason   `json:"reason,omitempty"`
}

//go:generate mockery -name=Ledger
type Ledger interface {
	Lookup(ctx context.Context, fingerprint string) (*ledger.AnchorInfo, error)
}

// Recorder appends verification events, bumping the record's count atomically.
type Recorder interface {
	Record(ctx context.Context, e *datastore.AuditEvent) (*datastore.Credential, error)
}

type Engine struct {
	store  datastore.Store
	ledger Ledger
	trail  Recorder
}

func NewEngine(store datastore.Store, chain Ledger, trail Recorder) *Engine {
	return &Engine{store: store, ledger: chain, trail: trail}
}

// VerifyFile recomputes the fingerprint of body and verifies it.
func (r *Engine) VerifyFile(ctx context.Context, caller string, body []byte) (*Result, error) {
	if len(body) == 0 {
		return nil, apperror.New(apperror.Validation, "file is empty")
	}

	return r.verify(ctx, ByFile, caller, crypto.Fingerprint(body))
}

func (r *Engine) VerifyFingerprint(ctx context.Context, caller, fingerprint string) (*Result, error) {
	fp, err := crypto.ParseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}

	return r.verify(ctx, ByFingerprint, caller, fp)
}

func (r *Engine) VerifyQR(ctx context.Context, caller, payload string) (*Result, error) {
	fp, err := ParseQRPayload(payload)
	if err != nil {
		return nil, err
	}

	return r.verify(ctx, ByQR, caller, fp)
}

func (r *Engine) VerifyQRImage(ctx context.Context, caller string, img []byte) (*Result, error) {
	payload, err := DecodeQRImage(img)
	if err != nil {
		return nil, err
	}

	return r.VerifyQR(ctx, caller, payload)
}

func (r *Engine) verify(ctx context.Context, mode Mode, caller, fp string) (*Result, error) {
	res, err := r.evaluate(ctx, mode, caller, fp)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues(string(mode), string(apperror.KindOf(err))).Inc()
		return nil, err
	}

	outcome := "valid"
	if !res.Valid {
		outcome = string(res.Reason)
	}
	metrics.VerificationsTotal.WithLabelValues(string(mode), outcome).Inc()

	return res, nil
}

func (r *Engine) evaluate(ctx context.Context, mode Mode, caller, fp string) (*Result, error) {
	c, err := r.store.GetCredential(ctx, fp)
	if apperror.Is(err, apperror.NotFound) {
		return r.ledgerOnly(ctx, fp)
	}
	if err != nil {
		return nil, err
	}

	info, err := r.ledger.Lookup(ctx, fp)
	if err != nil {
		return nil, err
	}

	res := &Result{Fingerprint: fp}
	if info.Anchored {
		res.LedgerAnchor = anchorOf(info)
	}

	switch {
	case c.Status == datastore.Failed:
		res.Reason = RecordFailed
	case c.LedgerAnchor == nil || !info.Anchored || !info.Confirmed:
		res.Reason = PendingAnchor
	case c.LedgerAnchor.TxID != info.TxID:
		res.Reason = AnchorDiffers
	default:
		res.Valid = true
	}

	kind := datastore.Verified
	if !res.Valid {
		kind = datastore.VerificationFailed
	}

	e := &datastore.AuditEvent{
		Fingerprint: fp,
		Kind:        kind,
		ActorKey:    caller,
		Payload:     map[string]interface{}{"mode": string(mode)},
	}
	if res.Reason != "" {
		e.Payload["reason"] = string(res.Reason)
	}

	updated, err := r.trail.Record(ctx, e)
	if err != nil {
		log.WithFields(log.Fields{"fingerprint": fp, "mode": mode}).WithError(err).Error("unable to record verification")
		return nil, err
	}

	res.RecordSummary = Summarize(updated, caller)
	return res, nil
}

// ledgerOnly answers for fingerprints with no local record. No event is written since
// there is no record to count against.
func (r *Engine) ledgerOnly(ctx context.Context, fp string) (*Result, error) {
	info, err := r.ledger.Lookup(ctx, fp)
	if err != nil {
		return nil, err
	}

	if info.Anchored && info.Confirmed {
		return &Result{Valid: true, Fingerprint: fp, LedgerAnchor: anchorOf(info), Reason: LedgerOnly}, nil
	}

	return &Result{Fingerprint: fp, Reason: NotRegistered}, nil
}

func anchorOf(info *ledger.AnchorInfo) *Anchor {
	out := &Anchor{TxID: info.TxID, BlockHeight: info.BlockHeight, Confirmed: info.Confirmed}
	if !info.AnchorTimestamp.IsZero() {
		ts := info.AnchorTimestamp.UTC()
		out.AnchorTimestamp = &ts
	}

	return out
}

// Summarize builds the record summary visible to caller. Callers without view access
// only see the redacted owner.
func Summarize(c *datastore.Credential, caller string) *Summary {
	if !c.Access.Allows(caller, datastore.View) {
		return &Summary{OwnerKey: Redact(c.Access.OwnerKey), Redacted: true}
	}

	md := c.Metadata
	fd := c.FileDescriptor
	created := c.Audit.CreatedAt
	count := c.Audit.VerificationCount

	return &Summary{
		Status:            c.Status,
		OwnerKey:          c.Access.OwnerKey,
		IssuerKey:         c.Access.IssuerKey,
		Metadata:          &md,
		FileDescriptor:    &fd,
		CreatedAt:         &created,
		VerificationCount: &count,
	}
}

// Redact shortens a wallet key to its first six hex digits.
func Redact(wallet string) string {
	if len(wallet) <= 8 {
		return wallet
	}

	return wallet[:8] + "…"
}
