/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package datastore

import (
	"context"
)

const (
	CredentialC = "credentials"
	AuditEventC = "audit_events"
)

// Store is the record store gateway. Implementations must give serialisable per-fingerprint
// mutations and commit audit events in the same transaction as the change that produced them.
//
//go:generate mockery -name=Store
type Store interface {
	// InsertCredential reserves c.Fingerprint. Fails with DUPLICATE_FINGERPRINT when taken.
	InsertCredential(ctx context.Context, c *Credential, events ...*AuditEvent) error

	// GetCredential fails with NOT_FOUND when no record exists.
	GetCredential(ctx context.Context, fingerprint string) (*Credential, error)

	// UpdateCredential writes c if the stored version still equals c.Version and the status
	// transition is permitted, then bumps c.Version. Fails with VERSION_CONFLICT otherwise.
	UpdateCredential(ctx context.Context, c *Credential, events ...*AuditEvent) error

	ListCredentials(ctx context.Context, c *CredentialCriteria) (*CredentialList, error)

	// ListCredentialsByStatus returns at most limit records in any of statuses, oldest first.
	ListCredentialsByStatus(ctx context.Context, statuses []Status, limit int) ([]*Credential, error)

	// AppendEvent appends a standalone event (verification, download). Verification kinds
	// increment the record's verificationCount in the same transaction.
	AppendEvent(ctx context.Context, e *AuditEvent) (*Credential, error)

	ListAuditEvents(ctx context.Context, c *AuditCriteria) (*AuditEventList, error)

	VerificationStats(ctx context.Context, fingerprint string) (*VerificationStats, error)

	Ping(ctx context.Context) error
	Close() error
}

// Provider opens stores, one per backend connection.
type Provider interface {
	OpenStore(ctx context.Context) (Store, error)
	Close() error
}
