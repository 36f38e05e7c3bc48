/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package access grants, revokes and transfers access to credentials and answers
// authorisation questions for content endpoints.
package access

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/datastore"
)

const conflictRetries = 3

// EventSink receives audit events after they are committed.
type EventSink interface {
	Notify(events ...*datastore.AuditEvent)
}

type Service struct {
	store datastore.Store
	sink  EventSink
	now   func() time.Time
}

// NewService returns an access service. sink may be nil.
func NewService(store datastore.Store, sink EventSink) *Service {
	return &Service{store: store, sink: sink, now: time.Now}
}

// Grant gives wallet capability on fingerprint. Re-granting the held capability is a no-op;
// a different capability replaces it, and a revoked entry is reinstated.
func (r *Service) Grant(ctx context.Context, caller, fingerprint, wallet string, capability datastore.Capability) (*datastore.Credential, error) {
	if capability == "" {
		capability = datastore.View
	}
	if !capability.Valid() {
		return nil, apperror.Newf(apperror.Validation, "capability %q is not recognised", capability)
	}

	target, err := crypto.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	return r.mutate(ctx, caller, fingerprint, func(c *datastore.Credential) (*datastore.AuditEvent, error) {
		if target == c.Access.OwnerKey {
			return nil, apperror.New(apperror.Validation, "the owner already holds every capability")
		}

		if target == c.Access.IssuerKey {
			return nil, nil
		}

		now := r.now().UTC()
		e := c.Access.Viewer(target)
		switch {
		case e == nil:
			c.Access.AuthorizedViewers = append(c.Access.AuthorizedViewers, &datastore.AccessEntry{
				WalletKey:  target,
				Capability: capability,
				GrantedAt:  now,
				GrantedBy:  c.Access.OwnerKey,
			})
		case e.Active() && e.Capability == capability:
			return nil, nil
		default:
			e.Capability = capability
			e.GrantedAt = now
			e.GrantedBy = c.Access.OwnerKey
			e.RevokedAt = nil
		}

		return &datastore.AuditEvent{
			Kind:     datastore.AccessGranted,
			ActorKey: c.Access.OwnerKey,
			Payload:  map[string]interface{}{"walletKey": target, "capability": string(capability)},
		}, nil
	})
}

// Revoke removes wallet from the viewers. Revoking a wallet that holds nothing is a no-op.
func (r *Service) Revoke(ctx context.Context, caller, fingerprint, wallet string) (*datastore.Credential, error) {
	target, err := crypto.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	return r.mutate(ctx, caller, fingerprint, func(c *datastore.Credential) (*datastore.AuditEvent, error) {
		if target == c.Access.IssuerKey {
			return nil, apperror.New(apperror.Validation, "the issuer's access cannot be revoked")
		}

		if target == c.Access.OwnerKey {
			return nil, apperror.New(apperror.Validation, "the owner's access cannot be revoked, transfer ownership instead")
		}

		e := c.Access.Viewer(target)
		if e == nil || !e.Active() {
			return nil, nil
		}

		now := r.now().UTC()
		e.RevokedAt = &now

		return &datastore.AuditEvent{
			Kind:     datastore.AccessRevoked,
			ActorKey: c.Access.OwnerKey,
			Payload:  map[string]interface{}{"walletKey": target},
		}, nil
	})
}

// Transfer makes wallet the owner. The previous owner keeps nothing unless granted
// explicitly afterwards.
func (r *Service) Transfer(ctx context.Context, caller, fingerprint, wallet string) (*datastore.Credential, error) {
	target, err := crypto.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	return r.mutate(ctx, caller, fingerprint, func(c *datastore.Credential) (*datastore.AuditEvent, error) {
		prior := c.Access.OwnerKey
		if target == prior {
			return nil, apperror.New(apperror.Validation, "wallet already owns the credential")
		}

		viewers := make([]*datastore.AccessEntry, 0, len(c.Access.AuthorizedViewers))
		for _, e := range c.Access.AuthorizedViewers {
			if e.WalletKey != target {
				viewers = append(viewers, e)
			}
		}
		c.Access.AuthorizedViewers = viewers
		c.Access.OwnerKey = target

		return &datastore.AuditEvent{
			Kind:     datastore.OwnershipTransferred,
			ActorKey: prior,
			Payload:  map[string]interface{}{"from": prior, "to": target},
		}, nil
	})
}

// Authorize fails with FORBIDDEN unless caller holds capability on c.
func Authorize(c *datastore.Credential, caller string, capability datastore.Capability) error {
	if c.Access.Allows(caller, capability) {
		return nil
	}

	return apperror.Newf(apperror.Forbidden, "caller lacks %s access to %s", capability, c.Fingerprint)
}

// Authorize loads fingerprint and checks caller's capability on it.
func (r *Service) Authorize(ctx context.Context, caller, fingerprint string, capability datastore.Capability) (*datastore.Credential, error) {
	fp, err := crypto.ParseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}

	c, err := r.store.GetCredential(ctx, fp)
	if err != nil {
		return nil, err
	}

	if err := Authorize(c, caller, capability); err != nil {
		return nil, err
	}

	return c, nil
}

// mutate applies change to a fresh copy of the record under optimistic concurrency.
// change returns a nil event when there is nothing to write.
func (r *Service) mutate(ctx context.Context, caller, fingerprint string,
	change func(c *datastore.Credential) (*datastore.AuditEvent, error)) (*datastore.Credential, error) {

	fp, err := crypto.ParseFingerprint(fingerprint)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		c, err := r.store.GetCredential(ctx, fp)
		if err != nil {
			return nil, err
		}

		if caller == "" || caller != c.Access.OwnerKey {
			return nil, apperror.New(apperror.Forbidden, "only the owner can change access")
		}

		if c.Status == datastore.Failed {
			return nil, apperror.New(apperror.Validation, "access cannot change on a failed credential")
		}

		e, err := change(c)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return c, nil
		}

		err = r.store.UpdateCredential(ctx, c, e)
		if err == nil {
			if r.sink != nil {
				r.sink.Notify(e)
			}
			return c, nil
		}

		if !apperror.Is(err, apperror.VersionConflict) || attempt >= conflictRetries {
			return nil, err
		}

		log.WithFields(log.Fields{"fingerprint": fp, "attempt": attempt}).Debug("access change conflicted, retrying")
	}
}
