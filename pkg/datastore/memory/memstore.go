/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/datastore"
)

// Provider hands out a single shared in-process store.
type Provider struct {
	store *Store
}

func NewProvider() *Provider {
	return &Provider{store: NewStore()}
}

func (r *Provider) OpenStore(_ context.Context) (datastore.Store, error) {
	return r.store, nil
}

func (r *Provider) Close() error {
	return nil
}

// Store keeps credentials and their trails in memory. One mutex serialises all mutations.
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*datastore.Credential
	events      map[string][]*datastore.AuditEvent
	order       []string
	now         func() time.Time
}

func NewStore() *Store {
	return &Store{
		credentials: map[string]*datastore.Credential{},
		events:      map[string][]*datastore.AuditEvent{},
		now:         time.Now,
	}
}

func (r *Store) InsertCredential(_ context.Context, c *datastore.Credential, events ...*datastore.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.credentials[c.Fingerprint]; ok {
		return apperror.Newf(apperror.DuplicateFingerprint, "credential %s is already registered", c.Fingerprint)
	}

	c.Version = 1
	c.EventSeq = 0
	c.LastEventAt = time.Time{}
	c.Audit.VerificationCount = 0
	datastore.StampEvents(c, r.now(), events...)

	r.credentials[c.Fingerprint] = c.Copy()
	r.order = append(r.order, c.Fingerprint)
	r.appendEvents(c.Fingerprint, events)

	return nil
}

func (r *Store) GetCredential(_ context.Context, fingerprint string) (*datastore.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.credentials[fingerprint]
	if !ok {
		return nil, apperror.Newf(apperror.NotFound, "credential %s not found", fingerprint)
	}

	return c.Copy(), nil
}

func (r *Store) UpdateCredential(_ context.Context, c *datastore.Credential, events ...*datastore.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.credentials[c.Fingerprint]
	if !ok {
		return apperror.Newf(apperror.NotFound, "credential %s not found", c.Fingerprint)
	}

	if err := datastore.CheckUpdate(cur, c); err != nil {
		return err
	}

	datastore.PrepareUpdate(cur, c, r.now(), events...)
	r.credentials[c.Fingerprint] = c.Copy()
	r.appendEvents(c.Fingerprint, events)

	return nil
}

func (r *Store) ListCredentials(_ context.Context, c *datastore.CredentialCriteria) (*datastore.CredentialList, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	page := c.Page.Normalize()
	q := strings.ToLower(strings.TrimSpace(c.Query))

	var matched []*datastore.Credential
	for i := len(r.order) - 1; i >= 0; i-- {
		cred := r.credentials[r.order[i]]
		if !cred.Related(c.Wallet, c.Relation) {
			continue
		}
		if q != "" && !strings.Contains(cred.Metadata.SearchText(), q) {
			continue
		}
		matched = append(matched, cred)
	}

	out := &datastore.CredentialList{
		Items:    []*datastore.Credential{},
		PageInfo: datastore.NewPageInfo(page, len(matched)),
	}

	for i := page.Skip(); i < len(matched) && len(out.Items) < page.Limit; i++ {
		out.Items = append(out.Items, matched[i].Copy())
	}

	return out, nil
}

func (r *Store) ListCredentialsByStatus(_ context.Context, statuses []datastore.Status, limit int) ([]*datastore.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := map[datastore.Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}

	out := []*datastore.Credential{}
	for _, fp := range r.order {
		if limit > 0 && len(out) >= limit {
			break
		}

		c := r.credentials[fp]
		if want[c.Status] {
			out = append(out, c.Copy())
		}
	}

	return out, nil
}

func (r *Store) AppendEvent(_ context.Context, e *datastore.AuditEvent) (*datastore.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.credentials[e.Fingerprint]
	if !ok {
		return nil, apperror.Newf(apperror.NotFound, "credential %s not found", e.Fingerprint)
	}

	next := cur.Copy()
	datastore.StampEvents(next, r.now(), e)
	next.Version++

	r.credentials[e.Fingerprint] = next
	r.appendEvents(e.Fingerprint, []*datastore.AuditEvent{e})

	return next.Copy(), nil
}

func (r *Store) ListAuditEvents(_ context.Context, c *datastore.AuditCriteria) (*datastore.AuditEventList, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	page := c.Page.Normalize()

	var matched []*datastore.AuditEvent
	for _, e := range r.events[c.Fingerprint] {
		if c.Matches(e) {
			matched = append(matched, e)
		}
	}

	out := &datastore.AuditEventList{
		Items:    []*datastore.AuditEvent{},
		PageInfo: datastore.NewPageInfo(page, len(matched)),
	}

	for i := page.Skip(); i < len(matched) && len(out.Items) < page.Limit; i++ {
		ce := *matched[i]
		out.Items = append(out.Items, &ce)
	}

	return out, nil
}

func (r *Store) VerificationStats(_ context.Context, fingerprint string) (*datastore.VerificationStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.credentials[fingerprint]; !ok {
		return nil, apperror.Newf(apperror.NotFound, "credential %s not found", fingerprint)
	}

	out := &datastore.VerificationStats{}
	verifiers := map[string]bool{}
	for _, e := range r.events[fingerprint] {
		if !e.Kind.IsVerification() {
			continue
		}

		out.Count++
		if e.ActorKey != "" {
			verifiers[e.ActorKey] = true
		}
		ts := e.Timestamp
		out.LastVerifiedAt = &ts
	}
	out.DistinctVerifier = len(verifiers)

	return out, nil
}

func (r *Store) Ping(_ context.Context) error {
	return nil
}

func (r *Store) Close() error {
	return nil
}

func (r *Store) appendEvents(fp string, events []*datastore.AuditEvent) {
	for _, e := range events {
		ce := *e
		r.events[fp] = append(r.events[fp], &ce)
	}

	sort.SliceStable(r.events[fp], func(i, j int) bool {
		return r.events[fp][i].Seq < r.events[fp][j].Seq
	})
}
