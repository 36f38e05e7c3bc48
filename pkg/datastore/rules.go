package datastore

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/scoir/anchor/pkg/apperror"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

var transitions = map[Status]map[Status]bool{
	Draft:          {Draft: true, BlobStored: true, Failed: true},
	BlobStored:     {BlobStored: true, LedgerAnchored: true, Failed: true},
	LedgerAnchored: {LedgerAnchored: true},
	Failed:         {Failed: true},
}

// CheckTransition rejects status changes outside draft -> blob-stored -> ledger-anchored,
// with failed reachable from either non-terminal state.
func CheckTransition(from, to Status) error {
	if transitions[from][to] {
		return nil
	}

	return apperror.Newf(apperror.VersionConflict, "status transition %s -> %s is not permitted", from, to)
}

type Page struct {
	Page  int
	Limit int
}

// Normalize clamps limit to [1, 100] and page to >= 1.
func (r Page) Normalize() Page {
	if r.Page < 1 {
		r.Page = 1
	}

	switch {
	case r.Limit == 0:
		r.Limit = DefaultPageLimit
	case r.Limit < 1:
		r.Limit = 1
	case r.Limit > MaxPageLimit:
		r.Limit = MaxPageLimit
	}

	return r
}

func (r Page) Skip() int {
	return (r.Page - 1) * r.Limit
}

type PageInfo struct {
	TotalItems int `json:"totalItems"`
	TotalPages int `json:"totalPages"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
}

func NewPageInfo(p Page, total int) PageInfo {
	return PageInfo{
		TotalItems: total,
		TotalPages: int(math.Ceil(float64(total) / float64(p.Limit))),
		Page:       p.Page,
		Limit:      p.Limit,
	}
}

// EventTime is the server-authoritative timestamp for an event that follows last.
// Timestamps are truncated to milliseconds and strictly increase per fingerprint.
func EventTime(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(time.Millisecond)
	if !last.IsZero() && !ts.After(last) {
		ts = last.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}

	return ts
}

// Matches reports whether e satisfies the filters of c, ignoring pagination.
func (r *AuditCriteria) Matches(e *AuditEvent) bool {
	if e.Fingerprint != r.Fingerprint {
		return false
	}

	if len(r.Kinds) > 0 {
		found := false
		for _, k := range r.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if r.From != nil && e.Timestamp.Before(*r.From) {
		return false
	}

	if r.To != nil && e.Timestamp.After(*r.To) {
		return false
	}

	return r.ActorKey == "" || r.ActorKey == e.ActorKey
}

// Related reports whether wallet stands in relation rel to c.
func (r *Credential) Related(wallet string, rel Relation) bool {
	switch rel {
	case AsOwner:
		return r.Access.OwnerKey == wallet
	case AsIssuer:
		return r.Access.IssuerKey == wallet
	case AsViewer:
		e := r.Access.Viewer(wallet)
		return e != nil && e.Active()
	default:
		return r.Related(wallet, AsOwner) || r.Related(wallet, AsIssuer) || r.Related(wallet, AsViewer)
	}
}

// CheckUpdate validates next against the stored record cur.
func CheckUpdate(cur, next *Credential) error {
	if cur.Version != next.Version {
		return apperror.Newf(apperror.VersionConflict, "credential %s is at version %d, update was based on %d",
			cur.Fingerprint, cur.Version, next.Version)
	}

	if err := CheckTransition(cur.Status, next.Status); err != nil {
		return err
	}

	if cur.LedgerAnchor != nil && (next.LedgerAnchor == nil || next.LedgerAnchor.TxID != cur.LedgerAnchor.TxID) {
		return apperror.New(apperror.VersionConflict, "ledger anchor is already set")
	}

	if next.Status == LedgerAnchored && next.LedgerAnchor == nil {
		return apperror.New(apperror.Validation, "ledger-anchored record requires an anchor")
	}

	return nil
}

// PrepareUpdate copies server-managed fields from cur onto next, stamps events and bumps the version.
func PrepareUpdate(cur, next *Credential, now time.Time, events ...*AuditEvent) {
	next.Fingerprint = cur.Fingerprint
	next.Audit = cur.Audit
	next.EventSeq = cur.EventSeq
	next.LastEventAt = cur.LastEventAt
	StampEvents(next, now, events...)
	next.Version = cur.Version + 1
}

// StampEvents assigns ids, sequence numbers and timestamps to events that extend c's trail.
// Verification events bump c.Audit.VerificationCount.
func StampEvents(c *Credential, now time.Time, events ...*AuditEvent) {
	for _, e := range events {
		c.EventSeq++
		c.LastEventAt = EventTime(now, c.LastEventAt)

		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		e.Fingerprint = c.Fingerprint
		e.Seq = c.EventSeq
		e.Timestamp = c.LastEventAt

		if e.Kind.IsVerification() {
			c.Audit.VerificationCount++
		}
	}
}
