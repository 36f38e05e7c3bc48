/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package datastore

import (
	"strings"
	"time"
)

type Status string

const (
	Draft          Status = "draft"
	BlobStored     Status = "blob-stored"
	LedgerAnchored Status = "ledger-anchored"
	Failed         Status = "failed"
)

type CredentialKind string

const (
	Degree      CredentialKind = "degree"
	Diploma     CredentialKind = "diploma"
	Certificate CredentialKind = "certificate"
	Transcript  CredentialKind = "transcript"
	Badge       CredentialKind = "badge"
	Other       CredentialKind = "other"
)

var credentialKinds = map[CredentialKind]bool{
	Degree: true, Diploma: true, Certificate: true, Transcript: true, Badge: true, Other: true,
}

func (r CredentialKind) Valid() bool {
	return credentialKinds[r]
}

type Capability string

const (
	View     Capability = "view"
	Download Capability = "download"
)

func (r Capability) Valid() bool {
	return r == View || r == Download
}

// Covers reports whether holding r satisfies a request for want. Download implies view.
func (r Capability) Covers(want Capability) bool {
	return r == want || (r == Download && want == View)
}

type EventKind string

const (
	Created              EventKind = "CREATED"
	BlobStoredEvent      EventKind = "BLOB_STORED"
	LedgerAnchoredEvent  EventKind = "LEDGER_ANCHORED"
	AccessGranted        EventKind = "ACCESS_GRANTED"
	AccessRevoked        EventKind = "ACCESS_REVOKED"
	OwnershipTransferred EventKind = "OWNERSHIP_TRANSFERRED"
	Verified             EventKind = "VERIFIED"
	VerificationFailed   EventKind = "VERIFICATION_FAILED"
	Downloaded           EventKind = "DOWNLOADED"
	FailedEvent          EventKind = "FAILED"
)

// IsVerification reports whether events of this kind count towards verificationCount.
func (r EventKind) IsVerification() bool {
	return r == Verified || r == VerificationFailed
}

type Metadata struct {
	RecipientName    string         `json:"recipientName" bson:"recipientname"`
	RecipientID      string         `json:"recipientId" bson:"recipientid"`
	IssuingAuthority string         `json:"issuingAuthority" bson:"issuingauthority"`
	CredentialKind   CredentialKind `json:"credentialKind" bson:"credentialkind"`
	IssueDate        string         `json:"issueDate" bson:"issuedate"`
	ExpiryDate       string         `json:"expiryDate,omitempty" bson:"expirydate,omitempty"`
	Programme        string         `json:"programme,omitempty" bson:"programme,omitempty"`
	Grade            string         `json:"grade,omitempty" bson:"grade,omitempty"`
	Description      string         `json:"description,omitempty" bson:"description,omitempty"`
}

// SearchText is the lower-cased text substring queries run against.
func (r Metadata) SearchText() string {
	return strings.ToLower(strings.Join([]string{r.RecipientName, r.RecipientID, r.IssuingAuthority,
		string(r.CredentialKind), r.Programme, r.Grade, r.Description}, "\n"))
}

type FileDescriptor struct {
	OriginalName string `json:"originalName" bson:"originalname"`
	ByteSize     int64  `json:"byteSize" bson:"bytesize"`
	MimeType     string `json:"mimeType" bson:"mimetype"`
	PageCount    int    `json:"pageCount,omitempty" bson:"pagecount,omitempty"`
}

type AccessEntry struct {
	WalletKey  string     `json:"walletKey" bson:"walletkey"`
	Capability Capability `json:"capability" bson:"capability"`
	GrantedAt  time.Time  `json:"grantedAt" bson:"grantedat"`
	GrantedBy  string     `json:"grantedBy" bson:"grantedby"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty" bson:"revokedat,omitempty"`
}

func (r *AccessEntry) Active() bool {
	return r.RevokedAt == nil
}

type Access struct {
	OwnerKey          string         `json:"ownerKey" bson:"ownerkey"`
	IssuerKey         string         `json:"issuerKey" bson:"issuerkey"`
	AuthorizedViewers []*AccessEntry `json:"authorizedViewers" bson:"authorizedviewers"`
}

// Viewer returns the entry for wallet, active or revoked, or nil.
func (r *Access) Viewer(wallet string) *AccessEntry {
	for _, e := range r.AuthorizedViewers {
		if e.WalletKey == wallet {
			return e
		}
	}

	return nil
}

// ActiveViewers returns the wallets of all non-revoked entries.
func (r *Access) ActiveViewers() []string {
	out := []string{}
	for _, e := range r.AuthorizedViewers {
		if e.Active() {
			out = append(out, e.WalletKey)
		}
	}

	return out
}

// Allows evaluates the effective access set: owner and issuer hold every capability,
// viewers hold what they were granted.
func (r *Access) Allows(wallet string, want Capability) bool {
	if wallet == "" {
		return false
	}

	if wallet == r.OwnerKey || wallet == r.IssuerKey {
		return true
	}

	e := r.Viewer(wallet)
	return e != nil && e.Active() && e.Capability.Covers(want)
}

type LedgerAnchor struct {
	TxID        string    `json:"txId" bson:"txid"`
	BlockHeight uint64    `json:"blockHeight" bson:"blockheight"`
	GasConsumed uint64    `json:"gasConsumed" bson:"gasconsumed"`
	AnchoredAt  time.Time `json:"anchoredAt" bson:"anchoredat"`
}

type Failure struct {
	Step   string    `json:"step" bson:"step"`
	Reason string    `json:"reason" bson:"reason"`
	At     time.Time `json:"at" bson:"at"`
}

type Audit struct {
	CreatedAt         time.Time `json:"createdAt" bson:"createdat"`
	VerificationCount int       `json:"verificationCount" bson:"verificationcount"`
}

// Credential is the persisted credential record, keyed by fingerprint.
type Credential struct {
	Fingerprint    string         `json:"fingerprint" bson:"fingerprint"`
	BlobLocator    string         `json:"blobLocator,omitempty" bson:"bloblocator,omitempty"`
	Metadata       Metadata       `json:"metadata" bson:"metadata"`
	FileDescriptor FileDescriptor `json:"fileDescriptor" bson:"filedescriptor"`
	Access         Access         `json:"access" bson:"access"`
	LedgerAnchor   *LedgerAnchor  `json:"ledgerAnchor,omitempty" bson:"ledgeranchor,omitempty"`
	Status         Status         `json:"status" bson:"status"`
	Failure        *Failure       `json:"failure,omitempty" bson:"failure,omitempty"`
	Audit          Audit          `json:"audit" bson:"audit"`
	Version        int64          `json:"version" bson:"version"`
	EventSeq       int64          `json:"-" bson:"eventseq"`
	LastEventAt    time.Time      `json:"-" bson:"lasteventat"`
}

// Copy returns a deep copy so callers can mutate without aliasing stored state.
func (r *Credential) Copy() *Credential {
	out := *r
	out.Access.AuthorizedViewers = make([]*AccessEntry, 0, len(r.Access.AuthorizedViewers))
	for _, e := range r.Access.AuthorizedViewers {
		ce := *e
		if e.RevokedAt != nil {
			t := *e.RevokedAt
			ce.RevokedAt = &t
		}
		out.Access.AuthorizedViewers = append(out.Access.AuthorizedViewers, &ce)
	}

	if r.LedgerAnchor != nil {
		a := *r.LedgerAnchor
		out.LedgerAnchor = &a
	}

	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}

	return &out
}

// AuditEvent is an append-only entry in a credential's trail.
type AuditEvent struct {
	ID          string                 `json:"id" bson:"id"`
	Fingerprint string                 `json:"fingerprint" bson:"fingerprint"`
	Seq         int64                  `json:"seq" bson:"seq"`
	Kind        EventKind              `json:"kind" bson:"kind"`
	Timestamp   time.Time              `json:"timestamp" bson:"timestamp"`
	ActorKey    string                 `json:"actorKey" bson:"actorkey"`
	Payload     map[string]interface{} `json:"payload,omitempty" bson:"payload,omitempty"`
}

// Relation selects which credentials a wallet is listed against.
type Relation string

const (
	AnyRelation Relation = ""
	AsOwner     Relation = "owner"
	AsIssuer    Relation = "issuer"
	AsViewer    Relation = "viewer"
)

type CredentialCriteria struct {
	Wallet   string
	Relation Relation
	Query    string
	Page     Page
}

type CredentialList struct {
	Items []*Credential `json:"items"`
	PageInfo
}

type AuditCriteria struct {
	Fingerprint string
	Kinds       []EventKind
	From, To    *time.Time
	ActorKey    string
	Page        Page
}

type AuditEventList struct {
	Items []*AuditEvent `json:"items"`
	PageInfo
}

// VerificationStats is computed from the event stream of one fingerprint.
type VerificationStats struct {
	Count            int
	DistinctVerifier int
	LastVerifiedAt   *time.Time
}
