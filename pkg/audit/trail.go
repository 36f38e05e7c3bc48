/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package audit records and queries the append-only credential event trail.
package audit

import (
	"context"
	"encoding/json"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/amqp"
	"github.com/scoir/anchor/pkg/datastore"
	"github.com/scoir/anchor/pkg/notifier"
)

// Topic is the notification topic audit events are published under.
const Topic = "audit"

const publishTimeout = 5 * time.Second

// Trail appends standalone events, fans committed events out to the notification
// queue and answers trail queries.
type Trail struct {
	store     datastore.Store
	publisher amqp.Publisher
	now       func() time.Time
}

// NewTrail returns a trail over store. publisher may be nil.
func NewTrail(store datastore.Store, publisher amqp.Publisher) *Trail {
	return &Trail{store: store, publisher: publisher, now: time.Now}
}

// Record appends e and, for verification kinds, bumps verificationCount in the same transaction.
func (r *Trail) Record(ctx context.Context, e *datastore.AuditEvent) (*datastore.Credential, error) {
	c, err := r.store.AppendEvent(ctx, e)
	if err != nil {
		return nil, err
	}

	r.Notify(e)
	return c, nil
}

// Notify publishes committed events. Delivery is best effort and never fails the caller.
func (r *Trail) Notify(events ...*datastore.AuditEvent) {
	if r.publisher == nil {
		return
	}

	for _, e := range events {
		body, err := json.Marshal(&notifier.Notification{Topic: Topic, Event: e})
		if err != nil {
			log.WithError(err).WithField("fingerprint", e.Fingerprint).Warn("unable to encode audit notification")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = r.publisher.Publish(ctx, &amqp.Message{
			ID:          e.ID,
			Kind:        string(e.Kind),
			ContentType: "application/json",
			Timestamp:   e.Timestamp,
			Body:        body,
		})
		cancel()
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"fingerprint": e.Fingerprint, "kind": e.Kind}).
				Warn("unable to publish audit notification")
		}
	}
}

func (r *Trail) Events(ctx context.Context, c *datastore.AuditCriteria) (*datastore.AuditEventList, error) {
	return r.store.ListAuditEvents(ctx, c)
}

type Summary struct {
	VerificationCount int        `json:"verificationCount"`
	DistinctVerifiers int        `json:"distinctVerifiers"`
	AgeInDays         int        `json:"ageInDays"`
	LastVerifiedAt    *time.Time `json:"lastVerifiedAt"`
}

// Summarize computes trail statistics. verificationCount is read from the record, which
// is the authoritative replica of the event stream count.
func (r *Trail) Summarize(ctx context.Context, c *datastore.Credential) (*Summary, error) {
	stats, err := r.store.VerificationStats(ctx, c.Fingerprint)
	if err != nil {
		return nil, err
	}

	if stats.Count != c.Audit.VerificationCount {
		log.WithFields(log.Fields{
			"fingerprint": c.Fingerprint,
			"record":      c.Audit.VerificationCount,
			"events":      stats.Count,
		}).Error("verification count diverges from the event stream")
	}

	age := r.now().Sub(c.Audit.CreatedAt)
	return &Summary{
		VerificationCount: c.Audit.VerificationCount,
		DistinctVerifiers: stats.DistinctVerifier,
		AgeInDays:         int(math.Max(0, math.Floor(age.Hours()/24))),
		LastVerifiedAt:    stats.LastVerifiedAt,
	}, nil
}
