/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/scoir/anchor/pkg/datastore"
)

func (r *mongoDBStore) insertEvents(sc mongo.SessionContext, events []*datastore.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(events))
	for _, e := range events {
		docs = append(docs, e)
	}

	_, err := r.db.Collection(datastore.AuditEventC).InsertMany(sc, docs)
	return err
}

// copyEvents returns shallow copies so each transaction attempt stamps from the caller's events.
func copyEvents(events []*datastore.AuditEvent) []*datastore.AuditEvent {
	out := make([]*datastore.AuditEvent, 0, len(events))
	for _, e := range events {
		ce := *e
		out = append(out, &ce)
	}

	return out
}

func (r *mongoDBStore) AppendEvent(ctx context.Context, in *datastore.AuditEvent) (*datastore.Credential, error) {
	var out *datastore.Credential
	var e *datastore.AuditEvent
	err := r.transact(ctx, func(sc mongo.SessionContext) error {
		e = copyEvents([]*datastore.AuditEvent{in})[0]
		cur := &datastore.Credential{}
		coll := r.db.Collection(datastore.CredentialC)
		if err := coll.FindOne(sc, bson.M{"fingerprint": e.Fingerprint}).Decode(cur); err != nil {
			return err
		}

		next := cur.Copy()
		datastore.StampEvents(next, r.now(), e)
		next.Version++

		res, err := coll.ReplaceOne(sc, bson.M{"fingerprint": e.Fingerprint, "version": cur.Version}, next)
		if err != nil {
			return err
		}

		if res.MatchedCount == 0 {
			return mongo.CommandError{Code: 112, Labels: []string{"TransientTransactionError"}, Message: "write conflict"}
		}

		out = next
		return r.insertEvents(sc, []*datastore.AuditEvent{e})
	})

	if err != nil {
		return nil, classify(err, "unable to append audit event")
	}

	*in = *e
	return out, nil
}

func auditFilter(c *datastore.AuditCriteria) bson.M {
	bc := bson.M{"fingerprint": c.Fingerprint}
	if len(c.Kinds) > 0 {
		bc["kind"] = bson.M{"$in": c.Kinds}
	}

	if c.From != nil || c.To != nil {
		ts := bson.M{}
		if c.From != nil {
			ts["$gte"] = *c.From
		}
		if c.To != nil {
			ts["$lte"] = *c.To
		}
		bc["timestamp"] = ts
	}

	if c.ActorKey != "" {
		bc["actorkey"] = c.ActorKey
	}

	return bc
}

func (r *mongoDBStore) ListAuditEvents(ctx context.Context, c *datastore.AuditCriteria) (*datastore.AuditEventList, error) {
	page := c.Page.Normalize()
	bc := auditFilter(c)
	coll := r.db.Collection(datastore.AuditEventC)

	count, err := coll.CountDocuments(ctx, bc)
	if err != nil {
		return nil, classify(err, "error counting audit events")
	}

	opts := options.Find().SetSkip(int64(page.Skip())).SetLimit(int64(page.Limit)).
		SetSort(bson.D{{Key: "seq", Value: 1}})
	results, err := coll.Find(ctx, bc, opts)
	if err != nil {
		return nil, classify(err, "error trying to find audit events")
	}

	out := &datastore.AuditEventList{
		Items:    []*datastore.AuditEvent{},
		PageInfo: datastore.NewPageInfo(page, int(count)),
	}

	if err := results.All(ctx, &out.Items); err != nil {
		return nil, classify(err, "unable to decode audit events")
	}

	return out, nil
}

func (r *mongoDBStore) VerificationStats(ctx context.Context, fingerprint string) (*datastore.VerificationStats, error) {
	if _, err := r.GetCredential(ctx, fingerprint); err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"fingerprint": fingerprint,
			"kind":        bson.M{"$in": bson.A{datastore.Verified, datastore.VerificationFailed}},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":       nil,
			"count":     bson.M{"$sum": 1},
			"verifiers": bson.M{"$addToSet": "$actorkey"},
			"last":      bson.M{"$max": "$timestamp"},
		}}},
	}

	cur, err := r.db.Collection(datastore.AuditEventC).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classify(err, "unable to aggregate verification events")
	}

	var rows []struct {
		Count     int                 `bson:"count"`
		Verifiers []string            `bson:"verifiers"`
		Last      *primitive.DateTime `bson:"last"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, classify(err, "unable to decode verification stats")
	}

	out := &datastore.VerificationStats{}
	if len(rows) == 0 {
		return out, nil
	}

	out.Count = rows[0].Count
	for _, v := range rows[0].Verifiers {
		if v != "" {
			out.DistinctVerifier++
		}
	}
	if rows[0].Last != nil {
		t := rows[0].Last.Time()
		out.LastVerifiedAt = &t
	}

	return out, nil
}
