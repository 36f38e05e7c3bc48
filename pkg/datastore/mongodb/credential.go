package mongodb

import (
	"context"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/datastore"
)

func (r *mongoDBStore) InsertCredential(ctx context.Context, c *datastore.Credential, events ...*datastore.AuditEvent) error {
	c.Version = 1
	c.EventSeq = 0
	c.Audit.VerificationCount = 0
	datastore.StampEvents(c, r.now(), events...)

	err := r.transact(ctx, func(sc mongo.SessionContext) error {
		if _, err := r.db.Collection(datastore.CredentialC).InsertOne(sc, c); err != nil {
			return err
		}

		return r.insertEvents(sc, events)
	})

	if mongo.IsDuplicateKeyError(err) {
		return apperror.Newf(apperror.DuplicateFingerprint, "credential %s is already registered", c.Fingerprint)
	}

	return classify(err, "unable to insert credential")
}

func (r *mongoDBStore) GetCredential(ctx context.Context, fingerprint string) (*datastore.Credential, error) {
	c := &datastore.Credential{}
	err := r.db.Collection(datastore.CredentialC).FindOne(ctx, bson.M{"fingerprint": fingerprint}).Decode(c)
	if err != nil {
		return nil, classify(err, "unable to load credential "+fingerprint)
	}

	return c, nil
}

func (r *mongoDBStore) UpdateCredential(ctx context.Context, c *datastore.Credential, events ...*datastore.AuditEvent) error {
	var next *datastore.Credential
	var stamped []*datastore.AuditEvent

	err := r.transact(ctx, func(sc mongo.SessionContext) error {
		cur := &datastore.Credential{}
		coll := r.db.Collection(datastore.CredentialC)
		if err := coll.FindOne(sc, bson.M{"fingerprint": c.Fingerprint}).Decode(cur); err != nil {
			return err
		}

		if err := datastore.CheckUpdate(cur, c); err != nil {
			return err
		}

		next = c.Copy()
		stamped = copyEvents(events)
		datastore.PrepareUpdate(cur, next, r.now(), stamped...)

		res, err := coll.ReplaceOne(sc, bson.M{"fingerprint": c.Fingerprint, "version": cur.Version}, next)
		if err != nil {
			return err
		}

		if res.MatchedCount == 0 {
			return apperror.Newf(apperror.VersionConflict, "credential %s changed concurrently", c.Fingerprint)
		}

		return r.insertEvents(sc, stamped)
	})

	if err != nil {
		return classify(err, "unable to update credential")
	}

	*c = *next
	for i, e := range stamped {
		*events[i] = *e
	}

	return nil
}

func (r *mongoDBStore) ListCredentials(ctx context.Context, c *datastore.CredentialCriteria) (*datastore.CredentialList, error) {
	page := c.Page.Normalize()
	bc := relationFilter(c.Wallet, c.Relation)

	if q := strings.TrimSpace(c.Query); q != "" {
		rx := bson.M{"$regex": regexp.QuoteMeta(q), "$options": "i"}
		bc = bson.M{"$and": bson.A{bc, bson.M{"$or": bson.A{
			bson.M{"metadata.recipientname": rx},
			bson.M{"metadata.recipientid": rx},
			bson.M{"metadata.issuingauthority": rx},
			bson.M{"metadata.credentialkind": rx},
			bson.M{"metadata.programme": rx},
			bson.M{"metadata.grade": rx},
			bson.M{"metadata.description": rx},
		}}}}
	}

	coll := r.db.Collection(datastore.CredentialC)
	count, err := coll.CountDocuments(ctx, bc)
	if err != nil {
		return nil, classify(err, "error counting credentials")
	}

	opts := options.Find().SetSkip(int64(page.Skip())).SetLimit(int64(page.Limit)).
		SetSort(bson.D{{Key: "audit.createdat", Value: -1}})
	results, err := coll.Find(ctx, bc, opts)
	if err != nil {
		return nil, classify(err, "error trying to find credentials")
	}

	out := &datastore.CredentialList{
		Items:    []*datastore.Credential{},
		PageInfo: datastore.NewPageInfo(page, int(count)),
	}

	err = results.All(ctx, &out.Items)
	if err != nil {
		return nil, classify(err, "unable to decode credentials")
	}

	return out, nil
}

func (r *mongoDBStore) ListCredentialsByStatus(ctx context.Context, statuses []datastore.Status, limit int) ([]*datastore.Credential, error) {
	opts := options.Find().SetSort(bson.D{{Key: "audit.createdat", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	results, err := r.db.Collection(datastore.CredentialC).Find(ctx, bson.M{"status": bson.M{"$in": statuses}}, opts)
	if err != nil {
		return nil, classify(err, "error trying to find credentials by status")
	}

	out := []*datastore.Credential{}
	if err := results.All(ctx, &out); err != nil {
		return nil, classify(err, "unable to decode credentials")
	}

	return out, nil
}

func relationFilter(wallet string, rel datastore.Relation) bson.M {
	owner := bson.M{"access.ownerkey": wallet}
	issuer := bson.M{"access.issuerkey": wallet}
	viewer := bson.M{"access.authorizedviewers": bson.M{"$elemMatch": bson.M{
		"walletkey": wallet,
		"revokedat": bson.M{"$exists": false},
	}}}

	switch rel {
	case datastore.AsOwner:
		return owner
	case datastore.AsIssuer:
		return issuer
	case datastore.AsViewer:
		return viewer
	default:
		return bson.M{"$or": bson.A{owner, issuer, viewer}}
	}
}
