/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mongodb

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/datastore"
)

type Config struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// Provider represents a Mongo DB implementation of the datastore.Provider interface
type Provider struct {
	client *mongo.Client
	db     *mongo.Database
	store  *mongoDBStore
	sync.RWMutex
}

type mongoDBStore struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time

	// beforeCommit runs after a transaction body succeeds; an error aborts the attempt.
	beforeCommit func() error
}

// NewProvider instantiates Provider
func NewProvider(config *Config) (*Provider, error) {
	if config == nil {
		return nil, errors.New("config missing")
	}

	tM := reflect.TypeOf(bson.M{})
	reg := bson.NewRegistryBuilder().RegisterTypeMapEntry(bsontype.EmbeddedDocument, tM).Build()
	clientOpts := options.Client().SetRegistry(reg).ApplyURI(config.URL).
		SetWriteConcern(writeconcern.New(writeconcern.WMajority()))

	mongoClient, err := mongo.NewClient(clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, "error creating mongo client")
	}

	err = mongoClient.Connect(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to mongo")
	}

	db := mongoClient.Database(config.Database)

	p := &Provider{
		client: mongoClient,
		db:     db,
	}

	return p, nil
}

// OpenStore ensures indexes and returns the store.
func (p *Provider) OpenStore(ctx context.Context) (datastore.Store, error) {
	p.Lock()
	defer p.Unlock()

	if p.store != nil {
		return p.store, nil
	}

	store := &mongoDBStore{client: p.client, db: p.db, now: time.Now}
	if err := store.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	p.store = store
	return store, nil
}

// Close closes the provider.
func (p *Provider) Close() error {
	p.Lock()
	defer p.Unlock()

	p.store = nil
	return p.client.Disconnect(context.Background())
}

func (r *mongoDBStore) ensureIndexes(ctx context.Context) error {
	_, err := r.db.Collection(datastore.CredentialC).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "fingerprint", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "access.ownerkey", Value: 1}}},
		{Keys: bson.D{{Key: "access.issuerkey", Value: 1}}},
		{Keys: bson.D{{Key: "access.authorizedviewers.walletkey", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "audit.createdat", Value: 1}}},
	})
	if err != nil {
		return classify(err, "unable to create credential indexes")
	}

	_, err = r.db.Collection(datastore.AuditEventC).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "fingerprint", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "fingerprint", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return classify(err, "unable to create audit indexes")
	}

	return nil
}

// transact runs fn in a majority-committed transaction. The driver retries transient errors by
// running fn again, so fn must not change its inputs.
func (r *mongoDBStore) transact(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := r.client.StartSession()
	if err != nil {
		return classify(err, "unable to start session")
	}
	defer session.EndSession(ctx)

	opts := options.Transaction().
		SetReadPreference(readpref.Primary()).
		SetWriteConcern(writeconcern.New(writeconcern.WMajority()))

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if err := fn(sc); err != nil {
			return nil, err
		}

		if r.beforeCommit != nil {
			return nil, r.beforeCommit()
		}

		return nil, nil
	}, opts)

	return err
}

func (r *mongoDBStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx, readpref.Primary()); err != nil {
		return apperror.Wrap(err, apperror.StoreUnavailable, "mongo ping failed")
	}

	return nil
}

func (r *mongoDBStore) Close() error {
	return nil
}

// classify maps driver errors onto error kinds, leaving already tagged errors alone.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}

	var ae *apperror.Error
	if errors.As(err, &ae) {
		return err
	}

	switch {
	case mongo.IsDuplicateKeyError(err):
		return apperror.Wrap(err, apperror.DuplicateFingerprint, msg)
	case errors.Is(err, mongo.ErrNoDocuments):
		return apperror.Wrap(err, apperror.NotFound, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return apperror.Wrap(err, apperror.Timeout, msg)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err), errors.Is(err, mongo.ErrClientDisconnected):
		return apperror.Wrap(err, apperror.StoreUnavailable, msg)
	}

	var le mongo.ServerError
	if errors.As(err, &le) && le.HasErrorLabel("TransientTransactionError") {
		return apperror.Wrap(err, apperror.VersionConflict, msg)
	}

	return apperror.Wrap(err, apperror.StoreUnavailable, msg)
}
