package blob

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/scoir/anchor/pkg/apperror"
)

const gridFSBucket = "blobs"

// GridFSProvider stores blobs in a Mongo GridFS bucket named by their locator.
type GridFSProvider struct {
	name   string
	client *mongo.Client
	bucket *gridfs.Bucket
}

func NewGridFSProvider(ctx context.Context, name, uri, database string) (*GridFSProvider, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to mongo")
	}

	bucket, err := gridfs.NewBucket(client.Database(database), options.GridFSBucket().SetName(gridFSBucket))
	if err != nil {
		return nil, errors.Wrap(err, "unable to open gridfs bucket")
	}

	if name == "" {
		name = "gridfs:" + database
	}

	return &GridFSProvider{name: name, client: client, bucket: bucket}, nil
}

func (r *GridFSProvider) Name() string {
	return r.name
}

func (r *GridFSProvider) exists(ctx context.Context, locator string) (bool, error) {
	cur, err := r.bucket.FindContext(ctx, bson.M{"filename": locator})
	if err != nil {
		return false, err
	}
	defer cur.Close(ctx)

	return cur.Next(ctx), cur.Err()
}

func (r *GridFSProvider) Upload(ctx context.Context, data []byte) (string, error) {
	loc := Locator(data)

	found, err := r.exists(ctx, loc)
	if err != nil {
		return "", apperror.Wrap(err, apperror.BlobUnavailable, r.name+" lookup failed")
	}
	if found {
		return loc, nil
	}

	if _, err := r.bucket.UploadFromStream(loc, bytes.NewReader(data)); err != nil {
		return "", apperror.Wrap(err, apperror.BlobUnavailable, r.name+" upload failed")
	}

	return loc, nil
}

func (r *GridFSProvider) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	if _, err := r.bucket.DownloadToStreamByName(locator, buf); err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, apperror.Newf(apperror.NotFound, "blob %s not found in %s", locator, r.name)
		}
		return nil, apperror.Wrap(err, apperror.BlobUnavailable, r.name+" download failed")
	}

	return buf.Bytes(), nil
}

func (r *GridFSProvider) Probe(ctx context.Context) error {
	if err := r.client.Ping(ctx, readpref.Primary()); err != nil {
		return apperror.Wrap(err, apperror.BlobUnavailable, r.name+" ping failed")
	}

	return nil
}

func (r *GridFSProvider) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
