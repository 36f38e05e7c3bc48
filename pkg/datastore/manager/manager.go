package manager

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/scoir/anchor/pkg/datastore"
	"github.com/scoir/anchor/pkg/datastore/memory"
	"github.com/scoir/anchor/pkg/datastore/mongodb"
	"github.com/scoir/anchor/pkg/datastore/postgres"
)

// DataProviderManager picks a record store backend from the DATABASE_URL scheme.
type DataProviderManager struct {
	lock sync.Mutex
	url  string
	ds   map[string]datastore.Provider
}

func NewDataProviderManager(databaseURL string) *DataProviderManager {
	return &DataProviderManager{
		url: databaseURL,
		ds:  map[string]datastore.Provider{},
	}
}

func (r *DataProviderManager) DefaultStoreProvider() (datastore.Provider, error) {
	return r.StorageProvider(r.url)
}

func (r *DataProviderManager) StorageProvider(databaseURL string) (datastore.Provider, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	ds, ok := r.ds[databaseURL]
	if ok {
		return ds, nil
	}

	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid database url")
	}

	switch u.Scheme {
	case "mongodb", "mongodb+srv":
		db := strings.TrimPrefix(u.Path, "/")
		if db == "" {
			db = "anchor"
		}
		ds, err = mongodb.NewProvider(&mongodb.Config{URL: databaseURL, Database: db})
	case "postgres", "postgresql":
		ds, err = postgres.NewProvider(&postgres.Config{URL: databaseURL})
	case "memory":
		ds = memory.NewProvider()
	default:
		return nil, errors.Errorf("no datastore is registered for scheme %q", u.Scheme)
	}

	if err != nil {
		return nil, errors.Wrap(err, "unable to create datastore based on config")
	}

	r.ds[databaseURL] = ds
	return ds, nil
}

// Close closes every provider that was opened.
func (r *DataProviderManager) Close(_ context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	var first error
	for k, ds := range r.ds {
		if err := ds.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.ds, k)
	}

	return first
}
