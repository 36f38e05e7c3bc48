package context

import (
	"context"

	"github.com/pkg/errors"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/datastore"
)

// Store opens the record store named by RECORD_STORE_URL.
func (r *Provider) Store(ctx context.Context) (datastore.Store, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.store != nil {
		return r.store, nil
	}

	dp, err := r.dm.DefaultStoreProvider()
	if err != nil {
		return nil, errors.Wrap(err, "unable to get datastore from config")
	}

	st, err := dp.OpenStore(ctx)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.StoreUnavailable, "unable to open record store")
	}

	r.store = st
	return st, nil
}
