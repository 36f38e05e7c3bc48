package access

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/datastore"
	"github.com/scoir/anchor/pkg/datastore/memory"
)

const (
	fp     = "0x5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"
	issuer = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	owner  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	viewer = "0xcccccccccccccccccccccccccccccccccccccccc"
	next   = "0xdddddddddddddddddddddddddddddddddddddddd"
	other  = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
)

type sink struct {
	mu    sync.Mutex
	kinds []datastore.EventKind
}

func (r *sink) Notify(events ...*datastore.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range events {
		r.kinds = append(r.kinds, e.Kind)
	}
}

func setup(t *testing.T) (*Service, *memory.Store, *sink) {
	store := memory.NewStore()
	c := &datastore.Credential{
		Fingerprint: fp,
		Access:      datastore.Access{OwnerKey: owner, IssuerKey: issuer, AuthorizedViewers: []*datastore.AccessEntry{}},
		Status:      datastore.LedgerAnchored,
		LedgerAnchor: &datastore.LedgerAnchor{
			TxID: "0x01", BlockHeight: 1,
		},
	}
	require.NoError(t, store.InsertCredential(context.Background(), c))

	s := &sink{}
	return NewService(store, s), store, s
}

func events(t *testing.T, store datastore.Store, kind datastore.EventKind) int {
	list, err := store.ListAuditEvents(context.Background(), &datastore.AuditCriteria{
		Fingerprint: fp,
		Kinds:       []datastore.EventKind{kind},
	})
	require.NoError(t, err)
	return list.TotalItems
}

func TestService_Grant(t *testing.T) {
	t.Run("grant then revoke", func(t *testing.T) {
		svc, store, s := setup(t)

		c, err := svc.Grant(context.Background(), owner, fp, viewer, datastore.View)
		require.NoError(t, err)
		require.Equal(t, []string{viewer}, c.Access.ActiveViewers())

		_, err = svc.Authorize(context.Background(), viewer, fp, datastore.View)
		require.NoError(t, err)
		_, err = svc.Authorize(context.Background(), viewer, fp, datastore.Download)
		require.True(t, apperror.Is(err, apperror.Forbidden))

		c, err = svc.Revoke(context.Background(), owner, fp, viewer)
		require.NoError(t, err)
		require.Empty(t, c.Access.ActiveViewers())

		_, err = svc.Authorize(context.Background(), viewer, fp, datastore.View)
		require.True(t, apperror.Is(err, apperror.Forbidden))

		require.Equal(t, 1, events(t, store, datastore.AccessGranted))
		require.Equal(t, 1, events(t, store, datastore.AccessRevoked))
		require.Equal(t, []datastore.EventKind{datastore.AccessGranted, datastore.AccessRevoked}, s.kinds)
	})

	t.Run("idempotent grant", func(t *testing.T) {
		svc, store, _ := setup(t)

		_, err := svc.Grant(context.Background(), owner, fp, viewer, datastore.View)
		require.NoError(t, err)
		c, err := svc.Grant(context.Background(), owner, fp, "0x"+"CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC", datastore.View)
		require.NoError(t, err)

		require.Len(t, c.Access.AuthorizedViewers, 1)
		require.Equal(t, viewer, c.Access.AuthorizedViewers[0].WalletKey)
		require.Equal(t, 1, events(t, store, datastore.AccessGranted))
	})

	t.Run("upgrade to download", func(t *testing.T) {
		svc, _, _ := setup(t)

		_, err := svc.Grant(context.Background(), owner, fp, viewer, datastore.View)
		require.NoError(t, err)
		c, err := svc.Grant(context.Background(), owner, fp, viewer, datastore.Download)
		require.NoError(t, err)
		require.Len(t, c.Access.AuthorizedViewers, 1)

		_, err = svc.Authorize(context.Background(), viewer, fp, datastore.Download)
		require.NoError(t, err)
		_, err = svc.Authorize(context.Background(), viewer, fp, datastore.View)
		require.NoError(t, err)
	})

	t.Run("regrant after revoke reinstates the entry", func(t *testing.T) {
		svc, _, _ := setup(t)

		_, err := svc.Grant(context.Background(), owner, fp, viewer, datastore.View)
		require.NoError(t, err)
		_, err = svc.Revoke(context.Background(), owner, fp, viewer)
		require.NoError(t, err)
		c, err := svc.Grant(context.Background(), owner, fp, viewer, "")
		require.NoError(t, err)

		require.Len(t, c.Access.AuthorizedViewers, 1)
		require.True(t, c.Access.AuthorizedViewers[0].Active())
	})

	t.Run("rejections", func(t *testing.T) {
		svc, _, _ := setup(t)

		_, err := svc.Grant(context.Background(), viewer, fp, other, datastore.View)
		require.True(t, apperror.Is(err, apperror.Forbidden))

		_, err = svc.Grant(context.Background(), issuer, fp, other, datastore.View)
		require.True(t, apperror.Is(err, apperror.Forbidden))

		_, err = svc.Grant(context.Background(), "", fp, other, datastore.View)
		require.True(t, apperror.Is(err, apperror.Forbidden))

		_, err = svc.Grant(context.Background(), owner, fp, owner, datastore.View)
		require.True(t, apperror.Is(err, apperror.Validation))

		_, err = svc.Grant(context.Background(), owner, fp, "0x12", datastore.View)
		require.True(t, apperror.Is(err, apperror.Validation))

		_, err = svc.Grant(context.Background(), owner, fp, other, "edit")
		require.True(t, apperror.Is(err, apperror.Validation))

		_, err = svc.Grant(context.Background(), owner, "0x"+fp[4:]+"00", other, datastore.View)
		require.True(t, apperror.Is(err, apperror.NotFound))
	})

	t.Run("granting the issuer is a no-op", func(t *testing.T) {
		svc, store, _ := setup(t)

		c, err := svc.Grant(context.Background(), owner, fp, issuer, datastore.View)
		require.NoError(t, err)
		require.Empty(t, c.Access.AuthorizedViewers)
		require.Zero(t, events(t, store, datastore.AccessGranted))
	})

	t.Run("concurrent grants serialise", func(t *testing.T) {
		svc, _, _ := setup(t)

		wallets := []string{viewer, next, other}
		var wg sync.WaitGroup
		for _, w := range wallets {
			wg.Add(1)
			go func(w string) {
				defer wg.Done()
				_, err := svc.Grant(context.Background(), owner, fp, w, datastore.View)
				require.NoError(t, err)
			}(w)
		}
		wg.Wait()

		c, err := svc.Authorize(context.Background(), owner, fp, datastore.View)
		require.NoError(t, err)
		require.ElementsMatch(t, wallets, c.Access.ActiveViewers())
	})
}

func TestService_Revoke(t *testing.T) {
	svc, store, _ := setup(t)

	t.Run("unknown wallet is a no-op", func(t *testing.T) {
		_, err := svc.Revoke(context.Background(), owner, fp, viewer)
		require.NoError(t, err)
		require.Zero(t, events(t, store, datastore.AccessRevoked))
	})

	t.Run("issuer and owner cannot be revoked", func(t *testing.T) {
		_, err := svc.Revoke(context.Background(), owner, fp, issuer)
		require.True(t, apperror.Is(err, apperror.Validation))

		_, err = svc.Revoke(context.Background(), owner, fp, owner)
		require.True(t, apperror.Is(err, apperror.Validation))
	})

	t.Run("only the owner revokes", func(t *testing.T) {
		_, err := svc.Revoke(context.Background(), issuer, fp, viewer)
		require.True(t, apperror.Is(err, apperror.Forbidden))
	})
}

func TestService_Transfer(t *testing.T) {
	t.Run("new owner controls access", func(t *testing.T) {
		svc, store, _ := setup(t)

		_, err := svc.Grant(context.Background(), owner, fp, next, datastore.View)
		require.NoError(t, err)

		c, err := svc.Transfer(context.Background(), owner, fp, next)
		require.NoError(t, err)
		require.Equal(t, next, c.Access.OwnerKey)
		require.Empty(t, c.Access.AuthorizedViewers)

		_, err = svc.Grant(context.Background(), next, fp, other, datastore.View)
		require.NoError(t, err)

		_, err = svc.Grant(context.Background(), owner, fp, viewer, datastore.View)
		require.True(t, apperror.Is(err, apperror.Forbidden))

		_, err = svc.Authorize(context.Background(), owner, fp, datastore.View)
		require.True(t, apperror.Is(err, apperror.Forbidden))

		_, err = svc.Authorize(context.Background(), issuer, fp, datastore.Download)
		require.NoError(t, err)

		require.Equal(t, 1, events(t, store, datastore.OwnershipTransferred))
	})

	t.Run("transfer to self", func(t *testing.T) {
		svc, _, _ := setup(t)

		_, err := svc.Transfer(context.Background(), owner, fp, owner)
		require.True(t, apperror.Is(err, apperror.Validation))
	})

	t.Run("failed credential", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.InsertCredential(context.Background(), &datastore.Credential{
			Fingerprint: fp,
			Access:      datastore.Access{OwnerKey: owner, IssuerKey: issuer},
			Status:      datastore.Failed,
		}))

		_, err := NewService(store, nil).Transfer(context.Background(), owner, fp, next)
		require.True(t, apperror.Is(err, apperror.Validation))
	})
}
