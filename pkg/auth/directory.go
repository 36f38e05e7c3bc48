package auth

import (
	"strings"
	"sync"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/crypto"
)

type Role string

const (
	Admin    Role = "admin"
	Issuer   Role = "issuer"
	Verifier Role = "verifier"
	Owner    Role = "owner"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case Admin, Issuer, Verifier, Owner:
		return r, nil
	default:
		return "", apperror.Newf(apperror.Validation, "unknown role %q", s)
	}
}

// Directory maps wallets to roles. Wallets it does not know are owners.
type Directory struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewDirectory builds a directory from wallet -> role name pairs, as found in configuration.
func NewDirectory(entries map[string]string) (*Directory, error) {
	d := &Directory{roles: map[string]Role{}}
	for w, r := range entries {
		if err := d.Assign(w, r); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func (r *Directory) Assign(wallet, role string) error {
	w, err := crypto.NormalizeWallet(wallet)
	if err != nil {
		return err
	}

	ro, err := ParseRole(role)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[w] = ro

	return nil
}

func (r *Directory) RoleOf(wallet string) Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ro, ok := r.roles[wallet]; ok {
		return ro
	}

	return Owner
}
