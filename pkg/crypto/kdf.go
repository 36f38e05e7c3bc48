package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/scoir/anchor/pkg/apperror"
)

// DeriveKey stretches an arbitrary secret into a 32 byte key bound to info.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, apperror.New(apperror.Crypto, "secret is empty")
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, apperror.Wrap(err, apperror.Crypto, "unable to derive key")
	}

	return key, nil
}
