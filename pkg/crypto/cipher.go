/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package crypto

import (
	"encoding/hex"
	"strings"

	"github.com/google/tink/go/aead/subtle"

	"github.com/scoir/anchor/pkg/apperror"
)

const (
	KeySize   = 32
	NonceSize = subtle.AESGCMIVSize
	TagSize   = subtle.AESGCMTagSize
)

// Cipher seals credential bodies with AES-256-GCM. Sealed output is nonce || ciphertext || tag.
// The key is fixed for the lifetime of the process.
type Cipher struct {
	aead *subtle.AESGCM
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, apperror.Newf(apperror.Crypto, "encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	aead, err := subtle.NewAESGCM(key)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Crypto, "unable to create AES-GCM primitive")
	}

	return &Cipher{aead: aead}, nil
}

// NewCipherFromHex accepts the ENCRYPTION_KEY form: 64 hex characters, optional 0x prefix.
func NewCipherFromHex(s string) (*Cipher, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Crypto, "encryption key is not valid hex")
	}

	return NewCipher(key)
}

func (r *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	sealed, err := r.aead.Encrypt(plaintext, nil)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Crypto, "encryption failed")
	}

	return sealed, nil
}

func (r *Cipher) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, apperror.New(apperror.Crypto, "sealed blob is too short")
	}

	pt, err := r.aead.Decrypt(sealed, nil)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Crypto, "decryption failed")
	}

	return pt, nil
}
