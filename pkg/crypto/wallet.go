/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package crypto

import (
	"crypto/ecdsa"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/scoir/anchor/pkg/apperror"
)

const signatureLength = 65

var walletRe = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// NormalizeWallet lower-cases a wallet address and validates its format.
func NormalizeWallet(s string) (string, error) {
	w := strings.ToLower(strings.TrimSpace(s))
	if !walletRe.MatchString(w) {
		return "", apperror.Newf(apperror.Validation, "invalid wallet address %q", s)
	}

	return w, nil
}

// RecoverWallet returns the lower-cased address that produced sig over message using the
// Ethereum personal-message envelope.
func RecoverWallet(message []byte, sig string) (string, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return "", apperror.Wrap(err, apperror.Crypto, "signature is not valid hex")
	}

	if len(raw) != signatureLength {
		return "", apperror.Newf(apperror.Crypto, "signature must be %d bytes", signatureLength)
	}

	// wallets emit v as 27/28
	if raw[64] >= 27 {
		raw[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash(message), raw)
	if err != nil {
		return "", apperror.Wrap(err, apperror.Crypto, "unable to recover signer")
	}

	return strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySignature checks that wallet signed message. A signature by a different key is
// reported as Unauthenticated, malformed input as Crypto.
func VerifySignature(wallet string, message []byte, sig string) error {
	want, err := NormalizeWallet(wallet)
	if err != nil {
		return err
	}

	got, err := RecoverWallet(message, sig)
	if err != nil {
		return err
	}

	if got != want {
		return apperror.New(apperror.Unauthenticated, "signature does not match wallet")
	}

	return nil
}

// SignMessage produces a personal-message signature with v in {27, 28}, as a wallet would.
func SignMessage(key *ecdsa.PrivateKey, message []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return "", errors.Wrap(err, "unable to sign message")
	}

	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// WalletOf returns the lower-cased address for key.
func WalletOf(key *ecdsa.PrivateKey) string {
	return strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
}

// ParsePrivateKey accepts a hex secp256k1 private key with optional 0x prefix.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Crypto, "invalid private key")
	}

	return key, nil
}
