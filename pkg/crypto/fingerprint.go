/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/scoir/anchor/pkg/apperror"
)

var fingerprintRe = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// Fingerprint returns the canonical content fingerprint of b: lower-case hex SHA-256 with a 0x prefix.
func Fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return "0x" + hex.EncodeToString(sum[:])
}

// ParseFingerprint lower-cases s and checks it against the fingerprint format.
func ParseFingerprint(s string) (string, error) {
	fp := strings.ToLower(strings.TrimSpace(s))
	if !fingerprintRe.MatchString(fp) {
		return "", apperror.Newf(apperror.Validation, "invalid fingerprint %q", s)
	}

	return fp, nil
}

// FingerprintBytes decodes a canonical fingerprint into its 32 raw bytes.
func FingerprintBytes(fp string) ([32]byte, error) {
	var out [32]byte
	fp, err := ParseFingerprint(fp)
	if err != nil {
		return out, err
	}

	b, err := hex.DecodeString(fp[2:])
	if err != nil {
		return out, apperror.Wrap(err, apperror.Crypto, "unable to decode fingerprint")
	}

	copy(out[:], b)
	return out, nil
}
