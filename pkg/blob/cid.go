package blob

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"

	"github.com/scoir/anchor/pkg/apperror"
)

const (
	multihashSHA256 = 0x12
	multihashLength = 0x20
)

// Locator returns the CIDv0 style identifier (base58 sha2-256 multihash) of data.
func Locator(data []byte) string {
	sum := sha256.Sum256(data)
	mh := make([]byte, 0, 2+len(sum))
	mh = append(mh, multihashSHA256, multihashLength)
	mh = append(mh, sum[:]...)

	return base58.Encode(mh)
}

// ValidateLocator checks that s decodes to a sha2-256 multihash.
func ValidateLocator(s string) error {
	b, err := base58.Decode(s)
	if err != nil {
		return apperror.Wrap(err, apperror.Validation, "locator is not base58")
	}

	if len(b) != 34 || b[0] != multihashSHA256 || b[1] != multihashLength {
		return apperror.New(apperror.Validation, "locator is not a sha2-256 multihash")
	}

	return nil
}
