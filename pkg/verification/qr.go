package verification

import (
	"bytes"
	"encoding/json"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"strings"

	"github.com/makiuchi-d/gozxing"
	qr "github.com/makiuchi-d/gozxing/qrcode"
	"github.com/skip2/go-qrcode"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/crypto"
)

// ParseQRPayload extracts a fingerprint from a bare fingerprint, a JSON object with a
// fingerprint field, or a URL carrying a hash query parameter.
func ParseQRPayload(payload string) (string, error) {
	p := strings.TrimSpace(payload)
	if p == "" {
		return "", apperror.New(apperror.Validation, "QR payload is empty")
	}

	if strings.HasPrefix(p, "{") {
		v := struct {
			Fingerprint string `json:"fingerprint"`
			Hash        string `json:"hash"`
		}{}
		if err := json.Unmarshal([]byte(p), &v); err != nil {
			return "", apperror.Wrap(err, apperror.Validation, "QR payload is not valid JSON")
		}

		if v.Fingerprint == "" {
			v.Fingerprint = v.Hash
		}
		return crypto.ParseFingerprint(v.Fingerprint)
	}

	if u, err := url.Parse(p); err == nil && u.Scheme != "" && u.Host != "" {
		h := u.Query().Get("hash")
		if h == "" {
			return "", apperror.New(apperror.Validation, "QR URL has no hash parameter")
		}
		return crypto.ParseFingerprint(h)
	}

	return crypto.ParseFingerprint(p)
}

// DecodeQRImage reads the text of the QR code in a PNG or JPEG image.
func DecodeQRImage(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", apperror.Wrap(err, apperror.UnsupportedMediaType, "QR image must be PNG or JPEG")
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", apperror.Wrap(err, apperror.Validation, "unable to read QR image")
	}

	result, err := qr.NewQRCodeReader().Decode(bmp, nil)
	if err != nil {
		return "", apperror.Wrap(err, apperror.Validation, "no QR code found in image")
	}

	return result.GetText(), nil
}

// ShareURL is the payload encoded in share codes: base with the fingerprint as hash.
func ShareURL(base, fingerprint string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", apperror.Newf(apperror.Validation, "share base %q is not an absolute URL", base)
	}

	q := u.Query()
	q.Set("hash", fingerprint)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// EncodeQR renders payload as a PNG QR code of size pixels.
func EncodeQR(payload string, size int) ([]byte, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.Internal, "unable to encode QR code")
	}

	return png, nil
}
