/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package apperror defines the error kinds surfaced by the credential service.
// Every public operation returns either a value or an *Error tagged with one of these kinds.
package apperror

import (
	"net/http"

	"github.com/pkg/errors"
)

type Kind string

const (
	Validation           Kind = "VALIDATION_ERROR"
	Unauthenticated      Kind = "UNAUTHENTICATED"
	Forbidden            Kind = "FORBIDDEN"
	NotFound             Kind = "NOT_FOUND"
	DuplicateFingerprint Kind = "DUPLICATE_FINGERPRINT"
	PayloadTooLarge      Kind = "PAYLOAD_TOO_LARGE"
	UnsupportedMediaType Kind = "UNSUPPORTED_MEDIA_TYPE"
	RateLimited          Kind = "RATE_LIMITED"
	Crypto               Kind = "CRYPTO_ERROR"
	StoreUnavailable     Kind = "STORE_UNAVAILABLE"
	BlobTimeout          Kind = "BLOB_TIMEOUT"
	BlobUnavailable      Kind = "BLOB_UNAVAILABLE"
	LedgerRejected       Kind = "LEDGER_REJECTED"
	LedgerTimeout        Kind = "LEDGER_TIMEOUT"
	VersionConflict      Kind = "VERSION_CONFLICT"
	Timeout              Kind = "TIMEOUT"
	Internal             Kind = "INTERNAL"
)

type descriptor struct {
	status    int
	retryable bool
	message   string
}

var kinds = map[Kind]descriptor{
	Validation:           {http.StatusBadRequest, false, "the request is invalid"},
	Unauthenticated:      {http.StatusUnauthorized, false, "authentication is required"},
	Forbidden:            {http.StatusForbidden, false, "the caller is not permitted to perform this operation"},
	NotFound:             {http.StatusNotFound, false, "the requested credential was not found"},
	DuplicateFingerprint: {http.StatusConflict, false, "a credential with this fingerprint is already registered"},
	PayloadTooLarge:      {http.StatusRequestEntityTooLarge, false, "the uploaded payload is too large"},
	UnsupportedMediaType: {http.StatusUnsupportedMediaType, false, "the uploaded file type is not supported"},
	RateLimited:          {http.StatusTooManyRequests, true, "too many requests, retry later"},
	Crypto:               {http.StatusInternalServerError, false, "a cryptographic operation failed"},
	StoreUnavailable:     {http.StatusServiceUnavailable, true, "the record store is temporarily unavailable"},
	BlobTimeout:          {http.StatusBadGateway, true, "the blob store did not respond in time"},
	BlobUnavailable:      {http.StatusServiceUnavailable, true, "the blob store is temporarily unavailable"},
	LedgerRejected:       {http.StatusBadGateway, false, "the ledger rejected the transaction"},
	LedgerTimeout:        {http.StatusGatewayTimeout, true, "the ledger did not confirm in time"},
	VersionConflict:      {http.StatusConflict, true, "the credential was modified concurrently, retry the request"},
	Timeout:              {http.StatusGatewayTimeout, true, "the operation exceeded its deadline"},
	Internal:             {http.StatusInternalServerError, false, "an internal error occurred"},
}

// Error is a tagged error. Message is the human detail, Err the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = Message(e.Kind)
	}

	if e.Err != nil {
		return string(e.Kind) + ": " + msg + ": " + e.Err.Error()
	}

	return string(e.Kind) + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cause supports github.com/pkg/errors.Cause
func (e *Error) Cause() error {
	return e.Err
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: errors.Errorf(format, args...).Error()}
}

// Wrap tags err with kind. A nil err returns nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the outermost tagged error in the chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Retryable(kind Kind) bool {
	return kinds[kind].retryable
}

func HTTPStatus(kind Kind) int {
	d, ok := kinds[kind]
	if !ok {
		return http.StatusInternalServerError
	}

	return d.status
}

// Message is the deterministic user-visible message for kind.
func Message(kind Kind) string {
	d, ok := kinds[kind]
	if !ok {
		return kinds[Internal].message
	}

	return d.message
}
