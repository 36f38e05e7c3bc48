/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ledger anchors credential fingerprints in a document registry contract.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// AnchorRequest names what is written on chain. Locator is optional. Signer selects the
// submitting key when the gateway holds several; empty means the default signer.
type AnchorRequest struct {
	Signer         string
	Fingerprint    string
	Locator        string
	MetadataDigest [32]byte
}

type Receipt struct {
	TxID        string `json:"txId"`
	BlockHeight uint64 `json:"blockHeight"`
	GasConsumed uint64 `json:"gasConsumed"`
}

type AnchorInfo struct {
	Anchored        bool      `json:"anchored"`
	TxID            string    `json:"txId,omitempty"`
	BlockHeight     uint64    `json:"blockHeight,omitempty"`
	AnchorTimestamp time.Time `json:"anchorTimestamp,omitempty"`
	Confirmed       bool      `json:"confirmed"`
}

// Chain is a single signer's view of the registry contract.
//
//go:generate mockery -name=Chain
type Chain interface {
	// Signer is the address whose nonce sequence Submit consumes.
	Signer() string
	Submit(ctx context.Context, req *AnchorRequest) (string, error)
	// WaitConfirmed blocks until txID has the configured number of confirmations.
	WaitConfirmed(ctx context.Context, txID string) (*Receipt, error)
	Lookup(ctx context.Context, fingerprint string) (*AnchorInfo, error)
	Head(ctx context.Context) (uint64, error)
}

type Code string

const (
	NetworkError      Code = "NETWORK_ERROR"
	Timeout           Code = "TIMEOUT"
	NonceExpired      Code = "NONCE_EXPIRED"
	InsufficientFunds Code = "INSUFFICIENT_FUNDS"
	UserRejected      Code = "USER_REJECTED"
	Reverted          Code = "REVERTED"
)

// Retryable reports whether the code is a transient condition.
func (r Code) Retryable() bool {
	return r == NetworkError || r == Timeout || r == NonceExpired
}

// ChainError classifies a failure reported by a Chain.
type ChainError struct {
	Code Code
	Err  error
}

func (e *ChainError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

func NewChainError(code Code, err error) error {
	return &ChainError{Code: code, Err: err}
}

// CodeOf returns the chain error code of err, NETWORK_ERROR for unclassified errors.
func CodeOf(err error) Code {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	return NetworkError
}
