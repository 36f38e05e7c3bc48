/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package blob stores encrypted credential bodies in content-addressed stores behind
// an ordered list of interchangeable providers.
package blob

import (
	"context"
)

// Provider is one content-addressed store. Transient failures must be reported with
// apperror.BlobUnavailable; a missing locator with apperror.NotFound.
//
//go:generate mockery -name=Provider
type Provider interface {
	Name() string
	Upload(ctx context.Context, data []byte) (string, error)
	Fetch(ctx context.Context, locator string) ([]byte, error)
	Probe(ctx context.Context) error
}

type ProviderStatus struct {
	Name        string `json:"name"`
	Available   bool   `json:"available"`
	LastLatency int64  `json:"lastLatency"`
}

// Status is the observability view of the gateway. LastLatency is in milliseconds.
type Status struct {
	Status     string           `json:"status"`
	QueueDepth int64            `json:"queueDepth"`
	Providers  []ProviderStatus `json:"providers"`
}

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)
