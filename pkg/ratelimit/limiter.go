/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ratelimit implements the generic cell rate algorithm (GCRA) over an in-process
// table or a shared redis instance.
package ratelimit

import (
	"context"
	"time"
)

type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
	Close() error
}

type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
}

// Policy admits Limit requests per Window with up to Burst of them back to back.
type Policy struct {
	Limit  int64
	Window time.Duration
	Burst  int64
}

func NewPolicy(limit int64, window time.Duration) *Policy {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Policy{Limit: limit, Window: window, Burst: limit}
}

// EmissionInterval is the spacing between requests at the sustained rate.
func (r *Policy) EmissionInterval() time.Duration {
	return r.Window / time.Duration(r.Limit)
}

// BurstAllowance is how far ahead of now the theoretical arrival time may run.
func (r *Policy) BurstAllowance() time.Duration {
	return r.EmissionInterval() * time.Duration(r.Burst-1)
}

func (r *Policy) remaining(tat, now time.Time) int64 {
	if !tat.After(now) {
		return r.Burst
	}

	ei := r.EmissionInterval()
	used := int64((tat.Sub(now) + ei - 1) / ei)
	if used >= r.Burst {
		return 0
	}

	return r.Burst - used
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
