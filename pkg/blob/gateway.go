/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package blob

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/metrics"
	"github.com/scoir/anchor/pkg/util"
)

type Config struct {
	Deadline       time.Duration
	Attempts       int
	BaseInterval   time.Duration
	MaxInterval    time.Duration
	Multiplier     float64
	HealthInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Deadline:       30 * time.Second,
		Attempts:       3,
		BaseInterval:   time.Second,
		MaxInterval:    8 * time.Second,
		Multiplier:     2,
		HealthInterval: 15 * time.Second,
	}
}

type providerState struct {
	provider  Provider
	available atomic.Bool
	latency   atomic.Int64
}

// Gateway fans blob operations out over its providers head-first, failing over on
// transient errors. Health flags are written by probes and call outcomes and read without locks.
type Gateway struct {
	cfg       Config
	providers []*providerState
	inflight  atomic.Int64
}

func NewGateway(cfg Config, providers ...Provider) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one blob provider is required")
	}

	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	g := &Gateway{cfg: cfg}
	for _, p := range providers {
		ps := &providerState{provider: p}
		ps.available.Store(true)
		metrics.BlobProviderAvailable.WithLabelValues(p.Name()).Set(1)
		g.providers = append(g.providers, ps)
	}

	return g, nil
}

// Upload stores data on the first provider that accepts it and returns its content locator.
// Every provider names blobs by Locator, so identical bytes always yield the same locator.
func (r *Gateway) Upload(ctx context.Context, data []byte) (string, error) {
	want := Locator(data)
	err := r.run(ctx, "upload", func(ctx context.Context, p Provider) error {
		loc, err := p.Upload(ctx, data)
		if err != nil {
			return err
		}

		if loc != want {
			return apperror.Newf(apperror.BlobUnavailable, "%s returned locator %s, expected %s", p.Name(), loc, want)
		}

		return nil
	})

	if err != nil {
		return "", err
	}

	return want, nil
}

// Fetch retrieves the blob named by locator.
func (r *Gateway) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if err := ValidateLocator(locator); err != nil {
		return nil, err
	}

	var out []byte
	err := r.run(ctx, "fetch", func(ctx context.Context, p Provider) error {
		b, err := p.Fetch(ctx, locator)
		if err != nil {
			return err
		}

		if Locator(b) != locator {
			return apperror.Newf(apperror.BlobUnavailable, "%s returned content that does not match %s", p.Name(), locator)
		}

		out = b
		return nil
	})

	return out, err
}

func (r *Gateway) run(ctx context.Context, op string, fn func(context.Context, Provider) error) error {
	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	var lastErr error
	notFound := 0
	for _, ps := range r.ordered() {
		err := r.attempt(ctx, op, ps, fn)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return apperror.Wrap(err, apperror.BlobTimeout, "blob "+op+" exceeded its deadline")
		}

		switch apperror.KindOf(err) {
		case apperror.NotFound:
			notFound++
		case apperror.BlobUnavailable, apperror.BlobTimeout:
		default:
			return err
		}

		lastErr = err
		log.WithFields(log.Fields{"provider": ps.provider.Name(), "operation": op}).
			WithError(err).Warn("blob provider failed, failing over")
	}

	if notFound > 0 && notFound == len(r.providers) {
		return apperror.Wrap(lastErr, apperror.NotFound, "blob not found on any provider")
	}

	return apperror.Wrap(lastErr, apperror.BlobUnavailable, "no blob provider could serve "+op)
}

func (r *Gateway) attempt(ctx context.Context, op string, ps *providerState, fn func(context.Context, Provider) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BaseInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.Multiplier = r.cfg.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.Attempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		start := time.Now()
		err := fn(ctx, ps.provider)
		elapsed := time.Since(start)

		ps.latency.Store(elapsed.Milliseconds())
		metrics.BlobOperationDuration.WithLabelValues(ps.provider.Name(), op, statusLabel(err)).Observe(elapsed.Seconds())

		switch kind := apperror.KindOf(err); {
		case err == nil:
			r.mark(ps, true)
			return nil
		case kind == apperror.BlobUnavailable || kind == apperror.BlobTimeout || errors.Is(err, context.DeadlineExceeded):
			r.mark(ps, false)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, policy, util.Logger)
}

// ordered returns available providers first, keeping configuration order within each group.
func (r *Gateway) ordered() []*providerState {
	out := make([]*providerState, 0, len(r.providers))
	for _, ps := range r.providers {
		if ps.available.Load() {
			out = append(out, ps)
		}
	}
	for _, ps := range r.providers {
		if !ps.available.Load() {
			out = append(out, ps)
		}
	}

	return out
}

func (r *Gateway) mark(ps *providerState, ok bool) {
	if ps.available.Swap(ok) != ok {
		log.WithFields(log.Fields{"provider": ps.provider.Name(), "available": ok}).Info("blob provider health changed")
	}

	v := 0.0
	if ok {
		v = 1
	}
	metrics.BlobProviderAvailable.WithLabelValues(ps.provider.Name()).Set(v)
}

// Probe checks every provider once and records the result.
func (r *Gateway) Probe(ctx context.Context) {
	for _, ps := range r.providers {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
		start := time.Now()
		err := ps.provider.Probe(pctx)
		cancel()

		ps.latency.Store(time.Since(start).Milliseconds())
		r.mark(ps, err == nil)
	}
}

// Monitor probes providers every HealthInterval until ctx is done.
func (r *Gateway) Monitor(ctx context.Context) {
	if r.cfg.HealthInterval <= 0 {
		return
	}

	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Probe(ctx)
		}
	}
}

func (r *Gateway) Status() Status {
	out := Status{QueueDepth: r.inflight.Load(), Providers: []ProviderStatus{}}

	up := 0
	for _, ps := range r.providers {
		ok := ps.available.Load()
		if ok {
			up++
		}
		out.Providers = append(out.Providers, ProviderStatus{
			Name:        ps.provider.Name(),
			Available:   ok,
			LastLatency: ps.latency.Load(),
		})
	}

	switch {
	case up == len(r.providers):
		out.Status = StatusOK
	case up == 0:
		out.Status = StatusDown
	default:
		out.Status = StatusDegraded
	}

	return out
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}

	return string(apperror.KindOf(err))
}
