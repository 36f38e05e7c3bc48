/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/metrics"
	"github.com/scoir/anchor/pkg/util"
)

type Config struct {
	Attempts     int
	BaseInterval time.Duration
	MaxInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Attempts:     3,
		BaseInterval: 2 * time.Second,
		MaxInterval:  15 * time.Second,
	}
}

// Gateway submits anchors through one Chain per signing key. Submissions for the same
// key are serialised; different keys proceed concurrently.
type Gateway struct {
	cfg      Config
	chains   map[string]Chain
	fallback Chain
	locks    *keyLock
}

func NewGateway(cfg Config, chains ...Chain) (*Gateway, error) {
	if len(chains) == 0 {
		return nil, errors.New("at least one ledger chain is required")
	}

	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	g := &Gateway{cfg: cfg, chains: map[string]Chain{}, fallback: chains[0], locks: newKeyLock()}
	for _, c := range chains {
		g.chains[strings.ToLower(c.Signer())] = c
	}

	return g, nil
}

func (r *Gateway) chain(signer string) (Chain, error) {
	if signer == "" {
		return r.fallback, nil
	}

	c, ok := r.chains[strings.ToLower(signer)]
	if !ok {
		return nil, apperror.Newf(apperror.Validation, "no ledger signer %s is configured", signer)
	}

	return c, nil
}

// Anchor records req on chain and waits for confirmation. It first checks whether the
// fingerprint is already anchored so that a retried or resumed submission adopts the
// existing transaction instead of sending a second one.
func (r *Gateway) Anchor(ctx context.Context, req *AnchorRequest) (*Receipt, error) {
	c, err := r.chain(req.Signer)
	if err != nil {
		return nil, err
	}

	key := strings.ToLower(c.Signer())

	start := time.Now()
	var out *Receipt
	err = r.retry(ctx, func() error {
		txID, err := r.submit(ctx, c, key, req)
		if err != nil {
			return err
		}

		out, err = c.WaitConfirmed(ctx, txID)
		return err
	})

	if err != nil {
		metrics.LedgerSubmissions.WithLabelValues(string(CodeOf(err))).Inc()
		return nil, r.surface(err, "anchor "+req.Fingerprint)
	}

	metrics.LedgerSubmissions.WithLabelValues("confirmed").Inc()
	metrics.LedgerConfirmDuration.Observe(time.Since(start).Seconds())

	return out, nil
}

// submit holds the signer's slot only while it checks for an existing anchor and sends the
// transaction, so waiting for confirmation does not block the next submission.
func (r *Gateway) submit(ctx context.Context, c Chain, key string, req *AnchorRequest) (string, error) {
	release, err := r.locks.acquire(ctx, key)
	if err != nil {
		return "", err
	}
	defer release()

	info, err := c.Lookup(ctx, req.Fingerprint)
	if err != nil {
		return "", err
	}

	if info.Anchored {
		log.WithFields(log.Fields{"fingerprint": req.Fingerprint, "txId": info.TxID}).Info("adopting existing anchor")
		return info.TxID, nil
	}

	txID, err := c.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"fingerprint": req.Fingerprint, "txId": txID}).Info("anchor submitted")

	return txID, nil
}

// Lookup reports whether fingerprint is anchored on the default signer's registry.
func (r *Gateway) Lookup(ctx context.Context, fingerprint string) (*AnchorInfo, error) {
	var out *AnchorInfo
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.fallback.Lookup(ctx, fingerprint)
		return err
	})

	if err != nil {
		return nil, r.surface(err, "lookup "+fingerprint)
	}

	return out, nil
}

// Head returns the latest block height.
func (r *Gateway) Head(ctx context.Context) (uint64, error) {
	h, err := r.fallback.Head(ctx)
	if err != nil {
		return 0, r.surface(err, "read chain head")
	}

	return h, nil
}

func (r *Gateway) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BaseInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.Attempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil || CodeOf(err).Retryable() {
			return err
		}

		return backoff.Permanent(err)
	}, policy, util.Logger)
}

// surface maps chain errors onto the terminal kinds callers see.
func (r *Gateway) surface(err error, msg string) error {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return err
	}

	if CodeOf(err).Retryable() {
		return apperror.Wrap(err, apperror.LedgerTimeout, "ledger did not complete "+msg)
	}

	return apperror.Wrap(err, apperror.LedgerRejected, "ledger rejected "+msg)
}
