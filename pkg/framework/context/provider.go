/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package context builds the process-wide dependencies of the anchor services from
// configuration, each on first use.
package context

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/amqp"
	"github.com/scoir/anchor/pkg/auth"
	"github.com/scoir/anchor/pkg/blob"
	"github.com/scoir/anchor/pkg/config"
	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/datastore"
	"github.com/scoir/anchor/pkg/datastore/manager"
	"github.com/scoir/anchor/pkg/ledger"
	"github.com/scoir/anchor/pkg/ratelimit"
)

type Provider struct {
	conf config.Config
	lock sync.Mutex

	dm        *manager.DataProviderManager
	store     datastore.Store
	blobs     *blob.Gateway
	ledger    *ledger.Gateway
	chain     *ledger.MemoryChain
	cipher    *crypto.Cipher
	publisher amqp.Publisher
	auth      *auth.Service
	redis     *redis.Client
	limiters  map[string]ratelimit.Limiter
	closers   []func() error
}

func NewProvider(conf config.Config) *Provider {
	return &Provider{
		conf:     conf,
		dm:       manager.NewDataProviderManager(conf.Store.URL),
		limiters: map[string]ratelimit.Limiter{},
	}
}

func (r *Provider) Config() config.Config {
	return r.conf
}

func (r *Provider) Cipher() (*crypto.Cipher, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.cipher != nil {
		return r.cipher, nil
	}

	c, err := crypto.NewCipherFromHex(r.conf.EncryptionKey)
	if err != nil {
		return nil, err
	}

	r.cipher = c
	return c, nil
}

func (r *Provider) redisClient() (*redis.Client, error) {
	if r.redis != nil || r.conf.RateLimit.RedisURL == "" {
		return r.redis, nil
	}

	opts, err := redis.ParseURL(r.conf.RateLimit.RedisURL)
	if err != nil {
		return nil, err
	}

	r.redis = redis.NewClient(opts)
	r.closers = append(r.closers, r.redis.Close)
	return r.redis, nil
}

// Auth returns the login service. Challenges live in redis when RATE_LIMIT_REDIS_URL is
// set so that any replica can answer them.
func (r *Provider) Auth() (*auth.Service, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.auth != nil {
		return r.auth, nil
	}

	tokens, err := auth.NewTokens(r.conf.Session.Secret, r.conf.Session.TTL)
	if err != nil {
		return nil, err
	}

	dir, err := auth.NewDirectory(r.conf.Roles)
	if err != nil {
		return nil, err
	}

	client, err := r.redisClient()
	if err != nil {
		return nil, err
	}

	var challenges auth.ChallengeStore = auth.NewMemoryChallenges()
	if client != nil {
		challenges = auth.NewRedisChallenges(client, "anchor:challenge:")
	}

	r.auth = auth.NewService(challenges, tokens, dir)
	return r.auth, nil
}

// Limiter returns the budget for tier, shared through redis when configured.
func (r *Provider) Limiter(tier string) (ratelimit.Limiter, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if l, ok := r.limiters[tier]; ok {
		return l, nil
	}

	limit := r.conf.RateLimit.PerWallet
	if tier == ratelimit.TierIP {
		limit = r.conf.RateLimit.PerIP
	}
	policy := ratelimit.NewPolicy(limit, r.conf.RateLimit.Window)

	client, err := r.redisClient()
	if err != nil {
		return nil, err
	}

	var l ratelimit.Limiter
	if client != nil {
		l = ratelimit.NewRedisLimiter(client, policy, "anchor:ratelimit:").SharingClient()
	} else {
		l = ratelimit.NewMemoryLimiter(policy, policy.Window)
	}

	r.limiters[tier] = l
	r.closers = append(r.closers, l.Close)
	return l, nil
}

// Close releases every dependency that was built.
func (r *Provider) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.WithError(err).Warn("error releasing dependency")
		}
	}
	r.closers = nil

	return r.dm.Close(context.Background())
}
