package ratelimit

import (
	"context"
	_ "embed"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

//go:embed gcra.lua
var gcraScript string

// RedisLimiter shares budgets across API replicas. Times travel as unix milliseconds so
// they stay exact in redis' double-precision Lua numbers.
type RedisLimiter struct {
	client    redis.UniversalClient
	policy    *Policy
	script    *redis.Script
	keyPrefix string
	clock     Clock
	shared    bool
	closeOnce sync.Once
}

func NewRedisLimiter(client redis.UniversalClient, policy *Policy, keyPrefix string) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		policy:    policy,
		keyPrefix: keyPrefix,
		script:    redis.NewScript(gcraScript),
		clock:     systemClock{},
	}
}

func (r *RedisLimiter) WithClock(clock Clock) *RedisLimiter {
	r.clock = clock
	return r
}

// SharingClient leaves the client open on Close, for clients owned by the caller.
func (r *RedisLimiter) SharingClient() *RedisLimiter {
	r.shared = true
	return r
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := r.clock.Now()
	args := []interface{}{
		now.UnixMilli(),
		r.policy.EmissionInterval().Milliseconds(),
		r.policy.BurstAllowance().Milliseconds(),
		r.policy.Burst,
		(r.policy.Window + r.policy.BurstAllowance()).Milliseconds(),
	}

	res, err := r.script.Run(ctx, r.client, []string{r.keyPrefix + key}, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		if _, err = r.script.Load(ctx, r.client).Result(); err != nil {
			return nil, errors.Wrap(err, "unable to load gcra script")
		}
		res, err = r.script.Run(ctx, r.client, []string{r.keyPrefix + key}, args...).Result()
	}
	if err != nil {
		return nil, errors.Wrap(err, "gcra script failed")
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 4 {
		return nil, errors.Errorf("unexpected gcra script result %v", res)
	}

	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, errors.Errorf("unexpected gcra script value %v", v)
		}
		ints[i] = n
	}

	return &Result{
		Allowed:    ints[0] == 1,
		Limit:      r.policy.Limit,
		Remaining:  ints[1],
		Reset:      time.UnixMilli(ints[2]),
		RetryAfter: time.Duration(ints[3]) * time.Millisecond,
	}, nil
}

// Close releases the redis client unless it is shared. Safe to call more than once.
func (r *RedisLimiter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if !r.shared {
			err = r.client.Close()
		}
	})

	return err
}
