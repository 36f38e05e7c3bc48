package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scoir/anchor/pkg/apperror"
)

// RedisChallenges shares the challenge table between API replicas.
type RedisChallenges struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisChallenges(client redis.UniversalClient, keyPrefix string) *RedisChallenges {
	if keyPrefix == "" {
		keyPrefix = "anchor:challenge:"
	}

	return &RedisChallenges{client: client, keyPrefix: keyPrefix}
}

func (r *RedisChallenges) Put(ctx context.Context, wallet, nonce string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.keyPrefix+wallet, nonce, ttl).Err(); err != nil {
		return apperror.Wrap(err, apperror.StoreUnavailable, "unable to store challenge")
	}

	return nil
}

// Take reads and deletes the nonce in one round trip so a challenge can only be answered once.
func (r *RedisChallenges) Take(ctx context.Context, wallet string) (string, error) {
	nonce, err := r.client.GetDel(ctx, r.keyPrefix+wallet).Result()
	switch {
	case err == redis.Nil:
		return "", apperror.New(apperror.Unauthenticated, "no outstanding challenge for wallet")
	case err != nil:
		return "", apperror.Wrap(err, apperror.StoreUnavailable, "unable to read challenge")
	}

	return nonce, nil
}
