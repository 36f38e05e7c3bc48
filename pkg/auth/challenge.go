/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/scoir/anchor/pkg/apperror"
)

const (
	ChallengeTTL = 5 * time.Minute
	nonceBytes   = 32
	loginPrefix  = "login:"
)

// ChallengeStore holds at most one outstanding nonce per wallet. Put replaces any earlier
// nonce and Take consumes it.
type ChallengeStore interface {
	Put(ctx context.Context, wallet, nonce string, ttl time.Duration) error
	Take(ctx context.Context, wallet string) (string, error)
}

// NewNonce returns 32 random bytes hex-encoded followed by ":" and the unix issue time.
func NewNonce(now time.Time) (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "unable to read random nonce")
	}

	return hex.EncodeToString(b) + ":" + strconv.FormatInt(now.Unix(), 10), nil
}

// LoginMessage is the text a wallet signs to answer nonce.
func LoginMessage(nonce string) []byte {
	return []byte(loginPrefix + nonce)
}

type challengeEntry struct {
	nonce   string
	expires time.Time
}

// MemoryChallenges is a process-local ChallengeStore.
type MemoryChallenges struct {
	mu      sync.Mutex
	entries map[string]challengeEntry
	now     func() time.Time
}

func NewMemoryChallenges() *MemoryChallenges {
	return &MemoryChallenges{entries: map[string]challengeEntry{}, now: time.Now}
}

func (r *MemoryChallenges) Put(_ context.Context, wallet, nonce string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for w, e := range r.entries {
		if !now.Before(e.expires) {
			delete(r.entries, w)
		}
	}

	r.entries[wallet] = challengeEntry{nonce: nonce, expires: now.Add(ttl)}
	return nil
}

func (r *MemoryChallenges) Take(_ context.Context, wallet string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[wallet]
	delete(r.entries, wallet)
	if !ok || !r.now().Before(e.expires) {
		return "", apperror.New(apperror.Unauthenticated, "no outstanding challenge for wallet")
	}

	return e.nonce, nil
}
