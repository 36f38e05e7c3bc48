/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package auth

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/crypto"
)

type Challenge struct {
	Wallet    string    `json:"wallet"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Session struct {
	Token     string    `json:"token"`
	Wallet    string    `json:"wallet"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service runs the wallet login handshake and checks the resulting bearer tokens.
type Service struct {
	challenges ChallengeStore
	tokens     *Tokens
	directory  *Directory
	now        func() time.Time
}

func NewService(challenges ChallengeStore, tokens *Tokens, directory *Directory) *Service {
	if directory == nil {
		directory = &Directory{roles: map[string]Role{}}
	}

	return &Service{
		challenges: challenges,
		tokens:     tokens,
		directory:  directory,
		now:        time.Now,
	}
}

// Challenge issues a fresh nonce for wallet, replacing any outstanding one.
func (r *Service) Challenge(ctx context.Context, wallet string) (*Challenge, error) {
	w, err := crypto.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	nonce, err := NewNonce(now)
	if err != nil {
		return nil, err
	}

	if err := r.challenges.Put(ctx, w, nonce, ChallengeTTL); err != nil {
		return nil, err
	}

	return &Challenge{
		Wallet:    w,
		Nonce:     nonce,
		Message:   string(LoginMessage(nonce)),
		ExpiresAt: now.Add(ChallengeTTL),
	}, nil
}

// Login consumes the wallet's challenge and, if sig signs it, returns a session token.
// A failed signature still burns the challenge.
func (r *Service) Login(ctx context.Context, wallet, sig string) (*Session, error) {
	w, err := crypto.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	nonce, err := r.challenges.Take(ctx, w)
	if err != nil {
		return nil, err
	}

	if err := crypto.VerifySignature(w, LoginMessage(nonce), sig); err != nil {
		log.WithField("wallet", w).WithError(err).Info("login signature rejected")
		return nil, unauthenticated(err)
	}

	role := r.directory.RoleOf(w)
	token, expires, err := r.tokens.Issue(w, role)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"wallet": w, "role": role}).Info("session issued")
	return &Session{Token: token, Wallet: w, Role: role, ExpiresAt: expires}, nil
}

// Authenticate resolves a bearer token to the identity it carries.
func (r *Service) Authenticate(token string) (*Identity, error) {
	claims, err := r.tokens.Parse(token)
	if err != nil {
		return nil, err
	}

	return &Identity{Wallet: claims.Wallet, Role: claims.Role}, nil
}
