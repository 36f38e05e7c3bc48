/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package apiserver

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	goji "goji.io"
	"goji.io/pat"

	"github.com/scoir/anchor/pkg/access"
	"github.com/scoir/anchor/pkg/amqp"
	"github.com/scoir/anchor/pkg/audit"
	"github.com/scoir/anchor/pkg/auth"
	"github.com/scoir/anchor/pkg/blob"
	"github.com/scoir/anchor/pkg/config"
	"github.com/scoir/anchor/pkg/crypto"
	"github.com/scoir/anchor/pkg/datastore"
	"github.com/scoir/anchor/pkg/ledger"
	"github.com/scoir/anchor/pkg/lifecycle"
	"github.com/scoir/anchor/pkg/ratelimit"
	"github.com/scoir/anchor/pkg/verification"
)

const (
	Prefix = "/api/v1"

	// multipart envelope allowance on top of the file limit
	multipartOverhead = 2 << 20
)

type APIServer struct {
	store        datastore.Store
	blobs        *blob.Gateway
	ledger       *ledger.Gateway
	cipher       *crypto.Cipher
	orchestrator *lifecycle.Orchestrator
	engine       *verification.Engine
	access       *access.Service
	trail        *audit.Trail
	auth         *auth.Service
	walletLimit  ratelimit.Limiter
	ipLimit      ratelimit.Limiter
	maxBody      int64
	publicURL    string
}

type provider interface {
	Config() config.Config
	Store(ctx context.Context) (datastore.Store, error)
	BlobGateway(ctx context.Context) (*blob.Gateway, error)
	LedgerGateway(ctx context.Context) (*ledger.Gateway, error)
	Cipher() (*crypto.Cipher, error)
	Publisher() (amqp.Publisher, error)
	Auth() (*auth.Service, error)
	Limiter(tier string) (ratelimit.Limiter, error)
}

func New(ctx context.Context, prov provider) (*APIServer, error) {
	conf := prov.Config()
	r := &APIServer{
		maxBody:   conf.Saga.MaxFileBytes + multipartOverhead,
		publicURL: conf.PublicURL,
	}

	var err error
	r.store, err = prov.Store(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open record store")
	}

	r.blobs, err = prov.BlobGateway(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create blob gateway")
	}

	r.ledger, err = prov.LedgerGateway(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create ledger gateway")
	}

	r.cipher, err = prov.Cipher()
	if err != nil {
		return nil, errors.Wrap(err, "unable to load encryption key")
	}

	publisher, err := prov.Publisher()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create notification publisher")
	}

	r.auth, err = prov.Auth()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create authentication service")
	}

	r.walletLimit, err = prov.Limiter(ratelimit.TierWallet)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create wallet rate limiter")
	}

	r.ipLimit, err = prov.Limiter(ratelimit.TierIP)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create ip rate limiter")
	}

	r.trail = audit.NewTrail(r.store, publisher)
	r.access = access.NewService(r.store, r.trail)
	r.engine = verification.NewEngine(r.store, r.ledger, r.trail)
	r.orchestrator = lifecycle.New(lifecycle.Config{
		MaxFileBytes:     conf.Saga.MaxFileBytes,
		SagaDeadline:     conf.Saga.Deadline,
		Workers:          conf.Saga.Workers,
		RecoveryInterval: conf.Saga.RecoveryInterval,
	}, r.store, r.blobs, r.ledger, r.cipher, r.trail)

	return r, nil
}

// Start runs the background work of the server until ctx is done: the saga recovery loop
// and blob provider health probes.
func (r *APIServer) Start(ctx context.Context) {
	go r.orchestrator.Run(ctx)
	go r.blobs.Monitor(ctx)
	log.Info("recovery loop and blob health monitor started")
}

// Handler returns the API routes mounted under Prefix.
func (r *APIServer) Handler() http.Handler {
	public := func(route string, h http.HandlerFunc) http.Handler {
		return instrument(route, r.auth.Middleware(false)(ratelimit.Middleware(r.ipLimit, ratelimit.TierIP, ratelimit.ByIP)(h)))
	}
	authed := func(route string, h http.HandlerFunc, roles ...auth.Role) http.Handler {
		var next http.Handler = h
		if len(roles) > 0 {
			next = auth.RequireRole(roles...)(next)
		}
		next = ratelimit.Middleware(r.walletLimit, ratelimit.TierWallet, ratelimit.ByWallet)(next)
		return instrument(route, r.auth.Middleware(true)(next))
	}

	api := goji.SubMux()
	api.Handle(pat.Post("/auth/challenge"), public("auth_challenge", r.challenge))
	api.Handle(pat.Post("/auth/verify"), public("auth_verify", r.login))

	api.Handle(pat.Post("/credentials/register"), authed("register", r.register, auth.Issuer, auth.Admin))
	api.Handle(pat.Post("/credentials/verify"), public("verify_file", r.verifyFile))
	api.Handle(pat.Post("/credentials/verify/qr"), public("verify_qr", r.verifyQR))
	api.Handle(pat.Get("/credentials/verify/:fingerprint"), public("verify_fingerprint", r.verifyFingerprint))
	api.Handle(pat.Post("/credentials/verify-hash"), public("verify_hash", r.verifyHash))

	api.Handle(pat.Get("/credentials"), authed("list", r.list))
	api.Handle(pat.Get("/credentials/:fingerprint"), authed("detail", r.detail))
	api.Handle(pat.Get("/credentials/:fingerprint/download"), authed("download", r.download))
	api.Handle(pat.Get("/credentials/:fingerprint/qr"), authed("share_qr", r.shareQR))
	api.Handle(pat.Post("/credentials/:fingerprint/access/grant"), authed("grant", r.grant))
	api.Handle(pat.Post("/credentials/:fingerprint/access/revoke"), authed("revoke", r.revoke))
	api.Handle(pat.Post("/credentials/:fingerprint/transfer"), authed("transfer", r.transfer))
	api.Handle(pat.Get("/credentials/:fingerprint/audit"), authed("audit", r.auditTrail))
	api.Handle(pat.Get("/credentials/:fingerprint/audit/summary"), authed("audit_summary", r.auditSummary))

	api.Handle(pat.Get("/health"), instrument("health", http.HandlerFunc(r.health)))

	mux := goji.NewMux()
	mux.Handle(pat.New(Prefix+"/*"), api)
	mux.Handle(pat.Get("/health"), instrument("health", http.HandlerFunc(r.health)))

	return mux
}

// Orchestrator exposes the saga for callers that drive recovery themselves.
func (r *APIServer) Orchestrator() *lifecycle.Orchestrator {
	return r.orchestrator
}
