/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package controller

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goji/httpauth"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/config"
	"github.com/scoir/anchor/pkg/metrics"
)

const (
	SecurityRealm   = "Restricted"
	shutdownTimeout = 15 * time.Second
)

type APIController interface {
	Handler() http.Handler
	Start(ctx context.Context)
}

type Runner struct {
	ac              APIController
	host            string
	port            int
	metricsUsername string
	metricsPassword string
}

type provider interface {
	Config() config.Config
}

func New(ctx provider, ac APIController) (*Runner, error) {
	conf := ctx.Config()
	if conf.API.Port == 0 {
		return nil, errors.New("unable to create controller: no API port configured")
	}

	return &Runner{
		ac:              ac,
		host:            conf.API.Host,
		port:            conf.API.Port,
		metricsUsername: conf.Metrics.Username,
		metricsPassword: conf.Metrics.Password,
	}, nil
}

// Handler serves the API behind CORS and the Prometheus registry at /metrics, protected by
// basic auth when a metrics username is configured.
func (r *Runner) Handler() http.Handler {
	var m http.Handler = metrics.Handler()
	if r.metricsUsername != "" {
		m = httpauth.BasicAuth(httpauth.AuthOptions{
			Realm:    SecurityRealm,
			User:     r.metricsUsername,
			Password: r.metricsPassword,
		})(m)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m)
	mux.Handle("/", CorsHandler()(r.ac.Handler()))

	return mux
}

// Launch serves until ctx is cancelled, then drains in-flight requests.
func (r *Runner) Launch(ctx context.Context) error {
	r.ac.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", r.host, r.port),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("API listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "API server exited")
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "unable to shut down API server")
	}

	return nil
}

func CorsHandler() func(h http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "Content-Type", "Authorization", "Accept",
			"If-Modified-Since", "Cache-Control", "Pragma"},
		ExposedHeaders: []string{"Content-Length", "Content-Type", "Content-Disposition", "Retry-After",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "Deprecation", "Link"},
		AllowCredentials: false,
	})
	return c.Handler
}
