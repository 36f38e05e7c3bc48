package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/auth"
	"github.com/scoir/anchor/pkg/metrics"
	"github.com/scoir/anchor/pkg/util"
)

const (
	TierWallet = "wallet"
	TierIP     = "ip"
)

// KeyFunc names the budget a request draws from.
type KeyFunc func(req *http.Request) string

// ByIP keys on the peer address.
func ByIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}

	return host
}

// ByWallet keys on the authenticated wallet, falling back to the peer address for
// anonymous callers.
func ByWallet(req *http.Request) string {
	if w := auth.Wallet(req.Context()); w != "" {
		return w
	}

	return "ip:" + ByIP(req)
}

// Middleware rejects requests over budget with RATE_LIMITED. Limiter failures let the
// request through.
func Middleware(l Limiter, tier string, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			res, err := l.Allow(req.Context(), tier+":"+key(req))
			if err != nil {
				log.WithField("tier", tier).WithError(err).Warn("rate limiter unavailable, admitting request")
				next.ServeHTTP(w, req)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))

			if !res.Allowed {
				metrics.RateLimited.WithLabelValues(tier).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
				util.WriteErrorf(w, apperror.RateLimited, "%s budget exhausted", tier)
				return
			}

			next.ServeHTTP(w, req)
		})
	}
}
