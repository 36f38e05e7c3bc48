package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/util"
)

type Identity struct {
	Wallet string
	Role   Role
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the caller attached by Middleware, or nil for anonymous requests.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Wallet is the caller's wallet, or "" when anonymous.
func Wallet(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.Wallet
	}

	return ""
}

func unauthenticated(err error) error {
	if apperror.Is(err, apperror.Unauthenticated) {
		return err
	}

	return apperror.Wrap(err, apperror.Unauthenticated, "authentication failed")
}

func bearer(req *http.Request) (string, bool, error) {
	h := strings.TrimSpace(req.Header.Get("Authorization"))
	if h == "" {
		return "", false, nil
	}

	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", true, apperror.New(apperror.Unauthenticated, "authorization header must use the Bearer scheme")
	}

	return strings.TrimSpace(h[len(prefix):]), true, nil
}

// Middleware attaches the caller's identity to the request context. With required set,
// requests without a valid token are rejected; otherwise they pass through anonymously,
// but a token that is present and invalid is always rejected.
func (r *Service) Middleware(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			raw, present, err := bearer(req)
			if err != nil {
				util.WriteError(w, err)
				return
			}

			if !present {
				if required {
					util.WriteErrorf(w, apperror.Unauthenticated, "authorization header is required")
					return
				}
				next.ServeHTTP(w, req)
				return
			}

			id, err := r.Authenticate(raw)
			if err != nil {
				util.WriteError(w, err)
				return
			}

			next.ServeHTTP(w, req.WithContext(WithIdentity(req.Context(), id)))
		})
	}
}

// RequireRole rejects callers whose role is not listed. It must run after Middleware.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := FromContext(req.Context())
			if id == nil {
				util.WriteErrorf(w, apperror.Unauthenticated, "authentication required")
				return
			}

			for _, ro := range roles {
				if id.Role == ro {
					next.ServeHTTP(w, req)
					return
				}
			}

			util.WriteErrorf(w, apperror.Forbidden, "role %s may not perform this operation", id.Role)
		})
	}
}
