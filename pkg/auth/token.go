package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/crypto"
)

const tokenIssuer = "anchor"

type Claims struct {
	Wallet string `json:"wallet"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// Tokens signs and checks HS256 session tokens with a key derived from the session secret.
type Tokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	key, err := crypto.DeriveKey([]byte(secret), "session")
	if err != nil {
		return nil, errors.Wrap(err, "unable to derive session key")
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Tokens{key: key, ttl: ttl, now: time.Now}, nil
}

func (r *Tokens) Issue(wallet string, role Role) (string, time.Time, error) {
	now := r.now().UTC()
	expires := now.Add(r.ttl)

	claims := &Claims{
		Wallet: wallet,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tokenIssuer,
			Subject:   wallet,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.key)
	if err != nil {
		return "", time.Time{}, apperror.Wrap(err, apperror.Crypto, "unable to sign session token")
	}

	return signed, expires, nil
}

// Parse validates signature, issuer and expiry and returns the embedded claims.
func (r *Tokens) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.key, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(r.now), jwt.WithExpirationRequired())

	if err != nil {
		return nil, apperror.Wrap(err, apperror.Unauthenticated, "invalid session token")
	}

	if !token.Valid {
		return nil, apperror.New(apperror.Unauthenticated, "invalid session token")
	}

	if _, err := crypto.NormalizeWallet(claims.Wallet); err != nil {
		return nil, apperror.New(apperror.Unauthenticated, "session token carries no wallet")
	}

	if _, err := ParseRole(string(claims.Role)); err != nil {
		return nil, apperror.New(apperror.Unauthenticated, "session token carries no role")
	}

	return claims, nil
}
