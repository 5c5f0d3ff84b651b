package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// NewStatic builds a Verifier resolving keys from jwksURI. The key set is
// refreshed in the background until ctx is cancelled.
func NewStatic(ctx context.Context, cfg Config, jwksURI string) (Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newVerifier(cfg, kf.Keyfunc), nil
}

// NewHMAC builds a Verifier for tokens signed with a shared secret. Only the
// HS family of algorithms is accepted.
func NewHMAC(cfg Config, secret []byte) (Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256"}
	}
	for _, alg := range cfg.AllowedAlgs {
		if _, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("alg %s is not an HMAC algorithm", alg)
		}
	}
	key := append([]byte(nil), secret...)
	return newVerifier(cfg, func(*jwt.Token) (any, error) { return key, nil }), nil
}
