package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/realtime-go/internal/jwtauth"
)

// AccessTokenAuthOption configures the JWT validation policy of the
// Authenticators built by this package.
type AccessTokenAuthOption func(*jwtauth.Config)

// WithAudiences accepts tokens whose "aud" claim holds any of audiences.
func WithAudiences(audiences ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Audiences = append([]string(nil), audiences...) }
}

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithUserIDClaim reads the user id from claim instead of "sub".
func WithUserIDClaim(claim string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.UserIDClaim = claim }
}

// WithAccessTokenType requires the RFC 9068 "at+jwt" typ header.
func WithAccessTokenType() AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenType = true }
}

func buildConfig(opts []AccessTokenAuthOption) jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return *cfg
}

// NewFromDiscovery returns an Authenticator verifying JWTs issued by issuer,
// whose keys are found through OpenID Connect discovery.
func NewFromDiscovery(ctx context.Context, issuer string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg := buildConfig(opts)
	cfg.Issuer = issuer
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewFromJWKS returns an Authenticator verifying JWTs issued by issuer
// against the key set published at jwksURL.
func NewFromJWKS(ctx context.Context, issuer, jwksURL string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg := buildConfig(opts)
	cfg.Issuer = issuer
	v, err := jwtauth.NewStatic(ctx, cfg, jwksURL)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewHMAC returns an Authenticator verifying JWTs signed with secret. The
// default algorithm is HS256.
func NewHMAC(secret []byte, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg := jwtauth.Config{Leeway: 60 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	v, err := jwtauth.NewHMAC(cfg, secret)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// adapter wraps the internal verifier to satisfy the public interface.
type adapter struct {
	v jwtauth.Verifier
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	p, err := ad.v.Verify(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return p, nil
}

var (
	_ UserInfo = (*jwtauth.Principal)(nil)
	_ Scoped   = (*jwtauth.Principal)(nil)
)
