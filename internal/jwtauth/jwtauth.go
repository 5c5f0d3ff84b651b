// Package jwtauth verifies JWT bearer credentials presented in a realtime
// Authenticate message. Keys come from a JWKS endpoint (configured directly or
// found through OIDC discovery) or from a shared HMAC secret.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized means the token failed validation: signature, issuer,
// audience, expiry or a missing subject.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope means the token was valid but lacks required scopes.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config is the validation policy shared by every verifier.
type Config struct {
	Issuer string
	// Audiences are the accepted "aud" values. When empty the audience is not
	// checked.
	Audiences      []string
	RequiredScopes []string
	// ScopeModeAny accepts a token holding any one of RequiredScopes instead
	// of all of them.
	ScopeModeAny bool
	AllowedAlgs  []string
	Leeway       time.Duration
	// UserIDClaim names the claim holding the user id. Defaults to "sub".
	UserIDClaim string
	// RequireAccessTokenType demands the RFC 9068 "at+jwt" typ header.
	RequireAccessTokenType bool
}

// DefaultConfig returns a Config accepting RS256 with a 60s leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
		UserIDClaim: "sub",
	}
}

func (c *Config) normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.UserIDClaim == "" {
		c.UserIDClaim = "sub"
	}
}

// Principal is the verified identity carried by a token.
type Principal struct {
	userID string
	scopes []string
	claims jwt.MapClaims
}

// UserID returns the user id claim.
func (p *Principal) UserID() string { return p.userID }

// Scopes returns the space-delimited "scope" claim split into its entries.
func (p *Principal) Scopes() []string { return slices.Clone(p.scopes) }

// Claims decodes the raw claim set into ref.
func (p *Principal) Claims(ref any) error {
	b, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Verifier validates tokens and returns the principal they carry.
type Verifier interface {
	Verify(ctx context.Context, tok string) (*Principal, error)
}

// verifier holds the parse policy; the key source is the only thing that
// differs between constructors.
type verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

var _ Verifier = (*verifier)(nil)

func newVerifier(cfg Config, kf jwt.Keyfunc) *verifier {
	cfg.normalize()
	return &verifier{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}}
}

func (v *verifier) Verify(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.cfg.RequireAccessTokenType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	scopes := strings.Fields(stringClaim(claims, "scope"))
	if err := v.checkScopes(scopes); err != nil {
		return nil, err
	}

	userID := stringClaim(claims, v.cfg.UserIDClaim)
	if userID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrUnauthorized, v.cfg.UserIDClaim)
	}
	return &Principal{userID: userID, scopes: scopes, claims: claims}, nil
}

func (v *verifier) checkScopes(have []string) error {
	if len(v.cfg.RequiredScopes) == 0 {
		return nil
	}
	if v.cfg.ScopeModeAny {
		for _, want := range v.cfg.RequiredScopes {
			if slices.Contains(have, want) {
				return nil
			}
		}
		return ErrInsufficientScope
	}
	for _, want := range v.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return ErrInsufficientScope
		}
	}
	return nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	switch v := claims[name].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
