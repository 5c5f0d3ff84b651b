package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signRS256(t *testing.T, pk *rsa.PrivateKey, kid string, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseClaims(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "items:read items:write",
	}
}

func TestDiscovery_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewFromDiscovery(ctx, Config{Issuer: idp.issuer, Audiences: []string{"realtime"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	p, err := v.Verify(ctx, signRS256(t, pk, kid, "", baseClaims(idp.issuer, "realtime")))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", p.UserID())
	}
	if got := p.Scopes(); len(got) != 2 || got[0] != "items:read" {
		t.Fatalf("unexpected scopes %v", got)
	}
	var out struct {
		Scope string `json:"scope"`
	}
	if err := p.Claims(&out); err != nil || out.Scope != "items:read items:write" {
		t.Fatalf("claims roundtrip: %q %v", out.Scope, err)
	}
}

func TestStatic_AudienceAndIssuer(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewStatic(ctx, Config{Issuer: idp.issuer, Audiences: []string{"realtime", "http://localhost"}}, idp.issuer+idp.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := baseClaims(idp.issuer, "")
	claims["aud"] = []string{"https://other", "http://localhost"}
	if _, err := v.Verify(ctx, signRS256(t, pk, kid, "", claims)); err != nil {
		t.Fatalf("audience array: %v", err)
	}

	claims["aud"] = "https://unknown"
	if _, err := v.Verify(ctx, signRS256(t, pk, kid, "", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unknown audience: got %v", err)
	}

	claims = baseClaims("https://evil.example.com", "realtime")
	if _, err := v.Verify(ctx, signRS256(t, pk, kid, "", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("issuer mismatch: got %v", err)
	}
}

func TestScopesAndType(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockOIDC(t, jwks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{Issuer: idp.issuer, RequiredScopes: []string{"items:write", "items:admin"}}
	v, err := NewStatic(ctx, cfg, idp.issuer+idp.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok := signRS256(t, pk, kid, "", baseClaims(idp.issuer, "realtime"))
	if _, err := v.Verify(ctx, tok); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}

	cfg.ScopeModeAny = true
	cfg.RequireAccessTokenType = true
	v, err = NewStatic(ctx, cfg, idp.issuer+idp.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := v.Verify(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("missing at+jwt typ: got %v", err)
	}
	if _, err := v.Verify(ctx, signRS256(t, pk, kid, "at+jwt", baseClaims(idp.issuer, "realtime"))); err != nil {
		t.Fatalf("any-scope with typ: %v", err)
	}
}

func TestHMAC(t *testing.T) {
	secret := []byte("s3cret")
	v, err := NewHMAC(Config{Issuer: "realtime-test", UserIDClaim: "uid"}, secret)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := baseClaims("realtime-test", "realtime")
	claims["uid"] = float64(42)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID() != "42" {
		t.Fatalf("numeric user id claim = %q", p.UserID())
	}

	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other"))
	if _, err := v.Verify(context.Background(), bad); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong secret: got %v", err)
	}

	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if _, err := v.Verify(context.Background(), expired); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired: got %v", err)
	}

	if _, err := NewHMAC(Config{AllowedAlgs: []string{"RS256"}}, secret); err == nil {
		t.Fatalf("expected RS256 to be rejected for an HMAC verifier")
	}
}
