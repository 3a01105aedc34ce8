package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func toJWK(key *rsa.PrivateKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

// jwksServer serves keys() and counts requests in calls.
func jwksServer(t *testing.T, calls *int32, keys func(call int32) []JWK) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JWKSet{Keys: keys(n)})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverOIDC(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":   "https://idp.example.com",
			"jwks_uri": "https://idp.example.com/keys",
		})
	}))
	defer server.Close()

	provider, err := DiscoverOIDC(context.Background(), server.URL+"/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.Issuer != "https://idp.example.com" || provider.JWKSURI != "https://idp.example.com/keys" {
		t.Errorf("unexpected provider %+v", provider)
	}
}

func TestDiscoverOIDC_Errors(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	if _, err := DiscoverOIDC(context.Background(), notFound.URL); err == nil {
		t.Error("expected error for 404 discovery endpoint")
	}

	noJWKS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": "x"})
	}))
	defer noJWKS.Close()
	if _, err := DiscoverOIDC(context.Background(), noJWKS.URL); err == nil {
		t.Error("expected error for discovery document without jwks_uri")
	}
}

func TestKeySet_CachesAndFilters(t *testing.T) {
	key := generateKey(t)
	encKey := toJWK(key, "enc")
	encKey.Use = "enc"

	var calls int32
	server := jwksServer(t, &calls, func(int32) []JWK {
		return []JWK{toJWK(key, "sig-1"), {Kty: "EC", Kid: "ec"}, encKey}
	})
	ks := NewKeySet(server.URL, 5*time.Minute)
	ctx := context.Background()

	got, err := ks.Key(ctx, "sig-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.N.Cmp(key.PublicKey.N) != 0 || got.E != key.PublicKey.E {
		t.Error("fetched key does not match")
	}
	if _, err := ks.Key(ctx, "sig-1"); err != nil {
		t.Fatalf("unexpected error on cache hit: %v", err)
	}

	for _, kid := range []string{"ec", "enc"} {
		if _, err := ks.Key(ctx, kid); err == nil {
			t.Errorf("key %q should not be usable for signatures", kid)
		}
	}
	// Unknown kids inside the cooldown do not refetch.
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 JWKS fetch, got %d", n)
	}
}

func TestKeySet_Rotation(t *testing.T) {
	key1, key2 := generateKey(t), generateKey(t)

	var calls int32
	server := jwksServer(t, &calls, func(call int32) []JWK {
		if call == 1 {
			return []JWK{toJWK(key1, "k1")}
		}
		return []JWK{toJWK(key1, "k1"), toJWK(key2, "k2")}
	})
	ks := NewKeySet(server.URL, time.Hour)
	ks.cooldown = 0
	ctx := context.Background()

	if _, err := ks.Key(ctx, "k1"); err != nil {
		t.Fatalf("unexpected error fetching k1: %v", err)
	}
	got, err := ks.Key(ctx, "k2")
	if err != nil {
		t.Fatalf("unexpected error fetching k2 after rotation: %v", err)
	}
	if got.N.Cmp(key2.PublicKey.N) != 0 {
		t.Error("rotated key does not match")
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 JWKS fetches, got %d", n)
	}
}

func TestKeySet_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	if _, err := NewKeySet(server.URL, time.Minute).Key(context.Background(), "any"); err == nil {
		t.Error("expected error when the JWKS endpoint fails")
	}
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key := generateKey(t)
	var calls int32
	server := jwksServer(t, &calls, func(int32) []JWK { return []JWK{toJWK(key, "rs-1")} })

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("user-rs", "tenant-rs", "nurse"))
	token.Header["kid"] = "rs-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	c := echo.New().NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "user-rs" {
			t.Errorf("expected user-rs, got %s", uid)
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := JWTMiddleware(JWTConfig{JWKSURL: server.URL})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
