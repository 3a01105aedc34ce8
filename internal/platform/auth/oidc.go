package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWKSCacheTTL    = 5 * time.Minute
	defaultRefetchCooldown = 10 * time.Second
	keyFetchTimeout        = 10 * time.Second
)

var httpClient = &http.Client{Timeout: keyFetchTimeout}

// OIDCProvider holds the fields of an OpenID Connect discovery document
// used to verify bearer tokens.
type OIDCProvider struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// DiscoverOIDC reads <issuer>/.well-known/openid-configuration.
func DiscoverOIDC(ctx context.Context, issuerURL string) (*OIDCProvider, error) {
	var provider OIDCProvider
	url := strings.TrimRight(issuerURL, "/") + "/.well-known/openid-configuration"
	if err := getJSON(ctx, url, &provider); err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	if provider.JWKSURI == "" {
		return nil, errors.New("oidc discovery: document has no jwks_uri")
	}
	return &provider, nil
}

// JWK is one key of a JSON Web Key Set. Only RSA signing keys are used.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// KeySet caches the RSA keys published at a JWKS URL. Keys expire after
// ttl; a token signed with an unknown kid triggers a refetch, at most once
// per cooldown.
type KeySet struct {
	url      string
	ttl      time.Duration
	cooldown time.Duration

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewKeySet(url string, ttl time.Duration) *KeySet {
	return &KeySet{url: url, ttl: ttl, cooldown: defaultRefetchCooldown}
}

// Key returns the public key for kid, fetching the set when it is stale or
// does not know kid.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	age := time.Since(ks.fetchedAt)
	key, known := ks.keys[kid]
	if known && age <= ks.ttl {
		return key, nil
	}
	if ks.keys == nil || age > ks.ttl || age >= ks.cooldown {
		if err := ks.refresh(ctx); err != nil {
			return nil, err
		}
		key, known = ks.keys[kid]
	}
	if !known {
		return nil, fmt.Errorf("jwks: unknown key id %q", kid)
	}
	return key, nil
}

// refresh replaces the cached keys. Callers hold ks.mu.
func (ks *KeySet) refresh(ctx context.Context) error {
	var set JWKSet
	if err := getJSON(ctx, ks.url, &set); err != nil {
		return fmt.Errorf("jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	ks.keys = keys
	ks.fetchedAt = time.Now()
	return nil
}

func (k JWK) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// keySetKeyfunc resolves RS256 verification keys by the token's kid header.
func keySetKeyfunc(ks *KeySet) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		ctx, cancel := context.WithTimeout(context.Background(), keyFetchTimeout)
		defer cancel()
		return ks.Key(ctx, kid)
	}
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
