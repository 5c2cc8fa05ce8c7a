package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// errUnknownKey means the token's kid is absent from the JWKS even
// after a refresh. Surfaced to peers as a signature failure.
var errUnknownKey = errors.New("signing key not found in jwks")

// jwksCache holds the identity provider's RSA public keys, refreshed
// when stale or when a token arrives with an unknown kid. Concurrent
// refreshes collapse into one fetch.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	group singleflight.Group

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func newJWKSCache(url string, ttl time.Duration, client *http.Client) *jwksCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &jwksCache{
		url:    url,
		ttl:    ttl,
		client: client,
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// key resolves a kid to its public key, refreshing the document when
// the cache is stale or the kid is unknown.
func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	pk, ok := c.keys[kid]
	fresh := time.Since(c.fetched) < c.ttl
	c.mu.RUnlock()

	if ok && fresh {
		return pk, nil
	}

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	pk, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, errUnknownKey
	}
	return pk, nil
}

// refresh fetches the JWKS document under singleflight. One transient
// fetch failure is retried before giving up.
func (c *jwksCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("jwks", func() (interface{}, error) {
		keys, err := c.fetch(ctx)
		if err != nil {
			// One retry covers identity-provider blips.
			time.Sleep(200 * time.Millisecond)
			keys, err = c.fetch(ctx)
		}
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.keys = keys
		c.fetched = time.Now()
		c.mu.Unlock()

		slog.Debug("jwks refreshed", "keys", len(keys))
		return nil, nil
	})
	return err
}

func (c *jwksCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building jwks request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching jwks: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pk, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			slog.Warn("skipping unparseable jwk", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pk
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks document contains no usable RSA keys")
	}
	return keys, nil
}

// rsaKeyFromJWK decodes the base64url modulus and exponent of an RSA
// JWK.
func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	if exp <= 1 {
		return nil, fmt.Errorf("invalid exponent %d", exp)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: exp,
	}, nil
}
