package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// keyCache holds the RSA signing keys published at a JWKS URL. Keys are
// refetched when the cache is older than ttl or a kid is unknown.
type keyCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	url       string
	fetchedAt time.Time
	ttl       time.Duration
	get       func(url string) (*http.Response, error)
}

func newKeyCache(url string) *keyCache {
	return &keyCache{
		keys: make(map[string]*rsa.PublicKey),
		url:  url,
		ttl:  5 * time.Minute,
		get:  http.Get,
	}
}

func (c *keyCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ok); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("kid %q not in key set", kid)
	}
	return key, nil
}

// refresh refetches the key set. When the kid was known but stale, a
// concurrent refresh that already happened is reused.
func (c *keyCache) refresh(known bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if known && time.Since(c.fetchedAt) < c.ttl {
		return nil
	}

	resp, err := c.get(c.url)
	if err != nil {
		return fmt.Errorf("fetch key set: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key set endpoint returned %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

func rsaKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
