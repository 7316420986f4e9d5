package manager

import (
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

var ErrSecretNotFound = errors.New("secret not found in cache")

// SecretCache holds decrypted guardian key material in process memory
// only. Entries expire after the configured TTL; nothing here is ever
// written to disk, and the whole cache is dropped on shutdown.
type SecretCache struct {
	cache *gocache.Cache
}

// NewSecretCache creates a cache whose entries live for ttl.
func NewSecretCache(ttl time.Duration) *SecretCache {
	return &SecretCache{
		cache: gocache.New(ttl, 10*time.Minute),
	}
}

func privateKeyCacheKey(electionID, guardianID string) string {
	return "guardian:privatekey:" + electionID + ":" + guardianID
}

func polynomialCacheKey(electionID, guardianID string) string {
	return "guardian:polynomial:" + electionID + ":" + guardianID
}

// PutCredentials stores a guardian's decrypted private key and polynomial.
func (sc *SecretCache) PutCredentials(electionID, guardianID, privateKey, polynomial string) {
	sc.cache.SetDefault(privateKeyCacheKey(electionID, guardianID), privateKey)
	sc.cache.SetDefault(polynomialCacheKey(electionID, guardianID), polynomial)
}

// GetPrivateKey returns the cached private key for a guardian.
func (sc *SecretCache) GetPrivateKey(electionID, guardianID string) (string, error) {
	v, ok := sc.cache.Get(privateKeyCacheKey(electionID, guardianID))
	if !ok {
		return "", ErrSecretNotFound
	}
	return v.(string), nil
}

// GetPolynomial returns the cached polynomial for a guardian.
func (sc *SecretCache) GetPolynomial(electionID, guardianID string) (string, error) {
	v, ok := sc.cache.Get(polynomialCacheKey(electionID, guardianID))
	if !ok {
		return "", ErrSecretNotFound
	}
	return v.(string), nil
}

// HasCredentials reports whether both secrets of a guardian are live.
// Workers check this before each chunk so an expired TTL surfaces as a
// credentials failure instead of a partial read.
func (sc *SecretCache) HasCredentials(electionID, guardianID string) bool {
	_, okKey := sc.cache.Get(privateKeyCacheKey(electionID, guardianID))
	_, okPoly := sc.cache.Get(polynomialCacheKey(electionID, guardianID))
	return okKey && okPoly
}

// DeleteCredentials drops both secrets of a guardian.
func (sc *SecretCache) DeleteCredentials(electionID, guardianID string) {
	sc.cache.Delete(privateKeyCacheKey(electionID, guardianID))
	sc.cache.Delete(polynomialCacheKey(electionID, guardianID))
}

// Flush drops every cached secret. Called on shutdown.
func (sc *SecretCache) Flush() {
	sc.cache.Flush()
}
