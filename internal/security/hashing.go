package security

import (
	"golang.org/x/crypto/bcrypt"
)

// APIKeyVerifier checks admin API keys against a bcrypt hash (ADMIN_API_KEY_HASH).
// A verifier without a hash is disabled and accepts every key.
type APIKeyVerifier struct {
	hash []byte
}

// NewAPIKeyVerifier returns a verifier for hash.
func NewAPIKeyVerifier(hash string) *APIKeyVerifier {
	return &APIKeyVerifier{hash: []byte(hash)}
}

// Enabled reports whether a hash is configured.
func (v *APIKeyVerifier) Enabled() bool {
	return v != nil && len(v.hash) > 0
}

// Verify compares key to the stored hash in constant time.
func (v *APIKeyVerifier) Verify(key string) bool {
	if !v.Enabled() {
		return true
	}
	if key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(key)) == nil
}

// HashAPIKey produces the bcrypt hash to store in ADMIN_API_KEY_HASH. Cost is clamped to
// bcrypt's bounds; zero means bcrypt.DefaultCost.
func HashAPIKey(key string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
