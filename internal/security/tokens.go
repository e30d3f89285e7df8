package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a callback token is malformed, expired or bound to another incident.
var ErrInvalidToken = errors.New("invalid token")

const (
	callbackIssuer   = "oncall-pager"
	callbackAudience = "provider-callback"
)

// CallbackClaims bind a token to one incident.
type CallbackClaims struct {
	jwt.RegisteredClaims
	IncidentID string `json:"incident_id"`
}

// CallbackSigner issues and checks the HS256 tokens appended to provider webhook URLs.
// A signer with an empty key is disabled: Sign returns "" and Verify accepts everything.
type CallbackSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCallbackSigner returns a signer. ttl <= 0 means 24h.
func NewCallbackSigner(key []byte, ttl time.Duration) *CallbackSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CallbackSigner{key: key, ttl: ttl, now: time.Now}
}

// Enabled reports whether callbacks are authenticated.
func (s *CallbackSigner) Enabled() bool {
	return s != nil && len(s.key) > 0
}

// Sign issues a token for incidentID.
func (s *CallbackSigner) Sign(incidentID string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	now := s.now().UTC()
	claims := CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   incidentID,
			Issuer:    callbackIssuer,
			Audience:  jwt.ClaimStrings{callbackAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		IncidentID: incidentID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks signature, expiry, issuer, audience and the incident binding.
func (s *CallbackSigner) Verify(token, incidentID string) error {
	if !s.Enabled() {
		return nil
	}
	if token == "" {
		return ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &CallbackClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(callbackIssuer),
		jwt.WithAudience(callbackAudience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*CallbackClaims)
	if !ok || !parsed.Valid || claims.IncidentID != incidentID {
		return ErrInvalidToken
	}
	return nil
}
