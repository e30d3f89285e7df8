package provider

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultHTTPTimeout = 15 * time.Second

// Kind selects a telephony backend.
type Kind string

const (
	KindTwilio Kind = "twilio"
	KindVonage Kind = "vonage"
	KindSolapi Kind = "solapi"
	KindMock   Kind = "mock"
)

// ParseKind parses a VOICE_PROVIDER value. Empty selects mock.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindMock, nil
	case KindTwilio, KindVonage, KindSolapi, KindMock:
		return k, nil
	default:
		return "", fmt.Errorf("provider: unknown kind %q", s)
	}
}

// Settings carries everything needed to construct any backend.
type Settings struct {
	Kind   Kind
	Twilio TwilioConfig
	Vonage VonageConfig
	Solapi SolapiConfig
	// Guard wraps real backends in Guarded when non-nil.
	Guard      *GuardOptions
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New constructs the backend named by s.Kind. Construction failures wrap ErrProviderUnavailable.
func New(s Settings) (Capability, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		c   Capability
		err error
	)
	switch s.Kind {
	case KindTwilio:
		c, err = NewTwilio(s.Twilio, s.HTTPClient, logger)
	case KindVonage:
		c, err = NewVonage(s.Vonage, s.HTTPClient, logger)
	case KindSolapi:
		c, err = NewSolapi(s.Solapi, s.HTTPClient, logger)
	case KindMock, "":
		return NewMock(logger), nil
	default:
		return nil, fmt.Errorf("provider: unknown kind %q: %w", s.Kind, ErrProviderUnavailable)
	}
	if err != nil {
		return nil, err
	}
	if s.Guard != nil {
		c = NewGuarded(c, *s.Guard, logger)
	}
	return c, nil
}

// Selection is the outcome of NewWithFallback.
type Selection struct {
	Capability Capability
	// Requested is the kind that was asked for.
	Requested Kind
	// Fallback is true when the requested backend failed and Mock was substituted.
	Fallback bool
	// Err is the construction error behind a fallback.
	Err error
}

// NewWithFallback behaves like New but substitutes Mock when the requested backend cannot
// be constructed, recording why.
func NewWithFallback(s Settings) Selection {
	c, err := New(s)
	if err == nil {
		return Selection{Capability: c, Requested: s.Kind}
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("provider: falling back to mock", zap.String("requested", string(s.Kind)), zap.Error(err))
	return Selection{
		Capability: NewMock(logger),
		Requested:  s.Kind,
		Fallback:   true,
		Err:        err,
	}
}
