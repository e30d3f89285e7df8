// Package provider abstracts the telephony backends used to page on-call contacts.
//
// Backends never return errors from PlaceCall or SendMessage: a rejected request yields a
// synthetic failure identifier (see FailureID) so the caller can log a failed attempt and
// keep escalating.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"oncall-pager/internal/classifier"
)

// ErrProviderUnavailable is returned when a backend cannot be constructed (missing or invalid credentials).
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrStatusUnsupported is returned by FetchCall on backends without call status lookup.
var ErrStatusUnsupported = errors.New("provider does not support call status lookup")

// PlaceCallRequest describes one outbound page.
type PlaceCallRequest struct {
	To           string
	TTSText      string
	CallbackBase string
	IncidentID   string
	// CallbackToken is appended to webhook URLs so inbound callbacks can be authenticated.
	CallbackToken string
	// ContactName personalizes the spoken message when set.
	ContactName string
	// RingTimeout bounds how long the backend lets the callee's phone ring.
	RingTimeout time.Duration
}

// Capability is the uniform interface over telephony backends.
type Capability interface {
	// Name is the backend identifier recorded on call attempts.
	Name() string
	// PlaceCall requests an outbound voice call and returns the backend call id or a failure id.
	PlaceCall(ctx context.Context, req PlaceCallRequest) string
	// SendMessage sends a text notification and returns the backend message id or a failure id.
	SendMessage(ctx context.Context, to, body string) string
}

const failureMarker = "_error_"

// FailureID builds the synthetic id returned when a backend rejects a request.
func FailureID(provider, ref string) string {
	return provider + failureMarker + ref
}

// IsFailureID reports whether id was produced by FailureID or is empty.
func IsFailureID(id string) bool {
	return id == "" || strings.Contains(id, failureMarker)
}

// AsPoller returns the call status poller behind c, unwrapping decorators.
func AsPoller(c Capability) (classifier.Poller, bool) {
	if g, ok := c.(*Guarded); ok {
		if _, ok := AsPoller(g.inner); !ok {
			return nil, false
		}
		return g, true
	}
	p, ok := c.(classifier.Poller)
	return p, ok
}

// callbackURL builds base+path with the incident id and optional token as query parameters.
func callbackURL(base, path, incidentID, token string) string {
	q := url.Values{}
	q.Set("incident_id", incidentID)
	if token != "" {
		q.Set("token", token)
	}
	return strings.TrimSuffix(base, "/") + path + "?" + q.Encode()
}

// spokenText prefixes the contact's name to the page, as operators expect to hear who is being paged.
func spokenText(req PlaceCallRequest) string {
	if req.ContactName == "" {
		return req.TTSText
	}
	return fmt.Sprintf("%s, %s", req.ContactName, req.TTSText)
}

func ringTimeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 40
	}
	return int(d / time.Second)
}
