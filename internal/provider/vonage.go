package provider

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"oncall-pager/internal/classifier"
)

const (
	defaultVonageVoiceURL = "https://api.nexmo.com/v1/calls"
	defaultVonageSMSURL   = "https://rest.nexmo.com/sms/json"
	vonageTokenTTL        = 15 * time.Minute
)

// VonageConfig holds Vonage Voice application and SMS credentials.
type VonageConfig struct {
	ApplicationID string
	// PrivateKeyPEM is the application's RSA private key used to sign request JWTs.
	PrivateKeyPEM string
	APIKey        string
	APISecret     string
	FromNumber    string
	Language      string
	VoiceURL      string
	SMSURL        string
}

// Vonage places calls with an inline NCCO (talk + DTMF input) through the Vonage Voice API.
type Vonage struct {
	cfg        VonageConfig
	key        *rsa.PrivateKey
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewVonage parses the application key and returns a Vonage backend.
func NewVonage(cfg VonageConfig, httpClient *http.Client, logger *zap.Logger) (*Vonage, error) {
	if cfg.ApplicationID == "" || cfg.PrivateKeyPEM == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("vonage: application id, private key and from number are required: %w", ErrProviderUnavailable)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("vonage: parse private key: %v: %w", err, ErrProviderUnavailable)
	}
	if cfg.VoiceURL == "" {
		cfg.VoiceURL = defaultVonageVoiceURL
	}
	if cfg.SMSURL == "" {
		cfg.SMSURL = defaultVonageSMSURL
	}
	if cfg.Language == "" {
		cfg.Language = "ko-KR"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vonage{cfg: cfg, key: key, httpClient: httpClient, logger: logger, now: time.Now}, nil
}

func (v *Vonage) Name() string { return string(KindVonage) }

type vonageEndpoint struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

// token signs a short-lived application JWT.
func (v *Vonage) token() (string, error) {
	now := v.now().UTC()
	claims := jwt.MapClaims{
		"application_id": v.cfg.ApplicationID,
		"iat":            now.Unix(),
		"exp":            now.Add(vonageTokenTTL).Unix(),
		"jti":            uuid.New().String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(v.key)
}

// PlaceCall creates a call that speaks the page and collects one DTMF digit.
func (v *Vonage) PlaceCall(ctx context.Context, req PlaceCallRequest) string {
	ncco := []map[string]any{
		{"action": "talk", "text": spokenText(req), "language": v.cfg.Language},
		{
			"action":   "input",
			"type":     []string{"dtmf"},
			"dtmf":     map[string]any{"timeOut": 5, "maxDigits": 1, "submitOnHash": false},
			"eventUrl": []string{callbackURL(req.CallbackBase, "/vonage/gather", req.IncidentID, req.CallbackToken)},
		},
	}
	body := map[string]any{
		"to":                []vonageEndpoint{{Type: "phone", Number: req.To}},
		"from":              vonageEndpoint{Type: "phone", Number: v.cfg.FromNumber},
		"ncco":              ncco,
		"event_url":         []string{callbackURL(req.CallbackBase, "/vonage/status", req.IncidentID, req.CallbackToken)},
		"ringing_timer":     ringTimeoutSeconds(req.RingTimeout),
		"machine_detection": "continue",
	}
	var res struct {
		UUID string `json:"uuid"`
	}
	if err := v.doJSON(ctx, http.MethodPost, v.cfg.VoiceURL, body, &res); err != nil || res.UUID == "" {
		v.logger.Warn("vonage: place call failed", zap.String("incident_id", req.IncidentID), zap.Error(err))
		return FailureID(v.Name(), req.IncidentID)
	}
	return res.UUID
}

// FetchCall returns the current status of a call by uuid.
func (v *Vonage) FetchCall(ctx context.Context, callID string) (classifier.Observation, error) {
	var res struct {
		Status   string `json:"status"`
		Duration string `json:"duration"`
	}
	if err := v.doJSON(ctx, http.MethodGet, v.cfg.VoiceURL+"/"+url.PathEscape(callID), nil, &res); err != nil {
		return classifier.Observation{}, err
	}
	obs := classifier.Observation{Status: classifier.NormalizeStatus(res.Status)}
	if secs, err := strconv.Atoi(res.Duration); err == nil && secs > 0 {
		obs.Duration = time.Duration(secs) * time.Second
	}
	if res.Status == "machine" {
		obs.Status = classifier.StatusCompleted
		obs.AnsweredBy = "machine"
	}
	return obs, nil
}

// SendMessage sends an SMS through the Vonage SMS API (key/secret auth).
func (v *Vonage) SendMessage(ctx context.Context, to, body string) string {
	if v.cfg.APIKey == "" || v.cfg.APISecret == "" {
		v.logger.Warn("vonage: sms credentials not configured")
		return FailureID(v.Name(), "sms")
	}
	form := url.Values{}
	form.Set("api_key", v.cfg.APIKey)
	form.Set("api_secret", v.cfg.APISecret)
	form.Set("from", v.cfg.FromNumber)
	form.Set("to", to)
	form.Set("text", body)
	form.Set("type", "unicode")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.SMSURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return FailureID(v.Name(), "sms")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var res struct {
		Messages []struct {
			MessageID string `json:"message-id"`
			Status    string `json:"status"`
			ErrorText string `json:"error-text"`
		} `json:"messages"`
	}
	if err := v.send(req, &res); err != nil || len(res.Messages) == 0 || res.Messages[0].Status != "0" {
		v.logger.Warn("vonage: send message failed", zap.Error(err))
		return FailureID(v.Name(), "sms")
	}
	return res.Messages[0].MessageID
}

func (v *Vonage) doJSON(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	tok, err := v.token()
	if err != nil {
		return fmt.Errorf("vonage: sign token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return v.send(req, out)
}

func (v *Vonage) send(req *http.Request, out any) error {
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vonage: request failed status=%d body=%s", resp.StatusCode, string(raw))
	}
	return json.Unmarshal(raw, out)
}
