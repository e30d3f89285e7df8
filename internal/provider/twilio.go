package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"oncall-pager/internal/classifier"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioConfig holds Twilio REST credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// BaseURL overrides the REST API root (tests).
	BaseURL string
}

// Twilio places calls through the Twilio Programmable Voice REST API. The spoken page and DTMF
// gather are served by our /twilio/voice webhook, which Twilio fetches when the call connects.
type Twilio struct {
	cfg        TwilioConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTwilio returns a Twilio backend. Returns ErrProviderUnavailable when credentials are missing.
func NewTwilio(cfg TwilioConfig, httpClient *http.Client, logger *zap.Logger) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("twilio: account sid, auth token and from number are required: %w", ErrProviderUnavailable)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Twilio{cfg: cfg, httpClient: httpClient, logger: logger}, nil
}

func (t *Twilio) Name() string { return string(KindTwilio) }

type twilioResource struct {
	SID        string `json:"sid"`
	Status     string `json:"status"`
	Duration   string `json:"duration"`
	AnsweredBy string `json:"answered_by"`
	Message    string `json:"message"`
}

// PlaceCall creates a call whose TwiML is fetched from the voice webhook and whose status
// events are pushed to the status webhook.
func (t *Twilio) PlaceCall(ctx context.Context, req PlaceCallRequest) string {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", t.cfg.FromNumber)
	form.Set("Url", callbackURL(req.CallbackBase, "/twilio/voice", req.IncidentID, req.CallbackToken))
	form.Set("Method", http.MethodPost)
	form.Set("StatusCallback", callbackURL(req.CallbackBase, "/twilio/status", req.IncidentID, req.CallbackToken))
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	form.Set("Timeout", strconv.Itoa(ringTimeoutSeconds(req.RingTimeout)))
	form.Set("MachineDetection", "Enable")

	var res twilioResource
	if err := t.post(ctx, "/Accounts/"+t.cfg.AccountSID+"/Calls.json", form, &res); err != nil {
		t.logger.Warn("twilio: place call failed", zap.String("incident_id", req.IncidentID), zap.Error(err))
		return FailureID(t.Name(), req.IncidentID)
	}
	return res.SID
}

// SendMessage sends an SMS.
func (t *Twilio) SendMessage(ctx context.Context, to, body string) string {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.cfg.FromNumber)
	form.Set("Body", body)
	var res twilioResource
	if err := t.post(ctx, "/Accounts/"+t.cfg.AccountSID+"/Messages.json", form, &res); err != nil {
		t.logger.Warn("twilio: send message failed", zap.Error(err))
		return FailureID(t.Name(), "sms")
	}
	return res.SID
}

// FetchCall returns the current status of a call.
func (t *Twilio) FetchCall(ctx context.Context, callID string) (classifier.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.cfg.BaseURL+"/Accounts/"+t.cfg.AccountSID+"/Calls/"+url.PathEscape(callID)+".json", nil)
	if err != nil {
		return classifier.Observation{}, err
	}
	var res twilioResource
	if err := t.do(req, &res); err != nil {
		return classifier.Observation{}, err
	}
	obs := classifier.Observation{
		Status:     classifier.NormalizeStatus(res.Status),
		AnsweredBy: res.AnsweredBy,
	}
	if secs, err := strconv.Atoi(res.Duration); err == nil && secs > 0 {
		obs.Duration = time.Duration(secs) * time.Second
	}
	return obs, nil
}

func (t *Twilio) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do(req, out)
}

func (t *Twilio) do(req *http.Request, out any) error {
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Accept", "application/json")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("twilio: request failed status=%d body=%s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
