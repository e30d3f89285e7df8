package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultSolapiBaseURL = "https://api.solapi.com"

// SolapiConfig holds SOLAPI credentials.
type SolapiConfig struct {
	APIKey     string
	APISecret  string
	FromNumber string
	BaseURL    string
}

// Solapi delivers pages as SOLAPI VOICE messages (text-to-speech calls) and SMS.
// SOLAPI does not expose a per-call status lookup, so it is not a classifier.Poller.
type Solapi struct {
	cfg        SolapiConfig
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
	salt       func() string
}

// NewSolapi returns a SOLAPI backend.
func NewSolapi(cfg SolapiConfig, httpClient *http.Client, logger *zap.Logger) (*Solapi, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("solapi: api key, api secret and from number are required: %w", ErrProviderUnavailable)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultSolapiBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solapi{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
		salt:       func() string { return uuid.New().String() },
	}, nil
}

func (s *Solapi) Name() string { return string(KindSolapi) }

type solapiVoiceOptions struct {
	VoiceType  string `json:"voiceType"`
	ReplyRange int    `json:"replyRange"`
}

type solapiMessage struct {
	To           string              `json:"to"`
	From         string              `json:"from"`
	Text         string              `json:"text"`
	Type         string              `json:"type"`
	VoiceOptions *solapiVoiceOptions `json:"voiceOptions,omitempty"`
}

type solapiSendResponse struct {
	MessageID   string `json:"messageId"`
	MessageList []struct {
		MessageID string `json:"messageId"`
	} `json:"messageList"`
	FailedMessageList []struct {
		StatusCode    string `json:"statusCode"`
		StatusMessage string `json:"statusMessage"`
	} `json:"failedMessageList"`
}

// PlaceCall sends a VOICE message which SOLAPI reads out to the callee.
func (s *Solapi) PlaceCall(ctx context.Context, req PlaceCallRequest) string {
	if req.To == s.cfg.FromNumber {
		s.logger.Warn("solapi: sender and recipient are the same number", zap.String("to", req.To))
		return FailureID(s.Name(), "same_number_"+req.IncidentID)
	}
	msg := solapiMessage{
		To:           req.To,
		From:         s.cfg.FromNumber,
		Text:         spokenText(req),
		Type:         "VOICE",
		VoiceOptions: &solapiVoiceOptions{VoiceType: "FEMALE", ReplyRange: 3},
	}
	id, err := s.send(ctx, msg)
	if err != nil {
		s.logger.Warn("solapi: place call failed", zap.String("incident_id", req.IncidentID), zap.Error(err))
		return FailureID(s.Name(), req.IncidentID)
	}
	return id
}

// SendMessage sends an SMS (LMS when the body exceeds the SMS limit is decided by SOLAPI).
func (s *Solapi) SendMessage(ctx context.Context, to, body string) string {
	id, err := s.send(ctx, solapiMessage{To: to, From: s.cfg.FromNumber, Text: body, Type: "SMS"})
	if err != nil {
		s.logger.Warn("solapi: send message failed", zap.Error(err))
		return FailureID(s.Name(), "sms")
	}
	return id
}

// authorization builds the HMAC-SHA256 header: hex(HMAC(secret, date+salt)).
func (s *Solapi) authorization() string {
	date := s.now().UTC().Format("2006-01-02T15:04:05Z")
	salt := s.salt()
	mac := hmac.New(sha256.New, []byte(s.cfg.APISecret))
	mac.Write([]byte(date + salt))
	return fmt.Sprintf("HMAC-SHA256 apiKey=%s, date=%s, salt=%s, signature=%s",
		s.cfg.APIKey, date, salt, hex.EncodeToString(mac.Sum(nil)))
}

func (s *Solapi) send(ctx context.Context, msg solapiMessage) (string, error) {
	raw, err := json.Marshal(map[string]any{"messages": []solapiMessage{msg}})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/messages/v4/send-many/detail", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", s.authorization())
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("solapi: request failed status=%d body=%s", resp.StatusCode, string(body))
	}
	var out solapiSendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("solapi: decode response: %w", err)
	}
	if len(out.FailedMessageList) > 0 {
		f := out.FailedMessageList[0]
		return "", fmt.Errorf("solapi: message rejected code=%s message=%s", f.StatusCode, f.StatusMessage)
	}
	if len(out.MessageList) > 0 && out.MessageList[0].MessageID != "" {
		return out.MessageList[0].MessageID, nil
	}
	if out.MessageID != "" {
		return out.MessageID, nil
	}
	return "", fmt.Errorf("solapi: response carried no message id")
}
