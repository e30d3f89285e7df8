// Package handler exposes the escalation API and the provider callback endpoints over gin.
package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"oncall-pager/internal/escalation"
	"oncall-pager/internal/incident/domain"
	"oncall-pager/internal/provider"
	"oncall-pager/internal/webhook"
)

// Escalation is the subset of escalation.Service used by the API endpoints.
type Escalation interface {
	StartEscalation(ctx context.Context, summary, ttsText string) (*escalation.Placement, error)
	RetryNext(ctx context.Context, incidentID, ttsText string) (escalation.RetryResult, error)
	Acknowledge(ctx context.Context, incidentID, dtmf string) error
	Incident(ctx context.Context, incidentID string) (*domain.Incident, error)
	Attempts(ctx context.Context, incidentID string) ([]*domain.CallAttempt, error)
}

// CallbackVerifier authenticates provider callbacks by the token on their URL.
type CallbackVerifier interface {
	Enabled() bool
	Verify(token, incidentID string) error
}

// KeyVerifier authenticates admin API calls.
type KeyVerifier interface {
	Enabled() bool
	Verify(key string) bool
}

// Voice configures the prompts rendered for providers that fetch call instructions.
type Voice struct {
	// Language is the TwiML Say language (default en-US).
	Language string
	// Voice is the TwiML Say voice; empty uses the provider default.
	Voice string
	// GatherTimeout is how long the callee has to press a key.
	GatherTimeout time.Duration
	// Fallback is spoken when the incident cannot be loaded.
	Fallback string
	// NoInput is spoken when the gather times out.
	NoInput string
}

// Handler serves the HTTP surface.
type Handler struct {
	svc      Escalation
	router   *webhook.Router
	callback CallbackVerifier
	apiKeys  KeyVerifier
	voice    Voice
	logger   *zap.Logger
}

// New returns a Handler. callback and apiKeys may be nil, which disables the respective check.
func New(svc Escalation, router *webhook.Router, callback CallbackVerifier, apiKeys KeyVerifier, voice Voice, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if voice.Language == "" {
		voice.Language = "en-US"
	}
	if voice.GatherTimeout <= 0 {
		voice.GatherTimeout = 20 * time.Second
	}
	if voice.Fallback == "" {
		voice.Fallback = "Emergency alert. Please press 1 to confirm."
	}
	if voice.NoInput == "" {
		voice.NoInput = "No input received. Ending call."
	}
	return &Handler{svc: svc, router: router, callback: callback, apiKeys: apiKeys, voice: voice, logger: logger}
}

// Register mounts all routes on r.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/webhook", h.requireAPIKey())
	{
		api.POST("/start", h.Start)
		api.POST("/ack/:id", h.Ack)
		api.POST("/retry/:id", h.Retry)
		api.GET("/incident/:id", h.GetIncident)
		api.GET("/incident/:id/attempts", h.ListAttempts)
	}

	twilio := r.Group("/twilio", h.verifyCallback())
	{
		twilio.GET("/voice", h.TwilioVoice)
		twilio.POST("/voice", h.TwilioVoice)
		twilio.POST("/gather", h.TwilioGather)
		twilio.POST("/status", h.TwilioStatus)
	}

	vonage := r.Group("/vonage", h.verifyCallback())
	{
		vonage.POST("/gather", h.VonageGather)
		vonage.POST("/status", h.VonageStatus)
	}

	// SOLAPI delivery reports go to one console-configured URL and carry no per-incident token.
	r.POST("/solapi/webhook", h.SolapiWebhook)
}

// StartRequest is the body of POST /webhook/start.
type StartRequest struct {
	IncidentSummary string `json:"incident_summary" binding:"required"`
	TTSText         string `json:"tts_text"`
}

// RetryRequest is the optional body of POST /webhook/retry/:id.
type RetryRequest struct {
	TTSText string `json:"tts_text"`
}

// IncidentResponse is the JSON form of an incident.
type IncidentResponse struct {
	ID             string     `json:"id"`
	Summary        string     `json:"summary"`
	TTSText        string     `json:"tts_text"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
}

// AttemptResponse is the JSON form of a call attempt.
type AttemptResponse struct {
	ID          string    `json:"id"`
	Callee      string    `json:"callee"`
	Provider    string    `json:"provider"`
	Result      string    `json:"result"`
	DTMF        string    `json:"dtmf,omitempty"`
	DurationSec *int      `json:"duration_sec,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "incident_summary is required"})
		return
	}
	p, err := h.svc.StartEscalation(c.Request.Context(), req.IncidentSummary, req.TTSText)
	if err != nil {
		if errors.Is(err, provider.ErrProviderUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no voice provider available"})
			return
		}
		h.logger.Error("handler: start escalation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start escalation"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) Ack(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Acknowledge(c.Request.Context(), id, ""); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "incident_id": id})
}

func (h *Handler) Retry(c *gin.Context) {
	var req RetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	res, err := h.svc.RetryNext(c.Request.Context(), c.Param("id"), req.TTSText)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Status == escalation.RetryIncidentNotFound {
		c.JSON(http.StatusNotFound, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetIncident(c *gin.Context) {
	inc, err := h.svc.Incident(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, IncidentResponse{
		ID:             inc.ID,
		Summary:        inc.Summary,
		TTSText:        inc.TTSText,
		Status:         string(inc.Status),
		Attempts:       inc.Attempts,
		CreatedAt:      inc.CreatedAt,
		AcknowledgedAt: inc.AcknowledgedAt,
	})
}

func (h *Handler) ListAttempts(c *gin.Context) {
	attempts, err := h.svc.Attempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, AttemptResponse{
			ID:          a.ID,
			Callee:      a.Callee,
			Provider:    a.Provider,
			Result:      a.Result,
			DTMF:        a.DTMF,
			DurationSec: a.DurationSec,
			CreatedAt:   a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"attempts": out})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, escalation.ErrIncidentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if errors.Is(err, provider.ErrProviderUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no voice provider available"})
		return
	}
	h.logger.Error("handler: request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// requireAPIKey accepts the key from X-API-Key or an Authorization Bearer header.
func (h *Handler) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.apiKeys == nil || !h.apiKeys.Enabled() {
			c.Next()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" {
			parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				key = parts[1]
			}
		}
		if !h.apiKeys.Verify(key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// verifyCallback checks the token query parameter against the incident_id query parameter.
func (h *Handler) verifyCallback() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.callback == nil || !h.callback.Enabled() {
			c.Next()
			return
		}
		if err := h.callback.Verify(c.Query("token"), c.Query("incident_id")); err != nil {
			h.logger.Warn("handler: rejected provider callback",
				zap.String("path", c.FullPath()),
				zap.String("incident_id", c.Query("incident_id")))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid callback token"})
			return
		}
		c.Next()
	}
}

// callbackQuery re-encodes the incident and token parameters for follow-up callback URLs.
func callbackQuery(c *gin.Context) string {
	in := c.Request.URL.Query()
	out := url.Values{}
	for _, k := range []string{"incident_id", "token"} {
		if v := in.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out.Encode()
}
