// Package webhook maps inbound provider callbacks onto escalation operations. The Router is
// transport-free: handlers decode provider payloads into DigitEvent and StatusEvent and render
// the returned Response as TwiML, NCCO or JSON.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"oncall-pager/internal/audit"
	"oncall-pager/internal/classifier"
	"oncall-pager/internal/escalation"
	"oncall-pager/internal/incident/domain"
	"oncall-pager/internal/keypad"
	"oncall-pager/internal/provider"
	"oncall-pager/internal/transferlog"
)

// Escalator is the subset of escalation.Service the router drives.
type Escalator interface {
	RetryNext(ctx context.Context, incidentID, ttsText string) (escalation.RetryResult, error)
	Acknowledge(ctx context.Context, incidentID, dtmf string) error
	MarkAnswered(ctx context.Context, incidentID string) error
	RecordAttempt(ctx context.Context, e audit.Entry)
	Incident(ctx context.Context, incidentID string) (*domain.Incident, error)
	LastCallee(ctx context.Context, incidentID string) (string, error)
}

// Messenger sends the SMS summary for keypad option 2.
type Messenger interface {
	SendMessage(ctx context.Context, to, body string) string
}

// Action is the semantic response a provider handler renders.
type Action string

const (
	// ActionSayHangup speaks Message and ends the call.
	ActionSayHangup Action = "say_hangup"
	// ActionRetryHangup speaks Message and ends the call; the next contact is being dialed.
	ActionRetryHangup Action = "retry_hangup"
	// ActionBridge speaks Message and connects the caller to BridgeTo.
	ActionBridge Action = "bridge"
)

// Response is the router's answer to a digit callback.
type Response struct {
	Action   Action                  `json:"action"`
	Message  string                  `json:"message"`
	BridgeTo string                  `json:"bridge_to,omitempty"`
	SMSID    string                  `json:"sms_id,omitempty"`
	Retry    *escalation.RetryResult `json:"retry,omitempty"`
}

// DigitEvent is a DTMF callback. Empty fields mean no input.
type DigitEvent struct {
	IncidentID string
	Digit      string
	CallID     string
	Provider   string
	// Fields holds the raw callback fields for logging.
	Fields map[string]string
}

// StatusEvent is a call status callback.
type StatusEvent struct {
	IncidentID string
	Status     string
	CallID     string
	Provider   string
	Callee     string
	Duration   time.Duration
	AnsweredBy string
	Fields     map[string]string
}

// Ack is the router's answer to a status callback.
type Ack struct {
	IncidentID string                `json:"incident_id,omitempty"`
	Status     classifier.CallStatus `json:"status"`
	CallID     string                `json:"call_id,omitempty"`
	// Delivered is true when a running classifier received the event.
	Delivered bool                    `json:"delivered"`
	Retry     *escalation.RetryResult `json:"retry,omitempty"`
}

// Messages are the prompts spoken back to the callee.
type Messages struct {
	Confirmed string
	SMSSent   string
	Bridging  string
	Retrying  string
	NotFound  string
}

// DefaultMessages returns the English prompts.
func DefaultMessages() Messages {
	return Messages{
		Confirmed: "Confirmation received. Thank you.",
		SMSSent:   "Confirmation received. A summary was sent by text message. Thank you.",
		Bridging:  "Confirmation received. Connecting you to the operator.",
		Retrying:  "Invalid input. Ending call.",
		NotFound:  "This alert is no longer active. Ending call.",
	}
}

// Config configures a Router.
type Config struct {
	// OperatorNumber is the line key 1 bridges to. Empty disables bridging.
	OperatorNumber string
	Messages       Messages
}

// Router dispatches callbacks. It is safe for concurrent use; per-incident ordering is
// enforced by the escalation store.
type Router struct {
	esc       Escalator
	policy    keypad.Policy
	messenger Messenger
	transfers transferlog.Store
	hub       *classifier.PushHub
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewRouter returns a Router. messenger, transfers and hub may be nil. A nil policy uses
// keypad.DefaultAction.
func NewRouter(esc Escalator, policy keypad.Policy, messenger Messenger, transfers transferlog.Store, hub *classifier.PushHub, cfg Config, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = keypad.FuncPolicy(keypad.DefaultAction)
	}
	d := DefaultMessages()
	if cfg.Messages.Confirmed == "" {
		cfg.Messages.Confirmed = d.Confirmed
	}
	if cfg.Messages.SMSSent == "" {
		cfg.Messages.SMSSent = d.SMSSent
	}
	if cfg.Messages.Bridging == "" {
		cfg.Messages.Bridging = d.Bridging
	}
	if cfg.Messages.Retrying == "" {
		cfg.Messages.Retrying = d.Retrying
	}
	if cfg.Messages.NotFound == "" {
		cfg.Messages.NotFound = d.NotFound
	}
	return &Router{
		esc:       esc,
		policy:    policy,
		messenger: messenger,
		transfers: transfers,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// OnDigit handles a key press (or its absence) on a page.
func (r *Router) OnDigit(ctx context.Context, ev DigitEvent) Response {
	ev.IncidentID = strings.TrimSpace(ev.IncidentID)
	ev.Digit = strings.TrimSpace(ev.Digit)
	if ev.IncidentID == "" {
		r.logger.Warn("webhook: digit callback without incident id", zap.String("call_id", ev.CallID))
		return Response{Action: ActionSayHangup, Message: r.cfg.Messages.NotFound}
	}
	inc, err := r.esc.Incident(ctx, ev.IncidentID)
	if err != nil {
		if !errors.Is(err, escalation.ErrIncidentNotFound) {
			r.logger.Error("webhook: load incident", zap.String("incident_id", ev.IncidentID), zap.Error(err))
		}
		return Response{Action: ActionSayHangup, Message: r.cfg.Messages.NotFound}
	}

	action := r.policy.Decide(ctx, keypad.Input{
		Digit:              ev.Digit,
		Provider:           ev.Provider,
		OperatorConfigured: r.cfg.OperatorNumber != "",
	})
	r.logger.Info("webhook: digit received",
		zap.String("incident_id", ev.IncidentID),
		zap.String("call_id", ev.CallID),
		zap.String("digit", ev.Digit),
		zap.String("action", string(action)))

	switch action {
	case keypad.ActionAcknowledgeBridge:
		if err := r.esc.Acknowledge(ctx, ev.IncidentID, ev.Digit); err != nil {
			return r.ackFailed(ev, err)
		}
		r.recordTransfer(ctx, ev)
		return Response{Action: ActionBridge, Message: r.cfg.Messages.Bridging, BridgeTo: r.cfg.OperatorNumber}
	case keypad.ActionAcknowledgeSMS:
		smsID := r.sendSummary(ctx, inc)
		if err := r.esc.Acknowledge(ctx, ev.IncidentID, ev.Digit); err != nil {
			return r.ackFailed(ev, err)
		}
		return Response{Action: ActionSayHangup, Message: r.cfg.Messages.SMSSent, SMSID: smsID}
	case keypad.ActionAcknowledge:
		if err := r.esc.Acknowledge(ctx, ev.IncidentID, ev.Digit); err != nil {
			return r.ackFailed(ev, err)
		}
		return Response{Action: ActionSayHangup, Message: r.cfg.Messages.Confirmed}
	}

	callee := r.lastCallee(ctx, ev.IncidentID)
	r.esc.RecordAttempt(ctx, audit.Entry{
		IncidentID: ev.IncidentID,
		Callee:     callee,
		Provider:   ev.Provider,
		Result:     domain.ResultNoAnswer,
		DTMF:       ev.Digit,
	})
	resp := Response{Action: ActionRetryHangup, Message: r.cfg.Messages.Retrying}
	if !r.claimEscalation(ctx, ev.CallID, ev.IncidentID) {
		return resp
	}
	resp.Retry = r.retry(ctx, ev.IncidentID)
	return resp
}

// OnStatusEvent handles a call status callback: it feeds any running classifier, logs the raw
// status and advances the incident.
func (r *Router) OnStatusEvent(ctx context.Context, ev StatusEvent) Ack {
	ev.IncidentID = strings.TrimSpace(ev.IncidentID)
	raw := strings.ToLower(strings.TrimSpace(ev.Status))
	status := classifier.NormalizeStatus(raw)
	ack := Ack{IncidentID: ev.IncidentID, Status: status, CallID: ev.CallID}
	ack.Delivered = r.hub.Publish(ev.CallID, classifier.Observation{
		Status:     status,
		Duration:   ev.Duration,
		AnsweredBy: ev.AnsweredBy,
	})
	if ev.IncidentID == "" {
		r.logger.Warn("webhook: status callback without incident id",
			zap.String("call_id", ev.CallID), zap.String("status", raw))
		return ack
	}
	inc, err := r.esc.Incident(ctx, ev.IncidentID)
	if err != nil {
		if !errors.Is(err, escalation.ErrIncidentNotFound) {
			r.logger.Error("webhook: load incident", zap.String("incident_id", ev.IncidentID), zap.Error(err))
		}
		return ack
	}

	if raw == "" {
		raw = "unknown"
	}
	callee := ev.Callee
	if callee == "" {
		callee = r.lastCallee(ctx, ev.IncidentID)
	}
	entry := audit.Entry{
		IncidentID: ev.IncidentID,
		Callee:     callee,
		Provider:   ev.Provider,
		Result:     raw,
	}
	if ev.Duration > 0 {
		secs := int(ev.Duration / time.Second)
		entry.DurationSec = &secs
	}
	r.esc.RecordAttempt(ctx, entry)
	r.logger.Info("webhook: call status",
		zap.String("incident_id", ev.IncidentID),
		zap.String("call_id", ev.CallID),
		zap.String("status", raw),
		zap.Bool("delivered", ack.Delivered))

	switch status {
	case classifier.StatusInProgress:
		if err := r.esc.MarkAnswered(ctx, ev.IncidentID); err != nil {
			r.logger.Error("webhook: mark answered", zap.String("incident_id", ev.IncidentID), zap.Error(err))
		}
	case classifier.StatusCompleted, classifier.StatusBusy, classifier.StatusFailed,
		classifier.StatusCanceled, classifier.StatusNoAnswer:
		if inc.IsAcknowledged() || !r.claimEscalation(ctx, ev.CallID, ev.IncidentID) {
			return ack
		}
		ack.Retry = r.retry(ctx, ev.IncidentID)
	}
	return ack
}

func (r *Router) retry(ctx context.Context, incidentID string) *escalation.RetryResult {
	res, err := r.esc.RetryNext(ctx, incidentID, "")
	if err != nil {
		r.logger.Error("webhook: retry next", zap.String("incident_id", incidentID), zap.Error(err))
		return nil
	}
	return &res
}

func (r *Router) ackFailed(ev DigitEvent, err error) Response {
	r.logger.Error("webhook: acknowledge", zap.String("incident_id", ev.IncidentID), zap.Error(err))
	return Response{Action: ActionSayHangup, Message: r.cfg.Messages.NotFound}
}

// claimEscalation marks callID as having triggered the next attempt. It returns false when an
// earlier callback for the same call already did, so a retry digit followed by the call's
// completion dials only once. Calls without an id cannot be deduplicated and always win, as
// do claims the transfer log cannot record.
func (r *Router) claimEscalation(ctx context.Context, callID, incidentID string) bool {
	if r.transfers == nil || callID == "" {
		return true
	}
	won, err := r.transfers.Claim(ctx, callID, incidentID)
	if err != nil {
		r.logger.Warn("webhook: transfer log claim", zap.String("call_id", callID), zap.Error(err))
		return true
	}
	return won
}

func (r *Router) recordTransfer(ctx context.Context, ev DigitEvent) {
	if r.transfers == nil || ev.CallID == "" {
		return
	}
	err := r.transfers.Put(ctx, transferlog.Entry{
		CallID:      ev.CallID,
		IncidentID:  ev.IncidentID,
		ToNumber:    r.cfg.OperatorNumber,
		Transferred: true,
		Escalated:   true,
		Timestamp:   r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("webhook: record transfer", zap.String("call_id", ev.CallID), zap.Error(err))
	}
}

// sendSummary texts the incident summary to the last dialed contact. It returns the message id,
// or "" when there is nobody to text.
func (r *Router) sendSummary(ctx context.Context, inc *domain.Incident) string {
	if r.messenger == nil {
		return ""
	}
	to, err := r.esc.LastCallee(ctx, inc.ID)
	if err != nil || to == "" {
		r.logger.Warn("webhook: no callee for sms summary", zap.String("incident_id", inc.ID), zap.Error(err))
		return ""
	}
	id := r.messenger.SendMessage(ctx, to, SummaryText(inc))
	if provider.IsFailureID(id) {
		r.logger.Warn("webhook: sms summary rejected", zap.String("incident_id", inc.ID), zap.String("message_id", id))
	}
	return id
}

func (r *Router) lastCallee(ctx context.Context, incidentID string) string {
	callee, err := r.esc.LastCallee(ctx, incidentID)
	if err != nil || callee == "" {
		return domain.UnknownCallee
	}
	return callee
}

// SummaryText is the SMS body sent for an incident.
func SummaryText(inc *domain.Incident) string {
	return fmt.Sprintf("[ALERT] %s (incident %s)", inc.Summary, inc.ID)
}
