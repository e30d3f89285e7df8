package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"oncall-pager/internal/provider"
	"oncall-pager/internal/webhook"
)

// vonageInput is the input action callback. dtmf is an object ({"digits": "1"}) on the current
// API and a bare string on older applications.
type vonageInput struct {
	UUID string          `json:"uuid"`
	DTMF json.RawMessage `json:"dtmf"`
}

func (in vonageInput) digits() string {
	if len(in.DTMF) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(in.DTMF, &s) == nil {
		return s
	}
	var obj struct {
		Digits   string `json:"digits"`
		TimedOut bool   `json:"timed_out"`
	}
	if json.Unmarshal(in.DTMF, &obj) == nil {
		return obj.Digits
	}
	return ""
}

type vonageEvent struct {
	UUID     string `json:"uuid"`
	Status   string `json:"status"`
	To       string `json:"to"`
	Duration string `json:"duration"`
	// SubState carries the machine detection result on "human"/"machine" events.
	SubState string `json:"sub_state"`
}

// VonageGather handles the NCCO input callback and answers with an NCCO.
func (h *Handler) VonageGather(c *gin.Context) {
	var in vonageInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.logger.Debug("handler: vonage input without body")
	}
	resp := h.router.OnDigit(c.Request.Context(), webhook.DigitEvent{
		IncidentID: c.Query("incident_id"),
		Digit:      in.digits(),
		CallID:     in.UUID,
		Provider:   string(provider.KindVonage),
	})
	ncco := []gin.H{{"action": "talk", "text": resp.Message, "language": h.voice.Language}}
	if resp.Action == webhook.ActionBridge {
		ncco = append(ncco, gin.H{
			"action":   "connect",
			"endpoint": []gin.H{{"type": "phone", "number": resp.BridgeTo}},
		})
	}
	c.JSON(http.StatusOK, ncco)
}

// VonageStatus handles call event callbacks.
func (h *Handler) VonageStatus(c *gin.Context) {
	var ev vonageEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
		return
	}
	secs, _ := strconv.Atoi(ev.Duration)
	answeredBy := ""
	if ev.Status == "machine" || ev.SubState == "machine" {
		answeredBy = "machine"
	}
	ack := h.router.OnStatusEvent(c.Request.Context(), webhook.StatusEvent{
		IncidentID: c.Query("incident_id"),
		Status:     ev.Status,
		CallID:     ev.UUID,
		Provider:   string(provider.KindVonage),
		Callee:     ev.To,
		Duration:   time.Duration(secs) * time.Second,
		AnsweredBy: answeredBy,
	})
	c.JSON(http.StatusOK, gin.H{"ok": true, "ack": ack})
}
