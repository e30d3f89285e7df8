package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"oncall-pager/internal/provider"
	"oncall-pager/internal/webhook"
)

type solapiReport struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	To        string `json:"to"`
}

// SolapiWebhook handles delivery reports. SOLAPI posts either one report or a batch.
func (h *Handler) SolapiWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "unreadable body"})
		return
	}
	var reports []solapiReport
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &reports)
	} else {
		var one solapiReport
		err = json.Unmarshal(trimmed, &one)
		reports = []solapiReport{one}
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid report"})
		return
	}
	// Reports only drive an incident when the URL carries a valid token for it.
	incidentID := c.Query("incident_id")
	if h.callback != nil && h.callback.Enabled() && h.callback.Verify(c.Query("token"), incidentID) != nil {
		incidentID = ""
	}
	acks := make([]webhook.Ack, 0, len(reports))
	for _, r := range reports {
		acks = append(acks, h.router.OnStatusEvent(c.Request.Context(), webhook.StatusEvent{
			IncidentID: incidentID,
			Status:     r.Status,
			CallID:     r.MessageID,
			Provider:   string(provider.KindSolapi),
			Callee:     r.To,
		}))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "acks": acks})
}
