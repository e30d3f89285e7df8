// Package handler streams sequential escalation runs to clients over SSE and WebSocket.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"oncall-pager/internal/driver"
	"oncall-pager/internal/incident/domain"
	"oncall-pager/internal/transferlog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Runner executes one escalation run.
type Runner interface {
	Run(ctx context.Context, req driver.Request, obs driver.Observer) (driver.Outcome, error)
}

// CallRequest is the body of POST /simulator/call and the first WebSocket message.
type CallRequest struct {
	PrimaryName     string `json:"primary_name"`
	PrimaryPhone    string `json:"primary_phone" binding:"required"`
	SecondaryName   string `json:"secondary_name"`
	SecondaryPhone  string `json:"secondary_phone"`
	IncidentSummary string `json:"incident_summary" binding:"required"`
	TTSText         string `json:"tts_text"`
}

func (r CallRequest) toRun() driver.Request {
	return driver.Request{
		Primary:   domain.Contact{Name: r.PrimaryName, Address: r.PrimaryPhone},
		Secondary: domain.Contact{Name: r.SecondaryName, Address: r.SecondaryPhone},
		Summary:   r.IncidentSummary,
		TTSText:   r.TTSText,
	}
}

// Handler serves the simulator endpoints.
type Handler struct {
	runner    Runner
	transfers transferlog.Store
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// New returns a Handler. An empty allowedOrigins accepts WebSocket upgrades from any origin.
func New(runner Runner, transfers transferlog.Store, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		runner:    runner,
		transfers: transfers,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
		logger: logger,
	}
}

// Register mounts the simulator routes on r.
func (h *Handler) Register(r gin.IRouter) {
	sim := r.Group("/simulator")
	{
		sim.POST("/call", h.Call)
		sim.GET("/ws", h.WebSocket)
		sim.GET("/transfer-log/:callID", h.TransferLog)
	}
}

// Call runs an escalation and streams its progress as server-sent events. The run stops
// dialing when the client disconnects.
func (h *Handler) Call(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "primary_phone and incident_summary are required"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	write := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", b); err != nil {
			return
		}
		c.Writer.Flush()
	}
	_, err := h.runner.Run(c.Request.Context(), req.toRun(), driver.ObserverFunc(func(p driver.Progress) {
		write(p)
	}))
	if err != nil {
		h.logger.Warn("simulator: run failed", zap.Error(err))
		write(gin.H{"type": "error", "message": err.Error()})
	}
}

// WebSocket upgrades the connection, reads one CallRequest and streams the run's progress as
// JSON messages. Closing the socket cancels the run.
func (h *Handler) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("simulator: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var writeMu sync.Mutex
	send := func(messageType int, v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if messageType == websocket.PingMessage {
			return conn.WriteMessage(websocket.PingMessage, nil)
		}
		return conn.WriteJSON(v)
	}

	var req CallRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.logger.Debug("simulator: no call request on websocket", zap.Error(err))
		return
	}
	if req.PrimaryPhone == "" || req.IncidentSummary == "" {
		_ = send(websocket.TextMessage, gin.H{"type": "error", "message": "primary_phone and incident_summary are required"})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The read loop only services pongs and close frames; any read error ends the run.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("simulator: websocket closed", zap.Error(err))
				}
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := send(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	_, err = h.runner.Run(ctx, req.toRun(), driver.ObserverFunc(func(p driver.Progress) {
		if err := send(websocket.TextMessage, p); err != nil {
			cancel()
		}
	}))
	if err != nil {
		_ = send(websocket.TextMessage, gin.H{"type": "error", "message": err.Error()})
	}
	writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	writeMu.Unlock()
}

// TransferLog reports whether a call was bridged to the operator line.
func (h *Handler) TransferLog(c *gin.Context) {
	if h.transfers == nil {
		c.JSON(http.StatusOK, gin.H{"found": false, "transferred": false})
		return
	}
	e, ok, err := h.transfers.Get(c.Request.Context(), c.Param("callID"))
	if err != nil {
		h.logger.Error("simulator: transfer log lookup", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transfer log unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"found": false, "transferred": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"found":       true,
		"transferred": e.Transferred,
		"to_number":   e.ToNumber,
		"incident_id": e.IncidentID,
		"timestamp":   e.Timestamp,
	})
}
