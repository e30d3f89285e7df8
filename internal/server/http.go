package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	driverhandler "oncall-pager/internal/driver/handler"
	healthhandler "oncall-pager/internal/health/handler"
	webhookhandler "oncall-pager/internal/webhook/handler"
)

// HTTPDeps holds the HTTP handlers mounted on the engine. Nil handlers are skipped.
type HTTPDeps struct {
	Webhooks  *webhookhandler.Handler
	Simulator *driverhandler.Handler
	Health    *healthhandler.Server
	Logger    *zap.Logger
}

// NewEngine builds the gin engine serving provider callbacks, the escalation API, the
// simulator streams and /healthz.
func NewEngine(deps HTTPDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger, "/healthz"))

	health := deps.Health
	if health == nil {
		health = healthhandler.NewServer(nil, nil)
	}
	r.GET("/healthz", health.Healthz)

	if deps.Webhooks != nil {
		deps.Webhooks.Register(r)
	}
	if deps.Simulator != nil {
		deps.Simulator.Register(r)
	}
	return r
}

// RequestLogger logs one line per request. Paths in skip are not logged.
func RequestLogger(logger *zap.Logger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if skipped[c.Request.URL.Path] {
			return
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info("http request", fields...)
	}
}
