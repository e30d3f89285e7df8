// Server runs the escalation HTTP API, provider webhooks, simulator streams and the gRPC
// health service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"oncall-pager/internal/audit"
	"oncall-pager/internal/classifier"
	"oncall-pager/internal/config"
	"oncall-pager/internal/db"
	"oncall-pager/internal/driver"
	driverhandler "oncall-pager/internal/driver/handler"
	"oncall-pager/internal/escalation"
	"oncall-pager/internal/events"
	healthhandler "oncall-pager/internal/health/handler"
	"oncall-pager/internal/incident/domain"
	"oncall-pager/internal/incident/repository"
	"oncall-pager/internal/keypad"
	"oncall-pager/internal/logging"
	"oncall-pager/internal/provider"
	"oncall-pager/internal/security"
	"oncall-pager/internal/server"
	telemetryotel "oncall-pager/internal/telemetry/otel"
	"oncall-pager/internal/transferlog"
	"oncall-pager/internal/webhook"
	webhookhandler "oncall-pager/internal/webhook/handler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet.
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New("oncall-pager", cfg.Env, cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "oncall-pager",
		Environment: cfg.Env,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		logger.Fatal("otel", zap.Error(err))
	}
	otelProviders.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", zap.Error(err))
		}
	}()
	metrics, err := telemetryotel.NewMetrics(otelProviders.MeterProvider.Meter("oncall-pager/escalation"))
	if err != nil {
		logger.Fatal("otel metrics", zap.Error(err))
	}

	var (
		repo   repository.Repository
		pinger healthhandler.Pinger
	)
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute})
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer func(conn *sql.DB) { _ = conn.Close() }(conn)
		repo = repository.NewPostgresRepository(conn)
		pinger = conn
		logger.Info("incident store: postgres")
	} else {
		repo = repository.NewMemoryRepository()
		logger.Warn("incident store: in-memory, DATABASE_URL is not set")
	}

	transfers, closeTransfers := newTransferLog(ctx, cfg, logger)
	defer closeTransfers()

	emitters := events.Multi{events.NewOTelEmitter(otelProviders.LoggerProvider)}
	if producer := events.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.EventsKafkaTopic); producer != nil {
		defer func() { _ = producer.Close() }()
		emitters = append(emitters, producer)
		logger.Info("escalation events: kafka", zap.String("topic", cfg.EventsKafkaTopic))
	}
	// Runs before the sinks close so in-flight EmitAsync calls can finish.
	defer func() {
		logger.Info("draining escalation events", zap.Duration("wait", events.ShutdownDrainDuration))
		time.Sleep(events.ShutdownDrainDuration)
	}()

	selection := newProvider(cfg, logger)
	capability := selection.Capability

	policy, err := keypad.LoadOPAPolicy(ctx, cfg.KeypadPolicyFile, logger)
	if err != nil {
		logger.Fatal("keypad policy", zap.Error(err))
	}

	signer := security.NewCallbackSigner([]byte(cfg.CallbackSigningKey), cfg.CallbackTokenTTLDuration())
	if !signer.Enabled() {
		logger.Warn("callback verification disabled, CALLBACK_SIGNING_KEY is not set")
	}
	apiKeys := security.NewAPIKeyVerifier(cfg.AdminAPIKeyHash)
	if !apiKeys.Enabled() {
		logger.Warn("escalation API is unauthenticated, ADMIN_API_KEY_HASH is not set")
	}

	svc := escalation.NewService(repo, capability, escalation.Config{
		Primary:      domain.Contact{Name: cfg.PrimaryContactName, Address: cfg.PrimaryContact, Role: domain.RolePrimary},
		Secondary:    domain.Contact{Name: cfg.SecondaryContactName, Address: cfg.SecondaryContact, Role: domain.RoleSecondary},
		MaxAttempts:  cfg.MaxAttempts,
		CallbackBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		RingTimeout:  cfg.RingTimeout(),
	}, logger,
		escalation.WithSigner(signer),
		escalation.WithEmitter(emitters),
		escalation.WithMetrics(metrics),
		escalation.WithAttemptLogger(audit.NewLogger(repo, logger)),
	)

	hub := classifier.NewPushHub()
	router := webhook.NewRouter(svc, policy, capability, transfers, hub, webhook.Config{
		OperatorNumber: cfg.OperatorNumber,
		Messages:       webhook.DefaultMessages(),
	}, logger)

	classifierCfg := classifier.DefaultConfig()
	classifierCfg.MinAnswered = cfg.ClassifierMinAnsweredDuration()
	classifierCfg.MaxWait = cfg.ClassifierMaxWaitDuration()
	drv := driver.New(svc, classifier.New(classifierCfg, logger), hub, transfers, emitters, metrics, driver.Options{
		StepPause:  2 * time.Second,
		ErrorPause: time.Second,
		Location:   cfg.Location(),
	}, logger)

	var checks []healthhandler.Check
	if selection.Fallback && cfg.Env == "production" {
		checks = append(checks, func(context.Context) error {
			return fmt.Errorf("voice provider %s unavailable: %w", selection.Requested, selection.Err)
		})
	}
	health := healthhandler.NewServer(pinger, policy, checks...)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := server.NewEngine(server.HTTPDeps{
		Webhooks:  webhookhandler.New(svc, router, signer, apiKeys, webhookhandler.Voice{Language: cfg.VoiceLanguage}, logger),
		Simulator: driverhandler.New(drv, transfers, cfg.AllowedOrigins(), logger),
		Health:    health,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	grpcServer := server.NewGRPCServer(server.GRPCDeps{Health: health, Logger: logger})

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr), zap.String("provider", capability.Name()))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-errCh:
		logger.Error("server stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	logger.Info("servers stopped")
}

// newProvider builds the configured telephony backend. Construction failures never stop the
// process: the mock backend takes over and the selection records why.
func newProvider(cfg *config.Config, logger *zap.Logger) provider.Selection {
	kind, err := provider.ParseKind(cfg.VoiceProvider)
	if err != nil {
		return fallbackSelection(provider.Kind(cfg.VoiceProvider), err, logger)
	}
	vonageKey, err := readPEM(cfg.VonagePrivateKey)
	if err != nil {
		return fallbackSelection(kind, fmt.Errorf("vonage private key: %w", err), logger)
	}
	settings := provider.Settings{
		Kind: kind,
		Twilio: provider.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
		},
		Vonage: provider.VonageConfig{
			ApplicationID: cfg.VonageApplicationID,
			PrivateKeyPEM: vonageKey,
			APIKey:        cfg.VonageAPIKey,
			APISecret:     cfg.VonageAPISecret,
			FromNumber:    cfg.VonageFromNumber,
			Language:      cfg.VoiceLanguage,
		},
		Solapi: provider.SolapiConfig{
			APIKey:     cfg.SolapiAPIKey,
			APISecret:  cfg.SolapiAPISecret,
			FromNumber: cfg.SolapiFromNumber,
		},
		Guard: &provider.GuardOptions{
			Timeout:     cfg.ProviderTimeoutDuration(),
			MaxFailures: uint32(cfg.ProviderBreakerFailures),
		},
		Logger: logger,
	}
	sel := provider.NewWithFallback(settings)
	if sel.Fallback {
		logger.Error("VOICE PROVIDER UNAVAILABLE: calls are simulated by the mock backend",
			zap.String("requested", string(sel.Requested)), zap.String("env", cfg.Env), zap.Error(sel.Err))
	}
	return sel
}

func fallbackSelection(requested provider.Kind, err error, logger *zap.Logger) provider.Selection {
	logger.Error("VOICE PROVIDER UNAVAILABLE: calls are simulated by the mock backend",
		zap.String("requested", string(requested)), zap.Error(err))
	return provider.Selection{Capability: provider.NewMock(logger), Requested: requested, Fallback: true, Err: err}
}

// newTransferLog returns the Redis store when REDIS_ADDR is set, otherwise a swept in-memory store.
func newTransferLog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transferlog.Store, func()) {
	ttl := cfg.TransferLogTTLDuration()
	if cfg.RedisAddr != "" {
		client, err := transferlog.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal("transfer log", zap.Error(err))
		}
		logger.Info("transfer log: redis", zap.String("addr", cfg.RedisAddr))
		return transferlog.NewRedisStore(client, ttl), func() { _ = client.Close() }
	}
	store := transferlog.NewMemoryStore(ttl, cfg.TransferLogMaxEntries)
	sweepCtx, cancel := context.WithCancel(ctx)
	go store.RunSweeper(sweepCtx, time.Minute)
	return store, cancel
}

// readPEM returns s unchanged when it holds a PEM block, otherwise reads it as a file path.
func readPEM(s string) (string, error) {
	if s == "" || strings.Contains(s, "-----BEGIN") {
		return s, nil
	}
	b, err := os.ReadFile(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
