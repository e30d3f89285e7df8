package server

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	healthhandler "oncall-pager/internal/health/handler"
)

// GRPCDeps holds the services exposed over gRPC.
type GRPCDeps struct {
	// Health answers grpc.health.v1.Health. If nil, a server with no dependency checks is registered.
	Health *healthhandler.Server
	Logger *zap.Logger
}

// RegisterServices registers the gRPC services with the given registrar.
//
//   - grpc.health.v1.Health → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps GRPCDeps) {
	health := deps.Health
	if health == nil {
		health = healthhandler.NewServer(nil, nil)
	}
	healthpb.RegisterHealthServer(s, health)
}

// NewGRPCServer returns a gRPC server instrumented with otelgrpc and request logging, with
// the services from deps registered.
func NewGRPCServer(deps GRPCDeps) *grpc.Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(LoggingUnary(logger, map[string]bool{
			healthpb.Health_Check_FullMethodName: true,
		})),
	)
	RegisterServices(s, deps)
	return s
}

// LoggingUnary logs each RPC with its status code and latency. Methods in skipMethods are not logged.
func LoggingUnary(logger *zap.Logger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		logger.Info("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
