package handler

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 2 * time.Second

// Pinger is implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is implemented by the keypad OPA policy.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Check is an extra readiness condition; a non-nil error reports NOT_SERVING.
type Check func(ctx context.Context) error

// Server implements grpc.health.v1.Health for readiness/liveness. The empty service name and
// ServiceName report overall readiness; other names are NOT_FOUND.
type Server struct {
	healthpb.UnimplementedHealthServer
	pinger Pinger
	policy PolicyChecker
	checks []Check
}

// ServiceName is the named service clients can probe besides "".
const ServiceName = "oncall.Escalation"

// NewServer returns a health server. A nil pinger or policy checker is treated as healthy,
// so the in-memory deployment reports SERVING.
func NewServer(pinger Pinger, policy PolicyChecker, checks ...Check) *Server {
	return &Server{pinger: pinger, policy: policy, checks: checks}
}

// Check reports SERVING when the database answers a ping and the keypad policy evaluates.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if name := req.GetService(); name != "" && name != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", name)
	}
	return &healthpb.HealthCheckResponse{Status: s.status(ctx)}, nil
}

// Ready reports whether every dependency is reachable.
func (s *Server) Ready(ctx context.Context) bool {
	return s.status(ctx) == healthpb.HealthCheckResponse_SERVING
}

func (s *Server) status(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if s.pinger != nil {
		if err := s.pinger.PingContext(ctx); err != nil {
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	if s.policy != nil {
		if err := s.policy.HealthCheck(ctx); err != nil {
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	for _, check := range s.checks {
		if err := check(ctx); err != nil {
			return healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	return healthpb.HealthCheckResponse_SERVING
}
