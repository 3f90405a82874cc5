// Package grpcserver exposes the standard gRPC health service so that
// orchestrators can probe readiness without going through HTTP.
package grpcserver

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/bps-classifier/internal/logging"
)

// ServiceName is the health service name reported alongside the overall
// ("") status.
const ServiceName = "bps.classifier.v1.Classifier"

// ReadinessChecker reports whether the classifier can serve.
type ReadinessChecker interface {
	IsReady() bool
}

// HealthServer serves grpc.health.v1.Health.
type HealthServer struct {
	server  *grpc.Server
	health  *health.Server
	checker ReadinessChecker
	logger  *zap.Logger
}

// NewHealthServer registers the health service on a fresh gRPC server.
// The initial status is NOT_SERVING until Sync observes readiness.
func NewHealthServer(checker ReadinessChecker, logger *zap.Logger) *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	h := &HealthServer{server: srv, health: hs, checker: checker, logger: logger.Named("grpc_health")}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Sync copies the checker's readiness into the health status.
func (h *HealthServer) Sync() {
	if h.checker.IsReady() {
		h.set(healthpb.HealthCheckResponse_SERVING)
		return
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving on lis until Stop.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return logging.NewOperationError("grpcserver.serve", "", err)
	}
	return nil
}

// ListenAndServe listens on port and serves.
func (h *HealthServer) ListenAndServe(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return logging.NewOperationError("grpcserver.listen", "", err)
	}
	return h.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
