// ABOUTME: gRPC server construction exposing the standard grpc.health.v1 service
// ABOUTME: Serving status follows the gateway lifecycle so load balancers can drain it

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthServiceName is the service name reported alongside the overall status.
const HealthServiceName = "converto.gateway"

// createGRPCServer creates a gRPC server with the health service registered.
// The status starts NOT_SERVING until Run opens the listeners.
func createGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	logger.Debug("gRPC health service registered", "service", HealthServiceName)
	return server, hs
}

// setServing flips the health status. No-op without a gRPC server.
func (g *Gateway) setServing(serving bool) {
	if g.healthServer == nil {
		return
	}
	if !serving {
		g.healthServer.Shutdown()
		return
	}
	g.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.healthServer.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
}
