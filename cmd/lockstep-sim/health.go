package main

import (
	"context"
	"net"

	"github.com/signalsfoundry/lockstep-client/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// sessionHealthService is the service name orchestrators check.
const sessionHealthService = "lockstep.Session"

// healthService answers grpc.health.v1 checks: SERVING while a session runs.
type healthService struct {
	server *grpc.Server
	status *health.Server
}

func newHealthService(opts ...otelgrpc.Option) *healthService {
	h := &healthService{
		server: grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler(opts...))),
		status: health.NewServer(),
	}
	healthpb.RegisterHealthServer(h.server, h.status)
	h.status.SetServingStatus(sessionHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// serveHealth listens on addr. An empty addr disables the service and
// returns nil, which every method accepts.
func serveHealth(addr string, log logging.Logger) (*healthService, error) {
	if addr == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	h := newHealthService()
	go func() {
		if err := h.server.Serve(lis); err != nil {
			log.Warn(context.Background(), "health server exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving gRPC health", logging.String("addr", addr))
	return h, nil
}

func (h *healthService) setServing(serving bool) {
	if h == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.status.SetServingStatus(sessionHealthService, status)
}

func (h *healthService) stop() {
	if h == nil {
		return
	}
	h.status.Shutdown()
	h.server.GracefulStop()
}
