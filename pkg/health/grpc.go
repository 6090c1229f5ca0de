package health

import (
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewGRPCServer returns a gRPC server exposing the standard health service,
// fed by monitor. The empty service name reports overall health; each
// component is reported under its own name.
func NewGRPCServer(monitor *Monitor, opts ...grpc.ServerOption) *grpc.Server {
	server := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(server, NewGRPCHealth(monitor))
	return server
}

// NewGRPCHealth creates a health service that follows monitor's status
// changes.
func NewGRPCHealth(monitor *Monitor) *grpchealth.Server {
	hs := grpchealth.NewServer()

	sync := func() {
		for name, c := range monitor.GetAllHealth() {
			hs.SetServingStatus(name, servingStatus(c.Status))
		}
		overall := healthpb.HealthCheckResponse_SERVING
		if !monitor.IsHealthy() {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", overall)
	}

	sync()
	monitor.OnChange(func(string, HealthStatus) { sync() })
	return hs
}

func servingStatus(s HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case Healthy:
		return healthpb.HealthCheckResponse_SERVING
	case Unhealthy:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}
