package server

import (
	channelzservice "google.golang.org/grpc/channelz/service"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServiceName is the named service reported by the gRPC health
// endpoint alongside the overall ("") status.
const HealthServiceName = "xaheen.compat.v1.Compatibility"

// HealthMethodPrefix matches every method of the standard health service.
var HealthMethodPrefix = "/" + healthpb.Health_ServiceDesc.ServiceName + "/"

// GRPCServer owns the health state exposed on the gRPC listener.
type GRPCServer struct {
	health *health.Server
}

// GRPCOption configures [RegisterGRPCServices].
type GRPCOption func(*grpcConfig)

type grpcConfig struct {
	channelz   bool
	reflection bool
}

// WithChannelz registers the channelz introspection service.
func WithChannelz() GRPCOption {
	return func(c *grpcConfig) { c.channelz = true }
}

// WithReflection registers the server reflection service.
func WithReflection() GRPCOption {
	return func(c *grpcConfig) { c.reflection = true }
}

// RegisterGRPCServices registers the health service (and any optional
// introspection services) on registrar. Every service starts NOT_SERVING
// until [GRPCServer.SetServing] is called.
func RegisterGRPCServices(registrar reflection.GRPCServer, opts ...GRPCOption) *GRPCServer {
	var cfg grpcConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(registrar, healthServer)

	if cfg.channelz {
		channelzservice.RegisterChannelzServiceToServer(registrar)
	}
	if cfg.reflection {
		reflection.Register(registrar)
	}

	return &GRPCServer{health: healthServer}
}

// SetServing flips the overall and named service status.
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthServiceName, status)
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
}

// HealthServer exposes the underlying health implementation.
func (s *GRPCServer) HealthServer() healthpb.HealthServer {
	return s.health
}
