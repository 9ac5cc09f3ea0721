package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"trellis/internal/observability"
)

// newGRPCServer builds the gRPC server that carries the health service.
// Health starts NOT_SERVING and flips once startup completes.
func newGRPCServer(metrics *observability.Metrics, logger *slog.Logger, enableReflection bool) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(metricsUnaryInterceptor(metrics, logger)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if enableReflection {
		reflection.Register(server)
	}
	return server, healthServer
}

func metricsUnaryInterceptor(metrics *observability.Metrics, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !shouldTrackMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		span := metrics.Start(info.FullMethod)
		start := time.Now()
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && logger != nil {
			logger.WarnContext(ctx, "grpc unary error", "method", info.FullMethod, "duration", time.Since(start), "err", err)
		}
		return resp, err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
