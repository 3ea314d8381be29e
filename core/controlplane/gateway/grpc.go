package gateway

import (
	"context"
	"os"

	"github.com/cordum/plugind/core/infra/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is reported by the gRPC health service.
const ServiceName = "plugind"

func newGRPCServer(auth AuthProvider) (*grpc.Server, error) {
	creds := insecure.NewCredentials()
	if certFile := os.Getenv("PLUGIND_GRPC_TLS_CERT"); certFile != "" {
		keyFile := os.Getenv("PLUGIND_GRPC_TLS_KEY")
		if keyFile == "" {
			logging.Error("gateway", "grpc tls key missing", "cert", certFile)
		} else if tlsCreds, err := credentials.NewServerTLSFromFile(certFile, keyFile); err != nil {
			logging.Error("gateway", "grpc tls setup failed", "error", err)
		} else {
			creds = tlsCreds
		}
	}
	srv := grpc.NewServer(
		grpc.Creds(creds),
		grpc.UnaryInterceptor(apiKeyUnaryInterceptor(auth)),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, nil
}

// apiKeyUnaryInterceptor lets health checks through so orchestrators can
// probe without credentials.
func apiKeyUnaryInterceptor(auth AuthProvider) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if auth == nil || info.FullMethod == healthpb.Health_Check_FullMethodName {
			return handler(ctx, req)
		}
		authCtx, err := auth.AuthenticateGRPC(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(context.WithValue(ctx, authContextKey{}, authCtx), req)
	}
}
