package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/ndajr/shorturls/internal/datastore"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server exposes the standard gRPC health protocol for orchestrators that
// probe over gRPC.
type Server struct {
	logger     *slog.Logger
	grpcServer *grpc.Server

	HealthService HealthService
}

func NewServer(logger *slog.Logger, checks map[string]datastore.Pinger) *Server {
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)

	srv := &Server{
		logger:        logger,
		grpcServer:    grpcServer,
		HealthService: NewHealthService(checks),
	}
	srv.registerServices(grpcServer)
	grpc_prometheus.Register(grpcServer)
	return srv
}

func (s *Server) registerServices(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.HealthService)
	reflection.Register(srv)
}

// Run serves on address until ctx is done. wg is released once the server
// has stopped.
func (s *Server) Run(ctx context.Context, address string, wg *sync.WaitGroup) (net.Addr, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	go func() {
		s.logger.Info("starting shorturls gRPC service", "addr", lis.Addr().String())
		if serveErr := s.grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server failed to serve", "error", serveErr)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		s.logger.Info("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	return lis.Addr(), nil
}
