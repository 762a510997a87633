package rpcserver

import (
	"context"
	"fmt"
	"sort"

	"github.com/ndajr/shorturls/internal/datastore"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the name clients pass to Check for the shortener itself.
// An empty name reports the overall server health.
const ServiceName = "shorturls.v1.ShortURLs"

var _ healthpb.HealthServer = (*HealthService)(nil)

type HealthService struct {
	healthpb.UnimplementedHealthServer
	checks map[string]datastore.Pinger
}

func NewHealthService(checks map[string]datastore.Pinger) HealthService {
	return HealthService{checks: checks}
}

func (h HealthService) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != ServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := h.up(ctx); err != nil {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

func (h HealthService) up(ctx context.Context) error {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			return fmt.Errorf("health: %s not ok: %w", name, err)
		}
	}
	return nil
}
