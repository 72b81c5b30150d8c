package grpc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/safego"
)

const (
	probeInterval = 10 * time.Second
	probeTimeout  = 2 * time.Second
)

// Probe reports whether one dependency is usable.
type Probe func(ctx context.Context) error

// Server serves the gRPC health protocol. The overall service ("") and every probe name are
// reported; the overall status is SERVING only while every probe passes.
type Server struct {
	gsrv        *grpc.Server
	health      *health.Server
	logger      domain.Logger
	cfgProvider config.Provider
	appCtx      context.Context
	cancelCtx   context.CancelFunc

	probes map[string]Probe
}

// NewServer creates a new gRPC server instance.
func NewServer(appCtx context.Context, logger domain.Logger, cfgProvider config.Provider, probes map[string]Probe) (*Server, error) {
	gsrv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gsrv, hs)
	reflection.Register(gsrv)

	serverLifecycleCtx, serverLifecycleCancel := context.WithCancel(appCtx)
	s := &Server{
		gsrv:        gsrv,
		health:      hs,
		logger:      logger,
		cfgProvider: cfgProvider,
		appCtx:      serverLifecycleCtx,
		cancelCtx:   serverLifecycleCancel,
		probes:      probes,
	}
	s.Check(serverLifecycleCtx)
	return s, nil
}

// Start listens on server.grpc_port and serves in the background.
func (s *Server) Start() error {
	grpcPort := s.cfgProvider.Get().Server.GRPCPort
	if grpcPort == 0 {
		s.logger.Warn(s.appCtx, "gRPC port is not configured or is 0. gRPC server will not start.")
		return fmt.Errorf("gRPC port not configured")
	}
	addr := fmt.Sprintf(":%d", grpcPort)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error(s.appCtx, "Failed to listen for gRPC", "address", addr, "error", err)
		return fmt.Errorf("failed to listen for gRPC on %s: %w", addr, err)
	}
	s.logger.Info(s.appCtx, "gRPC server starting", "address", addr)
	s.Serve(lis)
	return nil
}

// Serve serves on lis in the background and keeps the health statuses current.
func (s *Server) Serve(lis net.Listener) {
	safego.Execute(s.appCtx, s.logger, "GRPCServerServe", func() {
		if err := s.gsrv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			s.logger.Error(s.appCtx, "gRPC server failed to serve", "error", err)
		}
		s.cancelCtx()
	})

	safego.Execute(s.appCtx, s.logger, "GRPCHealthProbeLoop", func() {
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Check(s.appCtx)
			case <-s.appCtx.Done():
				s.health.Shutdown()
				s.gsrv.GracefulStop()
				s.logger.Info(context.Background(), "gRPC server gracefully stopped.")
				return
			}
		}
	})
}

// Check runs every probe, updates the health statuses and returns them by name.
func (s *Server) Check(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := s.probes[name](probeCtx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		statuses[name] = "connected"
		if err != nil {
			ready = false
			status = healthpb.HealthCheckResponse_NOT_SERVING
			statuses[name] = "disconnected"
			s.logger.Warn(ctx, "Readiness probe failed", "dependency", name, "error", err.Error())
		}
		s.health.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !ready {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	return statuses, ready
}

// GracefulStop cancels the server's lifecycle context, which stops it.
func (s *Server) GracefulStop() {
	s.logger.Info(s.appCtx, "GracefulStop called for gRPC server.")
	s.cancelCtx()
}
