// Package health serves the standard gRPC health checking protocol. The
// detector service reports SERVING while detections keep arriving.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/banshee-data/posebench/internal/monitoring"
	"github.com/banshee-data/posebench/internal/timeutil"
)

var logf = monitoring.Component("health")

// DetectorService is the health service name tracking detector freshness.
const DetectorService = "posebench.Detector"

// DetectionSource reports when the last valid detection arrived.
// broadcaster.Broadcaster implements it.
type DetectionSource interface {
	LastDetection() time.Time
}

// Config holds construction options for a Server.
type Config struct {
	ListenAddr string
	// StaleAfter is how long without detections before the detector is
	// reported NOT_SERVING.
	StaleAfter time.Duration
	// PollInterval is how often freshness is re-evaluated.
	PollInterval time.Duration
	Clock        timeutil.Clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		StaleAfter:   2 * time.Second,
		PollInterval: 500 * time.Millisecond,
		Clock:        timeutil.RealClock{},
	}
}

// Server is a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	config Config
	source DetectionSource
	health *health.Server

	running  atomic.Bool
	server   *grpc.Server
	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer returns a server watching source. Nothing is served until Start.
func NewServer(cfg Config, source DetectionSource) *Server {
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	s := &Server{
		config: cfg,
		source: source,
		health: health.NewServer(),
		stopCh: make(chan struct{}),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(DetectorService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// DetectorStatus evaluates detector freshness now.
func (s *Server) DetectorStatus() healthpb.HealthCheckResponse_ServingStatus {
	last := s.source.LastDetection()
	if last.IsZero() || s.config.Clock.Since(last) > s.config.StaleAfter {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Check returns the current status of service. It is the in-process form
// of the Check RPC.
func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

func (s *Server) watch() {
	defer s.wg.Done()
	ticker := s.config.Clock.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_NOT_SERVING
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C():
			status := s.DetectorStatus()
			if status != last {
				logf("%s is now %s", DetectorService, status)
				last = status
			}
			s.health.SetServingStatus(DetectorService, status)
		}
	}
}

// Start listens on ListenAddr and serves until Stop.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.running.Store(true)

	s.wg.Add(2)
	go s.watch()
	go func() {
		defer s.wg.Done()
		logf("gRPC health listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks every service NOT_SERVING and gracefully stops the server.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	close(s.stopCh)
	s.health.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
	logf("gRPC health server stopped")
}
