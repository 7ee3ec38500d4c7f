// Package health publishes per-node channel availability over the standard
// gRPC health checking protocol. Every cognitive radio node is a health
// service named ServicePrefix+nodeID: SERVING while the node may transmit,
// NOT_SERVING otherwise.
package health

import (
	"context"
	"net"
	"sync"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/logging"
	"github.com/signalsfoundry/cognitive-radio-sim/model"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix prefixes the node ID in health service names.
const ServicePrefix = "crn.node."

// ServiceName returns the health service name of node.
func ServiceName(node model.NodeID) string { return ServicePrefix + string(node) }

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithUnaryInterceptor chains an additional unary interceptor after the
// request logger.
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) Option {
	return func(s *Server) {
		if i != nil {
			s.interceptors = append(s.interceptors, i)
		}
	}
}

// Server is a gRPC server exposing node availability.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	log    logging.Logger

	interceptors []grpc.UnaryServerInterceptor

	mu    sync.Mutex
	nodes map[model.NodeID]bool
}

// NewServer builds the server. The overall service ("") is SERVING until
// Stop is called.
func NewServer(opts ...Option) *Server {
	s := &Server{
		health: grpchealth.NewServer(),
		log:    logging.Noop(),
		nodes:  make(map[model.NodeID]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	chain := append([]grpc.UnaryServerInterceptor{RequestLoggerUnaryServerInterceptor(s.log)}, s.interceptors...)
	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// SetAvailability updates the health status of node. It implements the
// engine's availability sink.
func (s *Server) SetAvailability(node model.NodeID, available bool) {
	s.mu.Lock()
	prev, known := s.nodes[node]
	s.nodes[node] = available
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if available {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName(node), status)

	if !known || prev != available {
		s.log.Debug(context.Background(), "node availability changed",
			logging.String("node", string(node)),
			logging.Bool("available", available),
		)
	}
}

// Availability returns the last availability published for node.
func (s *Server) Availability(node model.NodeID) (available, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	available, known = s.nodes[node]
	return available, known
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info(context.Background(), "availability server listening", logging.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING so watchers are told, then stops
// the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
