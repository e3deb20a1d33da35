package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name chatctl checks; the empty name reports the
// same status.
const HealthService = "chatd"

// AdminServer serves the gRPC health protocol on the node's Unix domain socket.
// Its status follows the node lifecycle machine: SERVING only while READY.
type AdminServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	unsubscribe func()
	done        chan struct{}
}

// NewAdminServer creates a gRPC server bound to socketPath.
func NewAdminServer(socketPath string, machine *status.Machine, b *bus.Bus, logger *zap.Logger) (*AdminServer, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &AdminServer{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger.Named("admin"),
		done:       make(chan struct{}),
	}

	events, unsub := b.Subscribe(bus.KindStatusChanged, 16)
	s.unsubscribe = unsub
	s.setServing(machine.Serving())
	go s.watch(events)
	return s, nil
}

func (s *AdminServer) watch(events <-chan bus.Event) {
	for {
		select {
		case evt := <-events:
			change, ok := evt.Payload.(status.StatusChange)
			if !ok {
				continue
			}
			s.logger.Info("node status changed", zap.String("from", string(change.From)), zap.String("to", string(change.To)))
			s.setServing(change.To == status.Ready)
		case <-s.done:
			return
		}
	}
}

func (s *AdminServer) setServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(HealthService, st)
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *AdminServer) Start() error {
	s.logger.Info("admin server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *AdminServer) Stop(_ context.Context) {
	s.logger.Info("admin server stopping")
	s.unsubscribe()
	close(s.done)
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// SocketPath returns the Unix socket the server listens on.
func (s *AdminServer) SocketPath() string {
	return s.socketPath
}
