package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRegistry returns the node's metric registry with the Go runtime and
// process collectors already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// MetricsServer exposes a registry on /metrics.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer binds addr. It returns nil, nil when addr is empty.
func NewMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) (*MetricsServer, error) {
	if addr == "" {
		return nil, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &MetricsServer{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: listener,
		logger:   logger.Named("metrics"),
	}, nil
}

// Start serves until Stop. Safe to call on nil receiver.
func (m *MetricsServer) Start() error {
	if m == nil {
		return nil
	}
	m.logger.Info("metrics server starting", zap.String("addr", m.listener.Addr().String()))
	if err := m.srv.Serve(m.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down. Safe to call on nil receiver.
func (m *MetricsServer) Stop(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}

// Addr returns the bound address.
func (m *MetricsServer) Addr() net.Addr {
	return m.listener.Addr()
}
