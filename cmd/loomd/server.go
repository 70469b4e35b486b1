package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/queryloom/loom/config"
	"github.com/queryloom/loom/engine"
	"github.com/queryloom/loom/internal/metrics"
	"github.com/queryloom/loom/internal/telemetry"
)

// Server hosts the operational HTTP endpoint next to the engine: /metrics,
// /healthz, and a read-only /status snapshot.
type Server struct {
	cfg       *config.Config
	engine    *engine.Engine
	logger    *zap.Logger
	telemetry *telemetry.Providers

	collector *metrics.Collector
	httpSrv   *http.Server
	stopDepth chan struct{}
}

func NewServer(cfg *config.Config, eng *engine.Engine, logger *zap.Logger, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:       cfg,
		engine:    eng,
		logger:    logger.With(zap.String("component", "server")),
		telemetry: providers,
		stopDepth: make(chan struct{}),
	}
}

// Start wires the metrics collector to the event bus and begins serving.
func (s *Server) Start() error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("loom", reg, s.logger)
	s.collector.Bind(s.engine.Bus())
	go s.pollQueueDepth()

	if s.cfg.Telemetry.Enabled {
		tracer := telemetry.NewBusTracer(s.telemetry.Tracer("loom"), s.logger)
		tracer.Bind(s.engine.Bus())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)

	s.httpSrv = &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then shuts everything down
// within the configured timeout.
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	close(s.stopDepth)
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := s.engine.Shutdown(ctx); err != nil {
		s.logger.Warn("engine shutdown failed", zap.Error(err))
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

func (s *Server) pollQueueDepth() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.collector.SetQueueDepth(s.engine.QueueStats().Queued)
		case <-s.stopDepth:
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleStatus reports breaker and queue state for operators.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"breakers": s.engine.Breakers(),
		"queue":    s.engine.QueueStats(),
		"agents":   s.engine.AgentMetrics(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode status", zap.Error(err))
	}
}
