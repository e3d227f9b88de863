// Package server wires the proxy engine into an HTTP server with
// lifecycle management.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/asmyshlyaev177/test-proxy-recorder/internal/config"
	"github.com/asmyshlyaev177/test-proxy-recorder/internal/logger"
	"github.com/asmyshlyaev177/test-proxy-recorder/internal/printer"
	"github.com/asmyshlyaev177/test-proxy-recorder/internal/proxy"
	"github.com/asmyshlyaev177/test-proxy-recorder/internal/storage"
)

// PortEnvVar is exported on successful bind so child processes (test
// runners, helpers) can discover the proxy port.
const PortEnvVar = "TEST_PROXY_RECORDER_PORT"

// Server hosts the proxy engine.
type Server struct {
	config  *config.Config
	logger  logger.Logger
	engine  *proxy.Engine
	httpSrv *http.Server
}

// New assembles the full proxy stack from validated configuration.
func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	store := storage.New(cfg.Recordings.Dir, log)
	pr := printer.NewConsolePrinter(cfg.Output.Silent)

	engine, err := proxy.NewEngine(cfg, store, log, pr)
	if err != nil {
		return nil, err
	}

	return &Server{
		config: cfg,
		logger: log,
		engine: engine,
	}, nil
}

// Start binds the listener, exports the port, and serves until a
// shutdown signal arrives.
func (s *Server) Start() error {
	router := mux.NewRouter()
	if s.config.Metrics.Enable {
		router.Handle(proxy.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}
	router.PathPrefix("/").Handler(s.engine)

	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if s.config.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.Server.MaxConns)
	}

	if err := os.Setenv(PortEnvVar, strconv.Itoa(s.config.Server.Port)); err != nil {
		s.logger.Warn("Failed to export port variable", "var", PortEnvVar, "error", err)
	}

	s.httpSrv = &http.Server{
		Handler:     router,
		ReadTimeout: time.Duration(s.config.Server.ReadTimeoutSec) * time.Second,
		IdleTimeout: time.Duration(s.config.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Info("Proxy listening",
		"addr", addr,
		"targets", s.config.Targets,
		"recordings_dir", s.config.Recordings.Dir,
		"metrics", s.config.Metrics.Enable,
	)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Server failed", "error", err)
		}
	}()

	s.waitForShutdown()
	return nil
}

func (s *Server) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	s.logger.Info("Shutting down proxy...")
	s.shutdown()
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("Server forced to shutdown", "error", err)
	}

	// Flushes any active record session to disk.
	s.engine.Shutdown()
	s.logger.Info("Proxy exited")
}

// Stop terminates the server programmatically, without waiting for a
// signal.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(ctx)
	s.engine.Shutdown()
	return err
}
