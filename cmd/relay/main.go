package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/socket-relay/internal/config"
	"github.com/omochice/socket-relay/internal/logging"
	"github.com/omochice/socket-relay/internal/metrics"
	"github.com/omochice/socket-relay/internal/relay"
	"github.com/omochice/socket-relay/internal/transport/mux"
	"github.com/omochice/socket-relay/internal/transport/tcp"
	"github.com/omochice/socket-relay/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

// server is the lifecycle shared by the TCP, WebSocket and mux servers.
type server interface {
	Listen() error
	Serve() error
	Stop()
}

func run() error {
	cfg, dotenv, err := config.Load()
	if err != nil {
		return err
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Serve TCP and WebSocket on one port (e.g., :8080)")
	flag.StringVar(&cfg.WSAddr, "ws", cfg.WSAddr, "WebSocket listen address, empty to disable")
	flag.StringVar(&cfg.TCPAddr, "tcp", cfg.TCPAddr, "TCP listen address, empty to disable")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Metrics and health listen address, empty to disable")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if !dotenv {
		logger.Debug("no .env file found, using environment variables")
	}

	reg := metrics.NewRegistry()
	r := relay.New(logger, metrics.NewRelayMetrics(reg))

	servers, err := buildServers(cfg, r, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.Serve(); err != nil && !isStopped(err) {
				return err
			}
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := newMetricsServer(cfg.MetricsAddr, reg, r)
		g.Go(func() error {
			logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		for _, srv := range servers {
			srv.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}

// buildServers binds every enabled listener before anything is served, so
// address errors surface at startup.
func buildServers(cfg *config.Config, r *relay.Relay, logger *zap.Logger) ([]server, error) {
	tcpOpts := tcp.Options{MaxMessageSize: cfg.MaxMessageSize, WriteTimeout: cfg.WriteTimeout}
	wsOpts := ws.Options{MaxMessageSize: cfg.MaxMessageSize, WriteTimeout: cfg.WriteTimeout}

	var servers []server
	if cfg.Mux() {
		servers = append(servers, mux.New(cfg.Addr,
			tcp.New("", r, tcpOpts, logger),
			ws.New("", r, wsOpts, logger),
			cfg.SniffTimeout, logger))
	} else {
		if cfg.TCPAddr != "" {
			servers = append(servers, tcp.New(cfg.TCPAddr, r, tcpOpts, logger))
		}
		if cfg.WSAddr != "" {
			servers = append(servers, ws.New(cfg.WSAddr, r, wsOpts, logger))
		}
	}

	for i, srv := range servers {
		if err := srv.Listen(); err != nil {
			for _, bound := range servers[:i] {
				bound.Stop()
			}
			return nil, err
		}
	}
	return servers, nil
}

func isStopped(err error) bool {
	return errors.Is(err, tcp.ErrServerStopped) ||
		errors.Is(err, ws.ErrServerStopped) ||
		errors.Is(err, mux.ErrServerStopped)
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func newMetricsServer(addr string, reg *prometheus.Registry, r *relay.Relay) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", metrics.Handler(reg))
	m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Clients: r.Registry().Len()})
	})
	return &http.Server{
		Addr:              addr,
		Handler:           m,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
