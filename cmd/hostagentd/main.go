package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/hostagent/internal/config"
	"github.com/sheerbytes/hostagent/internal/filehandler"
	"github.com/sheerbytes/hostagent/internal/logging"
	"github.com/sheerbytes/hostagent/internal/metrics"
	"github.com/sheerbytes/hostagent/internal/peers"
	"github.com/sheerbytes/hostagent/internal/quictransport"
	"github.com/sheerbytes/hostagent/internal/server"
)

const agentVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printAgentUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(os.Stdout, agentVersion)
		return
	}
	cfg := config.ParseAgentConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewWithFormat("hostagentd", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rec metrics.Recorder = metrics.NoopRecorder{}
	var metricsHandler http.Handler
	if cfg.Metrics {
		reg := prom.NewRegistry()
		rec = metrics.NewPrometheusRecorder(reg)
		metricsHandler = metrics.HTTPHandler(reg)
	}

	hub := peers.NewHub(logger)
	handler := filehandler.New(filehandler.Config{
		MaxSlots:       cfg.MaxSlots,
		SpillThreshold: cfg.SpillThreshold,
		ChunkTimeout:   cfg.ChunkTimeout,
	}, hub, logger, rec)

	srv := server.New(handler, hub, logger, server.Options{
		MaxSlots:        cfg.MaxSlots,
		MaxMessageBytes: cfg.MaxMessageBytes,
		RegisterRate:    cfg.RegisterRate,
		RegisterBurst:   cfg.RegisterBurst,
		IdleTimeout:     cfg.WSIdleTimeout,
		Metrics:         metricsHandler,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return handler.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("agent listening", "addr", cfg.Addr, "version", agentVersion)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.QUICAddr != "" {
		tlsConf, err := quictransport.ServerConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			logger.Error("QUIC TLS setup failed", "error", err)
			os.Exit(1)
		}
		ln, err := quictransport.Listen(cfg.QUICAddr, tlsConf, logger)
		if err != nil {
			os.Exit(1)
		}
		g.Go(func() error {
			<-gctx.Done()
			return ln.Close()
		})
		g.Go(func() error {
			return quictransport.NewServer(handler, hub, logger).Serve(gctx, ln)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

func printAgentUsage() {
	fmt.Fprintln(os.Stderr, "usage: hostagentd [--addr ADDR] [--quic-addr ADDR] [--max-slots N] [--metrics]")
	fmt.Fprintln(os.Stderr, "  --addr ADDR              websocket and HTTP listen address (default :8080)")
	fmt.Fprintln(os.Stderr, "  --quic-addr ADDR         QUIC listen address, empty disables (default \"\")")
	fmt.Fprintln(os.Stderr, "  --cert-file PATH         TLS certificate for QUIC (self-signed when empty)")
	fmt.Fprintln(os.Stderr, "  --key-file PATH          TLS key for QUIC")
	fmt.Fprintln(os.Stderr, "  --max-slots N            outstanding chunk requests across all transfers (default 20)")
	fmt.Fprintln(os.Stderr, "  --spill-threshold N      out-of-order bytes held in memory per transfer (default 4194304)")
	fmt.Fprintln(os.Stderr, "  --chunk-timeout DUR      request a chunk again after this long, 0 disables (default 0)")
	fmt.Fprintln(os.Stderr, "  --max-message-bytes N    max websocket message size (default 8388608)")
	fmt.Fprintln(os.Stderr, "  --register-rate N        registrations per second per connection (default 10)")
	fmt.Fprintln(os.Stderr, "  --register-burst N       registration burst per connection (default 20)")
	fmt.Fprintln(os.Stderr, "  --ws-idle-timeout DUR    websocket idle timeout (default 10m)")
	fmt.Fprintln(os.Stderr, "  --log-level LEVEL        debug, info, warn, error (default info)")
	fmt.Fprintln(os.Stderr, "  --log-format FORMAT      text or json (default text)")
	fmt.Fprintln(os.Stderr, "  --metrics                serve Prometheus metrics at /metrics (default true)")
	fmt.Fprintln(os.Stderr, "  --version                print version")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
