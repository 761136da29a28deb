package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/hostagent/internal/config"
	"github.com/sheerbytes/hostagent/internal/logging"
	"github.com/sheerbytes/hostagent/internal/quictransport"
	"github.com/sheerbytes/hostagent/internal/upload"
	"github.com/sheerbytes/hostagent/internal/wsclient"
)

func main() {
	cfg := config.ParseSendConfig()
	if cfg.Source == "" || cfg.Dest == "" {
		fmt.Fprintln(os.Stderr, "usage: hostagent-send [--agent-url URL | --quic-addr ADDR] [--backup-suffix S] SRC DEST")
		os.Exit(2)
	}
	logger := logging.New("hostagent-send", cfg.LogLevel)

	data, err := os.ReadFile(cfg.Source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", cfg.Source, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	opts := upload.Options{BackupSuffix: cfg.BackupSuffix}
	if cfg.QUICAddr != "" {
		err = sendQUIC(ctx, cfg, data, opts, logger)
	} else {
		err = sendWebSocket(ctx, cfg, data, opts, logger)
	}
	if err != nil {
		logger.Error("upload failed", "src", cfg.Source, "dest", cfg.Dest, "error", err)
		os.Exit(1)
	}
	logger.Info("upload complete", "dest", cfg.Dest, "bytes", len(data))
}

func sendWebSocket(ctx context.Context, cfg config.SendConfig, data []byte, opts upload.Options, logger *slog.Logger) error {
	conn, err := wsclient.Dial(ctx, cfg.AgentURL, logger)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.AgentURL, err)
	}
	defer conn.Close()

	up := wsclient.NewUploader(conn, cfg.ChunkSize)
	go func() {
		if err := conn.ReadLoop(ctx, up.Handle); err != nil {
			logger.Debug("read loop ended", "error", err)
		}
	}()
	return up.Upload(ctx, cfg.Dest, data, opts.Strings())
}

func sendQUIC(ctx context.Context, cfg config.SendConfig, data []byte, opts upload.Options, logger *slog.Logger) error {
	conn, err := quictransport.Dial(ctx, cfg.QUICAddr, logger)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.QUICAddr, err)
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	up := quictransport.NewUploader(stream, cfg.ChunkSize)
	go func() {
		if err := up.ReadLoop(); err != nil {
			logger.Debug("read loop ended", "error", err)
		}
	}()
	return up.Upload(ctx, cfg.Dest, data, opts)
}
