package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AgentConfig holds configuration for the agent binary.
type AgentConfig struct {
	Addr            string        // websocket and HTTP listener
	QUICAddr        string        // QUIC chunk ingress listener; empty disables it
	CertFile        string        // TLS certificate for QUIC; self-signed when empty
	KeyFile         string        // TLS key for QUIC
	LogLevel        string        // debug, info, warn, error
	LogFormat       string        // text or json
	MaxSlots        int           // outstanding chunk requests across all transfers
	SpillThreshold  int64         // in-memory out-of-order bytes per transfer before spilling
	ChunkTimeout    time.Duration // re-request outstanding chunks after this long; 0 disables
	MaxMessageBytes int64         // max websocket message size
	RegisterRate    float64       // registrations per second per connection; 0 disables the limit
	RegisterBurst   int
	WSIdleTimeout   time.Duration
	Metrics         bool // serve /metrics
}

// SendConfig holds configuration for the sender CLI.
type SendConfig struct {
	AgentURL     string
	QUICAddr     string // upload over QUIC to this address instead of websocket
	LogLevel     string
	Source       string // local file to upload
	Dest         string // destination path on the agent host
	BackupSuffix string // keep an existing destination as <dest><suffix>
	ChunkSize    int
	Timeout      time.Duration
}

// ParseAgentConfig parses agent configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseAgentConfig() AgentConfig {
	return parseAgentConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseAgentConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseAgentConfigWithFlagSet(fs *flag.FlagSet, args []string) AgentConfig {
	cfg := AgentConfig{
		Addr:            ":8080",
		LogLevel:        "info",
		LogFormat:       "text",
		MaxSlots:        20,
		SpillThreshold:  4 << 20,
		MaxMessageBytes: 8 << 20,
		RegisterRate:    10,
		RegisterBurst:   20,
		WSIdleTimeout:   10 * time.Minute,
		Metrics:         true,
	}

	// Read from environment first
	envString("HOSTAGENT_ADDR", &cfg.Addr)
	envString("HOSTAGENT_QUIC_ADDR", &cfg.QUICAddr)
	envString("HOSTAGENT_CERT_FILE", &cfg.CertFile)
	envString("HOSTAGENT_KEY_FILE", &cfg.KeyFile)
	envString("HOSTAGENT_LOG_LEVEL", &cfg.LogLevel)
	envString("HOSTAGENT_LOG_FORMAT", &cfg.LogFormat)
	envInt("HOSTAGENT_MAX_SLOTS", &cfg.MaxSlots)
	envInt64("HOSTAGENT_SPILL_THRESHOLD", &cfg.SpillThreshold)
	envDuration("HOSTAGENT_CHUNK_TIMEOUT", &cfg.ChunkTimeout)
	envInt64("HOSTAGENT_MAX_MESSAGE_BYTES", &cfg.MaxMessageBytes)
	envFloat("HOSTAGENT_REGISTER_RATE", &cfg.RegisterRate)
	envInt("HOSTAGENT_REGISTER_BURST", &cfg.RegisterBurst)
	envDuration("HOSTAGENT_WS_IDLE_TIMEOUT", &cfg.WSIdleTimeout)
	envBool("HOSTAGENT_METRICS", &cfg.Metrics)

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "websocket and HTTP listen address")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC listen address (empty disables)")
	fs.StringVar(&cfg.CertFile, "cert-file", cfg.CertFile, "TLS certificate for QUIC (self-signed when empty)")
	fs.StringVar(&cfg.KeyFile, "key-file", cfg.KeyFile, "TLS key for QUIC")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.IntVar(&cfg.MaxSlots, "max-slots", cfg.MaxSlots, "max outstanding chunk requests across all transfers")
	fs.Int64Var(&cfg.SpillThreshold, "spill-threshold", cfg.SpillThreshold, "out-of-order bytes held in memory per transfer (0 spills all, -1 never spills)")
	fs.DurationVar(&cfg.ChunkTimeout, "chunk-timeout", cfg.ChunkTimeout, "request a chunk again after this long (0 disables)")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "max websocket message size")
	fs.Float64Var(&cfg.RegisterRate, "register-rate", cfg.RegisterRate, "registrations per second per connection (0 disables)")
	fs.IntVar(&cfg.RegisterBurst, "register-burst", cfg.RegisterBurst, "registration burst per connection")
	fs.DurationVar(&cfg.WSIdleTimeout, "ws-idle-timeout", cfg.WSIdleTimeout, "websocket idle timeout")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "serve Prometheus metrics at /metrics")
	fs.Parse(args)

	return cfg
}

// Validate reports settings the agent cannot run with.
func (c AgentConfig) Validate() error {
	var errs []error
	if c.MaxSlots < 1 {
		errs = append(errs, fmt.Errorf("max slots must be at least 1, got %d", c.MaxSlots))
	}
	if c.MaxMessageBytes < 1024 {
		errs = append(errs, fmt.Errorf("max message bytes must be at least 1024, got %d", c.MaxMessageBytes))
	}
	if c.ChunkTimeout < 0 {
		errs = append(errs, fmt.Errorf("chunk timeout must not be negative, got %s", c.ChunkTimeout))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("cert file and key file must be set together"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ParseSendConfig parses sender configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseSendConfig() SendConfig {
	return parseSendConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseSendConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseSendConfigWithFlagSet(fs *flag.FlagSet, args []string) SendConfig {
	cfg := SendConfig{
		AgentURL:  "ws://localhost:8080/ws",
		LogLevel:  "info",
		ChunkSize: 64 << 10,
		Timeout:   10 * time.Minute,
	}

	envString("HOSTAGENT_AGENT_URL", &cfg.AgentURL)
	envString("HOSTAGENT_SEND_QUIC_ADDR", &cfg.QUICAddr)
	envString("HOSTAGENT_LOG_LEVEL", &cfg.LogLevel)

	fs.StringVar(&cfg.AgentURL, "agent-url", cfg.AgentURL, "agent websocket URL")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "agent QUIC address (overrides --agent-url)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Source, "src", cfg.Source, "local file to upload")
	fs.StringVar(&cfg.Dest, "dest", cfg.Dest, "destination path on the agent host")
	fs.StringVar(&cfg.BackupSuffix, "backup-suffix", cfg.BackupSuffix, "keep an existing destination as <dest><suffix>")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in bytes")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "give up after this long")
	fs.Parse(args)

	// Positional form: hostagent-send SRC DEST
	if rest := fs.Args(); len(rest) == 2 && cfg.Source == "" && cfg.Dest == "" {
		cfg.Source, cfg.Dest = rest[0], rest[1]
	}
	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		*dst = v
	}
}

func envInt64(key string, dst *int64) {
	if v, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64); err == nil {
		*dst = v
	}
}

func envFloat(key string, dst *float64) {
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64); err == nil {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		*dst = v
	}
}
