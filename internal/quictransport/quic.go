// Package quictransport carries verb frames between senders and the agent
// over QUIC streams.
package quictransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for agent QUIC.
	ALPNProtocol = "hostagent-quic-v1"
)

// ServerConfig returns a TLS configuration for the QUIC listener. It loads
// certFile and keyFile when both are set and otherwise generates a
// self-signed certificate.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case certFile != "" && keyFile != "":
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("certificate and key must be set together")
	default:
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientConfig returns a TLS configuration for QUIC senders.
// Uses InsecureSkipVerify so self-signed agents are reachable.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// DefaultServerQUICConfig returns the default QUIC server config.
func DefaultServerQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             100,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// DefaultClientQUICConfig returns the default QUIC client config.
func DefaultClientQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     16 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// generateSelfSignedCert generates a self-signed certificate.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"hostagent"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Listen creates a QUIC listener on addr.
func Listen(addr string, tlsConfig *tls.Config, logger *slog.Logger) (*quic.Listener, error) {
	return ListenWithConfig(addr, tlsConfig, logger, nil)
}

// ListenWithConfig creates a QUIC listener on addr using a custom config.
func ListenWithConfig(addr string, tlsConfig *tls.Config, logger *slog.Logger, config *quic.Config) (*quic.Listener, error) {
	if config == nil {
		config = DefaultServerQUICConfig()
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, config)
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, err
	}

	logger.Info("QUIC listener created", "local_addr", listener.Addr())
	return listener, nil
}

// Dial creates a QUIC connection to the agent at addr.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*quic.Conn, error) {
	return DialWithConfig(ctx, addr, logger, nil)
}

// DialWithConfig creates a QUIC connection to the agent at addr using a custom config.
func DialWithConfig(ctx context.Context, addr string, logger *slog.Logger, config *quic.Config) (*quic.Conn, error) {
	if config == nil {
		config = DefaultClientQUICConfig()
	}

	logger.Info("QUIC dial starting", "remote_addr", addr)

	conn, err := quic.DialAddr(ctx, addr, ClientConfig(), config)
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, err
	}

	logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return conn, nil
}
