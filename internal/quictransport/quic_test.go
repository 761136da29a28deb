package quictransport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func hasALPN(config *tls.Config) bool {
	for _, proto := range config.NextProtos {
		if proto == ALPNProtocol {
			return true
		}
	}
	return false
}

func TestServerConfig(t *testing.T) {
	config, err := ServerConfig("", "")
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if len(config.Certificates) == 0 {
		t.Fatal("ServerConfig has no certificates")
	}
	if !hasALPN(config) {
		t.Errorf("ServerConfig NextProtos does not contain %s", ALPNProtocol)
	}

	cert := config.Certificates[0]
	if cert.PrivateKey == nil {
		t.Error("Certificate has no private key")
	}
	if len(cert.Certificate) == 0 {
		t.Error("Certificate has no certificate bytes")
	}
}

func TestServerConfig_LoadsKeyPair(t *testing.T) {
	generated, err := generateSelfSignedCert()
	if err != nil {
		t.Fatalf("generateSelfSignedCert: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(generated.PrivateKey)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "agent.crt")
	keyFile := filepath.Join(dir, "agent.key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: generated.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	config, err := ServerConfig(certFile, keyFile)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if string(config.Certificates[0].Certificate[0]) != string(generated.Certificate[0]) {
		t.Fatal("ServerConfig did not load the certificate from disk")
	}

	if _, err := ServerConfig(certFile, ""); err == nil {
		t.Fatal("expected error when only the certificate is set")
	}
	if _, err := ServerConfig(filepath.Join(dir, "missing.crt"), keyFile); err == nil {
		t.Fatal("expected error for a missing certificate file")
	}
}

func TestClientConfig(t *testing.T) {
	config := ClientConfig()
	if !config.InsecureSkipVerify {
		t.Error("ClientConfig InsecureSkipVerify should be true")
	}
	if !hasALPN(config) {
		t.Errorf("ClientConfig NextProtos does not contain %s", ALPNProtocol)
	}
}
