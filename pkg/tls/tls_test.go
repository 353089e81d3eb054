package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSigned writes a self-signed CA certificate and its key to dir.
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "forecastd-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestConfig_Disabled(t *testing.T) {
	var c Config
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if cfg, err := c.Server(); cfg != nil || err != nil {
		t.Errorf("Server() = %v, %v", cfg, err)
	}
	if cfg, err := c.Client(); cfg != nil || err != nil {
		t.Errorf("Client() = %v, %v", cfg, err)
	}
}

func TestConfig_ServerAndClient(t *testing.T) {
	cert, key := writeSelfSigned(t, t.TempDir())
	c := Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: cert, ServerName: "localhost"}

	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	srv, err := c.Server()
	if err != nil {
		t.Fatalf("Server() error = %v", err)
	}
	if srv.ClientAuth != tls.RequireAndVerifyClientCert || srv.MinVersion != tls.VersionTLS13 {
		t.Errorf("server config = %+v", srv)
	}

	cli, err := c.Client()
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if len(cli.Certificates) != 1 || cli.RootCAs == nil || cli.ServerName != "localhost" {
		t.Errorf("client config = %+v", cli)
	}
}

func TestConfig_ClientWithoutCertificate(t *testing.T) {
	cli, err := Config{Enabled: true}.Client()
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if len(cli.Certificates) != 0 || cli.RootCAs != nil {
		t.Errorf("expected system roots and no client certificate, got %+v", cli)
	}
}

func TestConfig_Errors(t *testing.T) {
	cert, _ := writeSelfSigned(t, t.TempDir())

	tests := []struct {
		name string
		fn   func() error
	}{
		{"cert without key", func() error { return Config{Enabled: true, CertFile: cert}.Validate() }},
		{"missing file", func() error { return Config{Enabled: true, CAFile: "/nonexistent/ca.pem"}.Validate() }},
		{"server without CA", func() error {
			_, err := Config{Enabled: true, CertFile: cert, KeyFile: cert}.Server()
			return err
		}},
		{"bad CA", func() error {
			bad := filepath.Join(t.TempDir(), "bad.pem")
			_ = os.WriteFile(bad, []byte("not pem"), 0o600)
			_, err := Config{Enabled: true, CAFile: bad}.Client()
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
