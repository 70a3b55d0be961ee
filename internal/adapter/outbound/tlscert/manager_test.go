package tlscert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"), nil, opts...)
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		t.Fatal("no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert
}

func TestEnsureGeneratesMissingPair(t *testing.T) {
	m := newTestManager(t)
	if err := m.Ensure([]string{"localhost", "127.0.0.1"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	cert := readCert(t, m.CertFile)
	if cert.SignatureAlgorithm != x509.ECDSAWithSHA384 {
		t.Errorf("signature algorithm = %v", cert.SignatureAlgorithm)
	}
	validity := cert.NotAfter.Sub(cert.NotBefore)
	if validity != Validity {
		t.Errorf("validity = %v, want %v", validity, Validity)
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "localhost" {
		t.Errorf("DNS names = %v", cert.DNSNames)
	}
	if len(cert.IPAddresses) != 1 {
		t.Errorf("IP SANs = %v", cert.IPAddresses)
	}

	info, err := os.Stat(m.KeyFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestEnsureKeepsValidPair(t *testing.T) {
	m := newTestManager(t)
	if err := m.Ensure(nil); err != nil {
		t.Fatal(err)
	}
	before := readCert(t, m.CertFile).SerialNumber

	if err := m.Ensure(nil); err != nil {
		t.Fatal(err)
	}
	after := readCert(t, m.CertFile).SerialNumber
	if before.Cmp(after) != 0 {
		t.Error("valid pair was regenerated")
	}
}

func TestEnsureRenewsExpiringPair(t *testing.T) {
	now := time.Now()
	clock := &now
	m := newTestManager(t, WithClock(func() time.Time { return *clock }))
	if err := m.Ensure(nil); err != nil {
		t.Fatal(err)
	}
	before := readCert(t, m.CertFile).SerialNumber

	// Jump to inside the renewal window.
	later := now.Add(Validity - RenewBefore + time.Hour)
	clock = &later
	if err := m.Ensure(nil); err != nil {
		t.Fatal(err)
	}
	after := readCert(t, m.CertFile).SerialNumber
	if before.Cmp(after) == 0 {
		t.Error("expiring pair was not regenerated")
	}
}

func TestEnsureRejectsHalfPair(t *testing.T) {
	m := newTestManager(t)
	if err := m.Ensure(nil); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(m.KeyFile); err != nil {
		t.Fatal(err)
	}
	if err := m.Ensure(nil); !errors.Is(err, ErrMissingKeyPair) {
		t.Errorf("err = %v, want ErrMissingKeyPair", err)
	}
}

func TestValid(t *testing.T) {
	now := time.Now()
	clock := &now
	m := newTestManager(t, WithClock(func() time.Time { return *clock }))
	if err := m.Generate(nil); err != nil {
		t.Fatal(err)
	}

	ok, err := m.Valid()
	if err != nil || !ok {
		t.Errorf("Valid() = %v, %v; want true", ok, err)
	}

	later := now.Add(Validity - RenewBefore + time.Hour)
	clock = &later
	ok, err = m.Valid()
	if err != nil || ok {
		t.Errorf("Valid() inside renewal window = %v, %v; want false", ok, err)
	}
}

func TestServerTLSConfig(t *testing.T) {
	m := newTestManager(t)
	if err := m.Ensure(nil); err != nil {
		t.Fatal(err)
	}
	cfg, err := m.ServerTLSConfig()
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %x, want TLS 1.3", cfg.MinVersion)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates = %d", len(cfg.Certificates))
	}
}

func TestServerTLSConfigMissingFiles(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.ServerTLSConfig(); err == nil {
		t.Error("want error for missing pair")
	}
}
