// Package tlscert manages the gateway's self-signed server certificate: it
// generates the pair when missing, renews it ahead of expiry, and builds the
// server's TLS configuration. The cert/key files are the only state this
// process persists.
package tlscert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	// Validity is how long a freshly generated certificate lasts.
	Validity = 90 * 24 * time.Hour
	// RenewBefore is the threshold at which Ensure regenerates an expiring pair.
	RenewBefore = 7 * 24 * time.Hour
)

// ErrMissingKeyPair means only one of the cert/key files exists. This is a
// startup-fatal condition: guessing which half to trust would be worse than
// refusing to serve.
var ErrMissingKeyPair = errors.New("tlscert: certificate and key files must both exist or both be absent")

// Manager owns one certificate pair on disk.
type Manager struct {
	CertFile string
	KeyFile  string

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (useful for testing).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager for the given file pair.
func NewManager(certFile, keyFile string, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		CertFile: certFile,
		KeyFile:  keyFile,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure makes a usable pair exist on disk: it keeps a pair that is valid
// beyond the renewal threshold, regenerates one that is missing or expiring,
// and fails when exactly one of the two files exists.
func (m *Manager) Ensure(hosts []string) error {
	certExists := fileExists(m.CertFile)
	keyExists := fileExists(m.KeyFile)
	if certExists != keyExists {
		return ErrMissingKeyPair
	}
	if certExists {
		ok, err := m.Valid()
		if err != nil {
			m.logger.Warn("existing certificate unreadable, regenerating", "cert", m.CertFile, "error", err)
		} else if ok {
			return nil
		} else {
			m.logger.Info("certificate expiring, regenerating", "cert", m.CertFile)
		}
	}
	return m.Generate(hosts)
}

// Valid reports whether the on-disk certificate stays valid beyond the
// renewal threshold.
func (m *Manager) Valid() (bool, error) {
	data, err := os.ReadFile(m.CertFile)
	if err != nil {
		return false, fmt.Errorf("tlscert: read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return false, errors.New("tlscert: no certificate PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("tlscert: parse certificate: %w", err)
	}
	return m.now().Add(RenewBefore).Before(cert.NotAfter), nil
}

// Generate writes a fresh self-signed ECDSA P-384 pair for the given hosts.
func (m *Manager) Generate(hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return fmt.Errorf("tlscert: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("tlscert: generate serial: %w", err)
	}

	notBefore := m.now().Add(-time.Hour)
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "wardgate", Organization: []string{"WardGate"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.ECDSAWithSHA384,
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("tlscert: create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("tlscert: marshal key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.CertFile), 0o700); err != nil {
		return fmt.Errorf("tlscert: create directory: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(m.CertFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("tlscert: write certificate: %w", err)
	}
	if err := os.WriteFile(m.KeyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("tlscert: write key: %w", err)
	}

	m.logger.Info("generated self-signed certificate",
		"cert", m.CertFile,
		"hosts", hosts,
		"not_after", template.NotAfter)
	return nil
}

// ServerTLSConfig loads the pair and returns a TLS 1.3 server configuration.
func (m *Manager) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tlscert: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
