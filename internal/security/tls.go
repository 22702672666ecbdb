package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig names the PEM files for a TLS endpoint
type TLSConfig struct {
	CertFile string
	KeyFile  string

	// CAFile verifies peers: brokers for clients, callers for servers
	// with ClientAuth set
	CAFile string

	ClientAuth         bool
	InsecureSkipVerify bool

	// MinVersion is "1.2" or "1.3"; empty means 1.2
	MinVersion string
}

// ServerEnabled reports whether a certificate and key are configured
func (c TLSConfig) ServerEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// ServerTLSConfig builds the configuration for a listener. ClientAuth
// requires a CA file to verify caller certificates.
func ServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.ServerEnabled() {
		return nil, fmt.Errorf("server TLS needs both cert_file and key_file")
	}

	tlsConfig, err := baseConfig(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.ClientAuth {
		if cfg.CAFile == "" {
			return nil, fmt.Errorf("client_auth needs ca_file")
		}
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

// ClientTLSConfig builds the configuration for an outbound connection.
// Cert and key are optional and enable mutual TLS.
func ClientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsConfig, err := baseConfig(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify

	return tlsConfig, nil
}

func baseConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	switch cfg.MinVersion {
	case "", "1.2":
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS min version: %s", cfg.MinVersion)
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate and key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}
