package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerConfig builds a tls.Config for a listening socket from the
// configured material. The verify mode maps onto client-certificate
// requirements: none requests nothing, peer requests a certificate,
// client_once verifies one if given, fail_if_no_peer_cert requires and
// verifies one.
func (t TLSConfig) ServerConfig() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if t.CA != "" {
		pool, err := loadCertPool(t.CA)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}

	switch t.Verify {
	case "", "none":
		cfg.ClientAuth = tls.NoClientCert
	case "peer":
		cfg.ClientAuth = tls.RequestClientCert
	case "client_once":
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case "fail_if_no_peer_cert":
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unknown TLS verify mode %q", t.Verify)
	}

	return cfg, nil
}

// ClientConfig builds a tls.Config for an outbound connection. Verify mode
// none disables server-certificate verification; every other mode verifies
// against the configured CA bundle (or the system roots when none is set).
func (t TLSConfig) ClientConfig() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}

	cfg := &tls.Config{}

	if t.Verify == "none" {
		cfg.InsecureSkipVerify = true
	}

	if t.CA != "" {
		pool, err := loadCertPool(t.CA)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if t.Cert != "" && t.Key != "" {
		cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
		if err != nil {
			return nil, fmt.Errorf("loading TLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// loadCertPool reads a PEM bundle into a certificate pool.
func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in CA bundle %q", path)
	}
	return pool, nil
}
