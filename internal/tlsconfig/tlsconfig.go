// Package tlsconfig builds the *tls.Config the gateway's WebSocket listener
// terminates TLS with, and loads the CA set used to accept (but not require)
// client certificates. Auth in this system is token-based; TLS is purely
// transport security.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/LiangLiang723/tabby-connection-gateway/internal/config"
)

// Build constructs a *tls.Config from the given TLS configuration and
// returns the subject lines of every configured client-CA certificate for
// startup logging. It returns (nil, nil, nil) when no certificate/key pair
// is configured, signaling that the listener should serve plaintext
// WebSocket connections.
func Build(cfg config.TLSConfig) (*tls.Config, []string, error) {
	if !cfg.Enabled() {
		return nil, nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading server certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	var subjects []string
	if len(cfg.ClientCAFiles) > 0 {
		pool := x509.NewCertPool()
		for _, path := range cfg.ClientCAFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, nil, fmt.Errorf("reading client CA file %q: %w", path, err)
			}
			if !pool.AppendCertsFromPEM(data) {
				return nil, nil, fmt.Errorf("no certificates found in client CA file %q", path)
			}
			certs, err := parsePEMCertificates(data)
			if err != nil {
				return nil, nil, fmt.Errorf("parsing client CA file %q: %w", path, err)
			}
			for _, c := range certs {
				subjects = append(subjects, c.Subject.String())
			}
		}
		tlsCfg.ClientCAs = pool
		// Accepted if presented and signed by a configured CA, but never
		// required — the core authenticates via auth_token, not client certs.
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsCfg, subjects, nil
}

// parsePEMCertificates decodes every PEM-encoded CERTIFICATE block in data.
func parsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
