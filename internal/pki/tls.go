// Package pki builds the TLS configuration used by the network transport
// when connecting to an IRC server over ircs://, optionally presenting a
// client certificate for SASL EXTERNAL authentication.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientOptions configures an outbound TLS connection to an IRC server.
type ClientOptions struct {
	ServerName string // SNI / certificate hostname verification target
	Verify     bool   // false disables certificate verification (ConnectionInfo.tls_verify)
	CACertPath string // optional: pin a specific CA bundle instead of the system pool
	// ClientCertPath/ClientKeyPath, when both set, present a client
	// certificate — required for SASL EXTERNAL.
	ClientCertPath string
	ClientKeyPath  string
}

// NewClientTLSConfig builds a *tls.Config for the network transport from the
// given options, grounded on the teacher's mTLS client config builder but
// trimmed to client-only use and made tolerant of a missing client cert
// (plain TLS, no SASL EXTERNAL) and a missing CA bundle (system root pool).
func NewClientTLSConfig(opts ClientOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: !opts.Verify,
	}

	if opts.CACertPath != "" {
		pool, err := loadCACertPool(opts.CACertPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if opts.ClientCertPath != "" && opts.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCertPath, opts.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// HasClientCert reports whether the options carry a client certificate,
// i.e. whether SASL EXTERNAL is feasible for this connection.
func (o ClientOptions) HasClientCert() bool {
	return o.ClientCertPath != "" && o.ClientKeyPath != ""
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
