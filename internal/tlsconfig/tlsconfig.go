// Package tlsconfig builds client TLS configurations from certificate
// files, CA bundles and PKCS#12 archives.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"tcpreq/util"
)

// Options names the TLS material to load.  All paths are optional.
type Options struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	PFXFile    string
	Passphrase string
	ServerName string
	Insecure   bool
	ALPN       []string
	MinVersion string // "1.0" … "1.3", default "1.2"
}

// Enabled reports whether any TLS material or flag was given.
func (o Options) Enabled() bool {
	return o.CertFile != "" || o.CAFile != "" || o.PFXFile != "" || o.Insecure || o.ServerName != ""
}

// Provider hands out per-destination copies of a base configuration.
type Provider struct {
	base *tls.Config
}

// New loads the material named by opts.  Insecure mode is logged as a
// warning because it disables peer verification.
func New(opts Options, logger *util.Logger) (*Provider, error) {
	minVersion, err := parseVersion(opts.MinVersion)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:         minVersion,
		ServerName:         opts.ServerName,
		NextProtos:         opts.ALPN,
		InsecureSkipVerify: opts.Insecure, //nolint:gosec
	}
	if opts.Insecure && logger != nil {
		logger.Warn("TLS certificate verification is disabled")
	}

	if opts.CAFile != "" {
		pool, err := loadCA(opts.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	switch {
	case opts.PFXFile != "":
		cert, err := loadPFX(opts.PFXFile, opts.Passphrase)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	case opts.CertFile != "":
		if opts.KeyFile == "" {
			return nil, fmt.Errorf("tls: cert %s given without a key", opts.CertFile)
		}
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return &Provider{base: cfg}, nil
}

// ClientConfig returns a copy of the base configuration with ServerName
// defaulted to host.
func (p *Provider) ClientConfig(host string) (*tls.Config, error) {
	cfg := p.base.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg, nil
}

func loadCA(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("tls: no certificates found in %s", path)
	}
	return pool, nil
}

func loadPFX(path, passphrase string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: read pfx: %w", err)
	}
	blocks, err := pkcs12.ToPEM(data, passphrase)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: decode pfx: %w", err)
	}
	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}
	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: pfx key pair: %w", err)
	}
	return cert, nil
}

func parseVersion(s string) (uint16, error) {
	switch strings.TrimSpace(s) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.0":
		return tls.VersionTLS10, nil
	}
	return 0, fmt.Errorf("tls: unknown minimum version %q", s)
}
