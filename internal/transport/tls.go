package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// TLSDialer wraps another dialer's connections in a TLS client session.
// The handshake completes before Dial returns, so a session built on it
// only reports itself connected once the peer has been verified.
type TLSDialer struct {
	Base   Dialer
	Config TLSProvider
}

// Dial connects through Base and performs the TLS handshake.
func (d *TLSDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("split %q: %w", address, err)
	}
	cfg, err := d.Config.ClientConfig(host)
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}

	raw, err := d.Base.Dial(ctx, network, address)
	if err != nil {
		return nil, err
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", address, err)
	}
	return conn, nil
}

// Close closes the base dialer.
func (d *TLSDialer) Close() error { return d.Base.Close() }
