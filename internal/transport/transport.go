// Package transport provides abstractions for outbound connection
// establishment.  Transports handle how a byte stream to a destination
// is opened (plain TCP or TLS over TCP), independent of what the
// session does with it.
package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}

// TLSProvider produces a client TLS configuration for a destination host.
type TLSProvider interface {
	ClientConfig(host string) (*tls.Config, error)
}
