package transport

import (
	"context"
	"net"
	"time"
)

// DefaultKeepAlive is the TCP keep-alive period applied to every
// destination connection.
const DefaultKeepAlive = 120 * time.Second

// TCPDialer establishes plain TCP connections with keep-alive enabled.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration // 0 = DefaultKeepAlive, negative disables
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	keepAlive := d.KeepAlive
	if keepAlive == 0 {
		keepAlive = DefaultKeepAlive
	}
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: keepAlive}
	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }
