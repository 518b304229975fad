// Package dialer provides a uniform way to egress *through* a candidate or
// pool member: given an upstream (ip, port, protocol), produce a
// net.Conn to an arbitrary destination as if dialed locally.
package dialer

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/resin-proxy/proxyhaven/internal/model"
)

// Dialer egresses through a single upstream proxy.
type Dialer interface {
	// DialContext connects to addr (host:port) through the upstream,
	// returning a conn ready for protocol traffic (plaintext HTTP bytes,
	// or raw bytes to be wrapped in TLS by the caller after a CONNECT).
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Upstream identifies the proxy to dial through.
type Upstream struct {
	IP       string
	Port     int
	Protocol model.Protocol
}

// Addr renders the upstream's host:port.
func (u Upstream) Addr() string {
	return net.JoinHostPort(u.IP, strconv.Itoa(u.Port))
}

// New builds the Dialer appropriate for upstream.Protocol.
func New(upstream Upstream) (Dialer, error) {
	switch upstream.Protocol {
	case model.ProtocolSOCKS5:
		return newSOCKS5Dialer(upstream)
	case model.ProtocolSOCKS4:
		return newSOCKS4Dialer(upstream), nil
	case model.ProtocolHTTP:
		return newHTTPConnectDialer(upstream), nil
	default:
		return nil, fmt.Errorf("dialer: unsupported protocol %q", upstream.Protocol)
	}
}
