package dialer

import (
	"context"
	"net"

	"golang.org/x/net/proxy"
)

type socks5Dialer struct {
	upstream Upstream
	base     proxy.Dialer
}

func newSOCKS5Dialer(upstream Upstream) (Dialer, error) {
	base, err := proxy.SOCKS5("tcp", upstream.Addr(), nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	return &socks5Dialer{upstream: upstream, base: base}, nil
}

func (d *socks5Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if ctxDialer, ok := d.base.(proxy.ContextDialer); ok {
		return ctxDialer.DialContext(ctx, network, addr)
	}
	return d.base.Dial(network, addr)
}
