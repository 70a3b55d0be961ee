package egress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// SafeDialContext returns a DialContext function that blocks connections to
// private/reserved addresses. The check happens at connection time, after
// DNS resolution, and the connection is pinned to the first vetted address,
// so a record that changes between check and dial cannot redirect the
// request to an internal target.
func (g *Guard) SafeDialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("egress: invalid address %q: %w", addr, err)
		}
		if BlockedHostname(host) {
			return nil, fmt.Errorf("egress: hostname %q: %w", host, ErrPrivateDestination)
		}

		addrs, err := g.lookup(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("egress: DNS resolution failed for %q: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("egress: no addresses resolved for %q", host)
		}
		for _, a := range addrs {
			if isPrivateIP(a.IP) {
				return nil, fmt.Errorf("egress: %q resolves to %s: %w", host, a.IP, ErrPrivateDestination)
			}
		}

		pinned := net.JoinHostPort(addrs[0].IP.String(), port)
		return dialer.DialContext(ctx, network, pinned)
	}
}

// HTTPClient returns an http.Client whose transport refuses private
// destinations at dial time. Tool-execution code should use this client for
// every outbound fetch.
func (g *Guard) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       g.SafeDialContext(),
			ForceAttemptHTTP2: true,
		},
	}
}
