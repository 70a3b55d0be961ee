// Package egress guards outbound requests triggered by agent tools against
// SSRF: targets that name or resolve to private/internal networks are
// refused before any connection is made.
package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
)

// ErrPrivateDestination is wrapped by every SSRF refusal.
var ErrPrivateDestination = errors.New("destination is private")

// privateNetworks holds the address ranges treated as internal. Hostname
// pre-checks and post-resolution checks use the same list, so a DNS-rebound
// name cannot slip through.
var privateNetworks []*net.IPNet

func init() {
	cidrs := []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC 1918 private
		"172.16.0.0/12",  // RFC 1918 private
		"192.168.0.0/16", // RFC 1918 private
		"169.254.0.0/16", // Link-local (cloud metadata at 169.254.169.254)
		"0.0.0.0/8",      // "This network"
		"::1/128",        // IPv6 loopback
		"fc00::/7",       // IPv6 unique local
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR in privateNetworks: " + cidr)
		}
		privateNetworks = append(privateNetworks, network)
	}
}

// isPrivateIP checks whether an IP falls within a private/reserved range.
// IPv4-mapped IPv6 addresses are unwrapped first.
func isPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// BlockedHostname is a synchronous, DNS-free pre-check. It blocks localhost
// (with or without a trailing dot), *.local names, and literal addresses in
// any private range. Public-looking names pass; they are re-checked after
// resolution by AssertPublicURL.
func BlockedHostname(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" {
		return true
	}
	if h == "local" || strings.HasSuffix(h, ".local") {
		return true
	}
	if ip := net.ParseIP(strings.Trim(h, "[]")); ip != nil {
		return isPrivateIP(ip)
	}
	return false
}

// Guard validates outbound destinations. The lookup function is pluggable
// for tests; it defaults to the system resolver.
type Guard struct {
	lookup func(ctx context.Context, host string) ([]net.IPAddr, error)
	logger *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLookupFunc sets a custom DNS lookup function (useful for testing).
func WithLookupFunc(fn func(ctx context.Context, host string) ([]net.IPAddr, error)) GuardOption {
	return func(g *Guard) {
		g.lookup = fn
	}
}

// NewGuard creates a Guard with optional configuration.
func NewGuard(logger *slog.Logger, opts ...GuardOption) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		lookup: net.DefaultResolver.LookupIPAddr,
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AssertPublicURL refuses a URL whose hostname is private, either by name or
// once resolved. Every resolved address is checked, which catches DNS
// rebinding where a public-looking name resolves to an internal address
// (including IPv4-mapped IPv6 forms).
//
// A DNS resolution failure is NOT a block: the guard returns nil and lets
// the subsequent network call fail on its own terms rather than making an
// inconclusive security ruling.
func (g *Guard) AssertPublicURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("egress: invalid url %q: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("egress: url %q has no hostname", rawURL)
	}

	if BlockedHostname(host) {
		g.logger.Warn("outbound request blocked by hostname", "host", host)
		return fmt.Errorf("egress: hostname %q: %w", host, ErrPrivateDestination)
	}

	// A literal public IP needs no resolution.
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return nil
	}

	addrs, err := g.lookup(ctx, host)
	if err != nil {
		g.logger.Debug("outbound DNS resolution failed, deferring to the dial", "host", host, "error", err)
		return nil
	}
	for _, addr := range addrs {
		if isPrivateIP(addr.IP) {
			g.logger.Warn("outbound request blocked after resolution",
				"host", host,
				"resolved_ip", addr.IP.String())
			return fmt.Errorf("egress: %q resolves to %s: %w", host, addr.IP, ErrPrivateDestination)
		}
	}
	return nil
}
