// Package trust resolves the real client IP of a connection, honoring
// forwarded-for headers only when they come from a configured trusted proxy.
package trust

import (
	"net"
	"net/http"
	"strings"
)

// UnknownClient is the key used when no client IP can be determined.
const UnknownClient = "unknown"

// Normalize strips a port and the IPv4-mapped-IPv6 prefix from an address so
// that "::ffff:10.0.0.1:8443" and "10.0.0.1" compare equal.
func Normalize(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimPrefix(addr, "::ffff:")
	if ip := net.ParseIP(addr); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return addr
}

// MatchesCIDR reports whether ip matches pattern. A pattern without a prefix
// length is an exact match after normalization; a CIDR pattern is a subnet
// containment check.
func MatchesCIDR(ip, pattern string) bool {
	if !strings.Contains(pattern, "/") {
		return Normalize(ip) == Normalize(pattern)
	}
	_, network, err := net.ParseCIDR(pattern)
	if err != nil {
		return false
	}
	parsed := net.ParseIP(Normalize(ip))
	if parsed == nil {
		return false
	}
	return network.Contains(parsed)
}

// Resolver decides which peers are allowed to assert a forwarded client IP.
type Resolver struct {
	// TrustedProxies lists addresses or CIDRs whose forwarded-for headers
	// are honored. Empty means no proxy is trusted.
	TrustedProxies []string
}

// IsTrustedProxy reports whether the peer address matches a configured
// trusted proxy, by exact address or CIDR containment.
func (r *Resolver) IsTrustedProxy(peer string) bool {
	peer = Normalize(peer)
	if peer == "" {
		return false
	}
	for _, proxy := range r.TrustedProxies {
		if MatchesCIDR(peer, proxy) {
			return true
		}
	}
	return false
}

// ClientIP returns the effective client IP for a connection. Forwarded
// headers (X-Forwarded-For, X-Real-IP) are consulted only when the socket
// peer itself is a trusted proxy; an untrusted peer cannot spoof its address
// by supplying headers. Returns UnknownClient when nothing usable remains.
func (r *Resolver) ClientIP(remoteAddr string, header http.Header) string {
	peer := Normalize(remoteAddr)

	if r.IsTrustedProxy(peer) {
		if fwd := header.Get("X-Forwarded-For"); fwd != "" {
			// First hop is the originating client.
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if ip := Normalize(first); ip != "" {
				return ip
			}
		}
		if real := Normalize(header.Get("X-Real-IP")); real != "" {
			return real
		}
	}

	if peer == "" {
		return UnknownClient
	}
	return peer
}

// IsLoopback reports whether ip is a loopback address (127.0.0.0/8 or ::1).
func IsLoopback(ip string) bool {
	parsed := net.ParseIP(Normalize(ip))
	return parsed != nil && parsed.IsLoopback()
}
