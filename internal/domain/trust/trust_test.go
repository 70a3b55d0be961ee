package trust

import (
	"net/http"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"192.168.1.1", "192.168.1.1"},
		{"192.168.1.1:8443", "192.168.1.1"},
		{"::ffff:10.0.0.5", "10.0.0.5"},
		{"[::1]:9000", "::1"},
		{"::1", "::1"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMatchesCIDR(t *testing.T) {
	cases := []struct {
		ip, pattern string
		want        bool
	}{
		{"10.1.2.3", "10.0.0.0/8", true},
		{"11.1.2.3", "10.0.0.0/8", false},
		{"192.168.1.50", "192.168.1.50", true},
		{"::ffff:192.168.1.50", "192.168.1.50", true},
		{"192.168.1.51", "192.168.1.50", false},
		{"172.16.5.5", "172.16.0.0/12", true},
		{"172.32.0.1", "172.16.0.0/12", false},
		{"10.0.0.1", "not-a-cidr/99", false},
	}
	for _, tc := range cases {
		if got := MatchesCIDR(tc.ip, tc.pattern); got != tc.want {
			t.Errorf("MatchesCIDR(%q, %q) = %v, want %v", tc.ip, tc.pattern, got, tc.want)
		}
	}
}

func TestClientIP_UntrustedPeerIgnoresHeaders(t *testing.T) {
	r := &Resolver{}
	h := http.Header{}
	h.Set("X-Forwarded-For", "1.2.3.4")
	h.Set("X-Real-IP", "5.6.7.8")

	if got := r.ClientIP("203.0.113.9:1234", h); got != "203.0.113.9" {
		t.Errorf("untrusted peer: got %q, want peer address", got)
	}
}

func TestClientIP_TrustedProxyHonorsForwardedFor(t *testing.T) {
	r := &Resolver{TrustedProxies: []string{"10.0.0.0/8"}}
	h := http.Header{}
	h.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.2")

	if got := r.ClientIP("10.0.0.2:443", h); got != "198.51.100.7" {
		t.Errorf("trusted proxy: got %q, want first forwarded hop", got)
	}
}

func TestClientIP_TrustedProxyFallsBackToRealIP(t *testing.T) {
	r := &Resolver{TrustedProxies: []string{"10.0.0.2"}}
	h := http.Header{}
	h.Set("X-Real-IP", "198.51.100.7")

	if got := r.ClientIP("10.0.0.2:443", h); got != "198.51.100.7" {
		t.Errorf("got %q, want X-Real-IP value", got)
	}
}

func TestClientIP_TrustedProxyNoHeaders(t *testing.T) {
	r := &Resolver{TrustedProxies: []string{"10.0.0.2"}}
	if got := r.ClientIP("10.0.0.2:443", http.Header{}); got != "10.0.0.2" {
		t.Errorf("got %q, want peer address", got)
	}
}

func TestClientIP_EmptyPeer(t *testing.T) {
	r := &Resolver{}
	if got := r.ClientIP("", http.Header{}); got != UnknownClient {
		t.Errorf("got %q, want %q", got, UnknownClient)
	}
}

func TestClientIP_MappedIPv6Peer(t *testing.T) {
	r := &Resolver{TrustedProxies: []string{"10.0.0.2"}}
	h := http.Header{}
	h.Set("X-Forwarded-For", "198.51.100.7")

	// The IPv4-mapped form of the trusted proxy must still be trusted.
	if got := r.ClientIP("[::ffff:10.0.0.2]:443", h); got != "198.51.100.7" {
		t.Errorf("got %q, want forwarded client", got)
	}
}

func TestIsLoopback(t *testing.T) {
	for _, ip := range []string{"127.0.0.1", "127.5.5.5", "::1", "::ffff:127.0.0.1"} {
		if !IsLoopback(ip) {
			t.Errorf("IsLoopback(%q) = false, want true", ip)
		}
	}
	for _, ip := range []string{"10.0.0.1", "8.8.8.8", "unknown", ""} {
		if IsLoopback(ip) {
			t.Errorf("IsLoopback(%q) = true, want false", ip)
		}
	}
}
