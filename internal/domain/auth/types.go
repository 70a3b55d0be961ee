// Package auth verifies gateway connection credentials.
package auth

import (
	"errors"
	"net/http"
	"time"
)

// Mode selects which credential the verifier consults. There is no
// "disabled" mode: a gateway without a secret refuses to start.
type Mode string

const (
	// ModeToken authenticates with a bearer token.
	ModeToken Mode = "token"
	// ModePassword authenticates with a shared password.
	ModePassword Mode = "password"
)

// ErrUnauthorized is returned when credentials are present but wrong.
var ErrUnauthorized = errors.New("unauthorized")

// ErrRateLimited is returned when the client is locked out before
// credentials are evaluated.
var ErrRateLimited = errors.New("rate limited")

// Config holds the verifier's credential configuration.
type Config struct {
	// Mode determines which secret field is consulted.
	Mode Mode

	// Token is the expected bearer token (ModeToken). May be stored as an
	// argon2id PHC hash.
	Token string

	// Password is the expected password (ModePassword). May be stored as an
	// argon2id PHC hash.
	Password string

	// TrustedProxies lists proxies allowed to assert forwarded client IPs.
	TrustedProxies []string
}

// Credentials are the secrets extracted from a connection attempt.
type Credentials struct {
	Token    string
	Password string
}

// Request describes one connection attempt to authorize.
type Request struct {
	// RemoteAddr is the socket peer address.
	RemoteAddr string

	// Header carries forwarded-for headers from the HTTP upgrade request.
	Header http.Header

	// Credentials are the extracted secrets.
	Credentials Credentials
}

// Decision is the verifier's verdict on one attempt.
type Decision struct {
	// OK is true when the credentials matched.
	OK bool

	// Method names the credential that succeeded ("token" or "password").
	Method string

	// ClientIP is the resolved client address used for rate limiting.
	ClientIP string

	// RateLimited is true when the attempt was refused before credential
	// evaluation because the client is locked out.
	RateLimited bool

	// RetryAfter is the remaining lockout when RateLimited.
	RetryAfter time.Duration

	// Reason is a human-readable failure reason. It never identifies which
	// part of the credential was wrong.
	Reason string
}
