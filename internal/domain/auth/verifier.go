package auth

import (
	"log/slog"

	"github.com/Ward-Gate/wardgate/internal/domain/ratelimit"
	"github.com/Ward-Gate/wardgate/internal/domain/secret"
	"github.com/Ward-Gate/wardgate/internal/domain/trust"
)

// failureReason is the uniform reason for any credential mismatch. A caller
// must not be able to tell which field failed.
const failureReason = "invalid credentials"

// Verifier authorizes connection attempts against the configured credential
// mode, consulting the failure limiter before any crypto work.
type Verifier struct {
	cfg      Config
	resolver *trust.Resolver
	limiter  *ratelimit.FailureLimiter
	logger   *slog.Logger
}

// NewVerifier creates a Verifier. The limiter may be nil, in which case no
// rate limiting is applied.
func NewVerifier(cfg Config, limiter *ratelimit.FailureLimiter, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		cfg:      cfg,
		resolver: &trust.Resolver{TrustedProxies: cfg.TrustedProxies},
		limiter:  limiter,
		logger:   logger,
	}
}

// Authorize decides whether one connection attempt may proceed.
//
// Order matters: the limiter is checked before credentials so a locked-out
// client learns nothing about credential validity and costs no hashing work.
func (v *Verifier) Authorize(req Request) Decision {
	clientIP := v.resolver.ClientIP(req.RemoteAddr, req.Header)
	if clientIP == "" {
		clientIP = trust.UnknownClient
	}

	if v.limiter != nil {
		if res := v.limiter.Check(clientIP); !res.Allowed {
			v.logger.Warn("connection attempt rate limited",
				"client_ip", clientIP,
				"retry_after", res.RetryAfter)
			return Decision{
				ClientIP:    clientIP,
				RateLimited: true,
				RetryAfter:  res.RetryAfter,
				Reason:      "rate limited",
			}
		}
	}

	var ok bool
	var method string
	switch v.cfg.Mode {
	case ModeToken:
		ok = secret.EqualStored(req.Credentials.Token, v.cfg.Token)
		method = "token"
	case ModePassword:
		ok = secret.EqualStored(req.Credentials.Password, v.cfg.Password)
		method = "password"
	default:
		// Unreachable with a validated config; fail closed regardless.
		ok = false
	}

	if !ok {
		if v.limiter != nil {
			v.limiter.RecordFailure(clientIP)
		}
		v.logger.Warn("authentication failed", "client_ip", clientIP)
		return Decision{ClientIP: clientIP, Reason: failureReason}
	}

	if v.limiter != nil {
		v.limiter.Reset(clientIP)
	}
	v.logger.Debug("authentication succeeded", "client_ip", clientIP, "method", method)
	return Decision{OK: true, Method: method, ClientIP: clientIP}
}
