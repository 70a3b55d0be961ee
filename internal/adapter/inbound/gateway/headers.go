package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
)

// ConsolePath is the one local convenience page whose CSP also permits
// unencrypted transport, so a browser pointed at a plain-HTTP dev gateway can
// still open its socket.
const ConsolePath = "/console"

// secureHeaders hardens every HTTP response, including handshake rejections
// and the health check. Script and style execution is limited to a
// per-response nonce.
func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonce := newNonce()

		connectSrc := "wss: https:"
		if r.URL.Path == ConsolePath {
			connectSrc = "wss: https: ws: http:"
		}
		w.Header().Set("Content-Security-Policy", fmt.Sprintf(
			"default-src 'self'; script-src 'nonce-%s'; style-src 'nonce-%s'; "+
				"connect-src %s; frame-ancestors 'none'; form-action 'self'",
			nonce, nonce, connectSrc))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")

		next.ServeHTTP(w, r)
	})
}

func newNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("gateway: nonce generation failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
