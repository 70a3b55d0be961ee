// Package secret provides constant-time credential comparison.
package secret

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// Equal compares a provided secret against the expected value without leaking
// timing information. Both inputs are hashed to fixed-length SHA-256 digests
// before comparison, so neither the length nor the position of the first
// mismatching byte is observable. Missing input on either side fails closed.
func Equal(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	providedDigest := sha256.Sum256([]byte(provided))
	expectedDigest := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(providedDigest[:], expectedDigest[:]) == 1
}

// EqualStored compares a provided secret against a configured secret that may
// be stored either as plaintext or as an Argon2id hash in PHC format
// ($argon2id$v=19$...). Plaintext secrets go through Equal.
func EqualStored(provided, stored string) bool {
	if provided == "" || stored == "" {
		return false
	}
	if strings.HasPrefix(stored, "$argon2id$") {
		match, err := safeArgon2idCompare(provided, stored)
		if err != nil {
			return false
		}
		return match
	}
	return Equal(provided, stored)
}

// HashArgon2id returns an Argon2id hash of the secret in PHC format, suitable
// for storing in configuration instead of the plaintext value.
func HashArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// argon2idParams follows the OWASP minimum recommendation.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed hashes with
// invalid parameters (t=0, p=0); a malformed stored secret must compare as a
// mismatch, not crash the verifier.
func safeArgon2idCompare(provided, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(provided, stored)
}
