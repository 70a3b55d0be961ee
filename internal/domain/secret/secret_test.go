package secret

import (
	"strings"
	"testing"
)

func TestEqual_Match(t *testing.T) {
	cases := []string{
		"token",
		"",
		"a",
		strings.Repeat("x", 10_000),
		"pässwörd-ünïcode-🔑",
	}
	for _, s := range cases {
		want := s != "" // empty fails closed even against itself
		if got := Equal(s, s); got != want {
			t.Errorf("Equal(%q, %q) = %v, want %v", s, s, got, want)
		}
	}
}

func TestEqual_Mismatch(t *testing.T) {
	cases := []struct {
		name               string
		provided, expected string
	}{
		{"different values", "alpha", "beta"},
		{"very different lengths", "a", strings.Repeat("b", 4096)},
		{"empty provided", "", "secret"},
		{"empty expected", "secret", ""},
		{"case difference", "Secret", "secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if Equal(tc.provided, tc.expected) {
				t.Errorf("Equal(%q, %q) = true, want false", tc.provided, tc.expected)
			}
		})
	}
}

func TestEqualStored_Plaintext(t *testing.T) {
	if !EqualStored("hunter2", "hunter2") {
		t.Error("plaintext match failed")
	}
	if EqualStored("hunter2", "hunter3") {
		t.Error("plaintext mismatch accepted")
	}
}

func TestEqualStored_Argon2id(t *testing.T) {
	hash, err := HashArgon2id("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashArgon2id: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("hash is not PHC format: %q", hash)
	}
	if !EqualStored("correct horse battery staple", hash) {
		t.Error("argon2id match failed")
	}
	if EqualStored("wrong password", hash) {
		t.Error("argon2id mismatch accepted")
	}
}

func TestEqualStored_MalformedArgon2idHash(t *testing.T) {
	// Zero-parameter hashes make the underlying library panic; they must
	// compare as a mismatch instead of crashing.
	malformed := "$argon2id$v=19$m=0,t=0,p=0$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	if EqualStored("anything", malformed) {
		t.Error("malformed hash accepted")
	}
}
