package content

import (
	"regexp"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Finding is a single signature match in scanned content.
type Finding struct {
	// Signature is the identifier of the matched signature.
	Signature string
	// Category groups related signatures.
	Category string
	// Position is the byte offset of the match.
	Position int
}

// ScanResult is the outcome of scanning one piece of external content.
type ScanResult struct {
	// Detected is true if one or more signatures matched.
	Detected bool
	// Findings lists every match.
	Findings []Finding
	// Fingerprint is a stable xxhash of the content, for audit correlation
	// without logging the content itself.
	Fingerprint string
}

// compiledSignature holds a pre-compiled injection signature.
type compiledSignature struct {
	name     string
	category string
	re       *regexp.Regexp
}

// Scanner detects known prompt-injection signatures in external content.
// All signatures are compiled once at construction.
type Scanner struct {
	signatures []compiledSignature
}

// NewScanner creates a Scanner with the fixed signature set.
func NewScanner() *Scanner {
	raw := []struct {
		name     string
		category string
		pattern  string
	}{
		{
			name:     "system_prompt_override",
			category: "prompt_injection",
			pattern:  `(?i)(?:ignore|disregard|forget)\s+(?:all\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|context)`,
		},
		{
			name:     "role_hijack",
			category: "prompt_injection",
			pattern:  `(?i)you\s+are\s+(?:now|actually|really)\s+(?:a|an|my)\s+`,
		},
		{
			name:     "instruction_injection",
			category: "prompt_injection",
			pattern:  `(?i)(?:new\s+instructions?|updated?\s+(?:instructions?|rules?|prompt)):\s*`,
		},
		{
			name:     "system_tag_injection",
			category: "prompt_injection",
			pattern:  `(?i)<\s*(?:system|assistant|user|human|ai)\s*>`,
		},
		{
			name:     "delimiter_escape",
			category: "delimiter_escape",
			pattern:  "(?i)(?:```|---|\\.{3})\\s*(?:system|instructions?|rules?)\\s*(?:```|---|\\.{3})",
		},
		{
			name:     "do_anything_now",
			category: "prompt_injection",
			pattern:  `(?i)(?:DAN\s+mode|do\s+anything\s+now|jailbreak|ignore\s+safety)`,
		},
		{
			name:     "boundary_forgery",
			category: "boundary_forgery",
			pattern:  `(?i)(?:BEGIN|END)\s+EXTERNAL\s+CONTENT`,
		},
	}

	compiled := make([]compiledSignature, 0, len(raw))
	for _, r := range raw {
		compiled = append(compiled, compiledSignature{
			name:     r.name,
			category: r.category,
			re:       regexp.MustCompile(r.pattern),
		})
	}
	return &Scanner{signatures: compiled}
}

// Scan runs every signature against the content.
func (s *Scanner) Scan(text string) ScanResult {
	result := ScanResult{
		Fingerprint: strconv.FormatUint(xxhash.Sum64String(text), 16),
	}
	if text == "" {
		return result
	}
	for _, sig := range s.signatures {
		if loc := sig.re.FindStringIndex(text); loc != nil {
			result.Detected = true
			result.Findings = append(result.Findings, Finding{
				Signature: sig.name,
				Category:  sig.category,
				Position:  loc[0],
			})
		}
	}
	return result
}
