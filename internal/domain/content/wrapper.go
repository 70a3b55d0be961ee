// Package content wraps text from outside the trust boundary before it may
// reach the agent. Wrapping is mandatory: there is no code path that feeds
// external content to the agent without the sentinel markers, the source
// label, and the injection scan.
package content

import (
	"log/slog"
	"strings"
)

// Sentinel markers delimiting untrusted content. Forged copies inside the
// content itself are flagged by the boundary_forgery signature.
const (
	BeginMarker = "----- BEGIN EXTERNAL CONTENT -----"
	EndMarker   = "----- END EXTERNAL CONTENT -----"
)

// Wrapper is the single entry point for external text. It has no bypass
// switch by design.
type Wrapper struct {
	scanner *Scanner
	logger  *slog.Logger
}

// NewWrapper creates a Wrapper with the fixed signature set.
func NewWrapper(logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{scanner: NewScanner(), logger: logger}
}

// Wrap encloses external text between the sentinel markers, labels it with
// its source, and annotates it with a warning when injection signatures
// match. Newlines in the source label are collapsed to spaces so a crafted
// source cannot break out of the label line.
func (w *Wrapper) Wrap(source, text string) string {
	label := collapseNewlines(source)
	scan := w.scanner.Scan(text)

	var b strings.Builder
	b.WriteString(BeginMarker)
	b.WriteString("\nSource: ")
	b.WriteString(label)
	b.WriteString("\n")
	if scan.Detected {
		names := make([]string, 0, len(scan.Findings))
		for _, f := range scan.Findings {
			names = append(names, f.Signature)
		}
		b.WriteString("WARNING: possible prompt injection detected (")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString(")\n")

		w.logger.Warn("prompt injection signatures in external content",
			"source", label,
			"signatures", strings.Join(names, ","),
			"fingerprint", scan.Fingerprint)
	}
	b.WriteString("\n")
	b.WriteString(text)
	b.WriteString("\n")
	b.WriteString(EndMarker)
	return b.String()
}

// collapseNewlines replaces CR/LF runs in a source label with single spaces.
func collapseNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.Join(strings.Fields(s), " ")
}
