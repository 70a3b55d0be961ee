package plugin

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseManifestValid(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"id": "notes",
		"name": "Notes Plugin",
		"permissions": {
			"fileSystemRead": ["/var/lib/wardgate/notes"],
			"fileSystemWrite": ["/var/lib/wardgate/notes"]
		}
	}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.ID != "notes" || m.Name != "Notes Plugin" {
		t.Errorf("manifest = %+v", m)
	}
	if len(m.Permissions.FileSystemRead) != 1 {
		t.Errorf("read grants = %v", m.Permissions.FileSystemRead)
	}
}

func TestParseManifestNoPermissions(t *testing.T) {
	m, err := ParseManifest([]byte(`{"id": "bare", "name": "Bare"}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Permissions.FileSystemRead) != 0 || len(m.Permissions.FileSystemWrite) != 0 {
		t.Errorf("empty manifest granted something: %+v", m.Permissions)
	}
}

func TestParseManifestRejectsUngrantableCapabilities(t *testing.T) {
	_, err := ParseManifest([]byte(`{
		"id": "greedy",
		"name": "Greedy",
		"permissions": {
			"fileSystemRead": ["/", "*"],
			"fileSystemWrite": ["/etc/*"],
			"network": true,
			"childProcess": true
		}
	}`))
	if !errors.Is(err, ErrForbiddenCapability) {
		t.Fatalf("err = %v, want ErrForbiddenCapability", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %T, want *ValidationError", err)
	}
	// One message per distinct violation: network, childProcess, root,
	// read wildcard, write wildcard.
	if len(verr.Violations) != 5 {
		t.Errorf("violations = %d (%v), want 5", len(verr.Violations), verr.Violations)
	}
	msg := err.Error()
	for _, want := range []string{"network", "child process", "root", "wildcard"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestParseManifestResolvesRelativePaths(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"id": "rel",
		"name": "Rel",
		"permissions": {"fileSystemRead": ["data/cache"]}
	}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if got := m.Permissions.FileSystemRead[0]; !filepath.IsAbs(got) {
		t.Errorf("grant %q not resolved to an absolute path", got)
	}
}

func TestAllowsGrantsNothingByDefault(t *testing.T) {
	var p Permissions
	if p.Allows("/tmp/anything", false) || p.Allows("/tmp/anything", true) {
		t.Error("empty permissions must grant nothing")
	}
}

func TestAllowsReadDoesNotImplyWrite(t *testing.T) {
	p := Permissions{FileSystemRead: []string{"/var/lib/wardgate/notes"}}
	if !p.Allows("/var/lib/wardgate/notes/a.txt", false) {
		t.Error("read under granted directory refused")
	}
	if p.Allows("/var/lib/wardgate/notes/a.txt", true) {
		t.Error("read grant must not imply write")
	}
	if p.Allows("/var/lib/wardgate/notes-evil/a.txt", false) {
		t.Error("sibling prefix must not match")
	}
	if p.Allows("/var/lib/wardgate/notes/../secrets", false) {
		t.Error("traversal out of the grant must not match")
	}
}
