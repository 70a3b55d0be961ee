// Package plugin defines extension manifests and their validation. The
// granted permission form deliberately has no network or child-process
// fields: those capabilities cannot be represented, so they can never be
// silently honored.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrForbiddenCapability is wrapped by every manifest validation failure.
var ErrForbiddenCapability = errors.New("forbidden capability")

// Permissions is the granted capability set of a plugin. Only filesystem
// paths exist here; anything not listed is denied.
type Permissions struct {
	// FileSystemRead lists absolute paths the worker may read.
	FileSystemRead []string `json:"fileSystemRead,omitempty"`
	// FileSystemWrite lists absolute paths the worker may write.
	FileSystemWrite []string `json:"fileSystemWrite,omitempty"`
}

// Manifest describes a validated plugin.
type Manifest struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Permissions Permissions `json:"permissions"`
}

// requestedPermissions is the on-disk form. It still carries the network and
// childProcess fields so that a manifest asking for them is refused with a
// precise message instead of being misparsed.
type requestedPermissions struct {
	FileSystemRead  []string `json:"fileSystemRead"`
	FileSystemWrite []string `json:"fileSystemWrite"`
	Network         bool     `json:"network"`
	ChildProcess    bool     `json:"childProcess"`
}

type requestedManifest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Permissions requestedPermissions `json:"permissions"`
}

// ValidationError reports every violation found in a manifest, not just the
// first one.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plugin manifest rejected: %s", strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrForbiddenCapability }

// ParseManifest decodes and validates a plugin manifest. A manifest that
// requests any ungrantable capability is rejected outright; the returned
// error lists all violations.
func ParseManifest(data []byte) (*Manifest, error) {
	var req requestedManifest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("plugin: decode manifest: %w", err)
	}

	var violations []string
	if req.ID == "" {
		violations = append(violations, "id is required")
	}
	if req.Name == "" {
		violations = append(violations, "name is required")
	}
	if req.Permissions.Network {
		violations = append(violations, "network access is not grantable")
	}
	if req.Permissions.ChildProcess {
		violations = append(violations, "child process execution is not grantable")
	}

	read, vs := resolvePaths("fileSystemRead", req.Permissions.FileSystemRead)
	violations = append(violations, vs...)
	write, vs := resolvePaths("fileSystemWrite", req.Permissions.FileSystemWrite)
	violations = append(violations, vs...)

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return &Manifest{
		ID:   req.ID,
		Name: req.Name,
		Permissions: Permissions{
			FileSystemRead:  read,
			FileSystemWrite: write,
		},
	}, nil
}

// resolvePaths makes every entry absolute and rejects root and wildcard
// grants. It returns the cleaned paths alongside any violations.
func resolvePaths(field string, entries []string) ([]string, []string) {
	var resolved []string
	var violations []string
	for _, entry := range entries {
		if entry == "" {
			violations = append(violations, fmt.Sprintf("%s: empty path entry", field))
			continue
		}
		if strings.ContainsAny(entry, "*?") {
			violations = append(violations, fmt.Sprintf("%s: wildcard entry %q is not grantable", field, entry))
			continue
		}
		abs, err := filepath.Abs(filepath.Clean(entry))
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: cannot resolve %q", field, entry))
			continue
		}
		if abs == string(filepath.Separator) {
			violations = append(violations, fmt.Sprintf("%s: filesystem root is not grantable", field))
			continue
		}
		resolved = append(resolved, abs)
	}
	return resolved, violations
}

// Allows reports whether the permission set covers the given path for the
// requested access. A path is covered when it equals a granted path or lies
// underneath a granted directory.
func (p Permissions) Allows(path string, write bool) bool {
	grants := p.FileSystemRead
	if write {
		grants = p.FileSystemWrite
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return false
	}
	for _, grant := range grants {
		if abs == grant || strings.HasPrefix(abs, grant+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
