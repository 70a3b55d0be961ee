// Package policyfile loads tool policy rules from a YAML file and feeds them
// into the policy engine, with optional hot reload on file change.
package policyfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Ward-Gate/wardgate/internal/domain/policy"
)

// Duration decodes YAML duration strings such as "120s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("policyfile: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// File is the on-disk policy format.
//
//	default_timeout: 120s
//	rules:
//	  - tool: shell
//	    level: deny
//	  - tool: http_fetch
//	    level: confirm
//	    condition: args.method == "POST"
type File struct {
	DefaultTimeout Duration   `yaml:"default_timeout"`
	Rules          []RuleSpec `yaml:"rules"`
}

// RuleSpec is one policy rule entry.
type RuleSpec struct {
	Tool      string `yaml:"tool"`
	Level     string `yaml:"level"`
	Condition string `yaml:"condition,omitempty"`
}

// Load parses a policy file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policyfile: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policyfile: parse %s: %w", path, err)
	}
	for i, r := range f.Rules {
		if r.Tool == "" {
			return nil, fmt.Errorf("policyfile: %s: rule %d has no tool", path, i)
		}
		if _, err := policy.ParseLevel(r.Level); err != nil {
			return nil, fmt.Errorf("policyfile: %s: rule %d: %w", path, i, err)
		}
	}
	return &f, nil
}

// Apply replaces the engine's rule set with the file's rules.
func Apply(engine *policy.Engine, f *File) error {
	rules := make([]policy.Rule, 0, len(f.Rules))
	for _, r := range f.Rules {
		rules = append(rules, policy.Rule{
			Tool:      r.Tool,
			Level:     policy.Level(r.Level),
			Condition: r.Condition,
		})
	}
	return engine.ReplaceAll(rules)
}

// Watch reloads the file into the engine whenever it changes. A file that
// fails to load or apply leaves the previous rules in force. Watch returns
// after the initial load; the reload goroutine runs until ctx is canceled.
func Watch(ctx context.Context, path string, engine *policy.Engine, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := Load(path)
	if err != nil {
		return err
	}
	if err := Apply(engine, f); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policyfile: create watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a watch on the
	// file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return fmt.Errorf("policyfile: watch %s: %w", path, err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				f, err := Load(path)
				if err != nil {
					logger.Error("policy reload failed, keeping previous rules", "path", path, "error", err)
					continue
				}
				if err := Apply(engine, f); err != nil {
					logger.Error("policy reload rejected, keeping previous rules", "path", path, "error", err)
					continue
				}
				logger.Info("policy rules reloaded", "path", path, "rules", len(f.Rules))
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
