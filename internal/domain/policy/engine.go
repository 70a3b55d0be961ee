// Package policy gates agent tool invocation. Each tool resolves to a level:
// allow permits immediately, deny rejects immediately, confirm blocks on a
// human approval raced against a hard timeout. Unconfigured tools default to
// allow; third-party plugin code is governed separately and defaults to zero
// capability.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// Level is a tool's policy level.
type Level string

const (
	LevelAllow   Level = "allow"
	LevelConfirm Level = "confirm"
	LevelDeny    Level = "deny"
)

// DefaultApprovalTimeout bounds how long a confirm-level call may wait for a
// human decision.
const DefaultApprovalTimeout = 120 * time.Second

// DeniedReason is the only reason text a denied caller ever sees. The real
// cause goes to the log, never to the caller.
const DeniedReason = "denied by policy"

// ParseLevel validates a level string.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelAllow, LevelConfirm, LevelDeny:
		return Level(s), nil
	default:
		return "", fmt.Errorf("policy: unknown level %q", s)
	}
}

// Rule binds a tool name (exact, or a path.Match glob such as "delete_*") to
// a level, optionally guarded by a CEL condition over the invocation
// arguments. A rule with a condition applies only when the condition
// evaluates true; otherwise the tool falls back to the default.
type Rule struct {
	Tool      string
	Level     Level
	Condition string
}

// Approver resolves a confirm-level invocation. It must honor ctx: when the
// approval window closes, ctx is canceled and a late answer is discarded.
type Approver func(ctx context.Context, tool string, args map[string]interface{}) (bool, error)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

type compiledRule struct {
	level Level
	prog  cel.Program
}

// Engine evaluates tool policies. Rules are mutable at runtime for hot
// reload; reads and writes are safe from any goroutine.
type Engine struct {
	mu       sync.RWMutex
	rules    map[string]compiledRule
	approver Approver
	timeout  time.Duration

	env    *cel.Env
	logger *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithApprovalTimeout overrides the confirm-path timeout.
func WithApprovalTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithApprover registers the approval callback for confirm-level tools.
func WithApprover(fn Approver) EngineOption {
	return func(e *Engine) {
		e.approver = fn
	}
}

// NewEngine creates an Engine with no rules: every tool defaults to allow.
func NewEngine(logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create condition environment: %w", err)
	}
	e := &Engine{
		rules:   make(map[string]compiledRule),
		timeout: DefaultApprovalTimeout,
		env:     env,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetApprover replaces the approval callback.
func (e *Engine) SetApprover(fn Approver) {
	e.mu.Lock()
	e.approver = fn
	e.mu.Unlock()
}

// Set adds or replaces the rule for one tool.
func (e *Engine) Set(r Rule) error {
	compiled, err := e.compile(r)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules[r.Tool] = compiled
	e.mu.Unlock()
	return nil
}

// Remove deletes the rule for a tool, returning it to the default.
func (e *Engine) Remove(tool string) {
	e.mu.Lock()
	delete(e.rules, tool)
	e.mu.Unlock()
}

// ReplaceAll swaps the entire rule set atomically. On any compile error the
// previous rules stay in force.
func (e *Engine) ReplaceAll(rules []Rule) error {
	next := make(map[string]compiledRule, len(rules))
	for _, r := range rules {
		compiled, err := e.compile(r)
		if err != nil {
			return err
		}
		next[r.Tool] = compiled
	}
	e.mu.Lock()
	e.rules = next
	e.mu.Unlock()
	return nil
}

// Size returns the number of configured rules.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

func (e *Engine) compile(r Rule) (compiledRule, error) {
	if _, err := ParseLevel(string(r.Level)); err != nil {
		return compiledRule{}, fmt.Errorf("policy: tool %q: %w", r.Tool, err)
	}
	c := compiledRule{level: r.Level}
	if r.Condition == "" {
		return c, nil
	}
	ast, issues := e.env.Compile(r.Condition)
	if issues != nil && issues.Err() != nil {
		return compiledRule{}, fmt.Errorf("policy: tool %q condition: %w", r.Tool, issues.Err())
	}
	prog, err := e.env.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return compiledRule{}, fmt.Errorf("policy: tool %q condition: %w", r.Tool, err)
	}
	c.prog = prog
	return c, nil
}

// lookupLocked resolves the rule for a tool: an exact name wins, then glob
// patterns in lexical order so a reload cannot reorder matches.
func (e *Engine) lookupLocked(tool string) (compiledRule, bool) {
	if r, ok := e.rules[tool]; ok {
		return r, true
	}
	patterns := make([]string, 0)
	for name := range e.rules {
		if strings.ContainsAny(name, "*?[") {
			patterns = append(patterns, name)
		}
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		if matched, err := path.Match(pattern, tool); err == nil && matched {
			return e.rules[pattern], true
		}
	}
	return compiledRule{}, false
}

// Authorize resolves the policy level for a tool call and enforces it.
// Confirm-level calls block until the approver answers, the timeout fires,
// or ctx is canceled; all three failure paths produce the same denial.
func (e *Engine) Authorize(ctx context.Context, tool string, args map[string]interface{}) Decision {
	e.mu.RLock()
	rule, ok := e.lookupLocked(tool)
	approver := e.approver
	timeout := e.timeout
	e.mu.RUnlock()

	level := LevelAllow
	if ok {
		level = rule.level
		if rule.prog != nil {
			applies, err := e.evalCondition(rule.prog, tool, args)
			if err != nil {
				// An unevaluable condition fails closed.
				e.logger.Error("policy condition evaluation failed", "tool", tool, "error", err)
				return Decision{Allowed: false, Reason: DeniedReason}
			}
			if !applies {
				level = LevelAllow
			}
		}
	}

	switch level {
	case LevelAllow:
		return Decision{Allowed: true}
	case LevelDeny:
		e.logger.Info("tool call denied by policy", "tool", tool)
		return Decision{Allowed: false, Reason: DeniedReason}
	default:
		return e.confirm(ctx, approver, timeout, tool, args)
	}
}

// confirm races the approval callback against the timeout. A late answer is
// delivered into a buffered channel and discarded, so the outcome is fixed
// the moment the select resolves.
func (e *Engine) confirm(ctx context.Context, approver Approver, timeout time.Duration, tool string, args map[string]interface{}) Decision {
	if approver == nil {
		e.logger.Warn("confirm-level tool has no approver registered", "tool", tool)
		return Decision{Allowed: false, Reason: DeniedReason}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		approved bool
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("approver panicked: %v", r)}
			}
		}()
		approved, err := approver(ctx, tool, args)
		ch <- outcome{approved: approved, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			e.logger.Error("approval callback failed", "tool", tool, "error", out.err)
			return Decision{Allowed: false, Reason: DeniedReason}
		}
		if !out.approved {
			e.logger.Info("tool call denied by approver", "tool", tool)
			return Decision{Allowed: false, Reason: DeniedReason}
		}
		return Decision{Allowed: true}
	case <-ctx.Done():
		e.logger.Info("approval timed out", "tool", tool, "timeout", timeout)
		return Decision{Allowed: false, Reason: DeniedReason}
	}
}

func (e *Engine) evalCondition(prog cel.Program, tool string, args map[string]interface{}) (bool, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	out, _, err := prog.Eval(map[string]interface{}{
		"tool": tool,
		"args": args,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return a boolean, got %T", out.Value())
	}
	return b, nil
}
