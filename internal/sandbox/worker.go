// Package sandbox runs untrusted plugin code in an isolated interpreter with
// zero capabilities by default. The host and the worker share no mutable
// state: the only surface between them is message passing, plus host file
// functions confined to the paths the validated manifest grants.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dop251/goja"

	"github.com/Ward-Gate/wardgate/internal/domain/plugin"
)

// Exit codes reported by Terminate.
const (
	ExitClean = 0
	ExitError = 1
)

// ErrTerminated is returned by Send after the worker has stopped.
var ErrTerminated = errors.New("sandbox: worker terminated")

const inboxSize = 64

// Worker executes one plugin inside a dedicated interpreter goroutine. All
// script execution happens on that goroutine; the host talks to it only
// through Send and the registered handlers.
type Worker struct {
	manifest *plugin.Manifest
	logger   *slog.Logger

	mu        sync.Mutex
	onMessage func(json.RawMessage)
	onError   func(error)

	inbox     chan json.RawMessage
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	exitCode  int
	runErr    error
	vm        *goja.Runtime
}

// Start compiles the plugin source and launches its worker goroutine. The
// manifest must already have passed validation; Start grants exactly what it
// lists and nothing else.
func Start(manifest *plugin.Manifest, source string, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	program, err := goja.Compile(manifest.ID, source, true)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile plugin %s: %w", manifest.ID, err)
	}

	w := &Worker{
		manifest: manifest,
		logger:   logger.With("plugin", manifest.ID),
		inbox:    make(chan json.RawMessage, inboxSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		vm:       goja.New(),
	}
	go w.run(program)
	return w, nil
}

// Send delivers a message to the worker's onMessage handler.
func (w *Worker) Send(data json.RawMessage) error {
	select {
	case <-w.done:
		return ErrTerminated
	case w.inbox <- data:
		return nil
	}
}

// OnMessage registers the host handler for messages posted by the worker.
func (w *Worker) OnMessage(fn func(json.RawMessage)) {
	w.mu.Lock()
	w.onMessage = fn
	w.mu.Unlock()
}

// OnError registers the host handler for uncaught worker errors. Without a
// handler such errors are logged; they never crash the host.
func (w *Worker) OnError(fn func(error)) {
	w.mu.Lock()
	w.onError = fn
	w.mu.Unlock()
}

// Terminate stops the worker and waits for its goroutine to exit, bounded by
// the context. It returns the worker's exit code.
func (w *Worker) Terminate(ctx context.Context) (int, error) {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.vm.Interrupt(ErrTerminated)
	})
	select {
	case <-w.done:
		return w.exitCode, nil
	case <-ctx.Done():
		return ExitError, fmt.Errorf("sandbox: waiting for worker %s: %w", w.manifest.ID, ctx.Err())
	}
}

// run owns the interpreter. Nothing outside this goroutine may touch the
// runtime except the Interrupt in Terminate, which goja allows cross-goroutine.
func (w *Worker) run(program *goja.Program) {
	defer close(w.done)

	var jsHandler goja.Callable

	host := w.vm.NewObject()
	_ = host.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		raw, err := json.Marshal(call.Argument(0).Export())
		if err != nil {
			panic(w.vm.ToValue(fmt.Sprintf("postMessage: %v", err)))
		}
		w.mu.Lock()
		fn := w.onMessage
		w.mu.Unlock()
		if fn != nil {
			fn(raw)
		}
		return goja.Undefined()
	})
	_ = host.Set("onMessage", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(w.vm.ToValue("onMessage: argument must be a function"))
		}
		jsHandler = fn
		return goja.Undefined()
	})
	_ = host.Set("readFile", func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		if !w.manifest.Permissions.Allows(path, false) {
			panic(w.vm.ToValue(fmt.Sprintf("readFile: %s: permission denied", path)))
		}
		data, err := os.ReadFile(path)
		if err != nil {
			panic(w.vm.ToValue(fmt.Sprintf("readFile: %v", err)))
		}
		return w.vm.ToValue(string(data))
	})
	_ = host.Set("writeFile", func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		if !w.manifest.Permissions.Allows(path, true) {
			panic(w.vm.ToValue(fmt.Sprintf("writeFile: %s: permission denied", path)))
		}
		if err := os.WriteFile(path, []byte(call.Argument(1).String()), 0o600); err != nil {
			panic(w.vm.ToValue(fmt.Sprintf("writeFile: %v", err)))
		}
		return goja.Undefined()
	})
	_ = w.vm.Set("ward", host)

	if _, err := w.vm.RunProgram(program); err != nil {
		w.fail(fmt.Errorf("sandbox: plugin %s: %w", w.manifest.ID, err))
		return
	}

	for {
		select {
		case <-w.stop:
			return
		case msg := <-w.inbox:
			if jsHandler == nil {
				continue
			}
			var payload interface{}
			if err := json.Unmarshal(msg, &payload); err != nil {
				w.fail(fmt.Errorf("sandbox: plugin %s: decode message: %w", w.manifest.ID, err))
				return
			}
			if _, err := jsHandler(goja.Undefined(), w.vm.ToValue(payload)); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				var interrupted *goja.InterruptedError
				if errors.As(err, &interrupted) {
					return
				}
				w.fail(fmt.Errorf("sandbox: plugin %s: %w", w.manifest.ID, err))
				return
			}
		}
	}
}

// fail records the error, routes it to the host handler, and marks the exit
// code.
func (w *Worker) fail(err error) {
	w.runErr = err
	w.exitCode = ExitError
	w.mu.Lock()
	fn := w.onError
	w.mu.Unlock()
	if fn != nil {
		fn(err)
		return
	}
	w.logger.Error("uncaught worker error", "error", err)
}
