// Package service registers the gateway's RPC surface and connects it to the
// policy engine, the egress guard, the content wrapper, and the plugin
// sandbox.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Ward-Gate/wardgate/internal/adapter/inbound/gateway"
	"github.com/Ward-Gate/wardgate/internal/domain/content"
	"github.com/Ward-Gate/wardgate/internal/domain/egress"
	"github.com/Ward-Gate/wardgate/internal/domain/plugin"
	"github.com/Ward-Gate/wardgate/internal/domain/policy"
	"github.com/Ward-Gate/wardgate/internal/observe"
	"github.com/Ward-Gate/wardgate/internal/sandbox"
)

// maxFetchBody bounds how much of an external response is read.
const maxFetchBody = 1 << 20

// fetchTimeout bounds one outbound fetch.
const fetchTimeout = 30 * time.Second

// Tool executes one named tool after the policy engine permits it.
type Tool func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Broadcaster pushes event frames to every connected client.
type Broadcaster interface {
	Broadcast(event string, data interface{}) error
}

// Service owns the tool registry and the running plugin workers.
type Service struct {
	engine      *policy.Engine
	broker      *policy.Broker
	guard       *egress.Guard
	wrapper     *content.Wrapper
	metrics     *observe.Metrics
	logger      *slog.Logger
	broadcaster Broadcaster

	httpClient *http.Client

	mu      sync.Mutex
	tools   map[string]Tool
	workers map[string]*sandbox.Worker
}

// New creates a Service with the built-in tool set.
func New(engine *policy.Engine, broker *policy.Broker, guard *egress.Guard, metrics *observe.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.NewMetrics()
	}
	s := &Service{
		engine:     engine,
		broker:     broker,
		guard:      guard,
		wrapper:    content.NewWrapper(logger),
		metrics:    metrics,
		logger:     logger,
		httpClient: guard.HTTPClient(fetchTimeout),
		tools:      make(map[string]Tool),
		workers:    make(map[string]*sandbox.Worker),
	}
	s.tools["http_fetch"] = s.httpFetch
	return s
}

// RegisterTool adds or replaces a tool implementation.
func (s *Service) RegisterTool(name string, t Tool) {
	s.mu.Lock()
	s.tools[name] = t
	s.mu.Unlock()
}

// Register binds the service's methods onto the gateway and uses it for
// plugin event fan-out.
func (s *Service) Register(srv *gateway.Server) {
	s.broadcaster = srv
	srv.Register("tools.invoke", s.handleToolInvoke)
	srv.Register("approvals.list", s.handleApprovalsList)
	srv.Register("approvals.resolve", s.handleApprovalsResolve)
	srv.Register("plugins.load", s.handlePluginLoad)
	srv.Register("plugins.send", s.handlePluginSend)
	srv.Register("plugins.terminate", s.handlePluginTerminate)
}

func (s *Service) broadcast(event string, data interface{}) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Broadcast(event, data); err != nil {
		s.logger.Debug("event broadcast failed", "event", event, "error", err)
	}
}

// Shutdown terminates all running plugin workers.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	workers := make([]*sandbox.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]*sandbox.Worker)
	s.mu.Unlock()

	for _, w := range workers {
		if _, err := w.Terminate(ctx); err != nil {
			s.logger.Warn("plugin worker did not terminate cleanly", "error", err)
		}
	}
}

type toolInvokeParams struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// handleToolInvoke gates a tool call behind the policy engine and runs it.
func (s *Service) handleToolInvoke(ctx context.Context, raw json.RawMessage, clientID string) (interface{}, error) {
	var params toolInvokeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if params.Tool == "" {
		return nil, errors.New("tool name is required")
	}

	decision := s.engine.Authorize(ctx, params.Tool, params.Args)
	if !decision.Allowed {
		s.metrics.PolicyDecisions.WithLabelValues("deny").Inc()
		return nil, errors.New(decision.Reason)
	}
	s.metrics.PolicyDecisions.WithLabelValues("allow").Inc()

	s.mu.Lock()
	tool, ok := s.tools[params.Tool]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", params.Tool)
	}
	return tool(ctx, params.Args)
}

// httpFetch is the built-in outbound fetch tool. Destinations pass the SSRF
// guard twice (URL check, then pinned dial) and the body reaches the caller
// only through the content wrapper.
func (s *Service) httpFetch(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return nil, errors.New("http_fetch: url is required")
	}
	if err := s.guard.AssertPublicURL(ctx, rawURL); err != nil {
		s.metrics.EgressBlocked.Inc()
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("http_fetch: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, egress.ErrPrivateDestination) {
			s.metrics.EgressBlocked.Inc()
		}
		return nil, fmt.Errorf("http_fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("http_fetch: read body: %w", err)
	}

	return map[string]interface{}{
		"status":  resp.StatusCode,
		"content": s.wrapper.Wrap(rawURL, string(body)),
	}, nil
}

func (s *Service) handleApprovalsList(ctx context.Context, raw json.RawMessage, clientID string) (interface{}, error) {
	return map[string]interface{}{"pending": s.broker.Pending()}, nil
}

type approvalsResolveParams struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

func (s *Service) handleApprovalsResolve(ctx context.Context, raw json.RawMessage, clientID string) (interface{}, error) {
	var params approvalsResolveParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	var err error
	if params.Approved {
		err = s.broker.Approve(params.ID)
	} else {
		err = s.broker.Deny(params.ID)
	}
	if err != nil {
		return nil, err
	}
	return map[string]bool{"resolved": true}, nil
}

type pluginLoadParams struct {
	Manifest json.RawMessage `json:"manifest"`
	Source   string          `json:"source"`
}

// handlePluginLoad validates a manifest and starts its worker. Worker output
// and uncaught errors are pushed to all clients as events.
func (s *Service) handlePluginLoad(ctx context.Context, raw json.RawMessage, clientID string) (interface{}, error) {
	var params pluginLoadParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	manifest, err := plugin.ParseManifest(params.Manifest)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.workers[manifest.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("plugin %s is already loaded", manifest.ID)
	}
	s.mu.Unlock()

	worker, err := sandbox.Start(manifest, params.Source, s.logger)
	if err != nil {
		return nil, err
	}
	worker.OnMessage(func(data json.RawMessage) {
		s.broadcast("plugin.message", map[string]interface{}{
			"pluginId": manifest.ID,
			"data":     data,
		})
	})
	worker.OnError(func(err error) {
		s.logger.Error("plugin worker error", "plugin", manifest.ID, "error", err)
		s.broadcast("plugin.error", map[string]string{
			"pluginId": manifest.ID,
			"message":  err.Error(),
		})
	})

	// Re-check under the lock: a concurrent load of the same ID may have won
	// the race since the first check. The loser's worker is torn down, never
	// leaked.
	s.mu.Lock()
	if _, exists := s.workers[manifest.ID]; exists {
		s.mu.Unlock()
		termCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := worker.Terminate(termCtx); err != nil {
			s.logger.Warn("duplicate plugin worker did not terminate cleanly", "plugin", manifest.ID, "error", err)
		}
		return nil, fmt.Errorf("plugin %s is already loaded", manifest.ID)
	}
	s.workers[manifest.ID] = worker
	s.mu.Unlock()

	return map[string]string{"pluginId": manifest.ID}, nil
}

type pluginSendParams struct {
	PluginID string          `json:"pluginId"`
	Message  json.RawMessage `json:"message"`
}

func (s *Service) handlePluginSend(ctx context.Context, raw json.RawMessage, clientID string) (interface{}, error) {
	var params pluginSendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	s.mu.Lock()
	worker, ok := s.workers[params.PluginID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("plugin %s is not loaded", params.PluginID)
	}
	if err := worker.Send(params.Message); err != nil {
		return nil, err
	}
	return map[string]bool{"sent": true}, nil
}

type pluginTerminateParams struct {
	PluginID string `json:"pluginId"`
}

func (s *Service) handlePluginTerminate(ctx context.Context, raw json.RawMessage, clientID string) (interface{}, error) {
	var params pluginTerminateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	s.mu.Lock()
	worker, ok := s.workers[params.PluginID]
	delete(s.workers, params.PluginID)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("plugin %s is not loaded", params.PluginID)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	code, err := worker.Terminate(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"exitCode": code}, nil
}
