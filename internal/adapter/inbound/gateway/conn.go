package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ward-Gate/wardgate/internal/domain/auth"
	"github.com/Ward-Gate/wardgate/pkg/rpc"
)

// tracer records dispatch spans on the globally configured provider. It is a
// noop unless telemetry is enabled at startup.
var tracer = otel.Tracer("github.com/Ward-Gate/wardgate/internal/adapter/inbound/gateway")

// connectMethod is the reserved method an upgraded-but-unauthenticated
// client must call first. It is handled by the connection itself and never
// reaches a registered handler.
const connectMethod = "connect"

// connection is one client socket. Frames are read and dispatched by a
// single goroutine, so two back-to-back frames on the same socket are
// handled strictly in arrival order.
type connection struct {
	id     string
	ws     *websocket.Conn
	srv    *Server
	authed bool

	// Captured from the upgrade request for first-frame authentication.
	remoteAddr string
	header     http.Header

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConnection(s *Server, ws *websocket.Conn, r *http.Request, authed bool) *connection {
	return &connection{
		id:         uuid.New().String(),
		ws:         ws,
		srv:        s,
		authed:     authed,
		remoteAddr: r.RemoteAddr,
		header:     r.Header.Clone(),
	}
}

func (c *connection) readLoop() {
	defer func() {
		c.srv.removeConnection(c.id)
		_ = c.ws.Close()
		c.srv.logger.Info("client disconnected", "client_id", c.id)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.handleFrame(data) {
			return
		}
	}
}

// handleFrame processes one inbound frame. It returns false when the
// connection must close.
func (c *connection) handleFrame(data []byte) bool {
	frame, perr := rpc.ParseRequest(data)
	if perr != nil {
		c.srv.metrics.FramesTotal.WithLabelValues("request", "error").Inc()
		c.writeFrame(perr.Response())
		return true
	}

	if !c.authed {
		return c.handleConnect(frame)
	}

	if frame.Method == connectMethod {
		// Already authenticated; acknowledge idempotently.
		c.writeFrame(rpc.NewResponse(frame.ID, map[string]string{"clientId": c.id}))
		return true
	}

	handler, ok := c.srv.handler(frame.Method)
	if !ok {
		c.srv.metrics.FramesTotal.WithLabelValues("request", "error").Inc()
		c.writeFrame(rpc.NewErrorResponse(frame.ID, rpc.CodeMethodNotFound, "method not found: "+frame.Method))
		return true
	}

	ctx, span := tracer.Start(context.Background(), "rpc.dispatch",
		trace.WithAttributes(attribute.String("rpc.method", frame.Method)))
	result, err := c.invoke(ctx, handler, frame)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		c.srv.metrics.FramesTotal.WithLabelValues("request", "error").Inc()
		// The client sees only the message; the log keeps the detail.
		c.srv.logger.Error("handler failed",
			"client_id", c.id,
			"method", frame.Method,
			"error", err)
		c.writeFrame(rpc.NewErrorResponse(frame.ID, rpc.CodeInternalError, err.Error()))
		return true
	}
	span.End()
	c.srv.metrics.FramesTotal.WithLabelValues("request", "ok").Inc()
	c.writeFrame(rpc.NewResponse(frame.ID, result))
	return true
}

// invoke runs one handler, converting a panic into an error so a broken
// handler can never take the process down. The client sees a generic
// message; the panic value stays in the log.
func (c *connection) invoke(ctx context.Context, h Handler, frame *rpc.Frame) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.srv.logger.Error("handler panicked",
				"client_id", c.id,
				"method", frame.Method,
				"panic", r)
			result = nil
			err = errors.New("internal error")
		}
	}()
	return h(ctx, frame.Params, c.id)
}

// connectParams are the credentials carried by a first-frame connect request.
type connectParams struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// handleConnect authenticates an upgraded client from its first frame. Any
// other frame, and any failed attempt, terminates the connection; no frame
// is ever dispatched unauthenticated.
func (c *connection) handleConnect(frame *rpc.Frame) bool {
	if frame.Method != connectMethod {
		c.writeFrame(rpc.NewErrorResponse(frame.ID, rpc.CodeAuthRequired, "authentication required"))
		return false
	}

	var params connectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.writeFrame(rpc.NewErrorResponse(frame.ID, rpc.CodeInvalidParams, "invalid connect params"))
			return false
		}
	}

	decision := c.srv.verifier.Authorize(auth.Request{
		RemoteAddr: c.remoteAddr,
		Header:     c.header,
		Credentials: auth.Credentials{
			Token:    params.Token,
			Password: params.Password,
		},
	})
	c.srv.observeLimiterKeys()
	if decision.RateLimited {
		c.srv.metrics.AuthAttempts.WithLabelValues("rate_limited").Inc()
		c.srv.metrics.RateLimitedTotal.Inc()
		c.writeFrame(rpc.NewErrorResponse(frame.ID, rpc.CodeRateLimited, decision.Reason))
		return false
	}
	if !decision.OK {
		c.srv.metrics.AuthAttempts.WithLabelValues("failed").Inc()
		c.writeFrame(rpc.NewErrorResponse(frame.ID, rpc.CodeAuthRequired, decision.Reason))
		return false
	}

	c.srv.metrics.AuthAttempts.WithLabelValues("ok").Inc()
	c.authed = true
	// Registration happens only now: until this point the socket was
	// invisible to Broadcast and ConnectionCount.
	if !c.srv.addConnection(c) {
		c.shutdown("server shutting down")
		return false
	}
	c.srv.logger.Info("client connected", "client_id", c.id, "remote", c.remoteAddr)
	c.writeFrame(rpc.NewResponse(frame.ID, map[string]string{"clientId": c.id}))
	return true
}

func (c *connection) writeFrame(frame *rpc.Frame) {
	payload, err := frame.Encode()
	if err != nil {
		c.srv.logger.Error("frame encode failed", "client_id", c.id, "error", err)
		return
	}
	if err := c.writeRaw(payload); err != nil {
		c.srv.logger.Debug("frame write failed", "client_id", c.id, "error", err)
	}
}

func (c *connection) writeRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// shutdown sends a going-away close frame and closes the socket.
func (c *connection) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
