// Package gateway exposes actors over websocket. Each actor is backed by a
// core.Runner; a request is decoded on the connection goroutine and then
// dispatched as a task on the addressed actor's runner, so handlers run with
// the same exclusivity as any other task on that runner.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Swind/go-runqueue/core"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	defaultSendBuffer     = 64
	defaultWriteTimeout   = 5 * time.Second
	defaultMaxMessageSize = 1 << 20
)

// Handler serves one method of an actor. It runs on the actor's runner.
// Returning an *Error selects the reply code; any other error is reported as
// CodeHandlerFailed.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

type actor struct {
	runner   *core.Runner
	handlers map[string]Handler
}

// Config holds gateway settings. Zero values select defaults.
type Config struct {
	Logger         core.Logger
	SendBuffer     int
	WriteTimeout   time.Duration
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

// Gateway is an http.Handler that upgrades requests to websocket connections.
type Gateway struct {
	logger         core.Logger
	sendBuffer     int
	writeTimeout   time.Duration
	maxMessageSize int64
	upgrader       websocket.Upgrader

	actorsMu sync.RWMutex
	actors   map[string]*actor

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

// New creates a Gateway with no actors.
func New(cfg Config) *Gateway {
	g := &Gateway{
		logger:         cfg.Logger,
		sendBuffer:     cfg.SendBuffer,
		writeTimeout:   cfg.WriteTimeout,
		maxMessageSize: cfg.MaxMessageSize,
		actors:         make(map[string]*actor),
		clients:        make(map[*client]struct{}),
	}
	if g.logger == nil {
		g.logger = core.NewNoOpLogger()
	}
	if g.sendBuffer <= 0 {
		g.sendBuffer = defaultSendBuffer
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = defaultWriteTimeout
	}
	if g.maxMessageSize <= 0 {
		g.maxMessageSize = defaultMaxMessageSize
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	return g
}

// Register adds an actor served by runner.
func (g *Gateway) Register(name string, runner *core.Runner, handlers map[string]Handler) error {
	g.actorsMu.Lock()
	defer g.actorsMu.Unlock()

	if _, ok := g.actors[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateActor, name)
	}
	a := &actor{runner: runner, handlers: make(map[string]Handler, len(handlers))}
	for method, h := range handlers {
		a.handlers[method] = h
	}
	g.actors[name] = a
	return nil
}

// Handle adds or replaces one method on a registered actor.
func (g *Gateway) Handle(actorName, method string, h Handler) error {
	g.actorsMu.Lock()
	defer g.actorsMu.Unlock()

	a, ok := g.actors[actorName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActor, actorName)
	}
	a.handlers[method] = h
	return nil
}

// ConnCount returns the number of open connections.
func (g *Gateway) ConnCount() int {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	return len(g.clients)
}

// Close disconnects every client. Replies still in flight are dropped.
func (g *Gateway) Close() {
	g.clientsMu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.clientsMu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", core.F("error", err))
		return
	}

	c := newClient(conn, g.logger, g.sendBuffer, g.writeTimeout)
	g.clientsMu.Lock()
	g.clients[c] = struct{}{}
	g.clientsMu.Unlock()

	go c.writePump()
	g.readLoop(c)

	g.clientsMu.Lock()
	delete(g.clients, c)
	g.clientsMu.Unlock()
	c.close()
}

func (g *Gateway) readLoop(c *client) {
	c.conn.SetReadLimit(g.maxMessageSize)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("websocket read failed", core.F("error", err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			g.reply(c, errorResponse(0, CodeParseError, "invalid JSON: "+err.Error()))
			continue
		}
		g.dispatch(c, req)
	}
}

func (g *Gateway) dispatch(c *client, req Request) {
	if req.Actor == "" || req.Method == "" {
		g.reply(c, errorResponse(req.ID, CodeInvalidRequest, "actor and method are required"))
		return
	}

	g.actorsMu.RLock()
	a, ok := g.actors[req.Actor]
	var h Handler
	if ok {
		h = a.handlers[req.Method]
	}
	g.actorsMu.RUnlock()

	if !ok {
		g.reply(c, errorResponse(req.ID, CodeMethodNotFound, "unknown actor: "+req.Actor))
		return
	}
	if h == nil {
		g.reply(c, errorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Actor+"."+req.Method))
		return
	}

	name := "gateway:" + req.Actor + "." + req.Method
	err := a.runner.EnqueueNamed(name, func(ctx context.Context) {
		result, err := invoke(ctx, h, req.Params)
		if err != nil {
			g.logger.Warn("gateway handler failed",
				core.F("actor", req.Actor),
				core.F("method", req.Method),
				core.F("error", err),
			)
			g.reply(c, failure(req.ID, err))
			return
		}
		g.reply(c, Response{ID: req.ID, Result: result})
	})
	if err != nil {
		g.reply(c, errorResponse(req.ID, CodeUnavailable, err.Error()))
	}
}

// invoke turns a handler panic into an error so the caller gets a reply.
// Fatal panics are re-raised for the runner to handle.
func invoke(ctx context.Context, h Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if core.IsFatal(r) {
				panic(r)
			}
			err = &core.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h(ctx, params)
}

func failure(id int64, err error) Response {
	var ge *Error
	if errors.As(err, &ge) {
		return Response{ID: id, Error: ge}
	}
	var pe *core.PanicError
	if errors.As(err, &pe) {
		return errorResponse(id, CodeInternal, "internal error")
	}
	return errorResponse(id, CodeHandlerFailed, err.Error())
}

func (g *Gateway) reply(c *client, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		g.logger.Error("gateway reply encode failed", core.F("id", resp.ID), core.F("error", err))
		data, _ = json.Marshal(errorResponse(resp.ID, CodeInternal, "result not encodable"))
	}
	c.enqueue(data)
}
