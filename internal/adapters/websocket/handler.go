package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/metrics"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
)

// Handler upgrades requests to websocket connections and serves the binding protocol on them.
type Handler struct {
	logger         domain.Logger
	configProvider config.Provider
	binder         Binder

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(logger domain.Logger, cfgProvider config.Provider, binder Binder) *Handler {
	return &Handler{
		logger:         logger,
		configProvider: cfgProvider,
		binder:         binder,
		sessions:       make(map[string]*session),
	}
}

// ServeHTTP upgrades the request and blocks until the connection ends.
// It expects to be called after the API key middleware.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{SubprotocolJSON, SubprotocolProto},
	})
	if err != nil {
		h.logger.Error(r.Context(), "WebSocket upgrade failed", "error", err.Error(), "remote_addr", r.RemoteAddr)
		return
	}

	cfg := h.configProvider.Get().Websocket
	connID := uuid.NewString()
	connCtx, cancel := context.WithCancel(context.WithValue(r.Context(), contextkeys.ConnectionIDKey, connID))
	defer cancel()

	subprotocol := ws.Subprotocol()
	if subprotocol == "" {
		subprotocol = SubprotocolJSON
	}
	conn := NewConnection(connCtx, cancel, connID, ws, r.RemoteAddr, h.logger, cfg)
	sess := newSession(conn, codecFor(subprotocol), h.binder, h.logger, cfg.MaxBindingsPerConnection)

	h.register(connID, sess)
	metrics.IncrementActiveConnections()
	h.logger.Info(connCtx, "WebSocket connection established",
		"remote_addr", r.RemoteAddr,
		"subprotocol", subprotocol)

	defer func() {
		h.deregister(connID)
		metrics.DecrementActiveConnections()
		sess.close()
		_ = conn.Close(websocket.StatusNormalClosure, "connection ended")
		h.logger.Info(context.WithValue(context.Background(), contextkeys.ConnectionIDKey, connID), "WebSocket connection finished")
	}()

	if err := sess.send(NewReadyMessage(connID, subprotocol)); err != nil {
		h.logger.Error(connCtx, "Failed to send 'ready' message to client", "error", err.Error())
		return
	}
	h.readLoop(connCtx, sess)
}

func (h *Handler) readLoop(ctx context.Context, sess *session) {
	for {
		typ, data, err := sess.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				h.logger.Info(ctx, "WebSocket connection closed by peer", "status_code", int(status))
			case errors.Is(err, context.Canceled) || ctx.Err() != nil:
				h.logger.Info(ctx, "WebSocket connection context canceled")
			default:
				h.logger.Warn(ctx, "Error reading from WebSocket", "error", err.Error(), "close_status_code", int(status))
			}
			return
		}

		msg, err := sess.codec.Decode(typ, data)
		if err != nil {
			metrics.IncrementMessagesReceived("invalid")
			sess.sendError("", domain.ErrBadRequest, "Invalid message format", err.Error())
			continue
		}
		sess.handle(ctx, msg)
	}
}

// BroadcastAuthRequired tells every connected client that the credential is gone.
// It returns the number of connections notified.
func (h *Handler) BroadcastAuthRequired(ctx context.Context, reason string) int {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	var sent int
	for _, s := range targets {
		if err := s.send(NewAuthRequiredMessage(reason)); err == nil {
			sent++
		}
	}
	h.logger.Info(ctx, "Broadcast auth_required to websocket clients", "reason", reason, "connections", sent)
	return sent
}

// ActiveConnections returns the number of open connections.
func (h *Handler) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every connection with StatusGoingAway.
func (h *Handler) Shutdown() {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.logger.Debug(s.conn.Context(), "Closing websocket connection for shutdown", "bindings", s.names())
		s.close()
		_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Handler) register(id string, s *session) {
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()
}

func (h *Handler) deregister(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}
