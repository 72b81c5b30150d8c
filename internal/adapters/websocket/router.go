package websocket

import (
	"context"
	"net/http"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/middleware"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

// Pattern is the websocket endpoint.
const Pattern = "GET /v1/ws"

// Router handles routing for WebSocket connections.
type Router struct {
	logger         domain.Logger
	configProvider config.Provider
	wsHandler      http.Handler
}

// NewRouter creates a new WebSocket router.
func NewRouter(logger domain.Logger, cfgProvider config.Provider, wsHandler *Handler) *Router {
	return &Router{
		logger:         logger,
		configProvider: cfgProvider,
		wsHandler:      wsHandler,
	}
}

// RegisterRoutes sets up the WebSocket endpoint behind API key authentication. The request id
// assigned at upgrade tags every log line of the connection.
func (r *Router) RegisterRoutes(ctx context.Context, mux *http.ServeMux) {
	mux.Handle(Pattern, middleware.Chain(r.wsHandler,
		middleware.RequestIDMiddleware,
		middleware.APIKeyAuthMiddleware(r.configProvider, r.logger),
	))
	r.logger.Info(ctx, "WebSocket endpoint registered",
		"pattern", Pattern,
		"subprotocols", []string{SubprotocolJSON, SubprotocolProto})
}
