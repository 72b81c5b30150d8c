package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/middleware"
	"gitlab.com/ecolearn/platform/resource-cache/internal/application"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/safego"
)

const maxRequestBytes = 1 << 20

// Cache is the part of the coordinator the REST surface needs.
type Cache interface {
	Get(ctx context.Context, key domain.ResourceKey) (domain.Snapshot, error)
	Revalidate(key domain.ResourceKey) <-chan domain.Snapshot
	Refetch(key domain.ResourceKey) <-chan domain.Snapshot
	Execute(ctx context.Context, req domain.RequestDescriptor, kinds ...domain.ResourceKind) (json.RawMessage, error)
	RevalidateAll(ctx context.Context, trigger domain.RevalidationTrigger) error
	Entries() []application.EntryInfo
	Stats() application.Stats
}

// CredentialManager stores and clears the session credential.
type CredentialManager interface {
	SetCredential(ctx context.Context, cred *domain.Credential) error
	Invalidate(ctx context.Context, reason string)
}

// MutationRequest is the body of POST /v1/mutations.
type MutationRequest struct {
	Method       string                `json:"method"`
	Path         string                `json:"path"`
	Query        map[string]string     `json:"query,omitempty"`
	Body         json.RawMessage       `json:"body,omitempty"`
	RequiresAuth bool                  `json:"requires_auth"`
	Invalidate   []domain.ResourceKind `json:"invalidate,omitempty"`
}

// MutationResponse is the body of a successful mutation.
type MutationResponse struct {
	Data        json.RawMessage       `json:"data"`
	Invalidated []domain.ResourceKind `json:"invalidated,omitempty"`
}

// ResourceHandlers serves one-shot reads, manual revalidation, mutations, the session
// credential and cache inspection.
type ResourceHandlers struct {
	logger         domain.Logger
	configProvider config.Provider
	cache          Cache
	resolver       domain.RequestResolver
	credentials    CredentialManager
	changes        domain.ChangeEventPublisher
}

// NewResourceHandlers creates the REST handlers. changes may be nil.
func NewResourceHandlers(logger domain.Logger, cfgProvider config.Provider, cache Cache, resolver domain.RequestResolver, credentials CredentialManager, changes domain.ChangeEventPublisher) *ResourceHandlers {
	return &ResourceHandlers{
		logger:         logger,
		configProvider: cfgProvider,
		cache:          cache,
		resolver:       resolver,
		credentials:    credentials,
		changes:        changes,
	}
}

// RegisterRoutes mounts every endpoint behind request id and API key middleware.
func (h *ResourceHandlers) RegisterRoutes(ctx context.Context, mux *http.ServeMux) {
	protect := func(fn http.HandlerFunc) http.Handler {
		return middleware.Chain(fn, middleware.RequestIDMiddleware, middleware.APIKeyAuthMiddleware(h.configProvider, h.logger))
	}
	routes := map[string]http.HandlerFunc{
		"GET /v1/resources/{kind}":             h.GetResource,
		"POST /v1/resources/{kind}/revalidate": h.RevalidateResource,
		"POST /v1/mutations":                   h.Mutate,
		"GET /v1/cache/entries":                h.ListEntries,
		"GET /v1/cache/stats":                  h.CacheStats,
		"POST /v1/session":                     h.SetSession,
		"DELETE /v1/session":                   h.ClearSession,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, protect(fn))
	}
	h.logger.Info(ctx, "REST endpoints registered", "count", len(routes))
}

// GetResource returns a fresh snapshot of the key built from the path kind and query.
func (h *ResourceHandlers) GetResource(w http.ResponseWriter, r *http.Request) {
	key, ok := h.keyFromRequest(w, r)
	if !ok {
		return
	}
	snap, err := h.cache.Get(r.Context(), key)
	h.writeSnapshot(w, r, snap, err)
}

// RevalidateResource forces a revalidation and waits for its outcome. With force=true a fetch
// already in flight is superseded instead of joined.
func (h *ResourceHandlers) RevalidateResource(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force")
	query := r.URL.Query()
	query.Del("force")
	r.URL.RawQuery = query.Encode()

	key, ok := h.keyFromRequest(w, r)
	if !ok {
		return
	}
	outcome := h.cache.Revalidate
	if forced, _ := strconv.ParseBool(force); forced {
		outcome = h.cache.Refetch
	}
	select {
	case snap := <-outcome(key):
		var err error
		if snap.Err != nil {
			err = snap.Err
		}
		h.writeSnapshot(w, r, snap, err)
	case <-r.Context().Done():
		h.writeSnapshot(w, r, domain.IdleSnapshot(key), r.Context().Err())
	}
}

// Mutate performs a write against the Remote API and invalidates the named kinds.
func (h *ResourceHandlers) Mutate(w http.ResponseWriter, r *http.Request) {
	var req MutationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.logger.Warn(r.Context(), "Failed to decode mutation payload", "error", err.Error())
		domain.NewErrorResponse(domain.ErrBadRequest, "Invalid request payload", err.Error()).WriteJSON(w, http.StatusBadRequest)
		return
	}
	method := strings.ToUpper(req.Method)
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		domain.NewErrorResponse(domain.ErrBadRequest, "Invalid payload", "method must be one of POST, PUT, PATCH, DELETE.").WriteJSON(w, http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(req.Path, "/") {
		domain.NewErrorResponse(domain.ErrBadRequest, "Invalid payload", "path must start with '/'.").WriteJSON(w, http.StatusBadRequest)
		return
	}

	query := url.Values{}
	for name, value := range req.Query {
		query.Set(name, value)
	}
	data, err := h.cache.Execute(r.Context(), domain.RequestDescriptor{
		Method:       method,
		Path:         req.Path,
		Query:        query,
		Body:         req.Body,
		RequiresAuth: req.RequiresAuth,
	}, req.Invalidate...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.announce(r.Context(), req.Invalidate)
	writeJSON(w, http.StatusOK, MutationResponse{Data: data, Invalidated: req.Invalidate})
}

// announce tells the other instances which kinds changed.
func (h *ResourceHandlers) announce(ctx context.Context, kinds []domain.ResourceKind) {
	if h.changes == nil {
		return
	}
	for _, kind := range kinds {
		event := domain.ResourceChangedEvent{Kind: kind, Reason: "mutation"}
		if err := h.changes.PublishResourceChanged(ctx, event); err != nil {
			h.logger.Warn(ctx, "Failed to announce change to other instances", "kind", string(kind), "error", err.Error())
		}
	}
}

// ListEntries returns every cache entry.
func (h *ResourceHandlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Entries())
}

// CacheStats returns the cache counters.
func (h *ResourceHandlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

// SetSession stores a credential and revalidates subscribed entries in the background.
func (h *ResourceHandlers) SetSession(w http.ResponseWriter, r *http.Request) {
	var cred domain.Credential
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&cred); err != nil {
		domain.NewErrorResponse(domain.ErrBadRequest, "Invalid request payload", err.Error()).WriteJSON(w, http.StatusBadRequest)
		return
	}
	if err := h.credentials.SetCredential(r.Context(), &cred); err != nil {
		if errors.Is(err, application.ErrCredentialInvalid) {
			domain.NewErrorResponse(domain.ErrBadRequest, "Invalid credential", err.Error()).WriteJSON(w, http.StatusBadRequest)
			return
		}
		h.logger.Error(r.Context(), "Failed to store credential", "error", err.Error())
		domain.NewErrorResponse(domain.ErrInternal, "Failed to store credential", "").WriteJSON(w, http.StatusInternalServerError)
		return
	}

	bgCtx := context.WithoutCancel(r.Context())
	safego.Execute(bgCtx, h.logger, "SessionRevalidation", func() {
		ctx, cancel := context.WithTimeout(bgCtx, h.revalidationTimeout())
		defer cancel()
		if err := h.cache.RevalidateAll(ctx, domain.TriggerManual); err != nil {
			h.logger.Warn(ctx, "Revalidation after sign-in stopped early", "error", err.Error())
		}
	})
	w.WriteHeader(http.StatusNoContent)
}

// ClearSession signs the session out everywhere.
func (h *ResourceHandlers) ClearSession(w http.ResponseWriter, r *http.Request) {
	h.credentials.Invalidate(r.Context(), "signed_out")
	w.WriteHeader(http.StatusNoContent)
}

func (h *ResourceHandlers) revalidationTimeout() time.Duration {
	if t := h.configProvider.Get().API.Timeout(); t > 0 {
		return 2 * t
	}
	return 30 * time.Second
}

// keyFromRequest builds and validates the key, writing the error response itself.
func (h *ResourceHandlers) keyFromRequest(w http.ResponseWriter, r *http.Request) (domain.ResourceKey, bool) {
	key, err := domain.ParseResourceKey(r.PathValue("kind"), r.URL.Query())
	if err != nil {
		domain.NewErrorResponse(domain.ErrBadRequest, "Invalid resource key", err.Error()).WriteJSON(w, http.StatusBadRequest)
		return domain.NoKey, false
	}
	if _, err := h.resolver.Resolve(key); err != nil {
		switch {
		case errors.Is(err, application.ErrUnknownResourceKind):
			domain.NewErrorResponse(domain.ErrNotFound, "Unknown resource kind", err.Error()).WriteJSON(w, http.StatusNotFound)
		default:
			domain.NewErrorResponse(domain.ErrBadRequest, "Invalid resource key", err.Error()).WriteJSON(w, http.StatusBadRequest)
		}
		return domain.NoKey, false
	}
	return key, true
}

func (h *ResourceHandlers) writeSnapshot(w http.ResponseWriter, r *http.Request, snap domain.Snapshot, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *ResourceHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var fe *domain.FetchError
	switch {
	case errors.As(err, &fe):
		resp, status := domain.NewUpstreamErrorResponse(fe)
		h.logger.Debug(ctx, "Remote API failure returned to client", "error_kind", string(fe.Kind), "status", status)
		resp.WriteJSON(w, status)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		domain.NewErrorResponse(domain.ErrServiceUnavailable, "Request ended before the resource was fetched", err.Error()).WriteJSON(w, http.StatusGatewayTimeout)
	case errors.Is(err, application.ErrCoordinatorClosed):
		domain.NewErrorResponse(domain.ErrServiceUnavailable, "Service is shutting down", "").WriteJSON(w, http.StatusServiceUnavailable)
	default:
		h.logger.Error(ctx, "Unexpected error serving request", "error", err.Error(),
			"request_id", ctx.Value(contextkeys.RequestIDKey))
		domain.NewErrorResponse(domain.ErrInternal, "Internal error", "").WriteJSON(w, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
