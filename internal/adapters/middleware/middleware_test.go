package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/logger"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.SecretToken = "s3cret"
	h := APIKeyAuthMiddleware(config.NewStaticProvider(cfg), logger.NewZapAdapterFromLogger(zap.NewNop()))(okHandler())

	tests := []struct {
		name          string
		target        string
		header        string
		authorization string
		want          int
	}{
		{"header", "/v1/cache/stats", "s3cret", "", http.StatusNoContent},
		{"authorization scheme", "/v1/cache/stats", "", "apikey s3cret", http.StatusNoContent},
		{"bearer is not an api key", "/v1/cache/stats", "", "Bearer s3cret", http.StatusUnauthorized},
		{"query", "/ws?x-api-key=s3cret", "", "", http.StatusNoContent},
		{"missing", "/v1/cache/stats", "", "", http.StatusUnauthorized},
		{"wrong", "/v1/cache/stats", "nope", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set(apiKeyHeaderName, tt.header)
			}
			if tt.authorization != "" {
				req.Header.Set(authorizationHeader, tt.authorization)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAPIKeyAuthMiddleware_Unconfigured(t *testing.T) {
	h := APIKeyAuthMiddleware(config.NewStaticProvider(config.Default()), logger.NewZapAdapterFromLogger(zap.NewNop()))(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil)
	req.Header.Set(apiKeyHeaderName, "anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(contextkeys.RequestIDKey).(string)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(XRequestIDHeader, "given")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "given", seen)
	assert.Equal(t, "given", rec.Header().Get(XRequestIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(XRequestIDHeader))
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(okHandler(), mw("a"), mw("b")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b"}, order)
}
