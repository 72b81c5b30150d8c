package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/metrics"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

const (
	apiKeyHeaderName    = "X-API-Key"
	apiKeyQueryParam    = "x-api-key" // browsers cannot set headers on a websocket upgrade
	apiKeyAuthScheme    = "ApiKey"
	authorizationHeader = "Authorization"
)

// APIKeyAuthMiddleware guards the service's own surface with auth.secret_token. The key is
// read from X-API-Key, then "Authorization: ApiKey <key>", then the x-api-key query parameter.
// A missing or wrong key is answered with 401; an unconfigured secret with 500.
func APIKeyAuthMiddleware(cfgProvider config.Provider, logger domain.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var secret string
			if cfg := cfgProvider.Get(); cfg != nil {
				secret = cfg.Auth.SecretToken
			}
			if secret == "" {
				logger.Error(r.Context(), "API key authentication failed: SecretToken not configured", "path", r.URL.Path)
				metrics.IncrementAPIKeyRejections("unconfigured")
				domain.NewErrorResponse(domain.ErrInternal, "Server configuration error", "API authentication cannot be performed.").
					WriteJSON(w, http.StatusInternalServerError)
				return
			}

			apiKey := apiKeyFromRequest(r)
			switch {
			case apiKey == "":
				logger.Warn(r.Context(), "API key authentication failed: Key missing", "path", r.URL.Path)
				metrics.IncrementAPIKeyRejections("missing")
				domain.NewErrorResponse(domain.ErrInvalidAPIKey, "API key is required", "Provide API key in X-API-Key header or x-api-key query parameter.").
					WriteJSON(w, http.StatusUnauthorized)
				return
			case subtle.ConstantTimeCompare([]byte(apiKey), []byte(secret)) != 1:
				logger.Warn(r.Context(), "API key authentication failed: Invalid key", "path", r.URL.Path)
				metrics.IncrementAPIKeyRejections("invalid")
				domain.NewErrorResponse(domain.ErrInvalidAPIKey, "Invalid API key", "The provided API key is not valid.").
					WriteJSON(w, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get(apiKeyHeaderName); key != "" {
		return key
	}
	if scheme, key, ok := strings.Cut(r.Header.Get(authorizationHeader), " "); ok && strings.EqualFold(scheme, apiKeyAuthScheme) {
		return strings.TrimSpace(key)
	}
	return r.URL.Query().Get(apiKeyQueryParam)
}
