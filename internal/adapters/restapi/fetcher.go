package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/metrics"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
)

const (
	maxResponseBytes = 8 << 20
	writeKindLabel   = "write"
)

// messageFields are the error body fields that carry a human readable message, in order of preference.
var messageFields = []string{"message", "detail", "error"}

// Fetcher performs one HTTP request against the Remote API per call and normalises the
// result into raw JSON or a *domain.FetchError. It never retries.
type Fetcher struct {
	logger         domain.Logger
	configProvider config.Provider
	auth           domain.AuthProvider
	client         *http.Client
}

// NewFetcher creates a Fetcher. A nil client uses a dedicated http.Client; the per-request
// timeout always comes from api.timeout_seconds.
func NewFetcher(logger domain.Logger, configProvider config.Provider, auth domain.AuthProvider, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &Fetcher{
		logger:         logger,
		configProvider: configProvider,
		auth:           auth,
		client:         client,
	}
}

// Fetch implements domain.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, key domain.ResourceKey, req domain.RequestDescriptor) (json.RawMessage, error) {
	kindLabel := string(key.Kind())
	if key.IsZero() {
		kindLabel = writeKindLabel
	}
	logCtx := context.WithValue(ctx, contextkeys.ResourceKeyKey, key.String())

	token := f.accessToken(ctx)
	start := time.Now()
	data, fe := f.do(ctx, req, token)
	outcome := "ok"
	if fe != nil {
		outcome = string(fe.Kind)
	}
	metrics.ObserveFetch(kindLabel, outcome, time.Since(start).Seconds())

	if fe == nil {
		f.logger.Debug(logCtx, "Remote API request succeeded",
			"method", req.Method,
			"path", req.Path,
			"duration_ms", time.Since(start).Milliseconds())
		return data, nil
	}

	f.logger.Warn(logCtx, "Remote API request failed",
		"method", req.Method,
		"path", req.Path,
		"error_kind", string(fe.Kind),
		"status_code", fe.StatusCode,
		"error", fe.Message)

	if fe.Kind == domain.ErrKindUnauthenticated && fe.StatusCode == http.StatusUnauthorized && f.auth != nil {
		f.auth.CredentialInvalidated(ctx, token)
	}
	return nil, fe
}

// accessToken reads the credential once per call, so a 401 names the token that was sent.
func (f *Fetcher) accessToken(ctx context.Context) string {
	if f.auth == nil {
		return ""
	}
	if cred, ok := f.auth.Credential(ctx); ok {
		return cred.AccessToken
	}
	return ""
}

func (f *Fetcher) do(ctx context.Context, req domain.RequestDescriptor, token string) (json.RawMessage, *domain.FetchError) {
	cfg := f.configProvider.Get().API

	if token == "" && req.RequiresAuth {
		return nil, domain.NewFetchError(domain.ErrKindUnauthenticated, 0, "sign-in required", nil)
	}

	if timeout := cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := f.newRequest(ctx, cfg, req, token)
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrKindUnknown, 0, err.Error(), err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrKindNetworkUnavailable, 0, transportMessage(err), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrKindNetworkUnavailable, resp.StatusCode, transportMessage(err), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse(resp.StatusCode, raw)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(raw) {
		return nil, domain.NewFetchError(domain.ErrKindUnknown, resp.StatusCode, "response body is not valid JSON", nil)
	}
	return json.RawMessage(raw), nil
}

func (f *Fetcher) newRequest(ctx context.Context, cfg config.APIConfig, req domain.RequestDescriptor, token string) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := strings.TrimRight(cfg.BaseURL, "/") + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s %s: %w", method, req.Path, err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", cfg.UserAgent)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if requestID, ok := ctx.Value(contextkeys.RequestIDKey).(string); ok && requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}
	return httpReq, nil
}

// errorFromResponse classifies a non-2xx response and keeps the server's own message.
func errorFromResponse(statusCode int, raw []byte) *domain.FetchError {
	kind := domain.ClassifyStatus(statusCode)
	message, fieldErrors := parseErrorBody(raw)
	if message == "" {
		message = http.StatusText(statusCode)
	}
	if message == "" {
		message = fmt.Sprintf("unexpected status %d", statusCode)
	}
	fe := domain.NewFetchError(kind, statusCode, message, nil)
	if kind == domain.ErrKindValidation && len(fieldErrors) > 0 {
		fe.FieldErrors = fieldErrors
	}
	return fe
}

// parseErrorBody reads {"message"|"detail"|"error": "..."} and field errors given either as
// {"errors": {"field": [...]}} or as top-level {"field": ["msg"]}.
func parseErrorBody(raw []byte) (string, map[string][]string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		text := string(raw)
		if len(text) > 200 || strings.HasPrefix(text, "<") {
			return "", nil
		}
		return text, nil
	}

	var message string
	for _, field := range messageFields {
		if v, ok := body[field]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil && s != "" {
				message = s
				break
			}
		}
	}

	source := body
	if nested, ok := body["errors"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(nested, &inner) == nil {
			source = inner
		}
	}
	fieldErrors := make(map[string][]string)
	for field, v := range source {
		if isMessageField(field) || field == "errors" {
			continue
		}
		if msgs := decodeMessages(v); len(msgs) > 0 {
			fieldErrors[field] = msgs
		}
	}
	if message == "" {
		if msgs, ok := fieldErrors["non_field_errors"]; ok {
			message = msgs[0]
		}
	}
	if len(fieldErrors) == 0 {
		fieldErrors = nil
	}
	return message, fieldErrors
}

func isMessageField(name string) bool {
	for _, f := range messageFields {
		if f == name {
			return true
		}
	}
	return false
}

func decodeMessages(v json.RawMessage) []string {
	var list []string
	if json.Unmarshal(v, &list) == nil {
		return list
	}
	var single string
	if json.Unmarshal(v, &single) == nil && single != "" {
		return []string{single}
	}
	return nil
}

func transportMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return err.Error()
}
