package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

// MockFetcher implements domain.Fetcher with a fixed latency and counts requests.
type MockFetcher struct {
	Latency time.Duration
	Calls   int64
}

// NewMockFetcher creates a fetcher that answers after latency.
func NewMockFetcher(latency time.Duration) *MockFetcher {
	return &MockFetcher{Latency: latency}
}

// Fetch implements domain.Fetcher.
func (m *MockFetcher) Fetch(ctx context.Context, key domain.ResourceKey, req domain.RequestDescriptor) (json.RawMessage, error) {
	atomic.AddInt64(&m.Calls, 1)
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, domain.NewFetchError(domain.ErrKindNetworkUnavailable, 0, "request cancelled", ctx.Err())
		}
	}
	return json.RawMessage(fmt.Sprintf(`{"key":%q}`, key.String())), nil
}

// CallCount returns the number of Fetch calls so far.
func (m *MockFetcher) CallCount() int64 {
	return atomic.LoadInt64(&m.Calls)
}

// MockAuth implements domain.AuthProvider with a fixed token.
type MockAuth struct {
	Token string
}

// Credential implements domain.AuthProvider.
func (m *MockAuth) Credential(context.Context) (*domain.Credential, bool) {
	if m.Token == "" {
		return nil, false
	}
	return &domain.Credential{AccessToken: m.Token}, true
}

// CredentialInvalidated implements domain.AuthProvider.
func (m *MockAuth) CredentialInvalidated(context.Context, string) {}
