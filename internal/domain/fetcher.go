package domain

import (
	"context"
	"encoding/json"
	"net/url"
)

// RequestDescriptor is the HTTP request derived deterministically from a ResourceKey.
type RequestDescriptor struct {
	Method       string
	Path         string
	Query        url.Values
	Body         json.RawMessage
	RequiresAuth bool
}

// Fetcher performs exactly one request against the Remote API and normalises the outcome.
// Failures are returned as *FetchError. Implementations never retry.
type Fetcher interface {
	Fetch(ctx context.Context, key ResourceKey, req RequestDescriptor) (json.RawMessage, error)
}

// RequestResolver maps a key to the request that retrieves it.
type RequestResolver interface {
	Resolve(key ResourceKey) (RequestDescriptor, error)
}
