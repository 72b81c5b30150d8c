package domain

import (
	"context"
)

// CredentialEvent is broadcast when an instance invalidates the credential of a session,
// so that other instances drop their in-memory copy too.
type CredentialEvent struct {
	SessionID string `json:"session_id"`
	Origin    string `json:"origin"` // instance id of the publisher
	Reason    string `json:"reason,omitempty"`
}

// CredentialEventHandler is called for every received CredentialEvent.
type CredentialEventHandler func(channel string, event CredentialEvent) error

// CredentialEventPublisher publishes credential invalidations.
type CredentialEventPublisher interface {
	PublishCredentialEvent(ctx context.Context, event CredentialEvent) error
}

// CredentialEventSubscriber listens for credential invalidations from other instances.
type CredentialEventSubscriber interface {
	SubscribeCredentialEvents(ctx context.Context, handler CredentialEventHandler) error
	Close() error
}

// ResourceChangedEvent is emitted by the backend when a resource changes.
// With Params set, only that key is invalidated; otherwise every key of Kind is.
type ResourceChangedEvent struct {
	Kind   ResourceKind      `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// Key returns the single key named by the event, or NoKey when it addresses the whole kind.
func (e ResourceChangedEvent) Key() ResourceKey {
	if len(e.Params) == 0 {
		return NoKey
	}
	return NewResourceKey(e.Kind, e.Params)
}

// Invalidator is the part of the cache that reacts to external change signals.
type Invalidator interface {
	InvalidateKey(key ResourceKey) int
	InvalidateKind(kind ResourceKind) int
	RevalidateAll(ctx context.Context, trigger RevalidationTrigger) error
}

// ChangeEventPublisher announces resource changes made through this service to other instances.
type ChangeEventPublisher interface {
	PublishResourceChanged(ctx context.Context, event ResourceChangedEvent) error
}
