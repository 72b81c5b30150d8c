package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the state of one cache entry.
type Status string

const (
	StatusIdle     Status = "idle"     // no fetch ever attempted
	StatusFetching Status = "fetching" // a request is in flight, previous data may still be exposed
	StatusResolved Status = "resolved" // last fetch succeeded
	StatusFailed   Status = "failed"   // last fetch failed, previous data retained
)

// RevalidationTrigger names why a fetch was started. Every trigger the cache reacts to is listed here.
type RevalidationTrigger string

const (
	TriggerSubscribe    RevalidationTrigger = "subscribe"
	TriggerManual       RevalidationTrigger = "manual"
	TriggerReconnect    RevalidationTrigger = "reconnect"
	TriggerInvalidation RevalidationTrigger = "invalidation"
	TriggerMutation     RevalidationTrigger = "mutation"
)

// ErrNoData is returned by Snapshot.Decode when the snapshot holds no data.
var ErrNoData = errors.New("snapshot has no data")

// ErrCacheMiss is returned by stores when the requested item does not exist.
var ErrCacheMiss = errors.New("item not found in cache")

// Snapshot is a read-only view of one cache entry at one point in time.
// Snapshots are replaced, never mutated; Data is shared between subscribers and must
// be treated as read-only.
type Snapshot struct {
	Key       ResourceKey     `json:"key"`
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Err       *FetchError     `json:"error,omitempty"`
	Version   uint64          `json:"version"`
	Seq       uint64          `json:"seq"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// IdleSnapshot is the view of a key nobody has fetched yet.
func IdleSnapshot(key ResourceKey) Snapshot {
	return Snapshot{Key: key, Status: StatusIdle}
}

// IsLoading reports whether a fetch is in flight.
func (s Snapshot) IsLoading() bool {
	return s.Status == StatusFetching
}

// HasData reports whether the snapshot carries data from a successful fetch or mutation.
func (s Snapshot) HasData() bool {
	return s.Data != nil
}

// Decode unmarshals the snapshot data into v.
func (s Snapshot) Decode(v any) error {
	if s.Data == nil {
		return ErrNoData
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("failed to decode data for %s: %w", s.Key, err)
	}
	return nil
}

// Page is the paginated list envelope returned by the directory endpoints.
type Page struct {
	Count    int               `json:"count"`
	Next     *string           `json:"next,omitempty"`
	Previous *string           `json:"previous,omitempty"`
	Results  []json.RawMessage `json:"results"`
}
