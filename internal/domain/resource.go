package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ResourceKind names one family of remote resources.
type ResourceKind string

const (
	KindProjects       ResourceKind = "projects"
	KindProject        ResourceKind = "project"
	KindSchools        ResourceKind = "schools"
	KindSchool         ResourceKind = "school"
	KindProfile        ResourceKind = "profile"
	KindCollaborations ResourceKind = "collaborations"
	KindDonations      ResourceKind = "donations"
)

// ErrInvalidResourceKey is returned when a key cannot be decoded.
var ErrInvalidResourceKey = errors.New("invalid resource key")

// ResourceKey identifies what to fetch: a kind plus its normalised parameters.
// The struct is comparable, and two keys are == exactly when their String forms match,
// so it can be used directly as a map key.
type ResourceKey struct {
	kind   ResourceKind
	params string // url-encoded, sorted by name, empty values removed
}

// NoKey is the "do not fetch" sentinel, used while required parameters are unknown.
var NoKey = ResourceKey{}

// NewResourceKey builds a key from a kind and a parameter map.
// Parameters with an empty value are dropped.
func NewResourceKey(kind ResourceKind, params map[string]string) ResourceKey {
	if kind == "" {
		return NoKey
	}
	values := url.Values{}
	for name, value := range params {
		if name == "" || value == "" {
			continue
		}
		values.Set(name, value)
	}
	return ResourceKey{kind: kind, params: values.Encode()}
}

// ParseResourceKey builds a key from HTTP-style query values. Only the first value of
// each parameter is used.
func ParseResourceKey(kind string, query url.Values) (ResourceKey, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return NoKey, fmt.Errorf("%w: kind is required", ErrInvalidResourceKey)
	}
	params := make(map[string]string, len(query))
	for name, values := range query {
		if len(values) > 0 {
			params[name] = values[0]
		}
	}
	return NewResourceKey(ResourceKind(kind), params), nil
}

// ProjectsKey is the paginated project directory.
func ProjectsKey(page, limit int, filters map[string]string) ResourceKey {
	return NewResourceKey(KindProjects, withPage(filters, page, limit))
}

// ProjectKey is a single project; an empty id yields NoKey.
func ProjectKey(id string) ResourceKey {
	if id == "" {
		return NoKey
	}
	return NewResourceKey(KindProject, map[string]string{"id": id})
}

// SchoolsKey is the paginated school directory.
func SchoolsKey(page, limit int, filters map[string]string) ResourceKey {
	return NewResourceKey(KindSchools, withPage(filters, page, limit))
}

// SchoolKey is a single school; an empty id yields NoKey.
func SchoolKey(id string) ResourceKey {
	if id == "" {
		return NoKey
	}
	return NewResourceKey(KindSchool, map[string]string{"id": id})
}

// ProfileKey is the signed-in user's profile.
func ProfileKey() ResourceKey {
	return NewResourceKey(KindProfile, nil)
}

// CollaborationsKey lists the signed-in user's collaboration requests.
func CollaborationsKey(page, limit int) ResourceKey {
	return NewResourceKey(KindCollaborations, withPage(nil, page, limit))
}

// DonationsKey lists the signed-in user's donations.
func DonationsKey(page, limit int) ResourceKey {
	return NewResourceKey(KindDonations, withPage(nil, page, limit))
}

func withPage(filters map[string]string, page, limit int) map[string]string {
	params := make(map[string]string, len(filters)+2)
	for name, value := range filters {
		params[name] = value
	}
	if page > 0 {
		params["page"] = strconv.Itoa(page)
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	return params
}

// Kind returns the resource kind.
func (k ResourceKey) Kind() ResourceKind {
	return k.kind
}

// IsZero reports whether k is the NoKey sentinel.
func (k ResourceKey) IsZero() bool {
	return k.kind == ""
}

// Params returns a fresh copy of the key's parameters.
func (k ResourceKey) Params() url.Values {
	values, err := url.ParseQuery(k.params)
	if err != nil {
		// params is always produced by url.Values.Encode
		return url.Values{}
	}
	return values
}

// Param returns a single parameter value, or "" when absent.
func (k ResourceKey) Param(name string) string {
	return k.Params().Get(name)
}

// String returns the canonical form, e.g. "projects?limit=10&page=1".
func (k ResourceKey) String() string {
	if k.params == "" {
		return string(k.kind)
	}
	return string(k.kind) + "?" + k.params
}

type resourceKeyJSON struct {
	Kind   ResourceKind      `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// MarshalJSON encodes the key as {"kind": ..., "params": {...}}.
func (k ResourceKey) MarshalJSON() ([]byte, error) {
	if k.IsZero() {
		return []byte("null"), nil
	}
	out := resourceKeyJSON{Kind: k.kind}
	values := k.Params()
	if len(values) > 0 {
		out.Params = make(map[string]string, len(values))
		for name := range values {
			out.Params[name] = values.Get(name)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON. null decodes to NoKey.
func (k *ResourceKey) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*k = NoKey
		return nil
	}
	var in resourceKeyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResourceKey, err)
	}
	*k = NewResourceKey(in.Kind, in.Params)
	return nil
}
