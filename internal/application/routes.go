package application

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

// Route describes how one resource kind is read from the Remote API.
// Path segments written as {name} are filled from the key parameter of the same name;
// every other parameter is sent as a query parameter.
type Route struct {
	Method       string
	PathTemplate string
	RequiresAuth bool
}

// RouteTable maps resource kinds to routes. It implements domain.RequestResolver
// and is read-only after construction.
type RouteTable struct {
	routes map[domain.ResourceKind]Route
}

// NewRouteTable builds a table from routes. Method defaults to GET.
func NewRouteTable(routes map[domain.ResourceKind]Route) *RouteTable {
	t := &RouteTable{routes: make(map[domain.ResourceKind]Route, len(routes))}
	for kind, r := range routes {
		if r.Method == "" {
			r.Method = http.MethodGet
		}
		t.routes[kind] = r
	}
	return t
}

// DefaultRoutes returns the Remote API routes of the platform resources.
func DefaultRoutes() *RouteTable {
	return NewRouteTable(map[domain.ResourceKind]Route{
		domain.KindProjects:       {PathTemplate: "/projects/"},
		domain.KindProject:        {PathTemplate: "/projects/{id}/"},
		domain.KindSchools:        {PathTemplate: "/schools/"},
		domain.KindSchool:         {PathTemplate: "/schools/{id}/"},
		domain.KindProfile:        {PathTemplate: "/users/me/", RequiresAuth: true},
		domain.KindCollaborations: {PathTemplate: "/collaborations/", RequiresAuth: true},
		domain.KindDonations:      {PathTemplate: "/donations/", RequiresAuth: true},
	})
}

// Resolve derives the request for key. The same key always yields the same request.
func (t *RouteTable) Resolve(key domain.ResourceKey) (domain.RequestDescriptor, error) {
	if key.IsZero() {
		return domain.RequestDescriptor{}, fmt.Errorf("%w: no key", domain.ErrInvalidResourceKey)
	}
	route, ok := t.routes[key.Kind()]
	if !ok {
		return domain.RequestDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownResourceKind, key.Kind())
	}

	query := key.Params()
	path, err := expandPath(route.PathTemplate, query)
	if err != nil {
		return domain.RequestDescriptor{}, fmt.Errorf("resolve %s: %w", key, err)
	}

	return domain.RequestDescriptor{
		Method:       route.Method,
		Path:         path,
		Query:        query,
		RequiresAuth: route.RequiresAuth,
	}, nil
}

// expandPath fills {name} segments from values and removes the used names from values.
func expandPath(template string, values url.Values) (string, error) {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated parameter in path %q", template)
		}
		name := rest[open+1 : open+end]
		value := values.Get(name)
		if value == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingParameter, name)
		}
		values.Del(name)
		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(value))
		rest = rest[open+end+1:]
	}
}
