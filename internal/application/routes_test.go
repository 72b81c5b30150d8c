package application

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

func TestRouteTable_Resolve(t *testing.T) {
	routes := DefaultRoutes()

	tests := []struct {
		name      string
		key       domain.ResourceKey
		wantPath  string
		wantQuery string
		wantAuth  bool
	}{
		{"directory with paging", domain.ProjectsKey(2, 10, map[string]string{"country": "KE"}), "/projects/", "country=KE&limit=10&page=2", false},
		{"detail fills path", domain.SchoolKey("abc"), "/schools/abc/", "", false},
		{"detail escapes id", domain.ProjectKey("a b/c"), "/projects/a%20b%2Fc/", "", false},
		{"private resource", domain.ProfileKey(), "/users/me/", "", true},
		{"private list", domain.DonationsKey(1, 5), "/donations/", "limit=5&page=1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := routes.Resolve(tt.key)
			require.NoError(t, err)
			assert.Equal(t, http.MethodGet, req.Method)
			assert.Equal(t, tt.wantPath, req.Path)
			assert.Equal(t, tt.wantQuery, req.Query.Encode())
			assert.Equal(t, tt.wantAuth, req.RequiresAuth)
		})
	}
}

func TestRouteTable_ResolveIsDeterministic(t *testing.T) {
	routes := DefaultRoutes()
	a, err := routes.Resolve(domain.ProjectsKey(1, 10, map[string]string{"q": "water"}))
	require.NoError(t, err)
	b, err := routes.Resolve(domain.ProjectsKey(1, 10, map[string]string{"q": "water"}))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRouteTable_ResolveErrors(t *testing.T) {
	routes := DefaultRoutes()

	_, err := routes.Resolve(domain.NoKey)
	assert.ErrorIs(t, err, domain.ErrInvalidResourceKey)

	_, err = routes.Resolve(domain.NewResourceKey("volunteers", nil))
	assert.ErrorIs(t, err, ErrUnknownResourceKind)

	_, err = routes.Resolve(domain.NewResourceKey(domain.KindSchool, map[string]string{"name": "x"}))
	assert.ErrorIs(t, err, ErrMissingParameter)
}

func TestRouteTable_MethodDefaults(t *testing.T) {
	routes := NewRouteTable(map[domain.ResourceKind]Route{
		"b": {PathTemplate: "/b/"},
		"a": {PathTemplate: "/a/", Method: http.MethodPost},
	})

	req, err := routes.Resolve(domain.NewResourceKey("b", nil))
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)

	req, err = routes.Resolve(domain.NewResourceKey("a", nil))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)

	_, err = routes.Resolve(domain.NewResourceKey("c", nil))
	assert.ErrorIs(t, err, ErrUnknownResourceKind)
}
