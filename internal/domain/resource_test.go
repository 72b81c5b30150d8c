package domain

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceKey_CanonicalForm(t *testing.T) {
	a := NewResourceKey(KindProjects, map[string]string{"page": "1", "country": "KE", "q": ""})
	b := NewResourceKey(KindProjects, map[string]string{"country": "KE", "page": "1"})

	assert.Equal(t, a, b, "order and empty values do not matter")
	assert.Equal(t, "projects?country=KE&page=1", a.String())
	assert.Equal(t, "profile", ProfileKey().String())
	assert.NotEqual(t, ProjectsKey(1, 10, nil), ProjectsKey(2, 10, nil))

	cache := map[ResourceKey]int{a: 1}
	assert.Equal(t, 1, cache[b])
}

func TestResourceKey_NoKey(t *testing.T) {
	assert.True(t, NoKey.IsZero())
	assert.Equal(t, NoKey, ProjectKey(""))
	assert.Equal(t, NoKey, SchoolKey(""))
	assert.Equal(t, NoKey, NewResourceKey("", map[string]string{"id": "1"}))
	assert.False(t, ProfileKey().IsZero())
}

func TestResourceKey_Params(t *testing.T) {
	key := ProjectKey("a b/c")
	assert.Equal(t, KindProject, key.Kind())
	assert.Equal(t, "a b/c", key.Param("id"))
	assert.Equal(t, "", key.Param("missing"))

	params := key.Params()
	params.Set("id", "changed")
	assert.Equal(t, "a b/c", key.Param("id"), "Params returns a copy")
}

func TestParseResourceKey(t *testing.T) {
	key, err := ParseResourceKey(" projects ", url.Values{"page": {"2", "3"}, "limit": {"10"}})
	require.NoError(t, err)
	assert.Equal(t, ProjectsKey(2, 10, nil), key)

	_, err = ParseResourceKey("  ", nil)
	assert.ErrorIs(t, err, ErrInvalidResourceKey)
}

func TestResourceKey_JSON(t *testing.T) {
	key := ProjectsKey(1, 10, map[string]string{"country": "KE"})
	raw, err := json.Marshal(key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"projects","params":{"country":"KE","limit":"10","page":"1"}}`, string(raw))

	var decoded ResourceKey
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, key, decoded)

	raw, err = json.Marshal(NoKey)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
	require.NoError(t, json.Unmarshal([]byte("null"), &decoded))
	assert.True(t, decoded.IsZero())

	assert.ErrorIs(t, json.Unmarshal([]byte(`{"kind":5}`), &decoded), ErrInvalidResourceKey)
}

func TestSnapshot_Decode(t *testing.T) {
	var v struct{ Count int }
	assert.ErrorIs(t, IdleSnapshot(ProfileKey()).Decode(&v), ErrNoData)

	snap := Snapshot{Key: ProfileKey(), Status: StatusResolved, Data: json.RawMessage(`{"Count":3}`)}
	require.NoError(t, snap.Decode(&v))
	assert.Equal(t, 3, v.Count)
	assert.True(t, snap.HasData())
	assert.False(t, snap.IsLoading())
}
