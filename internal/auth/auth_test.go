package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "lowercase scheme", header: "bearer abc123", want: "abc123"},
		{name: "trims", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic scheme", header: "Basic abc", wantErr: true},
		{name: "no token", header: "Bearer", wantErr: true},
		{name: "empty token", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	a := NewAuthenticator("admin-key", []TokenConfig{
		{Name: "ci", Token: "deployer", Scopes: []string{"deploy:rw", " runs:ro "}},
		{Token: "watcher", Scopes: []string{"events:ro", "", "bogus:rw"}},
		{Name: "blank", Token: ""},
	})
	require.True(t, a.Enabled())

	p, ok := a.Authenticate("admin-key")
	require.True(t, ok)
	assert.Equal(t, "admin", p.Name)
	assert.True(t, p.Can(ScopeDeployWrite))

	p, ok = a.Authenticate("deployer")
	require.True(t, ok)
	assert.Equal(t, "ci", p.Name)
	assert.True(t, p.Can(ScopeDeployRead), "rw implies ro")
	assert.True(t, p.Can(ScopeRunsRead))
	assert.False(t, p.Can(ScopeRunsWrite))
	assert.False(t, p.Can(ScopeEventsRead))
	assert.True(t, p.Can(ScopeEventsRead, ScopeDeployWrite), "any of")

	p, ok = a.Authenticate("watcher")
	require.True(t, ok)
	assert.Equal(t, "token-1", p.Name)
	assert.Len(t, p.Scopes, 1, "unknown and empty scopes dropped")

	_, ok = a.Authenticate("nope")
	assert.False(t, ok)
	_, ok = a.Authenticate("")
	assert.False(t, ok, "empty token never matches a blank credential")
}

func TestAuthenticatorDisabled(t *testing.T) {
	a := NewAuthenticator("", nil)
	assert.False(t, a.Enabled())
	_, ok := a.Authenticate("anything")
	assert.False(t, ok)
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope(" runs:rw ")
	require.NoError(t, err)
	assert.Equal(t, ScopeRunsWrite, s)

	_, err = ParseScope("runs:admin")
	assert.Error(t, err)

	assert.Contains(t, KnownScopes(), ScopeAll)
	assert.Len(t, KnownScopes(), 7)
}

func TestCanWithoutRequirements(t *testing.T) {
	assert.True(t, Principal{}.Can())
}

func TestPrincipalContext(t *testing.T) {
	ctx := NewContext(t.Context(), Principal{Name: "x"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "x", p.Name)

	_, ok = FromContext(t.Context())
	assert.False(t, ok)
}
