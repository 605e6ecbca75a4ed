package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "surrounding space", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "empty token", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/identity", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
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
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{"manager:ro"}},
		{Token: "writer", Scopes: []string{" manager:rw ", ""}},
	}

	p, ok := Authenticate("admin-key", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeManagerWrite))

	p, ok = Authenticate("reader", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeManagerRead))
	assert.False(t, HasAnyScope(p, ScopeManagerWrite))

	p, ok = Authenticate("writer", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeManagerRead), "write implies read")

	_, ok = Authenticate("nope", "admin-key", tokens)
	assert.False(t, ok)

	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty credentials never match")
}

func TestEnabled(t *testing.T) {
	assert.False(t, Enabled("", nil))
	assert.True(t, Enabled("k", nil))
	assert.True(t, Enabled("", []TokenConfig{{Token: "t"}}))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Token: "t"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "t", p.Token)
	assert.True(t, HasAnyScope(p), "no required scopes")
}
