// Package auth resolves API bearer tokens to principals and checks their
// scopes. Scopes take the form <resource>:<ro|rw>; rw implies ro.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scope grants read or write access to one API resource.
type Scope string

const (
	ScopeAll         Scope = "*"
	ScopeRunsRead    Scope = "runs:ro"
	ScopeRunsWrite   Scope = "runs:rw"
	ScopeDeployRead  Scope = "deploy:ro"
	ScopeDeployWrite Scope = "deploy:rw"
	ScopeEventsRead  Scope = "events:ro"
	ScopeEventsWrite Scope = "events:rw"
)

var resources = []string{"runs", "deploy", "events"}

// KnownScopes lists every scope a token may carry.
func KnownScopes() []Scope {
	out := make([]Scope, 0, 2*len(resources)+1)
	for _, r := range resources {
		out = append(out, Scope(r+":ro"), Scope(r+":rw"))
	}
	return append(out, ScopeAll)
}

// ParseScope trims s and checks it names a known scope.
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	for _, known := range KnownScopes() {
		if Scope(s) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// TokenConfig is a named bearer token with a set of scopes.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. Name identifies the token in run
// provenance and logs; the token itself is never kept.
type Principal struct {
	Name   string
	Scopes map[Scope]struct{}
}

// Can reports whether p holds any of required. No requirement always passes.
func (p Principal) Can(required ...Scope) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

// NewContext returns ctx carrying p.
func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by NewContext.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// BearerToken extracts the token of an "Authorization: Bearer" header. The
// scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

type credential struct {
	token     []byte
	principal Principal
}

// Authenticator matches presented tokens against the configured ones.
type Authenticator struct {
	creds []credential
}

// NewAuthenticator builds an Authenticator. adminKey, when set, grants every
// scope under the principal name "admin". Tokens without a name are called
// token-<index>.
func NewAuthenticator(adminKey string, tokens []TokenConfig) *Authenticator {
	a := &Authenticator{}
	if adminKey != "" {
		a.creds = append(a.creds, credential{
			token:     []byte(adminKey),
			principal: Principal{Name: "admin", Scopes: map[Scope]struct{}{ScopeAll: {}}},
		})
	}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		name := strings.TrimSpace(t.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		a.creds = append(a.creds, credential{
			token:     []byte(t.Token),
			principal: Principal{Name: name, Scopes: expandScopes(t.Scopes)},
		})
	}
	return a
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.creds) > 0
}

// Authenticate returns the principal owning presented. Every credential is
// compared so the time taken does not reveal which one matched.
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	var (
		found Principal
		ok    bool
	)
	for _, c := range a.creds {
		if subtle.ConstantTimeCompare([]byte(presented), c.token) == 1 && !ok {
			found, ok = c.principal, true
		}
	}
	return found, ok
}

// expandScopes drops unknown entries and adds the ro scope of every rw one.
func expandScopes(scopes []string) map[Scope]struct{} {
	out := make(map[Scope]struct{}, len(scopes))
	for _, raw := range scopes {
		s, err := ParseScope(raw)
		if err != nil {
			continue
		}
		out[s] = struct{}{}
		if ro, found := strings.CutSuffix(string(s), ":rw"); found {
			out[Scope(ro+":ro")] = struct{}{}
		}
	}
	return out
}
