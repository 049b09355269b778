package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	secret := "s3cret"
	github := Sign(body, secret)
	plain := strings.TrimPrefix(github, "sha256=")

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		ok        bool
	}{
		{"github format", body, github, secret, true},
		{"plain hex", body, plain, secret, true},
		{"surrounding space", body, " " + github + " ", secret, true},
		{"wrong secret", body, github, "other", false},
		{"tampered body", []byte(`{"ref":"refs/heads/evil"}`), github, secret, false},
		{"not hex", body, "sha256=zz", secret, false},
		{"truncated", body, github[:20], secret, false},
		{"empty signature", body, "", secret, false},
		{"empty secret", body, github, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifySignature(tt.body, tt.signature, tt.secret)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errVerification)
		})
	}
}

func TestResolveRef(t *testing.T) {
	tests := []struct {
		name     string
		push     PushPayload
		branches []string
		ref      string
		ignored  string
	}{
		{"commit preferred", PushPayload{Ref: "refs/heads/main", After: "abc123"}, nil, "abc123", ""},
		{"ref fallback", PushPayload{Ref: "refs/heads/main"}, nil, "refs/heads/main", ""},
		{"watched branch", PushPayload{Ref: "refs/heads/main", After: "abc"}, []string{"main"}, "abc", ""},
		{"unwatched branch", PushPayload{Ref: "refs/heads/dev", After: "abc"}, []string{"main"}, "", "branch not watched"},
		{"tag with branch filter", PushPayload{Ref: "refs/tags/v1", After: "abc"}, []string{"main"}, "", "branch not watched"},
		{"deletion", PushPayload{Ref: "refs/heads/main", After: strings.Repeat("0", 40)}, nil, "", "branch deleted"},
		{"empty", PushPayload{}, nil, "", "no ref in payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ignored := resolveRef(tt.push, tt.branches)
			assert.Equal(t, tt.ref, ref)
			assert.Equal(t, tt.ignored, ignored)
		})
	}
}
