// Package credentials models secrets as an explicit capability handed to the
// collaborators that need them, rather than ambient process state.
package credentials

import "net/http"

// Credentials authenticate against an external collaborator. Token wins over
// basic auth when both are set.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// IsZero reports whether no secret is configured.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == "" && c.Token == ""
}

// Apply sets the Authorization header on req.
func (c Credentials) Apply(req *http.Request) {
	switch {
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case c.Username != "" || c.Password != "":
		req.SetBasicAuth(c.Username, c.Password)
	}
}

// Map renders the credentials for tools that take key/value variables.
// Empty fields are omitted.
func (c Credentials) Map() map[string]string {
	out := make(map[string]string, 3)
	if c.Username != "" {
		out["username"] = c.Username
	}
	if c.Password != "" {
		out["password"] = c.Password
	}
	if c.Token != "" {
		out["token"] = c.Token
	}
	return out
}

// String never prints secret material.
func (c Credentials) String() string {
	switch {
	case c.Token != "":
		return "token(redacted)"
	case c.Username != "":
		return c.Username + ":(redacted)"
	default:
		return "none"
	}
}
