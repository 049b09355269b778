// Package webhook receives source-control push notifications and turns them
// into pipeline runs.
//
// Each endpoint maps a URL path to one pipeline and one target. Requests must
// carry an HMAC-SHA256 signature of the raw body, either GitHub style
// ("sha256=<hex>") or plain hex, in the endpoint's signature header. Bodies
// larger than the endpoint limit are rejected before verification.
//
// The payload is read in the push shape shared by GitHub and Gitea:
//
//	{"ref": "refs/heads/main", "after": "3f2a..."}
//
// The run checks out "after" when present, else "ref". Pushes to branches
// outside the endpoint's branch list, and branch deletions, are acknowledged
// but start nothing.
//
// Error responses never explain signature failures: every verification
// problem is a bare 403.
package webhook
