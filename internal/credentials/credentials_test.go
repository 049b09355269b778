package credentials

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyPrefersToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	Credentials{Username: "u", Password: "p", Token: "tok"}.Apply(req)
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
}

func TestApplyBasic(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	Credentials{Username: "deployer", Password: "s3cret"}.Apply(req)
	u, p, ok := req.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "deployer", u)
	assert.Equal(t, "s3cret", p)
}

func TestApplyNoneLeavesHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	Credentials{}.Apply(req)
	assert.Empty(t, req.Header.Get("Authorization"))
	assert.True(t, Credentials{}.IsZero())
}

func TestStringRedacts(t *testing.T) {
	c := Credentials{Username: "deployer", Password: "s3cret", Token: "tok"}
	s := fmt.Sprintf("%v %s", c, Credentials{Username: "deployer", Password: "s3cret"})
	assert.False(t, strings.Contains(s, "s3cret"))
	assert.Equal(t, "none", Credentials{}.String())
}

func TestMapOmitsEmpty(t *testing.T) {
	m := Credentials{Username: "u"}.Map()
	assert.Equal(t, map[string]string{"username": "u"}, m)
}
