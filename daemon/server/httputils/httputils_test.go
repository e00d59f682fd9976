package httputils

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestReadJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"primary"}`))
	var v struct {
		Name string `json:"name"`
	}
	assert.NilError(t, ReadJSON(req, &v))
	assert.Check(t, is.Equal(v.Name, "primary"))

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"a"} trailing`))
	assert.Check(t, errdefs.IsInvalidArgument(ReadJSON(req, &v)))

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{broken`))
	assert.Check(t, errdefs.IsInvalidArgument(ReadJSON(req, &v)))
}

func TestBoolValue(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"0":     false,
		"no":    false,
		"false": false,
		"none":  false,
		"1":     true,
		"true":  true,
		"yes":   true,
	}
	for value, want := range cases {
		req := httptest.NewRequest("GET", "/?force="+url.QueryEscape(value), nil)
		assert.NilError(t, ParseForm(req))
		assert.Check(t, is.Equal(BoolValue(req, "force"), want), "force=%q", value)
	}
}

func TestInt64ValueOrZero(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=25&offset=junk", nil)
	assert.NilError(t, ParseForm(req))
	assert.Check(t, is.Equal(Int64ValueOrZero(req, "limit"), int64(25)))
	assert.Check(t, is.Equal(Int64ValueOrZero(req, "offset"), int64(0)))
	assert.Check(t, is.Equal(Int64ValueOrZero(req, "missing"), int64(0)))
}
