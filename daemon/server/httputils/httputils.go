// Package httputils provides the shared plumbing of API handlers.
package httputils

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// APIFunc is the signature of every route handler. Returned errors are
// mapped to HTTP status codes centrally.
type APIFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// ReadJSON decodes the request body into v, rejecting trailing garbage.
func ReadJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "invalid JSON: %v", err)
	}
	if dec.More() {
		return errors.Wrap(errdefs.ErrInvalidArgument, "unexpected content after JSON body")
	}
	return nil
}

// ParseForm ensures r.Form is populated.
func ParseForm(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return errors.Wrap(errdefs.ErrInvalidArgument, err.Error())
	}
	return nil
}

// BoolValue interprets a form value as a boolean. Empty, "0", "no",
// "false" and "none" are false; everything else is true.
func BoolValue(r *http.Request, k string) bool {
	s := strings.ToLower(strings.TrimSpace(r.FormValue(k)))
	return !(s == "" || s == "0" || s == "no" || s == "false" || s == "none")
}

// Int64ValueOrZero parses a form value into an int64, 0 on failure.
func Int64ValueOrZero(r *http.Request, k string) int64 {
	v, err := strconv.ParseInt(r.Form.Get(k), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
