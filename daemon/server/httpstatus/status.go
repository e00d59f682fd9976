// Package httpstatus maps error classes to HTTP status codes.
package httpstatus

import (
	"context"
	"errors"
	"net/http"

	cerrdefs "github.com/containerd/errdefs"
)

// FromError returns the status code for err. Unclassified errors are
// internal server errors.
func FromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch {
	case cerrdefs.IsNotFound(err):
		return http.StatusNotFound
	case cerrdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case cerrdefs.IsConflict(err):
		return http.StatusConflict
	case cerrdefs.IsUnauthorized(err):
		return http.StatusUnauthorized
	case cerrdefs.IsPermissionDenied(err):
		return http.StatusForbidden
	case cerrdefs.IsResourceExhausted(err):
		return http.StatusTooManyRequests
	case cerrdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case cerrdefs.IsDeadlineExceeded(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case cerrdefs.IsCanceled(err), errors.Is(err, context.Canceled):
		return http.StatusInternalServerError
	case cerrdefs.IsNotImplemented(err):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
