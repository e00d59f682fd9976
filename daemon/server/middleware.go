package server

import (
	"context"
	"net/http"
	"time"

	"github.com/containerd/log"

	"github.com/imagevault/imagevault/daemon/server/httputils"
)

// logRequest wraps a handler with debug-level request logging.
func logRequest(handler httputils.APIFunc) httputils.APIFunc {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
		start := time.Now()
		err := handler(ctx, w, r, vars)
		log.G(ctx).WithFields(log.Fields{
			"method":   r.Method,
			"uri":      r.RequestURI,
			"duration": time.Since(start),
		}).Debug("api request")
		return err
	}
}
