// Package server assembles the area routers into one HTTP handler and
// serves it.
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/containerd/log"
	"github.com/gorilla/mux"

	"github.com/imagevault/imagevault/api/types"
	"github.com/imagevault/imagevault/daemon/server/httpstatus"
	"github.com/imagevault/imagevault/daemon/server/httputils"
	"github.com/imagevault/imagevault/daemon/server/router"
)

// versionPrefix is prepended to every route except /_ping, which stays at
// the root for load balancers.
const versionPrefix = "/api/v1"

// Server serves the command API.
type Server struct {
	routers []router.Router
}

func New(routers ...router.Router) *Server {
	return &Server{routers: routers}
}

// CreateMux builds the request mux over all registered routers.
func (s *Server) CreateMux() *mux.Router {
	m := mux.NewRouter()
	for _, r := range s.routers {
		for _, route := range r.Routes() {
			handler := s.makeHTTPHandler(route)
			if route.Path == "/_ping" {
				m.Path(route.Path).Methods(route.Method).Handler(handler)
				continue
			}
			m.Path(versionPrefix + route.Path).Methods(route.Method).Handler(handler)
		}
	}
	m.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httputils.WriteJSON(w, http.StatusNotFound, types.ErrorResponse{
			Message: "page not found",
		})
	})
	return m
}

// Serve accepts connections until the listener closes or the context is
// cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:     s.CreateMux(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	err := srv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) makeHTTPHandler(route router.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		vars := mux.Vars(r)
		if vars == nil {
			vars = make(map[string]string)
		}
		if err := logRequest(route.Handler)(ctx, w, r, vars); err != nil {
			makeErrorHandler(err)(w, r)
		}
	}
}

// makeErrorHandler renders an error the way every endpoint does: status
// from the error class, JSON body with the message.
func makeErrorHandler(err error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statusCode := httpstatus.FromError(err)
		if statusCode >= http.StatusInternalServerError {
			log.G(r.Context()).WithError(err).WithFields(log.Fields{
				"method": r.Method,
				"uri":    r.RequestURI,
			}).Error("api request failed")
		}
		_ = httputils.WriteJSON(w, statusCode, types.ErrorResponse{Message: err.Error()})
	}
}
