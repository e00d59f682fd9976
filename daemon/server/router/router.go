// Package router defines how area routers plug into the API server.
package router

import (
	"net/http"

	"github.com/imagevault/imagevault/daemon/server/httputils"
)

// Router is one API area: a set of routes sharing a backend.
type Router interface {
	Routes() []Route
}

// Route is a single method+path binding.
type Route struct {
	Method  string
	Path    string
	Handler httputils.APIFunc
}

func NewGetRoute(path string, handler httputils.APIFunc) Route {
	return Route{Method: http.MethodGet, Path: path, Handler: handler}
}

func NewPostRoute(path string, handler httputils.APIFunc) Route {
	return Route{Method: http.MethodPost, Path: path, Handler: handler}
}

func NewPutRoute(path string, handler httputils.APIFunc) Route {
	return Route{Method: http.MethodPut, Path: path, Handler: handler}
}

func NewDeleteRoute(path string, handler httputils.APIFunc) Route {
	return Route{Method: http.MethodDelete, Path: path, Handler: handler}
}
