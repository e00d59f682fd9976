// Package cache wires the cache-folder management endpoints.
package cache

import "github.com/imagevault/imagevault/daemon/server/router"

type cacheRouter struct {
	backend Backend
	routes  []router.Route
}

func NewRouter(backend Backend) router.Router {
	r := &cacheRouter{backend: backend}
	r.initRoutes()
	return r
}

func (r *cacheRouter) Routes() []router.Route {
	return r.routes
}

func (r *cacheRouter) initRoutes() {
	r.routes = []router.Route{
		router.NewGetRoute("/cache-folders", r.getRoots),
		router.NewPostRoute("/cache-folders", r.postRoot),
		router.NewPostRoute("/cache-folders/validate", r.postValidate),
		router.NewPutRoute("/cache-folders/{id}", r.putRoot),
		router.NewDeleteRoute("/cache-folders/{id}", r.deleteRoot),
	}
}
