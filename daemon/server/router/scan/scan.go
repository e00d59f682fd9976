// Package scan wires the scan command endpoints.
package scan

import "github.com/imagevault/imagevault/daemon/server/router"

type scanRouter struct {
	backend Backend
	routes  []router.Route
}

func NewRouter(backend Backend) router.Router {
	r := &scanRouter{backend: backend}
	r.initRoutes()
	return r
}

func (r *scanRouter) Routes() []router.Route {
	return r.routes
}

func (r *scanRouter) initRoutes() {
	r.routes = []router.Route{
		router.NewPostRoute("/libraries/{id}/scan", r.postLibraryScan),
		router.NewPostRoute("/collections/{id}/scan", r.postCollectionScan),
	}
}
