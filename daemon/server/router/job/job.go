// Package job wires the background-job status endpoints.
package job

import "github.com/imagevault/imagevault/daemon/server/router"

type jobRouter struct {
	backend Backend
	routes  []router.Route
}

func NewRouter(backend Backend) router.Router {
	r := &jobRouter{backend: backend}
	r.initRoutes()
	return r
}

func (r *jobRouter) Routes() []router.Route {
	return r.routes
}

func (r *jobRouter) initRoutes() {
	r.routes = []router.Route{
		router.NewGetRoute("/background/jobs", r.getRunningJobs),
		router.NewGetRoute("/background/jobs/{id}", r.getJob),
		router.NewPostRoute("/background/jobs/{id}/cancel", r.postCancel),
	}
}
