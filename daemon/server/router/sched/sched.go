// Package sched wires the scheduled-job endpoints.
package sched

import "github.com/imagevault/imagevault/daemon/server/router"

type schedRouter struct {
	backend Backend
	routes  []router.Route
}

func NewRouter(backend Backend) router.Router {
	r := &schedRouter{backend: backend}
	r.initRoutes()
	return r
}

func (r *schedRouter) Routes() []router.Route {
	return r.routes
}

func (r *schedRouter) initRoutes() {
	r.routes = []router.Route{
		router.NewGetRoute("/scheduledjobs", r.getScheduledJobs),
		router.NewPostRoute("/scheduledjobs/{id}/enable", r.postEnable),
		router.NewPostRoute("/scheduledjobs/{id}/disable", r.postDisable),
		router.NewGetRoute("/scheduledjobs/{id}/runs", r.getRuns),
	}
}
