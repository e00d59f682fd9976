// Package system wires the liveness and event-stream endpoints.
package system

import (
	"github.com/imagevault/imagevault/daemon/events"
	"github.com/imagevault/imagevault/daemon/server/router"
)

type systemRouter struct {
	events *events.Events
	routes []router.Route
}

func NewRouter(ev *events.Events) router.Router {
	r := &systemRouter{events: ev}
	r.initRoutes()
	return r
}

func (r *systemRouter) Routes() []router.Route {
	return r.routes
}

func (r *systemRouter) initRoutes() {
	r.routes = []router.Route{
		router.NewGetRoute("/_ping", r.pingHandler),
		router.NewGetRoute("/events", r.getEvents),
	}
}
