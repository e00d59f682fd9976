package sched

import (
	"context"
	"net/http"

	"github.com/imagevault/imagevault/daemon/server/httputils"
)

func (r *schedRouter) getScheduledJobs(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	jobs, err := r.backend.ScheduledJobs(ctx)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, jobs)
}

func (r *schedRouter) postEnable(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	return r.setEnabled(ctx, w, vars["id"], true)
}

func (r *schedRouter) postDisable(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	return r.setEnabled(ctx, w, vars["id"], false)
}

func (r *schedRouter) setEnabled(ctx context.Context, w http.ResponseWriter, id string, enabled bool) error {
	if err := r.backend.SetScheduledJobEnabled(ctx, id, enabled); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (r *schedRouter) getRuns(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(req); err != nil {
		return err
	}
	runs, err := r.backend.ScheduledJobRuns(ctx, vars["id"],
		httputils.Int64ValueOrZero(req, "offset"),
		httputils.Int64ValueOrZero(req, "limit"))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, runs)
}
