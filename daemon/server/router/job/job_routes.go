package job

import (
	"context"
	"net/http"

	"github.com/imagevault/imagevault/daemon/server/httputils"
)

func (r *jobRouter) getJob(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	job, err := r.backend.Job(ctx, vars["id"])
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, job)
}

func (r *jobRouter) getRunningJobs(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	jobs, err := r.backend.RunningJobs(ctx)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, jobs)
}

func (r *jobRouter) postCancel(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := r.backend.CancelJob(ctx, vars["id"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
