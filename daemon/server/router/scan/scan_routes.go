package scan

import (
	"context"
	"net/http"

	"github.com/imagevault/imagevault/api/types"
	"github.com/imagevault/imagevault/daemon/server/httputils"
)

func (r *scanRouter) postCollectionScan(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(req); err != nil {
		return err
	}
	jobID, err := r.backend.ScanCollection(ctx, vars["id"], httputils.BoolValue(req, "force"))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusAccepted, types.JobCreateResponse{JobID: jobID})
}

func (r *scanRouter) postLibraryScan(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(req); err != nil {
		return err
	}
	jobID, err := r.backend.ScanLibrary(ctx, vars["id"], httputils.BoolValue(req, "force"))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusAccepted, types.JobCreateResponse{JobID: jobID})
}
