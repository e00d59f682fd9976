package cache

import (
	"context"
	"net/http"

	"github.com/imagevault/imagevault/api/types"
	"github.com/imagevault/imagevault/daemon/server/httputils"
)

func (r *cacheRouter) getRoots(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	roots, err := r.backend.CacheRoots(ctx)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, roots)
}

func (r *cacheRouter) postRoot(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	var body types.CacheRootCreateRequest
	if err := httputils.ReadJSON(req, &body); err != nil {
		return err
	}
	root, err := r.backend.CreateCacheRoot(ctx, body)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusCreated, root)
}

func (r *cacheRouter) putRoot(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	var body types.CacheRootCreateRequest
	if err := httputils.ReadJSON(req, &body); err != nil {
		return err
	}
	root, err := r.backend.UpdateCacheRoot(ctx, vars["id"], body)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, root)
}

func (r *cacheRouter) deleteRoot(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := r.backend.DeleteCacheRoot(ctx, vars["id"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (r *cacheRouter) postValidate(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	var body types.PathValidateRequest
	if err := httputils.ReadJSON(req, &body); err != nil {
		return err
	}
	result, err := r.backend.ValidateCachePath(ctx, body.Path)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, result)
}
