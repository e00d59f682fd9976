package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/imagevault/imagevault/api/types"
)

// client is a thin wrapper over the daemon's command API.
type client struct {
	host string
	http *http.Client
}

// transportError marks failures reaching the daemon at all.
type transportError struct{ err error }

func (e *transportError) Error() string { return "cannot reach daemon: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// apiError is a non-2xx reply.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("daemon: %s (status %d)", e.Message, e.Status)
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	u := c.host + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er types.ErrorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&er); derr != nil || er.Message == "" {
			er.Message = resp.Status
		}
		return &apiError{Status: resp.StatusCode, Message: er.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) ScanCollection(ctx context.Context, id string, force bool) (string, error) {
	var out types.JobCreateResponse
	err := c.do(ctx, http.MethodPost, "/collections/"+id+"/scan", forceQuery(force), nil, &out)
	return out.JobID, err
}

func (c *client) ScanLibrary(ctx context.Context, id string, force bool) (string, error) {
	var out types.JobCreateResponse
	err := c.do(ctx, http.MethodPost, "/libraries/"+id+"/scan", forceQuery(force), nil, &out)
	return out.JobID, err
}

func forceQuery(force bool) url.Values {
	if !force {
		return nil
	}
	return url.Values{"force": []string{"1"}}
}

func (c *client) Job(ctx context.Context, id string) (*types.BackgroundJob, error) {
	var out types.BackgroundJob
	if err := c.do(ctx, http.MethodGet, "/background/jobs/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/background/jobs/"+id+"/cancel", nil, nil, nil)
}

func (c *client) ScheduledJobs(ctx context.Context) ([]types.ScheduledJob, error) {
	var out []types.ScheduledJob
	err := c.do(ctx, http.MethodGet, "/scheduledjobs", nil, nil, &out)
	return out, err
}

func (c *client) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	verb := "/disable"
	if enabled {
		verb = "/enable"
	}
	return c.do(ctx, http.MethodPost, "/scheduledjobs/"+id+verb, nil, nil, nil)
}

func (c *client) ScheduledJobRuns(ctx context.Context, id string, offset, limit int64) ([]types.ScheduledJobRun, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.FormatInt(limit, 10))
	}
	var out []types.ScheduledJobRun
	err := c.do(ctx, http.MethodGet, "/scheduledjobs/"+id+"/runs", q, nil, &out)
	return out, err
}

func (c *client) CacheRoots(ctx context.Context) ([]types.CacheRoot, error) {
	var out []types.CacheRoot
	err := c.do(ctx, http.MethodGet, "/cache-folders", nil, nil, &out)
	return out, err
}

func (c *client) CreateCacheRoot(ctx context.Context, req types.CacheRootCreateRequest) (*types.CacheRoot, error) {
	var out types.CacheRoot
	if err := c.do(ctx, http.MethodPost, "/cache-folders", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) DeleteCacheRoot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/cache-folders/"+id, nil, nil, nil)
}

func (c *client) ValidateCachePath(ctx context.Context, path string) (*types.PathValidation, error) {
	var out types.PathValidation
	if err := c.do(ctx, http.MethodPost, "/cache-folders/validate", nil, types.PathValidateRequest{Path: path}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
