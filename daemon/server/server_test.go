package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/imagevault/imagevault/api/types"
	"github.com/imagevault/imagevault/daemon/events"
	"github.com/imagevault/imagevault/daemon/server/router/job"
	"github.com/imagevault/imagevault/daemon/server/router/scan"
	"github.com/imagevault/imagevault/daemon/server/router/system"
)

type fakeJobBackend struct {
	jobs      map[string]*types.BackgroundJob
	cancelled []string
}

func (f *fakeJobBackend) Job(ctx context.Context, id string) (*types.BackgroundJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "job %s", id)
	}
	return j, nil
}

func (f *fakeJobBackend) CancelJob(ctx context.Context, id string) error {
	if _, ok := f.jobs[id]; !ok {
		return errors.Wrapf(errdefs.ErrNotFound, "job %s", id)
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeJobBackend) RunningJobs(ctx context.Context) ([]types.BackgroundJob, error) {
	var out []types.BackgroundJob
	for _, j := range f.jobs {
		out = append(out, *j)
	}
	return out, nil
}

type fakeScanBackend struct {
	busDown bool
}

func (f *fakeScanBackend) ScanCollection(ctx context.Context, id string, force bool) (string, error) {
	if f.busDown {
		return "", errors.Wrap(errdefs.ErrUnavailable, "message broker unreachable")
	}
	if id == "missing" {
		return "", errors.Wrapf(errdefs.ErrNotFound, "collection %s", id)
	}
	return "job-scan-" + id, nil
}

func (f *fakeScanBackend) ScanLibrary(ctx context.Context, id string, force bool) (string, error) {
	return "job-lib-" + id, nil
}

func testServer(t *testing.T) (*httptest.Server, *fakeJobBackend, *fakeScanBackend) {
	t.Helper()
	jobs := &fakeJobBackend{jobs: map[string]*types.BackgroundJob{}}
	scans := &fakeScanBackend{}
	s := New(
		job.NewRouter(jobs),
		scan.NewRouter(scans),
		system.NewRouter(events.New()),
	)
	ts := httptest.NewServer(s.CreateMux())
	t.Cleanup(ts.Close)
	return ts, jobs, scans
}

func TestPingAtRoot(t *testing.T) {
	ts, _, _ := testServer(t)

	resp, err := http.Get(ts.URL + "/_ping")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))
	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(body), "OK"))
}

func TestGetJob(t *testing.T) {
	ts, jobs, _ := testServer(t)
	jobs.jobs["j1"] = &types.BackgroundJob{ID: "j1", Kind: "library.scan", Status: "running", Total: 5, Done: 2}

	resp, err := http.Get(ts.URL + "/api/v1/background/jobs/j1")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))
	assert.Check(t, is.Equal(resp.Header.Get("Content-Type"), "application/json"))

	var got types.BackgroundJob
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Check(t, is.Equal(got.ID, "j1"))
	assert.Check(t, is.Equal(got.Done, int64(2)))
}

func TestGetJobNotFound(t *testing.T) {
	ts, _, _ := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/background/jobs/nope")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusNotFound))

	var body types.ErrorResponse
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Check(t, is.Contains(body.Message, "job nope"))
}

func TestCancelJobNoContent(t *testing.T) {
	ts, jobs, _ := testServer(t)
	jobs.jobs["j1"] = &types.BackgroundJob{ID: "j1", Status: "running"}

	resp, err := http.Post(ts.URL+"/api/v1/background/jobs/j1/cancel", "", nil)
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusNoContent))
	assert.DeepEqual(t, jobs.cancelled, []string{"j1"})
}

func TestScanCollectionAccepted(t *testing.T) {
	ts, _, _ := testServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/collections/col-1/scan?force=1", "", nil)
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusAccepted))

	var body types.JobCreateResponse
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Check(t, is.Equal(body.JobID, "job-scan-col-1"))
}

func TestScanBrokerDown(t *testing.T) {
	ts, _, scans := testServer(t)
	scans.busDown = true

	resp, err := http.Post(ts.URL+"/api/v1/collections/col-1/scan", "", nil)
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusServiceUnavailable))
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	ts, _, _ := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/no/such/route")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusNotFound))

	var body types.ErrorResponse
	assert.NilError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Check(t, is.Equal(body.Message, "page not found"))
}

func TestMethodMismatch(t *testing.T) {
	ts, _, _ := testServer(t)

	// Scan is POST-only.
	resp, err := http.Get(ts.URL + "/api/v1/collections/col-1/scan")
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Check(t, resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotFound)
}
