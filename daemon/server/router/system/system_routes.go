package system

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/imagevault/imagevault/api/types"
	"github.com/imagevault/imagevault/daemon/events"
	"github.com/imagevault/imagevault/daemon/server/httputils"
)

func (r *systemRouter) pingHandler(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := w.Write([]byte("OK"))
	return err
}

// getEvents streams job lifecycle updates as NDJSON until the client goes
// away. An optional ?job=<id> narrows the stream to one job.
func (r *systemRouter) getEvents(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(req); err != nil {
		return err
	}

	var (
		ch     chan interface{}
		cancel func()
	)
	if jobID := req.Form.Get("job"); jobID != "" {
		ch, cancel = r.events.SubscribeJob(jobID)
	} else {
		ch, cancel = r.events.Subscribe()
	}
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-ch:
			if !ok {
				return nil
			}
			m, ok := v.(events.Message)
			if !ok {
				continue
			}
			if err := enc.Encode(types.JobEvent{
				JobID:     m.JobID,
				Kind:      m.Kind,
				Status:    string(m.Status),
				Total:     m.Total,
				Done:      m.Done,
				Failed:    m.Failed,
				LastError: m.LastError,
				Timestamp: m.Timestamp,
			}); err != nil {
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
