package events

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/imagevault/imagevault/daemon/catalog"
)

func recv(t *testing.T, ch chan interface{}) Message {
	t.Helper()
	select {
	case v := <-ch:
		m, ok := v.(Message)
		assert.Assert(t, ok, "unexpected message type %T", v)
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Message{}
}

func TestPublishReachesSubscriber(t *testing.T) {
	e := New()
	ch, cancel := e.Subscribe()
	defer cancel()

	e.Publish(&catalog.BackgroundJob{
		ID: "job-1", Kind: "library.scan", Status: catalog.JobRunning,
		Total: 10, Done: 3, Failed: 1, LastError: "one page broke",
	})

	m := recv(t, ch)
	assert.Check(t, is.Equal(m.JobID, "job-1"))
	assert.Check(t, is.Equal(m.Status, catalog.JobRunning))
	assert.Check(t, is.Equal(m.Done, int64(3)))
	assert.Check(t, is.Equal(m.LastError, "one page broke"))
	assert.Check(t, !m.Timestamp.IsZero())
}

func TestSubscribeJobFilters(t *testing.T) {
	e := New()
	ch, cancel := e.SubscribeJob("job-2")
	defer cancel()

	e.Publish(&catalog.BackgroundJob{ID: "job-1", Status: catalog.JobRunning})
	e.Publish(&catalog.BackgroundJob{ID: "job-2", Status: catalog.JobCompleted})

	m := recv(t, ch)
	assert.Check(t, is.Equal(m.JobID, "job-2"))
	assert.Check(t, is.Equal(m.Status, catalog.JobCompleted))
}

func TestCancelClosesChannel(t *testing.T) {
	e := New()
	ch, cancel := e.Subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		assert.Check(t, !ok, "channel should be closed after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
