// Package events fans job lifecycle updates out to API subscribers.
package events

import (
	"time"

	"github.com/moby/pubsub"

	"github.com/imagevault/imagevault/daemon/catalog"
)

// Message is one job lifecycle update as seen by subscribers.
type Message struct {
	JobID     string            `json:"jobId"`
	Kind      string            `json:"kind"`
	Status    catalog.JobStatus `json:"status"`
	Total     int64             `json:"total"`
	Done      int64             `json:"done"`
	Failed    int64             `json:"failed"`
	LastError string            `json:"lastError,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Events multiplexes job updates to any number of subscribers. Slow
// subscribers are given a short grace before their messages are dropped;
// the publisher never blocks on a stuck reader.
type Events struct {
	pub *pubsub.Publisher
}

func New() *Events {
	return &Events{pub: pubsub.NewPublisher(100*time.Millisecond, 64)}
}

// Publish emits the current state of a job.
func (e *Events) Publish(job *catalog.BackgroundJob) {
	e.pub.Publish(Message{
		JobID:     job.ID,
		Kind:      job.Kind,
		Status:    job.Status,
		Total:     job.Total,
		Done:      job.Done,
		Failed:    job.Failed,
		LastError: job.LastError,
		Timestamp: time.Now().UTC(),
	})
}

// Subscribe returns a channel of updates and a cancel function. The
// channel closes after cancel.
func (e *Events) Subscribe() (chan interface{}, func()) {
	ch := e.pub.Subscribe()
	return ch, func() { e.pub.Evict(ch) }
}

// SubscribeJob narrows the stream to a single job id.
func (e *Events) SubscribeJob(jobID string) (chan interface{}, func()) {
	ch := e.pub.SubscribeTopic(func(v interface{}) bool {
		m, ok := v.(Message)
		return ok && m.JobID == jobID
	})
	return ch, func() { e.pub.Evict(ch) }
}
