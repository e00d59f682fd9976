package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(KindThumbnailGeneration, "job-1", DerivationMessage{
		ImageID:       "img-1",
		CollectionID:  "col-1",
		SourceLocator: "/data/a.zip::page1.png",
		TargetWidth:   300,
		TargetHeight:  300,
	})
	assert.NilError(t, err)
	assert.Check(t, env.ID != "")
	assert.Check(t, is.Equal(env.CorrelationID, "job-1"))

	raw, err := json.Marshal(env)
	assert.NilError(t, err)
	var decoded Envelope
	assert.NilError(t, json.Unmarshal(raw, &decoded))
	assert.Check(t, is.Equal(decoded.Kind, KindThumbnailGeneration))

	var msg DerivationMessage
	assert.NilError(t, decoded.Decode(&msg))
	assert.Check(t, is.Equal(msg.ImageID, "img-1"))
	assert.Check(t, is.Equal(msg.SourceLocator, "/data/a.zip::page1.png"))
}

func TestRoutingKeys(t *testing.T) {
	tests := []struct {
		kind Kind
		key  string
	}{
		{KindCollectionScan, "collection.scan.request"},
		{KindThumbnailGeneration, "thumbnail.generation.request"},
		{KindCacheGeneration, "cache.generation.request"},
		{KindImageProcessing, "image.processing.request"},
		{KindBulkOperation, "bulk.operation.request"},
		{KindCollectionCreation, "collection.creation.request"},
	}
	for _, tc := range tests {
		assert.Check(t, is.Equal(tc.kind.RoutingKey(), tc.key), string(tc.kind))
	}
	assert.Check(t, is.Equal(Kind("bogus").RoutingKey(), ""))
}

func TestQueuePatternsMatchRoutingKeys(t *testing.T) {
	// Every kind's routing key must fall under exactly the pattern of the
	// queue that consumes it.
	pairs := []struct {
		q    Queue
		kind Kind
	}{
		{QueueScan, KindCollectionScan},
		{QueueThumbnail, KindThumbnailGeneration},
		{QueueCache, KindCacheGeneration},
		{QueueProcessing, KindImageProcessing},
		{QueueBulk, KindBulkOperation},
		{QueueCreation, KindCollectionCreation},
	}
	for _, p := range pairs {
		prefix := p.q.Pattern[:len(p.q.Pattern)-1] // strip the trailing *
		key := p.kind.RoutingKey()
		assert.Check(t, len(key) > len(prefix) && key[:len(prefix)] == prefix,
			"%s should match %s", key, p.q.Pattern)
	}
}

// fakeAcker records the terminal broker operation for one delivery.
type fakeAcker struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error { f.acked = true; return nil }
func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}
func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func delivery(t *testing.T, env *Envelope, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(env)
	assert.NilError(t, err)
	return amqp.Delivery{Headers: headers, Body: body}
}

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := NewEnvelope(KindCollectionScan, "", CollectionScanMessage{CollectionID: "col-1", Path: "/data/c", Kind: "folder"})
	assert.NilError(t, err)
	return env
}

func TestDispatchAck(t *testing.T) {
	b := &Bus{cfg: Config{SoftDeadline: time.Second, MaxDeliveries: 3}}
	ack := &fakeAcker{}
	d := delivery(t, testEnvelope(t), nil)
	d.Acknowledger = ack

	b.dispatch(context.Background(), QueueScan, d, func(ctx context.Context, env *Envelope) Decision {
		assert.Check(t, is.Equal(env.Kind, KindCollectionScan))
		return Ack
	})
	assert.Check(t, ack.acked)
	assert.Check(t, !ack.nacked)
}

func TestDispatchNackDrop(t *testing.T) {
	b := &Bus{cfg: Config{SoftDeadline: time.Second, MaxDeliveries: 3}}
	ack := &fakeAcker{}
	d := delivery(t, testEnvelope(t), nil)
	d.Acknowledger = ack

	b.dispatch(context.Background(), QueueScan, d, func(ctx context.Context, env *Envelope) Decision {
		return NackDrop
	})
	assert.Check(t, ack.nacked)
	assert.Check(t, !ack.requeue)
}

func TestDispatchUndecodableDeadLetters(t *testing.T) {
	b := &Bus{cfg: Config{SoftDeadline: time.Second, MaxDeliveries: 3}}
	ack := &fakeAcker{}
	d := amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")}

	called := false
	b.dispatch(context.Background(), QueueScan, d, func(ctx context.Context, env *Envelope) Decision {
		called = true
		return Ack
	})
	assert.Check(t, !called)
	assert.Check(t, ack.nacked)
	assert.Check(t, !ack.requeue)
}

func TestDispatchDeadlineOverridesAck(t *testing.T) {
	// A handler that ran out its soft deadline cannot ack: the delivery is
	// requeued instead. With the delivery cap already reached, requeueing
	// degenerates to dead-lettering, which keeps this test off the publish
	// channel.
	b := &Bus{cfg: Config{SoftDeadline: 10 * time.Millisecond, MaxDeliveries: 1}}
	ack := &fakeAcker{}
	d := delivery(t, testEnvelope(t), nil)
	d.Acknowledger = ack

	b.dispatch(context.Background(), QueueScan, d, func(ctx context.Context, env *Envelope) Decision {
		<-ctx.Done()
		return Ack
	})
	assert.Check(t, !ack.acked)
	assert.Check(t, ack.nacked)
	assert.Check(t, !ack.requeue)
}

func TestRequeueCapDeadLetters(t *testing.T) {
	b := &Bus{cfg: Config{SoftDeadline: time.Second, MaxDeliveries: 3}}
	ack := &fakeAcker{}
	d := delivery(t, testEnvelope(t), amqp.Table{retryHdr: int32(2)})
	d.Acknowledger = ack

	b.dispatch(context.Background(), QueueScan, d, func(ctx context.Context, env *Envelope) Decision {
		return NackRequeue
	})
	assert.Check(t, ack.nacked)
	assert.Check(t, !ack.requeue)
}

func TestRequeueOnShutdownReturnsToBroker(t *testing.T) {
	b := &Bus{cfg: Config{SoftDeadline: time.Second, MaxDeliveries: 3, RequeueInitial: time.Minute, RequeueMax: time.Minute}}
	ack := &fakeAcker{}
	d := delivery(t, testEnvelope(t), nil)
	d.Acknowledger = ack

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.dispatch(ctx, QueueScan, d, func(ctx context.Context, env *Envelope) Decision {
		return NackRequeue
	})
	assert.Check(t, ack.nacked)
	assert.Check(t, ack.requeue)
}

func TestRetriesOf(t *testing.T) {
	assert.Check(t, is.Equal(retriesOf(nil), 0))
	assert.Check(t, is.Equal(retriesOf(amqp.Table{retryHdr: int32(2)}), 2))
	assert.Check(t, is.Equal(retriesOf(amqp.Table{retryHdr: int64(3)}), 3))
	assert.Check(t, is.Equal(retriesOf(amqp.Table{retryHdr: "junk"}), 0))
}

func TestRequeueDelayGrows(t *testing.T) {
	b := &Bus{cfg: Config{RequeueInitial: time.Second, RequeueMax: time.Minute}}
	first := b.requeueDelay(0)
	later := b.requeueDelay(4)
	assert.Check(t, first < later, "delay should grow with the attempt count (%v vs %v)", first, later)
}
