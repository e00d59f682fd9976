package derive

import (
	"context"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/imagevault/imagevault/daemon/bus"
	"github.com/imagevault/imagevault/daemon/imageproc"
)

// Processor consumes image processing messages: a metadata refresh that
// re-probes the source header and backfills width, height and format
// without producing an artifact.
type Processor struct {
	store Store
	jobs  Jobs
}

func NewProcessor(store Store, jobs Jobs) *Processor {
	return &Processor{store: store, jobs: jobs}
}

func (p *Processor) Handle(ctx context.Context, env *bus.Envelope) bus.Decision {
	var msg bus.DerivationMessage
	if err := env.Decode(&msg); err != nil {
		log.G(ctx).WithError(err).Warn("undecodable processing message")
		return bus.NackDrop
	}
	jobID := env.CorrelationID
	if jobID == "" {
		jobID = msg.JobID
	}
	logger := log.G(ctx).WithFields(log.Fields{"collection": msg.CollectionID, "image": msg.ImageID})

	if jobCancelled(ctx, p.jobs, jobID) {
		return bus.Ack
	}

	_, img, err := p.store.GetImage(ctx, msg.CollectionID, msg.ImageID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			_ = p.jobs.AddProgress(ctx, jobID, 0, 1, "image not found")
			return bus.Ack
		}
		return bus.NackRequeue
	}
	if img.IsDeleted {
		_ = p.jobs.AddProgress(ctx, jobID, 1, 0, "")
		return bus.Ack
	}

	rc, err := openLocator(msg.SourceLocator)
	if err != nil {
		if isPermanentOpenError(err) {
			logger.WithError(err).Warn("source unreadable")
			_ = p.store.SetImageDimensions(ctx, msg.CollectionID, msg.ImageID, 0, 0, "unknown")
			_ = p.jobs.AddProgress(ctx, jobID, 0, 1, err.Error())
			return bus.Ack
		}
		return bus.NackRequeue
	}
	info, err := imageproc.Probe(rc)
	_ = rc.Close()
	if err != nil {
		if errdefs.IsInvalidArgument(err) {
			logger.WithError(err).Warn("probe failed")
			_ = p.store.SetImageDimensions(ctx, msg.CollectionID, msg.ImageID, 0, 0, "unknown")
			_ = p.jobs.AddProgress(ctx, jobID, 0, 1, err.Error())
			return bus.Ack
		}
		return bus.NackRequeue
	}

	if err := p.store.SetImageDimensions(ctx, msg.CollectionID, msg.ImageID, info.Width, info.Height, info.Format); err != nil {
		return bus.NackRequeue
	}
	_ = p.jobs.AddProgress(ctx, jobID, 1, 0, "")
	return bus.Ack
}
