// Package derive implements the consumer pools that turn source images
// into thumbnails and cache renditions, and the processing pool that
// backfills probe metadata.
//
// Redeliveries are expected: the broker guarantees at-least-once. A
// per-key lock serializes concurrent work on the same (kind, image, dims)
// and a pre-flight check against the embedded artifact record makes
// completed messages ack without touching disk.
package derive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/locker"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/imagevault/imagevault/daemon/archive"
	"github.com/imagevault/imagevault/daemon/bus"
	"github.com/imagevault/imagevault/daemon/catalog"
	"github.com/imagevault/imagevault/daemon/imageproc"
	"github.com/imagevault/imagevault/daemon/placement"
)

// Store is the catalog surface the workers write through.
type Store interface {
	GetImage(ctx context.Context, collectionID, imageID string) (*catalog.Collection, *catalog.Image, error)
	SetImageThumbnail(ctx context.Context, collectionID, imageID string, th *catalog.Thumbnail) error
	SetImageCache(ctx context.Context, collectionID, imageID string, ce *catalog.CacheEntry) error
	SetImageDimensions(ctx context.Context, collectionID, imageID string, width, height int, format string) error
	TouchArtifact(ctx context.Context, collectionID, imageID string, kind catalog.ArtifactKind, at time.Time) error
}

// Jobs reports per-message outcomes to the parent background job.
type Jobs interface {
	Get(ctx context.Context, id string) (*catalog.BackgroundJob, error)
	AddProgress(ctx context.Context, id string, done, failed int64, lastErr string) error
}

// Placer is the placement surface: choose a path, then account for it.
type Placer interface {
	Place(ctx context.Context, kind catalog.ArtifactKind, collectionID, imageID string, w, h int, ext string, size int64) (*placement.Target, error)
	Commit(ctx context.Context, rootID string, size int64) error
	AdjustUsage(ctx context.Context, rootID string, deltaBytes, deltaFiles int64) error
}

// Config fixes the per-kind derivation defaults.
type Config struct {
	Kind          catalog.ArtifactKind
	DefaultWidth  int
	DefaultHeight int
	Quality       int
}

// ThumbnailConfig and CacheConfig are the stock worker shapes.
func ThumbnailConfig() Config {
	return Config{Kind: catalog.ArtifactThumbnail, DefaultWidth: 300, DefaultHeight: 300, Quality: 85}
}

func CacheConfig() Config {
	return Config{Kind: catalog.ArtifactCache, DefaultWidth: 1920, DefaultHeight: 1080, Quality: 85}
}

// Worker consumes derivation messages for one artifact kind. The lock map
// is shared between the thumbnail and cache workers of a process so a
// redelivered duplicate never computes twice concurrently.
type Worker struct {
	store Store
	jobs  Jobs
	place Placer
	locks *locker.Locker
	cfg   Config
}

func NewWorker(store Store, jobs Jobs, place Placer, locks *locker.Locker, cfg Config) *Worker {
	if locks == nil {
		locks = locker.New()
	}
	return &Worker{store: store, jobs: jobs, place: place, locks: locks, cfg: cfg}
}

// Handle processes one thumbnail or cache generation message.
func (w *Worker) Handle(ctx context.Context, env *bus.Envelope) bus.Decision {
	var msg bus.DerivationMessage
	if err := env.Decode(&msg); err != nil {
		log.G(ctx).WithError(err).Warn("undecodable derivation message")
		return bus.NackDrop
	}
	jobID := env.CorrelationID
	if jobID == "" {
		jobID = msg.JobID
	}
	targetW, targetH := msg.TargetWidth, msg.TargetHeight
	if targetW <= 0 || targetH <= 0 {
		targetW, targetH = w.cfg.DefaultWidth, w.cfg.DefaultHeight
	}
	logger := log.G(ctx).WithFields(log.Fields{
		"kind":       w.cfg.Kind,
		"collection": msg.CollectionID,
		"image":      msg.ImageID,
		"dims":       fmt.Sprintf("%dx%d", targetW, targetH),
	})

	if jobCancelled(ctx, w.jobs, jobID) {
		return bus.Ack
	}

	key := fmt.Sprintf("%s/%s/%dx%d", w.cfg.Kind, msg.ImageID, targetW, targetH)
	w.locks.Lock(key)
	defer w.locks.Unlock(key)

	_, img, err := w.store.GetImage(ctx, msg.CollectionID, msg.ImageID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			logger.Debug("image gone, dropping derivation")
			_ = w.jobs.AddProgress(ctx, jobID, 0, 1, "image not found")
			return bus.Ack
		}
		return bus.NackRequeue
	}
	if img.IsDeleted {
		_ = w.jobs.AddProgress(ctx, jobID, 1, 0, "")
		return bus.Ack
	}

	if !msg.ForceRegenerate && w.artifactCurrent(img, targetW, targetH) {
		// Redelivery after success, or a duplicate in flight: the disk
		// and catalog are already right. Only the access timestamp moves;
		// counters stay put so redeliveries do not skew progress.
		_ = w.store.TouchArtifact(ctx, msg.CollectionID, msg.ImageID, w.cfg.Kind, time.Now().UTC())
		logger.Debug("artifact already current")
		return bus.Ack
	}

	prev := w.artifactOf(img)

	rc, err := openLocator(msg.SourceLocator)
	if err != nil {
		if isPermanentOpenError(err) {
			logger.WithError(err).Warn("source unreadable, invalidating artifact")
			w.invalidate(ctx, msg.CollectionID, img)
			_ = w.jobs.AddProgress(ctx, jobID, 0, 1, err.Error())
			return bus.Ack
		}
		return bus.NackRequeue
	}
	res, err := imageproc.Derive(rc, img.Format, imageproc.Options{
		MaxWidth:  targetW,
		MaxHeight: targetH,
		Quality:   pickQuality(msg.Quality, w.cfg.Quality),
	})
	_ = rc.Close()
	if err != nil {
		if errdefs.IsInvalidArgument(err) {
			logger.WithError(err).Warn("decode failed, invalidating artifact")
			w.invalidate(ctx, msg.CollectionID, img)
			_ = w.jobs.AddProgress(ctx, jobID, 0, 1, err.Error())
			return bus.Ack
		}
		return bus.NackRequeue
	}

	target, err := w.place.Place(ctx, w.cfg.Kind, msg.CollectionID, msg.ImageID, res.Width, res.Height, res.Ext, int64(len(res.Data)))
	if err != nil {
		// Saturated cache roots come back as ResourceExhausted; the bus
		// requeues with backoff until the cap, then dead-letters.
		logger.WithError(err).Warn("placement failed")
		return bus.NackRequeue
	}

	if err := writeArtifact(target.Path, res.Data); err != nil {
		logger.WithError(err).Warn("artifact write failed")
		return bus.NackRequeue
	}
	if prev != nil && prev.path == target.Path {
		// Overwrote the previous rendition in place: the file count is
		// unchanged, only the size delta moves the accounting.
		if err := w.place.AdjustUsage(ctx, target.RootID, int64(len(res.Data))-prev.bytes, 0); err != nil {
			logger.WithError(err).Warn("accounting failed")
			return bus.NackRequeue
		}
	} else {
		if err := w.place.Commit(ctx, target.RootID, int64(len(res.Data))); err != nil {
			logger.WithError(err).Warn("accounting failed")
			return bus.NackRequeue
		}
		// A previous rendition at another location is now garbage.
		if prev != nil && prev.path != "" {
			if err := os.Remove(prev.path); err == nil || os.IsNotExist(err) {
				_ = w.place.AdjustUsage(ctx, prev.rootID, -prev.bytes, -1)
			}
		}
	}

	now := time.Now().UTC()
	if err := w.persist(ctx, msg.CollectionID, msg.ImageID, target, res, now); err != nil {
		logger.WithError(err).Warn("persisting artifact record failed")
		return bus.NackRequeue
	}

	_ = w.jobs.AddProgress(ctx, jobID, 1, 0, "")
	logger.WithField("bytes", len(res.Data)).Debug("artifact generated")
	return bus.Ack
}

type prevArtifact struct {
	path   string
	rootID string
	bytes  int64
}

// artifactOf snapshots the current artifact of the worker's kind.
func (w *Worker) artifactOf(img *catalog.Image) *prevArtifact {
	switch w.cfg.Kind {
	case catalog.ArtifactThumbnail:
		if img.Thumbnail != nil {
			return &prevArtifact{path: img.Thumbnail.Path, rootID: img.Thumbnail.CacheRootID, bytes: img.Thumbnail.Bytes}
		}
	case catalog.ArtifactCache:
		if img.Cache != nil {
			return &prevArtifact{path: img.Cache.Path, rootID: img.Cache.CacheRootID, bytes: img.Cache.Bytes}
		}
	}
	return nil
}

// artifactCurrent reports whether the stored artifact already satisfies
// the requested box: valid, dimensions as a fit of the source into the
// box, and the file on disk with the recorded size.
func (w *Worker) artifactCurrent(img *catalog.Image, boxW, boxH int) bool {
	var (
		path   string
		aw, ah int
		bytes  int64
		valid  bool
	)
	switch w.cfg.Kind {
	case catalog.ArtifactThumbnail:
		if img.Thumbnail == nil {
			return false
		}
		path, aw, ah, bytes, valid = img.Thumbnail.Path, img.Thumbnail.Width, img.Thumbnail.Height, img.Thumbnail.Bytes, img.Thumbnail.Valid
	case catalog.ArtifactCache:
		if img.Cache == nil {
			return false
		}
		path, aw, ah, bytes, valid = img.Cache.Path, img.Cache.Width, img.Cache.Height, img.Cache.Bytes, img.Cache.Valid
	default:
		return false
	}
	if !valid {
		return false
	}
	if img.Width > 0 && img.Height > 0 {
		ew, eh := fitDims(img.Width, img.Height, boxW, boxH)
		if !near(aw, ew) || !near(ah, eh) {
			return false
		}
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() == bytes
}

func (w *Worker) invalidate(ctx context.Context, collectionID string, img *catalog.Image) {
	switch w.cfg.Kind {
	case catalog.ArtifactThumbnail:
		if img.Thumbnail != nil {
			th := *img.Thumbnail
			th.Valid = false
			_ = w.store.SetImageThumbnail(ctx, collectionID, img.ID, &th)
		}
	case catalog.ArtifactCache:
		if img.Cache != nil {
			ce := *img.Cache
			ce.Valid = false
			_ = w.store.SetImageCache(ctx, collectionID, img.ID, &ce)
		}
	}
}

func (w *Worker) persist(ctx context.Context, collectionID, imageID string, target *placement.Target, res *imageproc.Result, now time.Time) error {
	switch w.cfg.Kind {
	case catalog.ArtifactThumbnail:
		return w.store.SetImageThumbnail(ctx, collectionID, imageID, &catalog.Thumbnail{
			Path:           target.Path,
			Width:          res.Width,
			Height:         res.Height,
			Bytes:          int64(len(res.Data)),
			Format:         res.Format,
			Quality:        pickQuality(0, w.cfg.Quality),
			CacheRootID:    target.RootID,
			GeneratedAt:    now,
			LastAccessedAt: now,
			Valid:          true,
		})
	case catalog.ArtifactCache:
		return w.store.SetImageCache(ctx, collectionID, imageID, &catalog.CacheEntry{
			Path:           target.Path,
			Width:          res.Width,
			Height:         res.Height,
			Bytes:          int64(len(res.Data)),
			Quality:        pickQuality(0, w.cfg.Quality),
			CacheRootID:    target.RootID,
			GeneratedAt:    now,
			LastAccessedAt: now,
			Valid:          true,
		})
	}
	return errors.Errorf("unknown artifact kind %q", w.cfg.Kind)
}

// writeArtifact creates the parent directory and writes via tmp+rename so
// readers never observe partial files.
func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(path, data, 0o644)
}

// isPermanentOpenError classifies source-open failures that a retry cannot
// fix: a vanished file, a missing archive entry, a corrupt header.
func isPermanentOpenError(err error) bool {
	return os.IsNotExist(err) || errdefs.IsNotFound(err) || errdefs.IsInvalidArgument(err)
}

// openLocator opens a plain file or an "<archive>::<entry>" source.
func openLocator(locator string) (io.ReadCloser, error) {
	path, entry := archive.ParseLocator(locator)
	if entry == "" {
		return os.Open(path)
	}
	r, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	rc, err := r.Open(entry)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return &entryCloser{ReadCloser: rc, archive: r}, nil
}

type entryCloser struct {
	io.ReadCloser
	archive archive.Reader
}

func (e *entryCloser) Close() error {
	err := e.ReadCloser.Close()
	if cerr := e.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

// fitDims mirrors the fit-inside resize: scale down preserving aspect
// ratio, never upscale.
func fitDims(srcW, srcH, maxW, maxH int) (int, int) {
	if srcW <= maxW && srcH <= maxH {
		return srcW, srcH
	}
	rw := float64(maxW) / float64(srcW)
	rh := float64(maxH) / float64(srcH)
	r := rw
	if rh < rw {
		r = rh
	}
	w := int(float64(srcW)*r + 0.5)
	h := int(float64(srcH)*r + 0.5)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// near tolerates the one-pixel rounding drift between the resizer's and
// our own fit arithmetic.
func near(a, b int) bool {
	d := a - b
	return d >= -1 && d <= 1
}

func pickQuality(requested, def int) int {
	if requested > 0 {
		return requested
	}
	if def > 0 {
		return def
	}
	return 85
}

func jobCancelled(ctx context.Context, jobs Jobs, jobID string) bool {
	if jobID == "" {
		return false
	}
	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status == catalog.JobCancelled
}
