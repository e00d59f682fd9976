// Package scanner reconciles collections against their on-disk sources.
// A scan enumerates the folder or archive, diffs the result against the
// embedded image records, appends what is new, tombstones what is gone,
// and emits derivation messages for anything whose artifacts are missing
// or stale.
package scanner

import (
	"context"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/imagevault/imagevault/daemon/archive"
	"github.com/imagevault/imagevault/daemon/bus"
	"github.com/imagevault/imagevault/daemon/catalog"
	"github.com/imagevault/imagevault/daemon/imageproc"
)

// Store is the catalog surface the scanner depends on.
type Store interface {
	Collection(ctx context.Context, id string) (*catalog.Collection, error)
	CollectionByPath(ctx context.Context, libraryID, path string) (*catalog.Collection, error)
	InsertCollection(ctx context.Context, col *catalog.Collection) error
	Collections(ctx context.Context, libraryID string) ([]catalog.Collection, error)
	AllCollections(ctx context.Context) ([]catalog.Collection, error)
	ReplaceImages(ctx context.Context, id string, images []catalog.Image, stats catalog.CollectionStats) error
	SetScanError(ctx context.Context, id, msg string) error
	Library(ctx context.Context, id string) (*catalog.Library, error)
}

// Jobs is the background-job bookkeeping surface.
type Jobs interface {
	Get(ctx context.Context, id string) (*catalog.BackgroundJob, error)
	AddTotal(ctx context.Context, id string, delta int64) error
	AddProgress(ctx context.Context, id string, done, failed int64, lastErr string) error
	Fail(ctx context.Context, id, reason string) error
}

// Publisher emits messages under their canonical routing key.
type Publisher interface {
	PublishKind(ctx context.Context, env *bus.Envelope) error
}

// Defaults are applied where collection settings are silent.
type Defaults struct {
	ThumbWidth  int
	ThumbHeight int
	CacheWidth  int
	CacheHeight int
	Quality     int
	AutoCache   bool
}

// Scanner consumes scan, creation and bulk messages.
type Scanner struct {
	store    Store
	jobs     Jobs
	pub      Publisher
	defaults Defaults
}

func New(store Store, jobs Jobs, pub Publisher, defaults Defaults) *Scanner {
	return &Scanner{store: store, jobs: jobs, pub: pub, defaults: defaults}
}

// srcEntry is one enumerated source image.
type srcEntry struct {
	rel     string
	size    int64
	modTime time.Time
}

// HandleScan processes one CollectionScanMessage.
func (s *Scanner) HandleScan(ctx context.Context, env *bus.Envelope) bus.Decision {
	var msg bus.CollectionScanMessage
	if err := env.Decode(&msg); err != nil {
		log.G(ctx).WithError(err).Warn("undecodable scan message")
		return bus.NackDrop
	}
	logger := log.G(ctx).WithFields(log.Fields{"collection": msg.CollectionID, "force": msg.ForceRescan})

	if cancelled(ctx, s.jobs, env.CorrelationID) {
		return bus.Ack
	}

	col, err := s.store.Collection(ctx, msg.CollectionID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			logger.Debug("collection gone, dropping scan")
			_ = s.jobs.AddProgress(ctx, env.CorrelationID, 0, 1, "collection not found")
			return bus.Ack
		}
		logger.WithError(err).Warn("loading collection failed")
		return bus.NackRequeue
	}
	if col.DeletedAt != nil {
		_ = s.jobs.AddProgress(ctx, env.CorrelationID, 1, 0, "")
		return bus.Ack
	}

	entries, err := s.enumerate(ctx, col)
	if err != nil {
		if errdefs.IsInvalidArgument(err) {
			// Corrupt source: record it, fail the job, leave the catalog
			// untouched. Never retried.
			logger.WithError(err).Warn("collection source unreadable")
			_ = s.store.SetScanError(ctx, col.ID, err.Error())
			_ = s.jobs.Fail(ctx, env.CorrelationID, err.Error())
			return bus.Ack
		}
		logger.WithError(err).Warn("enumeration failed, will retry")
		return bus.NackRequeue
	}

	images, emitted, err := s.reconcile(ctx, env.CorrelationID, col, entries, msg.ForceRescan)
	if err != nil {
		logger.WithError(err).Warn("reconciliation failed, will retry")
		return bus.NackRequeue
	}

	now := time.Now().UTC()
	stats := catalog.CollectionStats{LastScannedAt: &now}
	for i := range images {
		if !images[i].IsDeleted {
			stats.TotalImages++
			stats.TotalSizeBytes += images[i].Size
		}
	}
	if err := s.store.ReplaceImages(ctx, col.ID, images, stats); err != nil {
		logger.WithError(err).Warn("persisting scan result failed, will retry")
		return bus.NackRequeue
	}

	_ = s.jobs.AddProgress(ctx, env.CorrelationID, 1, 0, "")
	logger.WithFields(log.Fields{"images": stats.TotalImages, "emitted": emitted}).Info("collection scanned")
	return bus.Ack
}

// enumerate lists source entries: lexical full-path order for folders,
// declared order for archives. Duplicate entry names inside an archive
// keep the first occurrence.
func (s *Scanner) enumerate(ctx context.Context, col *catalog.Collection) ([]srcEntry, error) {
	// A vanished source, folder or archive, tombstones everything on
	// reconcile.
	if _, err := os.Stat(col.Path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if !col.Kind.IsArchive() {
		lib, err := s.store.Library(ctx, col.LibraryID)
		if err != nil && !errdefs.IsNotFound(err) {
			return nil, err
		}
		return walkFolder(ctx, col.Path, folderOptions(lib))
	}
	r, err := archive.Open(col.Path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw, err := r.Entries()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(raw))
	entries := make([]srcEntry, 0, len(raw))
	for _, e := range raw {
		if !imageproc.IsImagePath(e.Name) {
			continue
		}
		if _, dup := seen[e.Name]; dup {
			log.G(ctx).WithFields(log.Fields{"archive": col.Path, "entry": e.Name}).Warn("duplicate archive entry, keeping first")
			continue
		}
		seen[e.Name] = struct{}{}
		entries = append(entries, srcEntry{rel: e.Name, size: e.Size, modTime: e.ModTime})
	}
	return entries, nil
}

// reconcile merges enumerated entries with the stored image list and emits
// derivation messages for new or changed images. It returns the full
// replacement image slice and the number of messages published.
func (s *Scanner) reconcile(ctx context.Context, jobID string, col *catalog.Collection, entries []srcEntry, force bool) ([]catalog.Image, int, error) {
	existing := make(map[string]*catalog.Image, len(col.Images))
	for i := range col.Images {
		existing[col.Images[i].RelativePath] = &col.Images[i]
	}

	images := make([]catalog.Image, 0, len(entries)+len(col.Images))
	present := make(map[string]struct{}, len(entries))
	emitted := 0

	for _, e := range entries {
		present[e.rel] = struct{}{}
		prev, ok := existing[e.rel]
		if !ok {
			img, derivable := s.newImage(ctx, col, e)
			images = append(images, *img)
			if derivable {
				n, err := s.emitDerivations(ctx, jobID, col, img)
				if err != nil {
					return nil, emitted, err
				}
				emitted += n
			}
			continue
		}

		img := *prev
		changed := img.Size != e.size || !img.ModTime.Equal(e.modTime)
		resurrected := img.IsDeleted
		img.Size = e.size
		img.ModTime = e.modTime
		img.IsDeleted = false
		img.DeletedAt = nil
		if changed || force || resurrected {
			if img.Thumbnail != nil {
				img.Thumbnail.Valid = false
			}
			if img.Cache != nil {
				img.Cache.Valid = false
			}
			if changed {
				s.reprobe(ctx, col, &img)
			}
			n, err := s.emitDerivations(ctx, jobID, col, &img)
			if err != nil {
				return nil, emitted, err
			}
			emitted += n
		}
		images = append(images, img)
	}

	now := time.Now().UTC()
	for i := range col.Images {
		img := col.Images[i]
		if _, ok := present[img.RelativePath]; ok {
			continue
		}
		if !img.IsDeleted {
			img.IsDeleted = true
			img.DeletedAt = &now
		}
		// Artifacts stay for the tombstone window; the audit and eviction
		// reclaim them later.
		images = append(images, img)
	}
	return images, emitted, nil
}

// newImage probes a freshly discovered source and builds its record. The
// second return is false when the probe failed and derivation must wait
// for the next scan.
func (s *Scanner) newImage(ctx context.Context, col *catalog.Collection, e srcEntry) (*catalog.Image, bool) {
	img := &catalog.Image{
		ID:           uuid.NewString(),
		Filename:     baseName(e.rel),
		RelativePath: e.rel,
		Size:         e.size,
		ModTime:      e.modTime,
	}
	info, err := s.probe(ctx, col, e.rel)
	if err != nil {
		log.G(ctx).WithError(err).WithFields(log.Fields{"collection": col.ID, "entry": e.rel}).Warn("probe failed, recording placeholder")
		img.Format = "unknown"
		return img, false
	}
	img.Width, img.Height, img.Format = info.Width, info.Height, info.Format
	return img, true
}

func (s *Scanner) reprobe(ctx context.Context, col *catalog.Collection, img *catalog.Image) {
	info, err := s.probe(ctx, col, img.RelativePath)
	if err != nil {
		img.Width, img.Height, img.Format = 0, 0, "unknown"
		return
	}
	img.Width, img.Height, img.Format = info.Width, info.Height, info.Format
}

// probe opens the source (file or archive entry) and reads just the
// header.
func (s *Scanner) probe(ctx context.Context, col *catalog.Collection, rel string) (imageproc.Info, error) {
	rc, err := openSource(col, rel)
	if err != nil {
		return imageproc.Info{}, err
	}
	defer rc.Close()
	return imageproc.Probe(rc)
}

// emitDerivations publishes the thumbnail and (when enabled) cache
// generation messages for one image and grows the parent job total.
func (s *Scanner) emitDerivations(ctx context.Context, jobID string, col *catalog.Collection, img *catalog.Image) (int, error) {
	locator := sourceLocator(col, img.RelativePath)
	tw, th := col.Settings.ThumbnailDims(s.defaults.ThumbWidth, s.defaults.ThumbHeight)
	msgs := []struct {
		kind bus.Kind
		w, h int
	}{
		{bus.KindThumbnailGeneration, tw, th},
	}
	if col.Settings.AutoGenerateCache(s.defaults.AutoCache) {
		cw, ch := col.Settings.CacheDims(s.defaults.CacheWidth, s.defaults.CacheHeight)
		msgs = append(msgs, struct {
			kind bus.Kind
			w, h int
		}{bus.KindCacheGeneration, cw, ch})
	}

	for _, m := range msgs {
		env, err := bus.NewEnvelope(m.kind, jobID, bus.DerivationMessage{
			ImageID:       img.ID,
			CollectionID:  col.ID,
			SourceLocator: locator,
			TargetWidth:   m.w,
			TargetHeight:  m.h,
			Quality:       col.Settings.CacheQuality(s.defaults.Quality),
			JobID:         jobID,
		})
		if err != nil {
			return 0, err
		}
		if err := s.pub.PublishKind(ctx, env); err != nil {
			return 0, err
		}
	}
	if err := s.jobs.AddTotal(ctx, jobID, int64(len(msgs))); err != nil {
		log.G(ctx).WithError(err).Debug("growing job total failed")
	}
	return len(msgs), nil
}

// cancelled reports whether the correlated job was cancelled; such
// messages drain without doing work.
func cancelled(ctx context.Context, jobs Jobs, jobID string) bool {
	if jobID == "" {
		return false
	}
	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Status == catalog.JobCancelled
}
