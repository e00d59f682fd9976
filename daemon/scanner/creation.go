package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/imagevault/imagevault/daemon/archive"
	"github.com/imagevault/imagevault/daemon/bus"
	"github.com/imagevault/imagevault/daemon/catalog"
)

// HandleCreation registers a newly discovered collection and queues its
// first scan. Creation is idempotent on (libraryId, path): a redelivery
// finds the existing document and only re-queues the scan.
func (s *Scanner) HandleCreation(ctx context.Context, env *bus.Envelope) bus.Decision {
	var msg bus.CollectionCreationMessage
	if err := env.Decode(&msg); err != nil {
		log.G(ctx).WithError(err).Warn("undecodable creation message")
		return bus.NackDrop
	}
	logger := log.G(ctx).WithFields(log.Fields{"library": msg.LibraryID, "path": msg.Path})

	kind, err := detectKind(msg.Path, msg.Kind)
	if err != nil {
		logger.WithError(err).Warn("unusable collection source, dropping")
		_ = s.jobs.AddProgress(ctx, env.CorrelationID, 0, 1, err.Error())
		return bus.Ack
	}

	col, err := s.store.CollectionByPath(ctx, msg.LibraryID, msg.Path)
	switch {
	case err == nil:
		// Already known.
	case errdefs.IsNotFound(err):
		name := msg.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(msg.Path), filepath.Ext(msg.Path))
		}
		col = &catalog.Collection{
			ID:        uuid.NewString(),
			LibraryID: msg.LibraryID,
			Name:      name,
			Path:      msg.Path,
			Kind:      kind,
		}
		if err := s.store.InsertCollection(ctx, col); err != nil {
			logger.WithError(err).Warn("inserting collection failed, will retry")
			return bus.NackRequeue
		}
		logger.WithField("collection", col.ID).Info("collection registered")
	default:
		return bus.NackRequeue
	}

	scan, err := bus.NewEnvelope(bus.KindCollectionScan, env.CorrelationID, bus.CollectionScanMessage{
		CollectionID: col.ID,
		Path:         col.Path,
		Kind:         string(col.Kind),
	})
	if err != nil {
		return bus.NackRequeue
	}
	if err := s.pub.PublishKind(ctx, scan); err != nil {
		logger.WithError(err).Warn("queueing initial scan failed, will retry")
		return bus.NackRequeue
	}
	_ = s.jobs.AddTotal(ctx, env.CorrelationID, 1)
	_ = s.jobs.AddProgress(ctx, env.CorrelationID, 1, 0, "")
	return bus.Ack
}

// detectKind validates the source path and derives the collection kind
// when the message did not pin one.
func detectKind(path, hinted string) (catalog.CollectionKind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if hinted != "" && hinted != string(catalog.KindFolder) {
		if info.IsDir() {
			return "", fmt.Errorf("archive kind hinted for a directory: %w", errdefs.ErrInvalidArgument)
		}
		return catalog.CollectionKind(hinted), nil
	}
	if info.IsDir() {
		return catalog.KindFolder, nil
	}
	format, err := archive.DetectFormat(path)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cbz":
		return catalog.KindCbz, nil
	case ".cbr":
		return catalog.KindCbr, nil
	}
	switch format {
	case archive.FormatZip:
		return catalog.KindZip, nil
	case archive.Format7z:
		return catalog.KindSevenZ, nil
	case archive.FormatRar:
		return catalog.KindRar, nil
	case archive.FormatTar:
		return catalog.KindTar, nil
	}
	return "", fmt.Errorf("unknown archive format: %w", errdefs.ErrInvalidArgument)
}

// HandleBulk fans one bulk operation out across collections. Each emitted
// child message joins the same parent job, so progress aggregates under
// one id.
func (s *Scanner) HandleBulk(ctx context.Context, env *bus.Envelope) bus.Decision {
	var msg bus.BulkOperationMessage
	if err := env.Decode(&msg); err != nil {
		log.G(ctx).WithError(err).Warn("undecodable bulk message")
		return bus.NackDrop
	}
	logger := log.G(ctx).WithFields(log.Fields{"operation": msg.Operation, "library": msg.LibraryID})

	if cancelled(ctx, s.jobs, env.CorrelationID) {
		return bus.Ack
	}

	var (
		cols []catalog.Collection
		err  error
	)
	if msg.LibraryID != "" {
		cols, err = s.store.Collections(ctx, msg.LibraryID)
	} else {
		cols, err = s.store.AllCollections(ctx)
	}
	if err != nil {
		logger.WithError(err).Warn("listing collections failed, will retry")
		return bus.NackRequeue
	}

	emitted := 0
	for i := range cols {
		col := &cols[i]
		switch msg.Operation {
		case bus.BulkRescanLibrary:
			force := msg.Parameters["force"] == "true"
			scan, err := bus.NewEnvelope(bus.KindCollectionScan, env.CorrelationID, bus.CollectionScanMessage{
				CollectionID: col.ID,
				Path:         col.Path,
				Kind:         string(col.Kind),
				ForceRescan:  force,
			})
			if err != nil {
				return bus.NackRequeue
			}
			if err := s.pub.PublishKind(ctx, scan); err != nil {
				return bus.NackRequeue
			}
			emitted++
		case bus.BulkRegenerateThumbnails, bus.BulkRegenerateCache:
			n, err := s.regenerate(ctx, env.CorrelationID, col.ID, msg.Operation)
			if err != nil {
				return bus.NackRequeue
			}
			emitted += n
		default:
			logger.Warn("unknown bulk operation, dropping")
			_ = s.jobs.AddProgress(ctx, env.CorrelationID, 0, 1, "unknown bulk operation "+msg.Operation)
			return bus.Ack
		}
	}

	_ = s.jobs.AddTotal(ctx, env.CorrelationID, int64(emitted))
	_ = s.jobs.AddProgress(ctx, env.CorrelationID, 1, 0, "")
	logger.WithField("emitted", emitted).Info("bulk operation expanded")
	return bus.Ack
}

// regenerate emits forced derivation messages for every live image of a
// collection.
func (s *Scanner) regenerate(ctx context.Context, jobID, collectionID, op string) (int, error) {
	col, err := s.store.Collection(ctx, collectionID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	kind := bus.KindThumbnailGeneration
	w, h := col.Settings.ThumbnailDims(s.defaults.ThumbWidth, s.defaults.ThumbHeight)
	if op == bus.BulkRegenerateCache {
		kind = bus.KindCacheGeneration
		w, h = col.Settings.CacheDims(s.defaults.CacheWidth, s.defaults.CacheHeight)
	}

	emitted := 0
	for i := range col.Images {
		img := &col.Images[i]
		if img.IsDeleted || img.Format == "unknown" {
			continue
		}
		env, err := bus.NewEnvelope(kind, jobID, bus.DerivationMessage{
			ImageID:         img.ID,
			CollectionID:    col.ID,
			SourceLocator:   sourceLocator(col, img.RelativePath),
			TargetWidth:     w,
			TargetHeight:    h,
			Quality:         col.Settings.CacheQuality(s.defaults.Quality),
			ForceRegenerate: true,
			JobID:           jobID,
		})
		if err != nil {
			return emitted, err
		}
		if err := s.pub.PublishKind(ctx, env); err != nil {
			return emitted, err
		}
		emitted++
	}
	return emitted, nil
}
