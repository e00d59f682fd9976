package placement

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/moby/sys/atomicwriter"

	"github.com/imagevault/imagevault/daemon/catalog"
)

// indexFile is the optional self-description a root carries so a detached
// disk can be identified.
const indexFile = "index.json"

type rootIndex struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	WrittenAt time.Time `json:"writtenAt"`
}

// AuditReport summarizes one root reconciliation.
type AuditReport struct {
	RootID         string
	Files          int64
	Bytes          int64
	OrphansDeleted int
	OrphanBytes    int64
}

// Audit walks every configured root (active or not), reconciles the stored
// byte/file counters against what is actually on disk, and deletes orphan
// files past the grace period. Orphans are files under a root that no
// embedded thumbnail or cache entry references: crash leftovers and
// entries whose catalog record was removed out-of-band.
func (p *Placement) Audit(ctx context.Context) ([]AuditReport, error) {
	roots, err := p.roots.List(ctx)
	if err != nil {
		return nil, err
	}
	var reports []AuditReport
	for _, root := range roots {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		rep, err := p.auditRoot(ctx, &root)
		if err != nil {
			log.G(ctx).WithError(err).WithField("root", root.ID).Warn("cache root audit failed")
			continue
		}
		reports = append(reports, *rep)
	}
	return reports, nil
}

func (p *Placement) auditRoot(ctx context.Context, root *catalog.CacheRoot) (*AuditReport, error) {
	refs, err := p.entries.EntriesByRoot(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		referenced[filepath.Clean(ref.Path)] = struct{}{}
	}

	rep := &AuditReport{RootID: root.ID}
	grace := time.Now().Add(-p.cfg.OrphanGrace)

	err = filepath.WalkDir(root.AbsolutePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() == indexFile {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		// In-progress writes are never counted; stale ones are orphans.
		tmp := strings.HasSuffix(path, ".tmp")
		if _, ok := referenced[filepath.Clean(path)]; !ok || tmp {
			if info.ModTime().Before(grace) {
				if err := os.Remove(path); err == nil {
					rep.OrphansDeleted++
					rep.OrphanBytes += info.Size()
				}
			} else if !tmp {
				// Young orphan: count it, the next audit decides.
				rep.Files++
				rep.Bytes += info.Size()
			}
			return nil
		}
		rep.Files++
		rep.Bytes += info.Size()
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			// Root directory missing entirely: report zero usage but do
			// not delete references; the operator may remount the disk.
			err = nil
		} else {
			return nil, err
		}
	}

	if err := p.roots.SetUsage(ctx, root.ID, rep.Bytes, rep.Files); err != nil {
		return nil, err
	}
	p.writeIndex(ctx, root)

	log.G(ctx).WithFields(log.Fields{
		"root":    root.ID,
		"files":   rep.Files,
		"bytes":   rep.Bytes,
		"orphans": rep.OrphansDeleted,
	}).Debug("cache root audited")
	return rep, nil
}

func (p *Placement) writeIndex(ctx context.Context, root *catalog.CacheRoot) {
	data, err := json.Marshal(rootIndex{ID: root.ID, Name: root.Name, WrittenAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := atomicwriter.WriteFile(filepath.Join(root.AbsolutePath, indexFile), data, 0o644); err != nil {
		log.G(ctx).WithError(err).WithField("root", root.ID).Debug("could not write root index")
	}
}
