// Package placement chooses which cache root receives each new derivation
// artifact, keeps the per-root byte accounting honest, and evicts
// least-recently-accessed artifacts when a root runs out of budget.
package placement

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/imagevault/imagevault/daemon/catalog"
)

// RootStore is the slice of the catalog the placement engine needs for
// root selection and accounting.
type RootStore interface {
	List(ctx context.Context) ([]catalog.CacheRoot, error)
	ListActive(ctx context.Context) ([]catalog.CacheRoot, error)
	Get(ctx context.Context, id string) (*catalog.CacheRoot, error)
	ApplyUsage(ctx context.Context, id string, version, deltaBytes, deltaFiles int64) error
	SetUsage(ctx context.Context, id string, bytes, files int64) error
}

// EntrySource exposes artifact references for eviction and audit.
type EntrySource interface {
	EntriesByRoot(ctx context.Context, rootID string) ([]catalog.EntryRef, error)
	DetachEntry(ctx context.Context, ref catalog.EntryRef) error
}

// Config tunes eviction and accounting behavior.
type Config struct {
	// RecentWindow protects artifacts referenced recently from eviction.
	RecentWindow time.Duration
	// OrphanGrace is how old an unreferenced file must be before the
	// audit deletes it.
	OrphanGrace time.Duration
	// CASRetries bounds optimistic accounting retries before the error
	// escalates to the transient path.
	CASRetries int
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		RecentWindow: 10 * time.Minute,
		OrphanGrace:  24 * time.Hour,
		CASRetries:   5,
	}
}

// Placement is safe for concurrent use by all derivation workers.
type Placement struct {
	roots   RootStore
	entries EntrySource
	cfg     Config
}

func New(roots RootStore, entries EntrySource, cfg Config) *Placement {
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = 5
	}
	return &Placement{roots: roots, entries: entries, cfg: cfg}
}

// Target is a placement decision: where one artifact will live.
type Target struct {
	RootID string
	Path   string
}

// ErrNoSpace reports that no root could take the artifact even after
// eviction.
var ErrNoSpace = fmt.Errorf("cache placement failed: no root with sufficient space: %w", errdefs.ErrResourceExhausted)

// ArtifactPath builds the canonical on-disk location:
// <root>/<kind>/<cid[:2]>/<cid>/<imageId>-<WxH>.<ext>.
func ArtifactPath(rootPath string, kind catalog.ArtifactKind, collectionID, imageID string, w, h int, ext string) string {
	prefix := collectionID
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	name := fmt.Sprintf("%s-%dx%d.%s", imageID, w, h, ext)
	return filepath.Join(rootPath, string(kind), prefix, collectionID, name)
}

// Place selects a root for an artifact of the given size and returns the
// final absolute path. Selection: active roots with room, highest priority
// first, then greatest absolute free space, then lexical name. When no
// root has room, the highest-priority active root is asked to evict.
func (p *Placement) Place(ctx context.Context, kind catalog.ArtifactKind, collectionID, imageID string, w, h int, ext string, size int64) (*Target, error) {
	roots, err := p.roots.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, errors.Wrap(ErrNoSpace, "no active cache roots")
	}

	candidates := make([]catalog.CacheRoot, 0, len(roots))
	for _, r := range roots {
		if r.Fits(size) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) > 0 {
		sortRoots(candidates)
		chosen := candidates[0]
		return &Target{
			RootID: chosen.ID,
			Path:   ArtifactPath(chosen.AbsolutePath, kind, collectionID, imageID, w, h, ext),
		}, nil
	}

	// Nothing fits: evict on the best root and retry once.
	sortRoots(roots)
	victim := roots[0]
	if err := p.evictFor(ctx, &victim, size); err != nil {
		return nil, err
	}
	fresh, err := p.roots.Get(ctx, victim.ID)
	if err != nil {
		return nil, err
	}
	if !fresh.Fits(size) {
		return nil, ErrNoSpace
	}
	return &Target{
		RootID: fresh.ID,
		Path:   ArtifactPath(fresh.AbsolutePath, kind, collectionID, imageID, w, h, ext),
	}, nil
}

// sortRoots orders candidates best-first: priority desc, absolute free
// space desc (unlimited roots sort as infinite), name asc.
func sortRoots(roots []catalog.CacheRoot) {
	sort.SliceStable(roots, func(i, j int) bool {
		a, b := roots[i], roots[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		af, aBounded := a.FreeBytes()
		bf, bBounded := b.FreeBytes()
		if aBounded != bBounded {
			return !aBounded // unlimited first
		}
		if aBounded && af != bf {
			return af > bf
		}
		return a.Name < b.Name
	})
}

// evictFor frees at least `need` bytes beyond the root's current headroom
// by deleting valid-but-cold artifacts in LRU order.
func (p *Placement) evictFor(ctx context.Context, root *catalog.CacheRoot, need int64) error {
	free, bounded := root.FreeBytes()
	if !bounded {
		return nil
	}
	deficit := need - free
	if deficit <= 0 {
		return nil
	}

	refs, err := p.entries.EntriesByRoot(ctx, root.ID)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-p.cfg.RecentWindow)

	var freed int64
	for _, ref := range refs {
		if freed >= deficit {
			break
		}
		if ref.LastAccessedAt.After(cutoff) {
			// Remaining refs are even more recent; stop scanning.
			break
		}
		if err := p.evictOne(ctx, root.ID, ref); err != nil {
			log.G(ctx).WithError(err).WithField("path", ref.Path).Warn("eviction of entry failed, skipping")
			continue
		}
		freed += ref.Bytes
	}
	if freed < deficit {
		return errors.Wrapf(ErrNoSpace, "freed %d of %d needed bytes on root %s", freed, deficit, root.ID)
	}
	log.G(ctx).WithFields(log.Fields{"root": root.ID, "freedBytes": freed}).Info("evicted cache entries under pressure")
	return nil
}

// evictOne removes the file, detaches the catalog reference, and decrements
// the accounting. File-first so a crash leaves an orphan (cleaned by the
// audit) rather than a dangling reference to a missing file.
func (p *Placement) evictOne(ctx context.Context, rootID string, ref catalog.EntryRef) error {
	if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := p.entries.DetachEntry(ctx, ref); err != nil {
		return err
	}
	return p.AdjustUsage(ctx, rootID, -ref.Bytes, -1)
}

// Cleanup brings over-budget active roots back under their limit by
// evicting cold entries in LRU order. Roots that cannot be reduced far
// enough are logged and skipped.
func (p *Placement) Cleanup(ctx context.Context) error {
	roots, err := p.roots.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range roots {
		root := roots[i]
		free, bounded := root.FreeBytes()
		if !bounded || free >= 0 {
			continue
		}
		if err := p.evictFor(ctx, &root, 0); err != nil {
			log.G(ctx).WithError(err).WithField("root", root.ID).Warn("cleanup could not reclaim enough space")
		}
	}
	return nil
}

// Commit records a successfully renamed artifact in the root accounting.
func (p *Placement) Commit(ctx context.Context, rootID string, size int64) error {
	return p.AdjustUsage(ctx, rootID, size, 1)
}

// AdjustUsage applies a bytes/files delta with optimistic retry on version
// conflicts. Exhausted retries surface as a transient error so the message
// is redelivered.
func (p *Placement) AdjustUsage(ctx context.Context, rootID string, deltaBytes, deltaFiles int64) error {
	var lastErr error
	for i := 0; i < p.cfg.CASRetries; i++ {
		root, err := p.roots.Get(ctx, rootID)
		if err != nil {
			return err
		}
		err = p.roots.ApplyUsage(ctx, rootID, root.Version, deltaBytes, deltaFiles)
		if err == nil {
			return nil
		}
		if !errdefs.IsConflict(err) {
			return err
		}
		lastErr = err
	}
	return errors.Wrap(fmt.Errorf("%w: %v", errdefs.ErrUnavailable, lastErr), "cache accounting contention")
}
