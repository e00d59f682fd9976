package scanner

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/imagevault/imagevault/daemon/bus"
	"github.com/imagevault/imagevault/daemon/catalog"
)

type fakeStore struct {
	collections map[string]*catalog.Collection
	libraries   map[string]*catalog.Library
	inserted    []*catalog.Collection
	replaced    map[string][]catalog.Image
	scanErrors  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: map[string]*catalog.Collection{},
		libraries:   map[string]*catalog.Library{},
		replaced:    map[string][]catalog.Image{},
		scanErrors:  map[string]string{},
	}
}

func (f *fakeStore) Collection(ctx context.Context, id string) (*catalog.Collection, error) {
	col, ok := f.collections[id]
	if !ok {
		return nil, errors.Wrap(errdefs.ErrNotFound, id)
	}
	return col, nil
}

func (f *fakeStore) CollectionByPath(ctx context.Context, libraryID, path string) (*catalog.Collection, error) {
	for _, col := range f.collections {
		if col.LibraryID == libraryID && col.Path == path {
			return col, nil
		}
	}
	return nil, errors.Wrap(errdefs.ErrNotFound, path)
}

func (f *fakeStore) InsertCollection(ctx context.Context, col *catalog.Collection) error {
	f.collections[col.ID] = col
	f.inserted = append(f.inserted, col)
	return nil
}

func (f *fakeStore) Collections(ctx context.Context, libraryID string) ([]catalog.Collection, error) {
	var out []catalog.Collection
	for _, col := range f.collections {
		if col.LibraryID == libraryID {
			out = append(out, *col)
		}
	}
	return out, nil
}

func (f *fakeStore) AllCollections(ctx context.Context) ([]catalog.Collection, error) {
	var out []catalog.Collection
	for _, col := range f.collections {
		out = append(out, *col)
	}
	return out, nil
}

func (f *fakeStore) ReplaceImages(ctx context.Context, id string, images []catalog.Image, stats catalog.CollectionStats) error {
	f.replaced[id] = images
	return nil
}

func (f *fakeStore) SetScanError(ctx context.Context, id, msg string) error {
	f.scanErrors[id] = msg
	return nil
}

func (f *fakeStore) Library(ctx context.Context, id string) (*catalog.Library, error) {
	lib, ok := f.libraries[id]
	if !ok {
		return nil, errors.Wrap(errdefs.ErrNotFound, id)
	}
	return lib, nil
}

type fakeJobs struct {
	jobs         map[string]*catalog.BackgroundJob
	total        int64
	done         int64
	failed       int64
	failedReason string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*catalog.BackgroundJob{}}
}

func (f *fakeJobs) Get(ctx context.Context, id string) (*catalog.BackgroundJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, errors.Wrap(errdefs.ErrNotFound, id)
	}
	return job, nil
}

func (f *fakeJobs) AddTotal(ctx context.Context, id string, delta int64) error {
	f.total += delta
	return nil
}

func (f *fakeJobs) AddProgress(ctx context.Context, id string, done, failed int64, lastErr string) error {
	f.done += done
	f.failed += failed
	return nil
}

func (f *fakeJobs) Fail(ctx context.Context, id, reason string) error {
	f.failedReason = reason
	return nil
}

type fakePub struct {
	published []*bus.Envelope
	err       error
}

func (f *fakePub) PublishKind(ctx context.Context, env *bus.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, env)
	return nil
}

func (f *fakePub) kinds() []bus.Kind {
	out := make([]bus.Kind, len(f.published))
	for i, env := range f.published {
		out[i] = env.Kind
	}
	return out
}

func testDefaults() Defaults {
	return Defaults{ThumbWidth: 300, ThumbHeight: 300, CacheWidth: 1920, CacheHeight: 1080, Quality: 85, AutoCache: true}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 40), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	assert.NilError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func scanEnvelope(t *testing.T, jobID string, msg bus.CollectionScanMessage) *bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(bus.KindCollectionScan, jobID, msg)
	assert.NilError(t, err)
	return env
}

func TestScanNewFolderCollection(t *testing.T) {
	dir := t.TempDir()
	data := pngBytes(t)
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "b.png"), data, 0o644))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "a.png"), data, 0o644))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0o644))

	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{ID: "col-1", LibraryID: "lib-1", Path: dir, Kind: catalog.KindFolder}
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env := scanEnvelope(t, "job-1", bus.CollectionScanMessage{CollectionID: "col-1"})
	assert.Equal(t, s.HandleScan(context.Background(), env), bus.Ack)

	images := store.replaced["col-1"]
	assert.Assert(t, is.Len(images, 2))
	// Lexical order.
	assert.Check(t, is.Equal(images[0].RelativePath, "a.png"))
	assert.Check(t, is.Equal(images[1].RelativePath, "b.png"))
	assert.Check(t, is.Equal(images[0].Width, 8))
	assert.Check(t, is.Equal(images[0].Height, 6))
	assert.Check(t, is.Equal(images[0].Format, "png"))
	assert.Check(t, images[0].ID != "")

	// Thumbnail plus cache per image with auto-cache on.
	assert.Check(t, is.Len(pub.published, 4))
	assert.Check(t, is.Equal(jobs.total, int64(4)))
	assert.Check(t, is.Equal(jobs.done, int64(1)))

	var msg bus.DerivationMessage
	assert.NilError(t, pub.published[0].Decode(&msg))
	assert.Check(t, is.Equal(msg.CollectionID, "col-1"))
	assert.Check(t, is.Equal(msg.JobID, "job-1"))
	assert.Check(t, is.Equal(msg.SourceLocator, filepath.Join(dir, "a.png")))
}

func TestScanUnchangedImagesEmitNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	assert.NilError(t, os.WriteFile(path, pngBytes(t), 0o644))
	info, err := os.Stat(path)
	assert.NilError(t, err)

	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{
		ID: "col-1", Path: dir, Kind: catalog.KindFolder,
		Images: []catalog.Image{{
			ID: "img-1", RelativePath: "a.png", Filename: "a.png",
			Size: info.Size(), ModTime: info.ModTime(),
			Width: 8, Height: 6, Format: "png",
		}},
	}
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env := scanEnvelope(t, "job-1", bus.CollectionScanMessage{CollectionID: "col-1"})
	assert.Equal(t, s.HandleScan(context.Background(), env), bus.Ack)

	assert.Check(t, is.Len(pub.published, 0))
	images := store.replaced["col-1"]
	assert.Assert(t, is.Len(images, 1))
	assert.Check(t, is.Equal(images[0].ID, "img-1"))
	assert.Check(t, !images[0].IsDeleted)
}

func TestScanTombstonesVanishedImages(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "keep.png"), pngBytes(t), 0o644))

	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{
		ID: "col-1", Path: dir, Kind: catalog.KindFolder,
		Images: []catalog.Image{{ID: "img-gone", RelativePath: "gone.png", Format: "png"}},
	}
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env := scanEnvelope(t, "job-1", bus.CollectionScanMessage{CollectionID: "col-1"})
	assert.Equal(t, s.HandleScan(context.Background(), env), bus.Ack)

	images := store.replaced["col-1"]
	assert.Assert(t, is.Len(images, 2))
	var tombstoned *catalog.Image
	for i := range images {
		if images[i].ID == "img-gone" {
			tombstoned = &images[i]
		}
	}
	assert.Assert(t, tombstoned != nil)
	assert.Check(t, tombstoned.IsDeleted)
	assert.Check(t, tombstoned.DeletedAt != nil)
}

func TestScanForceInvalidatesArtifacts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	assert.NilError(t, os.WriteFile(path, pngBytes(t), 0o644))
	info, err := os.Stat(path)
	assert.NilError(t, err)

	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{
		ID: "col-1", Path: dir, Kind: catalog.KindFolder,
		Images: []catalog.Image{{
			ID: "img-1", RelativePath: "a.png",
			Size: info.Size(), ModTime: info.ModTime(),
			Width: 8, Height: 6, Format: "png",
			Thumbnail: &catalog.Thumbnail{Path: "/cache/t.png", Valid: true},
			Cache:     &catalog.CacheEntry{Path: "/cache/c.png", Valid: true},
		}},
	}
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env := scanEnvelope(t, "job-1", bus.CollectionScanMessage{CollectionID: "col-1", ForceRescan: true})
	assert.Equal(t, s.HandleScan(context.Background(), env), bus.Ack)

	images := store.replaced["col-1"]
	assert.Assert(t, is.Len(images, 1))
	assert.Check(t, !images[0].Thumbnail.Valid)
	assert.Check(t, !images[0].Cache.Valid)
	assert.Check(t, is.Len(pub.published, 2))
}

func TestScanCorruptArchiveFailsJob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.zip")
	assert.NilError(t, os.WriteFile(path, []byte("definitely not a zip"), 0o644))

	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{ID: "col-1", Path: path, Kind: catalog.KindZip}
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env := scanEnvelope(t, "job-1", bus.CollectionScanMessage{CollectionID: "col-1"})
	assert.Equal(t, s.HandleScan(context.Background(), env), bus.Ack)

	assert.Check(t, store.scanErrors["col-1"] != "")
	assert.Check(t, jobs.failedReason != "")
	// Catalog untouched.
	_, replaced := store.replaced["col-1"]
	assert.Check(t, !replaced)
}

func TestScanVanishedArchiveTombstonesAll(t *testing.T) {
	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{
		ID: "col-1", Path: filepath.Join(t.TempDir(), "gone.zip"), Kind: catalog.KindZip,
		Images: []catalog.Image{{ID: "img-1", RelativePath: "page1.png"}},
	}
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env := scanEnvelope(t, "job-1", bus.CollectionScanMessage{CollectionID: "col-1"})
	assert.Equal(t, s.HandleScan(context.Background(), env), bus.Ack)

	images := store.replaced["col-1"]
	assert.Assert(t, is.Len(images, 1))
	assert.Check(t, images[0].IsDeleted)
}

func TestScanVanishedFolderTombstonesAll(t *testing.T) {
	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{
		ID: "col-1", Path: filepath.Join(t.TempDir(), "gone"), Kind: catalog.KindFolder,
		Images: []catalog.Image{{ID: "img-1", RelativePath: "a.png"}},
	}
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env := scanEnvelope(t, "job-1", bus.CollectionScanMessage{CollectionID: "col-1"})
	assert.Equal(t, s.HandleScan(context.Background(), env), bus.Ack)

	images := store.replaced["col-1"]
	assert.Assert(t, is.Len(images, 1))
	assert.Check(t, images[0].IsDeleted)
}

func TestScanArchiveDuplicateEntriesKeepFirst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.zip")
	f, err := os.Create(path)
	assert.NilError(t, err)
	zw := zip.NewWriter(f)
	data := pngBytes(t)
	for i := 0; i < 2; i++ {
		w, err := zw.Create("page1.png")
		assert.NilError(t, err)
		_, err = w.Write(data)
		assert.NilError(t, err)
	}
	assert.NilError(t, zw.Close())
	assert.NilError(t, f.Close())

	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{ID: "col-1", Path: path, Kind: catalog.KindZip}
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env := scanEnvelope(t, "job-1", bus.CollectionScanMessage{CollectionID: "col-1"})
	assert.Equal(t, s.HandleScan(context.Background(), env), bus.Ack)

	images := store.replaced["col-1"]
	assert.Assert(t, is.Len(images, 1))
	assert.Check(t, is.Equal(images[0].RelativePath, "page1.png"))

	var msg bus.DerivationMessage
	assert.NilError(t, pub.published[0].Decode(&msg))
	assert.Check(t, is.Equal(msg.SourceLocator, path+"::page1.png"))
}

func TestScanCancelledJobDrains(t *testing.T) {
	store := newFakeStore()
	jobs := newFakeJobs()
	jobs.jobs["job-1"] = &catalog.BackgroundJob{ID: "job-1", Status: catalog.JobCancelled}
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env := scanEnvelope(t, "job-1", bus.CollectionScanMessage{CollectionID: "col-1"})
	assert.Equal(t, s.HandleScan(context.Background(), env), bus.Ack)
	assert.Check(t, is.Len(pub.published, 0))
}

func TestScanPublishFailureRequeues(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "a.png"), pngBytes(t), 0o644))

	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{ID: "col-1", Path: dir, Kind: catalog.KindFolder}
	jobs := newFakeJobs()
	pub := &fakePub{err: errors.Wrap(errdefs.ErrUnavailable, "broker down")}
	s := New(store, jobs, pub, testDefaults())

	env := scanEnvelope(t, "job-1", bus.CollectionScanMessage{CollectionID: "col-1"})
	assert.Equal(t, s.HandleScan(context.Background(), env), bus.NackRequeue)
	_, replaced := store.replaced["col-1"]
	assert.Check(t, !replaced)
}

func TestCreationRegistersAndQueuesScan(t *testing.T) {
	dir := t.TempDir()

	store := newFakeStore()
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env, err := bus.NewEnvelope(bus.KindCollectionCreation, "job-1", bus.CollectionCreationMessage{
		LibraryID: "lib-1", Path: dir,
	})
	assert.NilError(t, err)
	assert.Equal(t, s.HandleCreation(context.Background(), env), bus.Ack)

	assert.Assert(t, is.Len(store.inserted, 1))
	assert.Check(t, is.Equal(store.inserted[0].Kind, catalog.KindFolder))
	assert.Check(t, is.Equal(store.inserted[0].Name, filepath.Base(dir)))
	assert.DeepEqual(t, pub.kinds(), []bus.Kind{bus.KindCollectionScan})

	// Redelivery finds the existing document and only re-queues the scan.
	env2, err := bus.NewEnvelope(bus.KindCollectionCreation, "job-1", bus.CollectionCreationMessage{
		LibraryID: "lib-1", Path: dir,
	})
	assert.NilError(t, err)
	assert.Equal(t, s.HandleCreation(context.Background(), env2), bus.Ack)
	assert.Check(t, is.Len(store.inserted, 1))
	assert.Check(t, is.Len(pub.published, 2))
}

func TestDetectKind(t *testing.T) {
	dir := t.TempDir()
	kind, err := detectKind(dir, "")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(kind, catalog.KindFolder))

	cbz := filepath.Join(dir, "book.cbz")
	f, err := os.Create(cbz)
	assert.NilError(t, err)
	assert.NilError(t, zip.NewWriter(f).Close())
	assert.NilError(t, f.Close())
	kind, err = detectKind(cbz, "")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(kind, catalog.KindCbz))

	_, err = detectKind(dir, "zip")
	assert.Check(t, errdefs.IsInvalidArgument(err))
}

func TestBulkRescanLibrary(t *testing.T) {
	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{ID: "col-1", LibraryID: "lib-1", Path: "/a", Kind: catalog.KindFolder}
	store.collections["col-2"] = &catalog.Collection{ID: "col-2", LibraryID: "lib-1", Path: "/b", Kind: catalog.KindFolder}
	store.collections["col-3"] = &catalog.Collection{ID: "col-3", LibraryID: "lib-2", Path: "/c", Kind: catalog.KindFolder}
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env, err := bus.NewEnvelope(bus.KindBulkOperation, "job-1", bus.BulkOperationMessage{
		Operation:  bus.BulkRescanLibrary,
		LibraryID:  "lib-1",
		Parameters: map[string]string{"force": "true"},
	})
	assert.NilError(t, err)
	assert.Equal(t, s.HandleBulk(context.Background(), env), bus.Ack)

	assert.Check(t, is.Len(pub.published, 2))
	for _, p := range pub.published {
		assert.Check(t, is.Equal(p.Kind, bus.KindCollectionScan))
		assert.Check(t, is.Equal(p.CorrelationID, "job-1"))
		var msg bus.CollectionScanMessage
		assert.NilError(t, p.Decode(&msg))
		assert.Check(t, msg.ForceRescan)
	}
	assert.Check(t, is.Equal(jobs.total, int64(2)))
}

func TestBulkRegenerateThumbnailsSkipsDeleted(t *testing.T) {
	store := newFakeStore()
	store.collections["col-1"] = &catalog.Collection{
		ID: "col-1", LibraryID: "lib-1", Path: "/a", Kind: catalog.KindFolder,
		Images: []catalog.Image{
			{ID: "img-1", RelativePath: "a.png", Format: "png"},
			{ID: "img-2", RelativePath: "b.png", Format: "png", IsDeleted: true},
			{ID: "img-3", RelativePath: "c.png", Format: "unknown"},
		},
	}
	jobs := newFakeJobs()
	pub := &fakePub{}
	s := New(store, jobs, pub, testDefaults())

	env, err := bus.NewEnvelope(bus.KindBulkOperation, "job-1", bus.BulkOperationMessage{
		Operation: bus.BulkRegenerateThumbnails,
		LibraryID: "lib-1",
	})
	assert.NilError(t, err)
	assert.Equal(t, s.HandleBulk(context.Background(), env), bus.Ack)

	assert.Assert(t, is.Len(pub.published, 1))
	assert.Check(t, is.Equal(pub.published[0].Kind, bus.KindThumbnailGeneration))
	var msg bus.DerivationMessage
	assert.NilError(t, pub.published[0].Decode(&msg))
	assert.Check(t, is.Equal(msg.ImageID, "img-1"))
	assert.Check(t, msg.ForceRegenerate)
}

func TestWalkOptionsExclusions(t *testing.T) {
	opts := folderOptions(&catalog.Library{
		AllowedFormats: []string{"png", ".JPG"},
		ExcludedPaths:  []string{"trash/"},
	})
	assert.Check(t, opts.wantsFile("a.png"))
	assert.Check(t, opts.wantsFile("sub/b.jpg"))
	assert.Check(t, !opts.wantsFile("c.gif"))
	assert.Check(t, !opts.wantsFile("trash/d.png"))
	assert.Check(t, !opts.wantsFile("trash"))
}

func TestWalkFollowsDirectorySymlinks(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "root")
	outside := filepath.Join(base, "outside")
	assert.NilError(t, os.MkdirAll(root, 0o755))
	assert.NilError(t, os.MkdirAll(outside, 0o755))
	data := pngBytes(t)
	assert.NilError(t, os.WriteFile(filepath.Join(root, "a.png"), data, 0o644))
	assert.NilError(t, os.WriteFile(filepath.Join(outside, "z.png"), data, 0o644))
	assert.NilError(t, os.Symlink(outside, filepath.Join(root, "linked")))
	// A link back into the root must not loop the walk.
	assert.NilError(t, os.Symlink(root, filepath.Join(outside, "cycle")))

	entries, err := walkFolder(context.Background(), root, walkOptions{followSymlinks: true})
	assert.NilError(t, err)
	rels := make([]string, len(entries))
	for i, e := range entries {
		rels[i] = e.rel
	}
	assert.DeepEqual(t, rels, []string{"a.png", "linked/z.png"})

	// Without the option the linked subtree stays invisible.
	entries, err = walkFolder(context.Background(), root, walkOptions{})
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 1))
	assert.Check(t, is.Equal(entries[0].rel, "a.png"))
}
