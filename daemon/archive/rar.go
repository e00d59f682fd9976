package archive

import (
	"errors"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/nwaples/rardecode/v2"
)

// rarReader scans the volume per operation; RAR entry listings are
// sequential like tar, though solid archives make random access costly
// either way.
type rarReader struct {
	path string
}

func openRar(path string) (Reader, error) {
	rc, err := rardecode.OpenReader(path)
	if err != nil {
		return nil, headerError(path, err)
	}
	_ = rc.Close()
	return &rarReader{path: path}, nil
}

func (r *rarReader) Entries() ([]Entry, error) {
	rc, err := rardecode.OpenReader(r.path)
	if err != nil {
		return nil, headerError(r.path, err)
	}
	defer rc.Close()

	var entries []Entry
	for {
		hdr, err := rc.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, headerError(r.path, err)
		}
		if hdr.IsDir {
			continue
		}
		entries = append(entries, Entry{
			Name:    hdr.Name,
			Size:    hdr.UnPackedSize,
			ModTime: hdr.ModificationTime,
		})
	}
}

func (r *rarReader) Open(name string) (io.ReadCloser, error) {
	rc, err := rardecode.OpenReader(r.path)
	if err != nil {
		return nil, headerError(r.path, err)
	}
	for {
		hdr, err := rc.Next()
		if errors.Is(err, io.EOF) {
			_ = rc.Close()
			return nil, fmt.Errorf("rar entry %q: %w", name, errdefs.ErrNotFound)
		}
		if err != nil {
			_ = rc.Close()
			return nil, headerError(r.path, err)
		}
		if !hdr.IsDir && hdr.Name == name {
			return &rarEntryReader{rc: rc}, nil
		}
	}
}

func (r *rarReader) Close() error { return nil }

type rarEntryReader struct {
	rc *rardecode.ReadCloser
}

func (e *rarEntryReader) Read(p []byte) (int, error) { return e.rc.Read(p) }
func (e *rarEntryReader) Close() error               { return e.rc.Close() }
