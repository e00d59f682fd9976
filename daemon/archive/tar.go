package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/containerd/errdefs"
)

// tarReader re-scans the stream per operation: tar has no central
// directory, so both enumeration and entry access are sequential reads.
type tarReader struct {
	path string
}

func openTar(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	// Validate the first header up front so corrupt files fail at open,
	// like the other formats.
	tr := tar.NewReader(f)
	if _, err := tr.Next(); err != nil && !errors.Is(err, io.EOF) {
		_ = f.Close()
		return nil, headerError(path, err)
	}
	_ = f.Close()
	return &tarReader{path: path}, nil
}

func (t *tarReader) Entries() ([]Entry, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, headerError(t.path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		entries = append(entries, Entry{
			Name:    hdr.Name,
			Size:    hdr.Size,
			ModTime: hdr.ModTime,
		})
	}
}

func (t *tarReader) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			_ = f.Close()
			return nil, fmt.Errorf("tar entry %q: %w", name, errdefs.ErrNotFound)
		}
		if err != nil {
			_ = f.Close()
			return nil, headerError(t.path, err)
		}
		if hdr.Typeflag == tar.TypeReg && hdr.Name == name {
			return &tarEntryReader{r: tr, f: f}, nil
		}
	}
}

func (t *tarReader) Close() error { return nil }

type tarEntryReader struct {
	r *tar.Reader
	f *os.File
}

func (e *tarEntryReader) Read(p []byte) (int, error) { return e.r.Read(p) }
func (e *tarEntryReader) Close() error               { return e.f.Close() }
