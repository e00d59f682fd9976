package archive

import (
	"archive/zip"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
)

type zipReader struct {
	rc *zip.ReadCloser
}

func openZip(path string) (Reader, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, headerError(path, err)
	}
	return &zipReader{rc: rc}, nil
}

// Entries returns files in central-directory order, skipping directory
// entries.
func (z *zipReader) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(z.rc.File))
	for _, f := range z.rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, Entry{
			Name:    f.Name,
			Size:    int64(f.UncompressedSize64),
			ModTime: f.Modified,
		})
	}
	return entries, nil
}

func (z *zipReader) Open(name string) (io.ReadCloser, error) {
	for _, f := range z.rc.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("zip entry %q: %w", name, errdefs.ErrNotFound)
}

func (z *zipReader) Close() error {
	return z.rc.Close()
}
