package archive

import (
	"fmt"
	"io"

	"github.com/bodgit/sevenzip"
	"github.com/containerd/errdefs"
)

type sevenZipReader struct {
	rc *sevenzip.ReadCloser
}

func openSevenZip(path string) (Reader, error) {
	rc, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, headerError(path, err)
	}
	return &sevenZipReader{rc: rc}, nil
}

func (s *sevenZipReader) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(s.rc.File))
	for _, f := range s.rc.File {
		info := f.FileInfo()
		if info.IsDir() {
			continue
		}
		entries = append(entries, Entry{
			Name:    f.Name,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

func (s *sevenZipReader) Open(name string) (io.ReadCloser, error) {
	for _, f := range s.rc.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("7z entry %q: %w", name, errdefs.ErrNotFound)
}

func (s *sevenZipReader) Close() error {
	return s.rc.Close()
}
