// Package archive provides streaming read access to image container
// archives (ZIP/CBZ, 7Z, RAR/CBR, TAR). Readers enumerate entries in the
// archive's declared order and open individual entries on demand, without
// extracting to disk.
package archive

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

// Entry describes one file inside an archive.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Reader is a handle on an opened archive. Entries returns entries in
// declared (central-directory or stream) order; Open streams one entry's
// uncompressed bytes. A Reader is not safe for concurrent use; open one
// per goroutine.
type Reader interface {
	Entries() ([]Entry, error)
	Open(name string) (io.ReadCloser, error)
	Close() error
}

// Format is the archive container format, derived from the file extension.
type Format string

const (
	FormatZip Format = "zip"
	Format7z  Format = "7z"
	FormatRar Format = "rar"
	FormatTar Format = "tar"
)

// DetectFormat maps a path to its archive format. CBZ and CBR are comic
// book renamings of ZIP and RAR.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".cbz":
		return FormatZip, nil
	case ".7z":
		return Format7z, nil
	case ".rar", ".cbr":
		return FormatRar, nil
	case ".tar":
		return FormatTar, nil
	}
	return "", fmt.Errorf("unrecognized archive extension %q: %w", filepath.Ext(path), errdefs.ErrInvalidArgument)
}

// Open opens the archive at path with the reader for its format.
//
// A file whose container metadata cannot be parsed (truncated central
// directory, bad signature) yields an ErrInvalidArgument wrapping
// "archive header", which scan consumers treat as permanent.
func Open(path string) (Reader, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatZip:
		return openZip(path)
	case Format7z:
		return openSevenZip(path)
	case FormatRar:
		return openRar(path)
	case FormatTar:
		return openTar(path)
	}
	return nil, fmt.Errorf("unsupported archive format %q: %w", format, errdefs.ErrInvalidArgument)
}

// headerError normalizes a container-metadata parse failure.
func headerError(path string, err error) error {
	return fmt.Errorf("archive header of %s unreadable: %v: %w", filepath.Base(path), err, errdefs.ErrInvalidArgument)
}
