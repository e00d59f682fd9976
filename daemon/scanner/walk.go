package scanner

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/imagevault/imagevault/daemon/archive"
	"github.com/imagevault/imagevault/daemon/catalog"
	"github.com/imagevault/imagevault/daemon/imageproc"
)

// walkOptions narrow a folder enumeration per the owning library.
type walkOptions struct {
	allowedExts    map[string]struct{} // nil means decoder defaults
	excludedPaths  []string
	followSymlinks bool
}

func folderOptions(lib *catalog.Library) walkOptions {
	var opts walkOptions
	if lib == nil {
		return opts
	}
	opts.followSymlinks = lib.FollowSymlinks
	opts.excludedPaths = lib.ExcludedPaths
	if len(lib.AllowedFormats) > 0 {
		opts.allowedExts = make(map[string]struct{}, len(lib.AllowedFormats))
		for _, f := range lib.AllowedFormats {
			ext := strings.ToLower(strings.TrimPrefix(f, "."))
			opts.allowedExts["."+ext] = struct{}{}
		}
	}
	return opts
}

func (o walkOptions) wantsFile(rel string) bool {
	for _, ex := range o.excludedPaths {
		ex = filepath.ToSlash(strings.Trim(ex, "/"))
		if ex == "" {
			continue
		}
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return false
		}
	}
	if o.allowedExts != nil {
		ext := strings.ToLower(filepath.Ext(rel))
		_, ok := o.allowedExts[ext]
		return ok && imageproc.IsImagePath(rel)
	}
	return imageproc.IsImagePath(rel)
}

// walkFolder enumerates image files under root in lexical full-path order.
// Relative paths use forward slashes regardless of platform so they match
// archive entry naming. With followSymlinks, symlinked directories are
// descended into once each; a target already visited is skipped so link
// cycles terminate.
func walkFolder(ctx context.Context, root string, opts walkOptions) ([]srcEntry, error) {
	visited := make(map[string]struct{})
	if real, err := filepath.EvalSymlinks(root); err == nil {
		visited[real] = struct{}{}
	}
	return walkTree(ctx, root, "", opts, visited)
}

// walkTree walks one directory tree, carrying the logical path prefix for
// subtrees reached through symlinks.
func walkTree(ctx context.Context, dir, prefix string, opts walkOptions, visited map[string]struct{}) ([]srcEntry, error) {
	var entries []srcEntry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		rel = path.Join(prefix, filepath.ToSlash(rel))
		if info.Mode()&os.ModeSymlink != 0 {
			if !opts.followSymlinks {
				return nil
			}
			// Resolve the target; broken links are skipped.
			resolved, err := os.Stat(p)
			if err != nil {
				return nil
			}
			if resolved.IsDir() {
				real, err := filepath.EvalSymlinks(p)
				if err != nil {
					return nil
				}
				if _, seen := visited[real]; seen {
					return nil
				}
				visited[real] = struct{}{}
				sub, err := walkTree(ctx, real, rel, opts, visited)
				if err != nil {
					return err
				}
				entries = append(entries, sub...)
				return nil
			}
			info = resolved
		}
		if !opts.wantsFile(rel) {
			return nil
		}
		entries = append(entries, srcEntry{rel: rel, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// sourceLocator renders the canonical source address for an image.
func sourceLocator(col *catalog.Collection, rel string) string {
	if col.Kind.IsArchive() {
		return archive.FormatLocator(col.Path, rel)
	}
	return filepath.Join(col.Path, filepath.FromSlash(rel))
}

// openSource opens an image source stream: a plain file for folder
// collections, an archive entry otherwise.
func openSource(col *catalog.Collection, rel string) (io.ReadCloser, error) {
	if !col.Kind.IsArchive() {
		return os.Open(filepath.Join(col.Path, filepath.FromSlash(rel)))
	}
	r, err := archive.Open(col.Path)
	if err != nil {
		return nil, err
	}
	rc, err := r.Open(rel)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return &archiveEntryCloser{ReadCloser: rc, archive: r}, nil
}

// archiveEntryCloser closes the archive handle together with the entry
// stream.
type archiveEntryCloser struct {
	io.ReadCloser
	archive archive.Reader
}

func (a *archiveEntryCloser) Close() error {
	err := a.ReadCloser.Close()
	if cerr := a.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func baseName(rel string) string {
	return path.Base(filepath.ToSlash(rel))
}
