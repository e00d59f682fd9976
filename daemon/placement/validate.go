package placement

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// PathValidation is the structured verdict on a candidate cache root path.
type PathValidation struct {
	Valid       bool   `json:"valid"`
	Exists      bool   `json:"exists"`
	Writable    bool   `json:"writable"`
	IsDirectory bool   `json:"isDirectory"`
	FreeBytes   int64  `json:"freeBytes"`
	Reason      string `json:"reason,omitempty"`
}

// ValidatePath checks that a candidate path exists, is a writable
// directory, and is not nested inside (or wrapped around) an existing
// root. It never creates the directory.
func (p *Placement) ValidatePath(ctx context.Context, path string) (*PathValidation, error) {
	v := &PathValidation{}
	abs, err := filepath.Abs(path)
	if err != nil {
		v.Reason = "path is not absolute: " + err.Error()
		return v, nil
	}

	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		v.Reason = "path does not exist"
		return v, nil
	case err != nil:
		v.Reason = err.Error()
		return v, nil
	}
	v.Exists = true
	if !info.IsDir() {
		v.Reason = "path is not a directory"
		return v, nil
	}
	v.IsDirectory = true

	if f, err := os.CreateTemp(abs, ".imagevault-probe-"); err != nil {
		v.Reason = "directory is not writable: " + err.Error()
		return v, nil
	} else {
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
	}
	v.Writable = true

	var st unix.Statfs_t
	if err := unix.Statfs(abs, &st); err == nil {
		v.FreeBytes = int64(st.Bavail) * int64(st.Bsize)
	}

	roots, err := p.roots.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range roots {
		if nested(abs, r.AbsolutePath) || nested(r.AbsolutePath, abs) {
			v.Reason = "path overlaps existing cache root " + r.Name
			return v, nil
		}
	}
	v.Valid = true
	return v, nil
}

// nested reports whether child is equal to or below parent.
func nested(child, parent string) bool {
	child = filepath.Clean(child)
	parent = filepath.Clean(parent)
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
