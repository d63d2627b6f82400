// Package localtree implements the Local tree (L) and Work tree (W)
// collaborators from spec §6: a plain POSIX-style filesystem tree rooted
// at a configured absolute path. Both L and W are instances of the same
// Tree type, rooted at local.path and work.path respectively — the spec
// describes them as "two sibling local filesystem trees" (§2), which is
// naturally one Go type with two roots rather than two types.
package localtree

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rqtree/rqshare/rqerrors"
)

// Tree is a local POSIX filesystem tree addressed by logical (forward
// slash) name, rooted at Root.
type Tree struct {
	Root string
}

// New returns a Tree rooted at root. root must be an absolute path.
func New(root string) *Tree {
	return &Tree{Root: filepath.Clean(root)}
}

func (t *Tree) resolve(name string) string {
	name = strings.TrimPrefix(cleanName(name), "/")
	return filepath.Join(t.Root, filepath.FromSlash(name))
}

// cleanName normalizes a logical name to use forward slashes and have no
// trailing slash, without touching the filesystem.
func cleanName(name string) string {
	if name == "" {
		return "/"
	}
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return filepath.ToSlash(filepath.Clean(name))
}

// Handle exposes a filesystem entry per the §6 handle contract.
type Handle struct {
	name  string
	path  string
	isDir bool
	tree  *Tree
}

// Name returns the handle's logical basename.
func (h *Handle) Name() string { return filepath.Base(h.name) }

// Path returns the handle's logical name within its tree.
func (h *Handle) Path() string { return h.name }

// IsDirectory reports whether the handle names a directory.
func (h *Handle) IsDirectory() bool { return h.isDir }

// Delete removes the entry the handle names.
func (h *Handle) Delete() error {
	if h.isDir {
		return h.tree.DeleteDirectory(h.name)
	}
	return h.tree.Delete(h.name)
}

// Open opens the entry for reading/writing, returning a ReadWriteSeeker
// the caller must Close.
func (h *Handle) Open() (*os.File, error) {
	f, err := os.OpenFile(h.path, os.O_RDWR, 0644)
	if err != nil {
		return nil, rqerrors.Wrap(rqerrors.Io, err, "open "+h.name)
	}
	return f, nil
}

// Exists reports whether name is present in the tree.
func (t *Tree) Exists(name string) bool {
	_, err := os.Stat(t.resolve(name))
	return err == nil
}

// Open returns a handle for name, which must already exist.
func (t *Tree) Open(name string) (*Handle, error) {
	p := t.resolve(name)
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rqerrors.Wrap(rqerrors.NotFound, err, "open "+name)
		}
		return nil, rqerrors.Wrap(rqerrors.Io, err, "stat "+name)
	}
	return &Handle{name: cleanName(name), path: p, isDir: fi.IsDir(), tree: t}, nil
}

// List returns handles for the direct children of dir.
func (t *Tree) List(dir string) ([]*Handle, error) {
	p := t.resolve(dir)
	infos, err := os.ReadDir(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rqerrors.Wrap(rqerrors.NotFound, err, "list "+dir)
		}
		return nil, rqerrors.Wrap(rqerrors.Io, err, "list "+dir)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	out := make([]*Handle, 0, len(infos))
	for _, fi := range infos {
		child := strings.TrimSuffix(cleanName(dir), "/") + "/" + fi.Name()
		out = append(out, &Handle{
			name:  cleanName(child),
			path:  filepath.Join(p, fi.Name()),
			isDir: fi.IsDir(),
			tree:  t,
		})
	}
	return out, nil
}

// CreateFile creates name, failing with AlreadyExists if it is already
// present (spec §4.1.4 step 1).
func (t *Tree) CreateFile(name string) (*Handle, error) {
	p := t.resolve(name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, rqerrors.Wrap(rqerrors.Io, err, "create parent dirs for "+name)
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, rqerrors.Wrap(rqerrors.AlreadyExists, err, "create "+name)
		}
		return nil, rqerrors.Wrap(rqerrors.Io, err, "create "+name)
	}
	_ = f.Close()
	return &Handle{name: cleanName(name), path: p, isDir: false, tree: t}, nil
}

// CreateDirectory creates name as a directory.
func (t *Tree) CreateDirectory(name string) (*Handle, error) {
	p := t.resolve(name)
	if err := os.MkdirAll(p, 0755); err != nil {
		return nil, rqerrors.Wrap(rqerrors.Io, err, "mkdir "+name)
	}
	return &Handle{name: cleanName(name), path: p, isDir: true, tree: t}, nil
}

// Delete removes the file name.
func (t *Tree) Delete(name string) error {
	err := os.Remove(t.resolve(name))
	if err != nil && !os.IsNotExist(err) {
		return rqerrors.Wrap(rqerrors.Io, err, "delete "+name)
	}
	return nil
}

// DeleteDirectory removes the directory name. It fails with NotEmpty if
// the directory still has children.
func (t *Tree) DeleteDirectory(name string) error {
	p := t.resolve(name)
	err := os.Remove(p)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if isNotEmpty(err) {
		return rqerrors.Wrap(rqerrors.NotEmpty, err, "delete directory "+name)
	}
	return rqerrors.Wrap(rqerrors.Io, err, "delete directory "+name)
}

func isNotEmpty(err error) bool {
	return strings.Contains(err.Error(), "directory not empty") ||
		strings.Contains(err.Error(), "not empty")
}

// Rename moves oldName to newName.
func (t *Tree) Rename(oldName, newName string) error {
	oldP, newP := t.resolve(oldName), t.resolve(newName)
	if err := os.MkdirAll(filepath.Dir(newP), 0755); err != nil {
		return rqerrors.Wrap(rqerrors.Io, err, "create parent dirs for "+newName)
	}
	if err := os.Rename(oldP, newP); err != nil {
		if os.IsNotExist(err) {
			return rqerrors.Wrap(rqerrors.NotFound, err, "rename "+oldName)
		}
		return rqerrors.Wrap(rqerrors.Io, err, "rename "+oldName+" to "+newName)
	}
	return nil
}

// ReadAll reads the full contents of name. Used by the sync processor to
// read local bytes when replaying a PUT/POST.
func (t *Tree) ReadAll(name string) ([]byte, error) {
	f, err := os.Open(t.resolve(name))
	if err != nil {
		return nil, rqerrors.Wrap(rqerrors.Io, err, "read "+name)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteAll writes data as the full contents of name, creating parent
// directories as needed.
func (t *Tree) WriteAll(name string, data []byte) error {
	p := t.resolve(name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return rqerrors.Wrap(rqerrors.Io, err, "create parent dirs for "+name)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return rqerrors.Wrap(rqerrors.Io, err, "write "+name)
	}
	return nil
}
