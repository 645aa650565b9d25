package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/absfs/absfs"
)

// localFS is a root-jailed absfs.FileSystem over the local filesystem,
// serving as the backing store for on-disk volumes.
type localFS struct {
	root string
	cwd  string
}

func newLocalFS(root string) (*localFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	return &localFS{root: abs, cwd: "/"}, nil
}

// resolve maps a /-rooted backing path into the jail.
func (fs *localFS) resolve(name string) string {
	clean := filepath.Clean("/" + filepath.FromSlash(name))
	return filepath.Join(fs.root, clean)
}

func (fs *localFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return os.OpenFile(fs.resolve(name), flag, perm)
}

func (fs *localFS) Open(name string) (absfs.File, error) {
	return os.Open(fs.resolve(name))
}

func (fs *localFS) Create(name string) (absfs.File, error) {
	return os.Create(fs.resolve(name))
}

func (fs *localFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(fs.resolve(name), perm)
}

func (fs *localFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(fs.resolve(name), perm)
}

func (fs *localFS) Remove(name string) error {
	return os.Remove(fs.resolve(name))
}

func (fs *localFS) RemoveAll(path string) error {
	return os.RemoveAll(fs.resolve(path))
}

func (fs *localFS) Rename(oldpath, newpath string) error {
	return os.Rename(fs.resolve(oldpath), fs.resolve(newpath))
}

func (fs *localFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.resolve(name))
}

func (fs *localFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(fs.resolve(name), mode)
}

func (fs *localFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(fs.resolve(name), atime, mtime)
}

func (fs *localFS) Chown(name string, uid, gid int) error {
	return os.Chown(fs.resolve(name), uid, gid)
}

func (fs *localFS) Truncate(name string, size int64) error {
	return os.Truncate(fs.resolve(name), size)
}

func (fs *localFS) Separator() uint8 {
	return '/'
}

func (fs *localFS) ListSeparator() uint8 {
	return os.PathListSeparator
}

func (fs *localFS) Chdir(dir string) error {
	if !strings.HasPrefix(dir, "/") {
		dir = "/" + dir
	}
	fs.cwd = filepath.Clean(dir)
	return nil
}

func (fs *localFS) Getwd() (string, error) {
	return fs.cwd, nil
}

func (fs *localFS) TempDir() string {
	return os.TempDir()
}
