package encfs

import (
	"os"
	gopath "path"
	"time"
)

// FileHandle couples the two views of a volume entry: the plaintext view
// the caller works with and the ciphertext view the backing store sees.
type FileHandle struct {
	// Name is the plaintext base name.
	Name string

	// Path is the absolute plaintext path.
	Path string

	// EncodedPath is the absolute ciphertext path on the backing store.
	EncodedPath string

	// IsDir reports whether the entry is a directory.
	IsDir bool

	// Size is the plaintext size in bytes; zero for directories.
	Size int64

	// RawSize is the ciphertext size on the backing store.
	RawSize int64

	// ModTime is the modification time reported by the backing store.
	ModTime time.Time

	// Mode is the permission bits reported by the backing store.
	Mode os.FileMode
}

// newFileHandle builds a handle from a backing-store stat result.
func newFileHandle(c *Config, plainPath, encPath string, info os.FileInfo) *FileHandle {
	h := &FileHandle{
		Name:        gopath.Base(plainPath),
		Path:        plainPath,
		EncodedPath: encPath,
		IsDir:       info.IsDir(),
		RawSize:     info.Size(),
		ModTime:     info.ModTime(),
		Mode:        info.Mode(),
	}
	if !h.IsDir {
		h.Size = c.plaintextSize(info.Size())
	}
	return h
}
