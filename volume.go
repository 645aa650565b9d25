package encfs

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	gopath "path"
	"strings"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

const defaultSaltLen = 20

// ProgressFunc observes the byte copying done by Copy and Move. It is
// called from the goroutine driving the operation with the plaintext
// destination path, the bytes copied so far, and the total (-1 when
// unknown). Raw ciphertext copies count ciphertext bytes against the
// file's raw size; re-encrypting copies count plaintext bytes with an
// unknown total.
type ProgressFunc func(path string, copied, total int64)

// Volume is an unlocked EncFS volume: the derived key material, the
// filename codec, and a file-oriented API over the backing store. The key
// material is immutable after Open; see the package documentation for the
// concurrency contract.
type Volume struct {
	fs       absfs.FileSystem
	config   *Config
	cr       *cryptor
	names    *nameCodec
	cached   []byte
	progress ProgressFunc
}

// Open unlocks the volume rooted at the backing store using a password.
func Open(fs absfs.FileSystem, password []byte) (*Volume, error) {
	if fs == nil {
		return nil, ErrNilBackingStore
	}

	config, err := loadConfig(fs)
	if err != nil {
		return nil, err
	}
	return openWithCached(fs, config, deriveCachedKey(password, config))
}

// OpenCached unlocks the volume using PBKDF2 output captured from a
// previous unlock (see Volume.CachedKey), skipping the key derivation.
func OpenCached(fs absfs.FileSystem, cached []byte) (*Volume, error) {
	if fs == nil {
		return nil, ErrNilBackingStore
	}

	config, err := loadConfig(fs)
	if err != nil {
		return nil, err
	}
	return openWithCached(fs, config, cached)
}

func openWithCached(fs absfs.FileSystem, config *Config, cached []byte) (*Volume, error) {
	cr, err := unwrapKey(cached, config)
	if err != nil {
		return nil, err
	}

	return &Volume{
		fs:     fs,
		config: config,
		cr:     cr,
		names: &nameCodec{
			alg:     config.NameAlgorithm,
			chained: config.ChainedNameIV,
			cr:      cr,
		},
		cached: append([]byte(nil), cached...),
	}, nil
}

// Create initialises a new volume on an empty backing store: it generates
// a salt and a volume key, wraps the key under the password, writes the
// configuration file, and returns the unlocked volume. The passed Config
// supplies the format parameters; its Salt and WrappedKey fields are
// filled in.
func Create(fs absfs.FileSystem, config *Config, password []byte) (*Volume, error) {
	if fs == nil {
		return nil, ErrNilBackingStore
	}
	if config == nil {
		return nil, ErrNilConfig
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if len(config.Salt) == 0 {
		config.Salt = make([]byte, defaultSaltLen)
		if _, err := rand.Read(config.Salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	cached := deriveCachedKey(password, config)
	cr, wrapped, err := wrapKey(cached, config)
	if err != nil {
		return nil, err
	}
	config.WrappedKey = wrapped

	if err := saveConfig(fs, config); err != nil {
		return nil, err
	}

	return &Volume{
		fs:     fs,
		config: config,
		cr:     cr,
		names: &nameCodec{
			alg:     config.NameAlgorithm,
			chained: config.ChainedNameIV,
			cr:      cr,
		},
		cached: cached,
	}, nil
}

// Config returns the volume configuration. Callers must not modify it.
func (v *Volume) Config() *Config {
	return v.config
}

// CachedKey returns the raw PBKDF2 output that unlocked this volume. It
// can be persisted and passed to OpenCached to reopen the volume without
// rerunning the key derivation. Treat it as key material.
func (v *Volume) CachedKey() []byte {
	return append([]byte(nil), v.cached...)
}

// SetProgress installs a progress callback for the byte copying done by
// Copy and Move.
func (v *Volume) SetProgress(fn ProgressFunc) {
	v.progress = fn
}

// contentIVSeed returns the IV seed for a file's header: the path chain
// IV under external IV chaining, zeros otherwise.
func (v *Volume) contentIVSeed(plainPath string) []byte {
	if v.config.ExternalIVChaining {
		return v.names.chainIV(plainPath)
	}
	return make([]byte, fileIVLen)
}

// cleanPath normalises a plaintext path to absolute, /-rooted form.
func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return gopath.Clean(p)
}

// EncodePath translates a plaintext path into its ciphertext form on the
// backing store.
func (v *Volume) EncodePath(plain string) (string, error) {
	return v.names.encodePath(cleanPath(plain))
}

// DecodePath translates a ciphertext path back into plaintext.
func (v *Volume) DecodePath(encoded string) (string, error) {
	return v.names.decodePath(encoded)
}

// File resolves a plaintext path to a handle.
func (v *Volume) File(path string) (*FileHandle, error) {
	path = cleanPath(path)
	encPath, err := v.EncodePath(path)
	if err != nil {
		return nil, err
	}

	info, err := v.fs.Stat(encPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: path, Err: err}
		}
		return nil, err
	}
	return newFileHandle(v.config, path, encPath, info), nil
}

// List returns the decrypted entries of a directory. Entries whose names
// fail to decode (extraneous files, corrupt names, checksum mismatches)
// are skipped, as are the . and .. entries and the configuration file at
// the volume root.
func (v *Volume) List(dir string) ([]*FileHandle, error) {
	dir = cleanPath(dir)
	encDir, err := v.EncodePath(dir)
	if err != nil {
		return nil, err
	}

	info, err := v.fs.Stat(encDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: dir, Err: err}
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	f, err := v.fs.Open(encDir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}

	parentPrefix := dir
	if parentPrefix != "/" {
		parentPrefix += "/"
	}

	handles := make([]*FileHandle, 0, len(infos))
	for _, info := range infos {
		encName := info.Name()
		if encName == "." || encName == ".." {
			continue
		}
		if dir == "/" && encName == ConfigFileName {
			continue
		}

		plainName, err := v.names.decodeName(encName, dir)
		if err != nil {
			continue
		}

		handles = append(handles, newFileHandle(
			v.config,
			parentPrefix+plainName,
			gopath.Join(encDir, encName),
			info,
		))
	}
	return handles, nil
}

// MakeDir creates a single directory.
func (v *Volume) MakeDir(path string) error {
	encPath, err := v.EncodePath(path)
	if err != nil {
		return err
	}
	return v.fs.Mkdir(encPath, 0755)
}

// MakeDirs creates a directory and any missing ancestors.
func (v *Volume) MakeDirs(path string) error {
	encPath, err := v.EncodePath(path)
	if err != nil {
		return err
	}
	return v.fs.MkdirAll(encPath, 0755)
}

// Delete removes a file or directory. Non-empty directories require
// recursive.
func (v *Volume) Delete(path string, recursive bool) error {
	encPath, err := v.EncodePath(path)
	if err != nil {
		return err
	}
	if recursive {
		return v.fs.RemoveAll(encPath)
	}
	return v.fs.Remove(encPath)
}

// OpenRead opens a file for sequential decryption.
func (v *Volume) OpenRead(path string) (*Reader, error) {
	path = cleanPath(path)
	encPath, err := v.EncodePath(path)
	if err != nil {
		return nil, err
	}

	info, err := v.fs.Stat(encPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: path, Err: err}
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrIsDirectory
	}

	f, err := v.fs.Open(encPath)
	if err != nil {
		return nil, err
	}

	r, err := newReader(v, f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// OpenWrite creates or truncates a file for sequential encryption. The
// format supports writes from offset zero only; rewriting part of a file
// means rewriting the file.
func (v *Volume) OpenWrite(path string) (*Writer, error) {
	path = cleanPath(path)
	encPath, err := v.EncodePath(path)
	if err != nil {
		return nil, err
	}

	f, err := v.fs.OpenFile(encPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	w, err := newWriter(v, f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Move renames src to dst. When filename or content encryption depends
// on the path (chained name IVs for directories, external IV chaining
// for file contents) a plain backing-store rename would leave
// undecryptable ciphertext, so the entry is rewritten recursively
// instead.
func (v *Volume) Move(src, dst string) error {
	src = cleanPath(src)
	dst = cleanPath(dst)

	h, err := v.File(src)
	if err != nil {
		return err
	}
	if _, err := v.File(dst); err == nil {
		return ErrExists
	}
	if dst == src || strings.HasPrefix(dst, src+"/") {
		return fmt.Errorf("cannot move %s into itself", src)
	}

	switch {
	case h.IsDir && (v.config.ChainedNameIV || v.config.ExternalIVChaining):
		return v.moveDirRecursive(src, dst)
	case !h.IsDir && v.config.ExternalIVChaining:
		if err := v.copyFileContents(src, dst); err != nil {
			return err
		}
		return v.Delete(src, false)
	default:
		encDst, err := v.EncodePath(dst)
		if err != nil {
			return err
		}
		return v.fs.Rename(h.EncodedPath, encDst)
	}
}

// moveDirRecursive re-creates a directory tree under its new cleartext
// path, moving children one by one, then removes the source. On failure
// the partially built target is removed best-effort.
func (v *Volume) moveDirRecursive(src, dst string) error {
	if err := v.MakeDir(dst); err != nil {
		return err
	}

	children, err := v.List(src)
	if err != nil {
		v.Delete(dst, true)
		return err
	}
	for _, child := range children {
		if err := v.Move(child.Path, gopath.Join(dst, child.Name)); err != nil {
			v.Delete(dst, true)
			return err
		}
	}

	return v.Delete(src, true)
}

// Copy copies src to dst, recursing into directories. File contents are
// copied ciphertext-to-ciphertext when they do not depend on the path,
// and re-encrypted through the codecs when external IV chaining is on.
func (v *Volume) Copy(src, dst string) error {
	src = cleanPath(src)
	dst = cleanPath(dst)

	h, err := v.File(src)
	if err != nil {
		return err
	}

	if h.IsDir {
		if err := v.MakeDir(dst); err != nil {
			return err
		}
		children, err := v.List(src)
		if err != nil {
			v.Delete(dst, true)
			return err
		}
		for _, child := range children {
			if err := v.Copy(child.Path, gopath.Join(dst, child.Name)); err != nil {
				v.Delete(dst, true)
				return err
			}
		}
		return nil
	}

	if v.config.ExternalIVChaining {
		return v.copyFileContents(src, dst)
	}
	return v.copyFileRaw(h, dst)
}

// copyFileContents decrypts src and re-encrypts it at dst. Required
// whenever the file IV depends on the target path.
func (v *Volume) copyFileContents(src, dst string) error {
	r, err := v.OpenRead(src)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := v.OpenWrite(dst)
	if err != nil {
		return err
	}

	if err := v.copyWithProgress(w, r, dst, -1); err != nil {
		w.Close()
		v.Delete(dst, false)
		return err
	}
	if err := w.Close(); err != nil {
		v.Delete(dst, false)
		return err
	}
	return nil
}

// copyFileRaw copies ciphertext bytes to a temporary name beside the
// target, then renames into place. Under the block and stream name
// algorithms the temporary name is not a valid encoded filename, so
// listings skip it if the copy is abandoned; under NameNull it is listed.
func (v *Volume) copyFileRaw(h *FileHandle, dst string) error {
	encDst, err := v.EncodePath(dst)
	if err != nil {
		return err
	}

	srcFile, err := v.fs.Open(h.EncodedPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	tmp := gopath.Join(gopath.Dir(encDst), ".tmp-"+uuid.NewString())
	tmpFile, err := v.fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if err := v.copyWithProgress(tmpFile, srcFile, dst, h.RawSize); err != nil {
		tmpFile.Close()
		v.fs.Remove(tmp)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		v.fs.Remove(tmp)
		return err
	}

	if err := v.fs.Rename(tmp, encDst); err != nil {
		v.fs.Remove(tmp)
		return err
	}
	return nil
}

// copyWithProgress is io.Copy with the volume's progress callback.
func (v *Volume) copyWithProgress(dst io.Writer, src io.Reader, path string, total int64) error {
	buf := make([]byte, 32*1024)
	var copied int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			copied += int64(n)
			if v.progress != nil {
				v.progress(path, copied, total)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// PlaintextSize converts a ciphertext size from the backing store into
// the plaintext size of the file.
func (v *Volume) PlaintextSize(raw int64) int64 {
	return v.config.plaintextSize(raw)
}

// CiphertextSize converts a plaintext size into the size the file
// occupies on the backing store.
func (v *Volume) CiphertextSize(plain int64) int64 {
	return v.config.ciphertextSize(plain)
}

func (c *Config) plaintextSize(raw int64) int64 {
	if c.UniqueIV {
		raw -= fileIVLen
	}
	if raw <= 0 {
		return 0
	}
	bs := int64(c.BlockSize)
	blockCount := (raw + bs - 1) / bs
	return raw - blockCount*int64(c.blockHeaderSize())
}

func (c *Config) ciphertextSize(plain int64) int64 {
	data := int64(c.blockDataSize())
	blockCount := (plain + data - 1) / data
	size := plain + blockCount*int64(c.blockHeaderSize())
	if c.UniqueIV {
		size += fileIVLen
	}
	return size
}
