package encfs

import (
	"bytes"
	"sort"
	"testing"
)

func TestCreateAndReopen(t *testing.T) {
	vol, base := newTestVolume(t, nil)

	// keySize=192 unwraps to a 24-byte key and a 16-byte IV.
	if len(vol.cr.hmacKey) != 24 {
		t.Errorf("volume key length = %d, want 24", len(vol.cr.hmacKey))
	}
	if len(vol.cr.iv) != 16 {
		t.Errorf("volume IV length = %d, want 16", len(vol.cr.iv))
	}

	writeVolumeFile(t, vol, "/hello.txt", []byte("hello world"))

	reopened, err := Open(base, []byte("test-password"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := readVolumeFile(t, reopened, "/hello.txt"); string(got) != "hello world" {
		t.Errorf("reopened volume read %q", got)
	}

	if _, err := Open(base, []byte("wrong")); !IsInvalidPassword(err) {
		t.Errorf("wrong password: got %v, want invalid password", err)
	}
}

func TestOpenCached(t *testing.T) {
	vol, base := newTestVolume(t, nil)
	writeVolumeFile(t, vol, "/f.txt", []byte("cached reopen"))

	cached := vol.CachedKey()
	reopened, err := OpenCached(base, cached)
	if err != nil {
		t.Fatalf("OpenCached failed: %v", err)
	}
	if got := readVolumeFile(t, reopened, "/f.txt"); string(got) != "cached reopen" {
		t.Errorf("read %q", got)
	}

	// Tampered key material must not unlock the volume.
	cached[0] ^= 0x01
	if _, err := OpenCached(base, cached); !IsInvalidPassword(err) {
		t.Errorf("tampered cache: got %v, want invalid password", err)
	}
}

func TestListAndFilter(t *testing.T) {
	vol, base := newTestVolume(t, nil)

	if err := vol.MakeDirs("/docs/archive"); err != nil {
		t.Fatalf("MakeDirs failed: %v", err)
	}
	writeVolumeFile(t, vol, "/docs/a.txt", []byte("a"))
	writeVolumeFile(t, vol, "/docs/b.txt", []byte("bb"))
	writeVolumeFile(t, vol, "/top.txt", []byte("top"))

	// An extraneous backing file whose name is not valid ciphertext is
	// skipped, as is the configuration file at the root.
	f, err := base.Create("/stray file!")
	if err != nil {
		t.Fatalf("create stray failed: %v", err)
	}
	f.Close()

	rootNames := listNames(t, vol, "/")
	wantRoot := []string{"docs", "top.txt"}
	if !equalStrings(rootNames, wantRoot) {
		t.Errorf("root listing = %v, want %v", rootNames, wantRoot)
	}

	docNames := listNames(t, vol, "/docs")
	wantDocs := []string{"a.txt", "archive", "b.txt"}
	if !equalStrings(docNames, wantDocs) {
		t.Errorf("docs listing = %v, want %v", docNames, wantDocs)
	}

	entries, err := vol.List("/docs")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, e := range entries {
		if e.Name == "b.txt" && e.Size != 2 {
			t.Errorf("b.txt size = %d, want 2", e.Size)
		}
		if e.Name == "archive" && !e.IsDir {
			t.Error("archive is not a directory")
		}
	}
}

func listNames(t *testing.T, vol *Volume, dir string) []string {
	t.Helper()
	entries, err := vol.List(dir)
	if err != nil {
		t.Fatalf("List(%q) failed: %v", dir, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	sort.Strings(names)
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFileNotFound(t *testing.T) {
	vol, _ := newTestVolume(t, nil)
	if _, err := vol.File("/missing.txt"); !IsNotFound(err) {
		t.Errorf("got %v, want not found", err)
	}
	if _, err := vol.OpenRead("/missing.txt"); !IsNotFound(err) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestDelete(t *testing.T) {
	vol, _ := newTestVolume(t, nil)

	if err := vol.MakeDirs("/d/sub"); err != nil {
		t.Fatalf("MakeDirs failed: %v", err)
	}
	writeVolumeFile(t, vol, "/d/sub/f.txt", []byte("x"))

	if err := vol.Delete("/d", false); err == nil {
		t.Error("non-recursive delete of a populated directory succeeded")
	}
	if err := vol.Delete("/d", true); err != nil {
		t.Fatalf("recursive delete failed: %v", err)
	}
	if _, err := vol.File("/d"); !IsNotFound(err) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestMoveFile(t *testing.T) {
	vol, _ := newTestVolume(t, nil)

	writeVolumeFile(t, vol, "/old.txt", []byte("contents"))
	if err := vol.Move("/old.txt", "/new.txt"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}

	if got := readVolumeFile(t, vol, "/new.txt"); string(got) != "contents" {
		t.Errorf("read %q", got)
	}
	if _, err := vol.File("/old.txt"); !IsNotFound(err) {
		t.Errorf("source still resolves: %v", err)
	}
}

func TestMoveDirectoryChainedIV(t *testing.T) {
	// With chained name IVs, children's ciphertext names depend on
	// ancestor cleartext, so a directory move rewrites the tree.
	vol, _ := newTestVolume(t, nil)

	if err := vol.MakeDirs("/d1/sub"); err != nil {
		t.Fatalf("MakeDirs failed: %v", err)
	}
	writeVolumeFile(t, vol, "/d1/sub/f.txt", []byte("deep file"))

	if err := vol.Move("/d1", "/d2"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}

	if got := readVolumeFile(t, vol, "/d2/sub/f.txt"); string(got) != "deep file" {
		t.Errorf("read %q", got)
	}
	if _, err := vol.File("/d1"); !IsNotFound(err) {
		t.Errorf("source still resolves: %v", err)
	}
}

func TestMoveOntoExisting(t *testing.T) {
	vol, _ := newTestVolume(t, nil)
	writeVolumeFile(t, vol, "/a", []byte("a"))
	writeVolumeFile(t, vol, "/b", []byte("b"))

	if err := vol.Move("/a", "/b"); err != ErrExists {
		t.Errorf("got %v, want ErrExists", err)
	}
}

func TestCopyFile(t *testing.T) {
	vol, _ := newTestVolume(t, nil)

	plain := bytes.Repeat([]byte{0x5C}, 3000)
	writeVolumeFile(t, vol, "/src.bin", plain)

	if err := vol.Copy("/src.bin", "/dst.bin"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	if got := readVolumeFile(t, vol, "/dst.bin"); !bytes.Equal(got, plain) {
		t.Error("copy mismatch")
	}
	if got := readVolumeFile(t, vol, "/src.bin"); !bytes.Equal(got, plain) {
		t.Error("source damaged by copy")
	}
}

func TestCopyAndMoveExternalIVChaining(t *testing.T) {
	// With external IV chaining the file IV depends on the path, so
	// copy and move re-encrypt contents.
	vol, _ := newTestVolume(t, func(c *Config) {
		c.ExternalIVChaining = true
	})

	plain := []byte("path-bound content")
	writeVolumeFile(t, vol, "/orig.txt", plain)

	if err := vol.Copy("/orig.txt", "/copied.txt"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if got := readVolumeFile(t, vol, "/copied.txt"); !bytes.Equal(got, plain) {
		t.Error("copied file unreadable at its new path")
	}

	if err := vol.Move("/orig.txt", "/moved.txt"); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if got := readVolumeFile(t, vol, "/moved.txt"); !bytes.Equal(got, plain) {
		t.Error("moved file unreadable at its new path")
	}
	if _, err := vol.File("/orig.txt"); !IsNotFound(err) {
		t.Errorf("source still resolves: %v", err)
	}

	// Directory trees rewrite recursively.
	if err := vol.MakeDirs("/tree/inner"); err != nil {
		t.Fatalf("MakeDirs failed: %v", err)
	}
	writeVolumeFile(t, vol, "/tree/inner/leaf.txt", plain)
	if err := vol.Move("/tree", "/moved-tree"); err != nil {
		t.Fatalf("directory Move failed: %v", err)
	}
	if got := readVolumeFile(t, vol, "/moved-tree/inner/leaf.txt"); !bytes.Equal(got, plain) {
		t.Error("moved tree leaf unreadable")
	}
}

func TestCopyDirectory(t *testing.T) {
	vol, _ := newTestVolume(t, nil)

	if err := vol.MakeDirs("/a/b"); err != nil {
		t.Fatalf("MakeDirs failed: %v", err)
	}
	writeVolumeFile(t, vol, "/a/top.txt", []byte("one"))
	writeVolumeFile(t, vol, "/a/b/deep.txt", []byte("two"))

	if err := vol.Copy("/a", "/c"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	if got := readVolumeFile(t, vol, "/c/top.txt"); string(got) != "one" {
		t.Errorf("read %q", got)
	}
	if got := readVolumeFile(t, vol, "/c/b/deep.txt"); string(got) != "two" {
		t.Errorf("read %q", got)
	}
}

func TestNullNameVolume(t *testing.T) {
	vol, base := newTestVolume(t, func(c *Config) {
		c.NameAlgorithm = NameNull
		c.ChainedNameIV = false
	})

	writeVolumeFile(t, vol, "/visible.txt", []byte("clear name"))

	// The backing store sees the plaintext name.
	if _, err := base.Stat("/visible.txt"); err != nil {
		t.Errorf("backing name not plaintext: %v", err)
	}

	// The configuration file stays out of listings even in null mode.
	names := listNames(t, vol, "/")
	if !equalStrings(names, []string{"visible.txt"}) {
		t.Errorf("listing = %v", names)
	}
}

func TestEncodeDecodePathThroughVolume(t *testing.T) {
	vol, _ := newTestVolume(t, nil)

	enc, err := vol.EncodePath("/a/b/c.txt")
	if err != nil {
		t.Fatalf("EncodePath failed: %v", err)
	}
	got, err := vol.DecodePath(enc)
	if err != nil {
		t.Fatalf("DecodePath failed: %v", err)
	}
	if got != "/a/b/c.txt" {
		t.Errorf("round trip = %q", got)
	}
}

func TestProgressCallback(t *testing.T) {
	vol, _ := newTestVolume(t, nil)

	writeVolumeFile(t, vol, "/big.bin", make([]byte, 100*1024))

	var calls int
	var last int64
	vol.SetProgress(func(path string, copied, total int64) {
		calls++
		last = copied
	})

	if err := vol.Copy("/big.bin", "/big2.bin"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if calls == 0 {
		t.Error("progress callback never fired")
	}
	if last == 0 {
		t.Error("progress callback never reported bytes")
	}
}
