package encfs

import (
	"crypto/rand"
	"fmt"

	"github.com/absfs/absfs"
)

// Writer encrypts file content sequentially from offset zero. It is
// created by Volume.OpenWrite and implements io.WriteCloser; the final
// partial block is flushed on Close. A Writer is not safe for concurrent
// use.
type Writer struct {
	vol           *Volume
	dst           absfs.File
	path          string // plaintext path, for error reporting
	fileIV        []byte
	encHeader     []byte // encrypted header, emitted before the first block
	headerWritten bool
	blockIndex    uint64
	buf           []byte // one block; buf[:used] is header + pending data
	used          int
	closed        bool
	closeErr      error
}

// newWriter generates the per-file IV and prepares block encryption
// state. The plaintext IV bytes become the file IV; their stream-encrypted
// form is the 8-byte header that lands on disk.
func newWriter(v *Volume, dst absfs.File, plainPath string) (*Writer, error) {
	w := &Writer{
		vol:    v,
		dst:    dst,
		path:   plainPath,
		fileIV: make([]byte, fileIVLen),
		buf:    make([]byte, v.config.BlockSize),
		used:   v.config.blockHeaderSize(),
	}

	if v.config.UniqueIV {
		if _, err := rand.Read(w.fileIV); err != nil {
			return nil, fmt.Errorf("failed to generate file IV: %w", err)
		}
		encHeader, err := v.cr.streamEncrypt(v.contentIVSeed(plainPath), w.fileIV)
		if err != nil {
			return nil, err
		}
		w.encHeader = encHeader
	}

	return w, nil
}

// Write implements io.Writer, buffering into blocks and flushing each one
// as it fills.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}

	total := 0
	for len(p) > 0 {
		n := copy(w.buf[w.used:], p)
		w.used += n
		total += n
		p = p[n:]

		if w.used == len(w.buf) {
			if err := w.flushBlock(true); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// writeHeader emits the encrypted file header once, before the first
// block.
func (w *Writer) writeHeader() error {
	if w.headerWritten {
		return nil
	}
	w.headerWritten = true
	if w.encHeader == nil {
		return nil
	}
	_, err := w.dst.Write(w.encHeader)
	return err
}

// flushBlock fills the block header (random bytes, then the reversed MAC
// tail over the data payload), encrypts, and writes. Full all-zero blocks
// pass through untouched when holes are allowed; the final short block is
// stream-encrypted instead of block-encrypted.
func (w *Writer) flushBlock(full bool) error {
	if err := w.writeHeader(); err != nil {
		return err
	}

	cfg := w.vol.config
	headerSize := cfg.blockHeaderSize()

	if headerSize > 0 {
		if cfg.BlockMACRandBytes > 0 {
			if _, err := rand.Read(w.buf[cfg.BlockMACBytes:headerSize]); err != nil {
				return fmt.Errorf("failed to generate block header: %w", err)
			}
		}
		mac := w.vol.cr.mac64(w.buf[headerSize:w.used], nil)
		for i := 0; i < cfg.BlockMACBytes; i++ {
			w.buf[i] = mac[7-i]
		}
	}

	seed := blockSeed(w.fileIV, w.blockIndex)

	var ct []byte
	var err error
	switch {
	case full && cfg.AllowHoles && allZero(w.buf):
		ct = w.buf
	case full:
		ct, err = w.vol.cr.blockEncrypt(seed, w.buf)
	default:
		ct, err = w.vol.cr.streamEncrypt(seed, w.buf[:w.used])
	}
	if err != nil {
		return err
	}

	if _, err := w.dst.Write(ct); err != nil {
		return err
	}

	w.used = headerSize
	w.blockIndex++
	return nil
}

// Close flushes the pending partial block, writes the header even for
// empty files, and closes the backing writer.
func (w *Writer) Close() error {
	if w.closed {
		return w.closeErr
	}
	w.closed = true

	if w.used > w.vol.config.blockHeaderSize() {
		w.closeErr = w.flushBlock(false)
	} else {
		w.closeErr = w.writeHeader()
	}

	if err := w.dst.Close(); w.closeErr == nil {
		w.closeErr = err
	}
	return w.closeErr
}
