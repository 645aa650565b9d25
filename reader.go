package encfs

import (
	"encoding/binary"
	"io"

	"github.com/absfs/absfs"
)

// blockSeed mixes the block index into the file IV to produce the IV seed
// for one content block. Indices start at zero for the first data block.
func blockSeed(fileIV []byte, blockIndex uint64) []byte {
	seed := make([]byte, fileIVLen)
	binary.BigEndian.PutUint64(seed, blockIndex^binary.BigEndian.Uint64(fileIV))
	return seed
}

// Reader decrypts file content sequentially. It is created by
// Volume.OpenRead and implements io.ReadCloser. A Reader is not safe for
// concurrent use.
type Reader struct {
	vol        *Volume
	src        absfs.File
	path       string // plaintext path, for error reporting
	fileIV     []byte
	blockIndex uint64
	raw        []byte // ciphertext block buffer
	buf        []byte // decrypted payload of the current block
	pos        int
	eof        bool
	closed     bool
}

// newReader reads the optional encrypted file header and prepares block
// decryption state.
func newReader(v *Volume, src absfs.File, plainPath string) (*Reader, error) {
	r := &Reader{
		vol:    v,
		src:    src,
		path:   plainPath,
		fileIV: make([]byte, fileIVLen),
		raw:    make([]byte, v.config.BlockSize),
	}

	if v.config.UniqueIV {
		header := make([]byte, fileIVLen)
		n, err := io.ReadFull(src, header)
		switch {
		case err == io.EOF && n == 0:
			// Zero-length backing file: nothing to decrypt.
			r.eof = true
		case err == io.ErrUnexpectedEOF:
			return nil, newCorruptDataError(plainPath, "truncated file header", nil)
		case err != nil:
			return nil, err
		default:
			fileIV, err := v.cr.streamDecrypt(v.contentIVSeed(plainPath), header)
			if err != nil {
				return nil, err
			}
			r.fileIV = fileIV
		}
	}

	return r, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}

	total := 0
	for total < len(p) {
		if r.pos >= len(r.buf) {
			if r.eof {
				break
			}
			if err := r.fill(); err != nil {
				return total, err
			}
			continue
		}
		n := copy(p[total:], r.buf[r.pos:])
		r.pos += n
		total += n
	}

	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// fill reads and decrypts the next ciphertext block. A full block goes
// through the block cipher (or passes through untouched when it is an
// allowed hole); a short tail goes through the stream cipher.
func (r *Reader) fill() error {
	n, err := io.ReadFull(r.src, r.raw)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		return err
	}
	if n == 0 {
		r.eof = true
		r.buf = nil
		r.pos = 0
		return nil
	}

	cfg := r.vol.config
	seed := blockSeed(r.fileIV, r.blockIndex)
	headerSize := cfg.blockHeaderSize()

	var plain []byte
	hole := false
	if n == cfg.BlockSize {
		if cfg.AllowHoles && allZero(r.raw) {
			// An all-zero ciphertext block decodes to an all-zero
			// plaintext block without touching the cipher.
			plain = make([]byte, n)
			hole = true
		} else {
			plain, err = r.vol.cr.blockDecrypt(seed, r.raw)
		}
	} else {
		plain, err = r.vol.cr.streamDecrypt(seed, r.raw[:n])
	}
	if err != nil {
		return &CorruptDataError{Path: r.path, BlockIdx: r.blockIndex, Message: "block decryption failed", Err: err}
	}
	if len(plain) < headerSize {
		return &CorruptDataError{Path: r.path, BlockIdx: r.blockIndex, Message: "block shorter than its header"}
	}

	if cfg.BlockMACBytes > 0 && !hole {
		mac := r.vol.cr.mac64(plain[headerSize:], nil)
		for i := 0; i < cfg.BlockMACBytes; i++ {
			if mac[7-i] != plain[i] {
				return &CorruptDataError{Path: r.path, BlockIdx: r.blockIndex, Message: "block MAC mismatch"}
			}
		}
	}

	r.buf = plain[headerSize:]
	r.pos = 0
	r.blockIndex++
	return nil
}

// Close releases the backing reader.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.src.Close()
}
