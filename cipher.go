package encfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"fmt"
)

const (
	// volumeIVLen is the length of the volume initialisation vector that
	// follows the AES key in the unwrapped key blob.
	volumeIVLen = 16

	// fileIVLen is the length of the per-file IV stored encrypted at the
	// start of header-bearing files, and of the chained name IV.
	fileIVLen = 8

	// flipSegmentLen is the segment length of the byte-flip transform
	// applied between the two stream cipher rounds. Fixed at 64 bytes
	// regardless of the volume block size.
	flipSegmentLen = 64
)

// cryptor owns one set of AES key material and performs every cipher and
// MAC operation of the EncFS format. CBC and CFB contexts are built per
// operation from the stateless AES block, so a cryptor may be shared by
// concurrent readers and writers.
type cryptor struct {
	block   cipher.Block // AES block cipher keyed with the volume or password key
	iv      []byte       // 16-byte volume IV
	hmacKey []byte       // HMAC-SHA1 key; same bytes as the AES key
}

// newCryptor builds a cryptor from raw key material. The key must be a
// valid AES key length (16, 24, or 32 bytes) and the IV exactly 16 bytes.
func newCryptor(key, iv []byte) (*cryptor, error) {
	if len(iv) != volumeIVLen {
		return nil, newConfigError("volumeIV", fmt.Sprintf("IV must be %d bytes, got %d", volumeIVLen, len(iv)))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newConfigError("volumeKey", fmt.Sprintf("invalid AES key length %d", len(key)))
	}

	return &cryptor{
		block:   block,
		iv:      append([]byte(nil), iv...),
		hmacKey: append([]byte(nil), key...),
	}, nil
}

// deriveIV derives the 16-byte AES IV for one cipher operation from the
// volume IV and a 4- or 8-byte seed. The seed bytes are appended to the
// volume IV in reverse order (4-byte seeds are zero-extended) and the
// concatenation is HMAC-SHA1'd; the first 16 digest bytes are the IV.
func (c *cryptor) deriveIV(seed []byte) ([]byte, error) {
	if len(seed) != 4 && len(seed) != 8 {
		return nil, &UnsupportedError{Feature: "iv seed", Message: fmt.Sprintf("seed must be 4 or 8 bytes, got %d", len(seed))}
	}

	concat := make([]byte, volumeIVLen+8)
	copy(concat, c.iv)
	for i, b := range seed {
		concat[volumeIVLen+len(seed)-1-i] = b
	}

	h := hmac.New(sha1.New, c.hmacKey)
	h.Write(concat)
	return h.Sum(nil)[:16], nil
}

// incrementSeed returns seed+1 as a big-endian unsigned integer of the
// same length, wrapping on overflow.
func incrementSeed(seed []byte) []byte {
	out := append([]byte(nil), seed...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

// blockEncrypt encrypts data in a single AES-CBC pass under the IV derived
// from seed. The data length must be a multiple of the AES block size;
// padding is the caller's concern.
func (c *cryptor) blockEncrypt(seed, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, newCorruptDataError("", fmt.Sprintf("block length %d is not a multiple of %d", len(data), aes.BlockSize), nil)
	}

	iv, err := c.deriveIV(seed)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, data)
	return out, nil
}

// blockDecrypt is the inverse of blockEncrypt.
func (c *cryptor) blockDecrypt(seed, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, newCorruptDataError("", fmt.Sprintf("block length %d is not a multiple of %d", len(data), aes.BlockSize), nil)
	}

	iv, err := c.deriveIV(seed)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, data)
	return out, nil
}

// streamEncrypt encrypts data of any length with the EncFS stream
// construction: shuffle, AES-CFB under the seed IV, 64-byte segment flip,
// shuffle again, AES-CFB under the seed+1 IV. Length is preserved.
func (c *cryptor) streamEncrypt(seed, plain []byte) ([]byte, error) {
	buf := append([]byte(nil), plain...)
	if len(buf) == 0 {
		return buf, nil
	}

	shuffle(buf)

	iv, err := c.deriveIV(seed)
	if err != nil {
		return nil, err
	}
	cipher.NewCFBEncrypter(c.block, iv).XORKeyStream(buf, buf)

	buf = flipSegments(buf)
	shuffle(buf)

	iv, err = c.deriveIV(incrementSeed(seed))
	if err != nil {
		return nil, err
	}
	cipher.NewCFBEncrypter(c.block, iv).XORKeyStream(buf, buf)

	return buf, nil
}

// streamDecrypt is the inverse of streamEncrypt.
func (c *cryptor) streamDecrypt(seed, data []byte) ([]byte, error) {
	buf := append([]byte(nil), data...)
	if len(buf) == 0 {
		return buf, nil
	}

	iv, err := c.deriveIV(incrementSeed(seed))
	if err != nil {
		return nil, err
	}
	cipher.NewCFBDecrypter(c.block, iv).XORKeyStream(buf, buf)

	unshuffle(buf)
	buf = flipSegments(buf)

	iv, err = c.deriveIV(seed)
	if err != nil {
		return nil, err
	}
	cipher.NewCFBDecrypter(c.block, iv).XORKeyStream(buf, buf)

	unshuffle(buf)

	return buf, nil
}

// shuffle XORs each byte with its predecessor, front to back.
func shuffle(b []byte) {
	for i := 1; i < len(b); i++ {
		b[i] ^= b[i-1]
	}
}

// unshuffle reverses shuffle by walking back to front.
func unshuffle(b []byte) {
	for i := len(b) - 1; i >= 1; i-- {
		b[i] ^= b[i-1]
	}
}

// flipSegments reverses each consecutive 64-byte segment of b; the final
// segment may be shorter. Returns a new slice.
func flipSegments(b []byte) []byte {
	out := make([]byte, len(b))
	for start := 0; start < len(b); start += flipSegmentLen {
		end := start + flipSegmentLen
		if end > len(b) {
			end = len(b)
		}
		for i := start; i < end; i++ {
			out[i] = b[end-1-(i-start)]
		}
	}
	return out
}

// allZero reports whether every byte of b is zero.
func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
