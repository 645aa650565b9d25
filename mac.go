package encfs

import (
	"crypto/hmac"
	"crypto/sha1"
)

// Truncated HMAC-SHA1 MACs. The chain argument is the explicit chain
// state threaded through path walks: when non-empty it is appended to the
// input in reverse byte order before hashing, and the 8-byte result is
// copied back into it so the caller's chain advances. A nil or empty
// chain means "don't chain".

// mac64 folds a 20-byte HMAC-SHA1 digest into 8 bytes by XOR. Only the
// first 19 digest bytes participate; EncFS discards the final byte, and
// wire compatibility requires doing the same.
func (c *cryptor) mac64(data, chain []byte) []byte {
	h := hmac.New(sha1.New, c.hmacKey)
	h.Write(data)
	if len(chain) > 0 {
		rev := make([]byte, len(chain))
		for i, b := range chain {
			rev[len(chain)-1-i] = b
		}
		h.Write(rev)
	}
	sum := h.Sum(nil)

	out := make([]byte, 8)
	for i := 0; i < 19; i++ {
		out[i%8] ^= sum[i]
	}

	if len(chain) > 0 {
		copy(chain, out)
	}
	return out
}

// mac32 folds mac64 into 4 bytes by XOR of its halves.
func (c *cryptor) mac32(data, chain []byte) []byte {
	m := c.mac64(data, chain)
	out := make([]byte, 4)
	for i := 0; i < 8; i++ {
		out[i%4] ^= m[i]
	}
	return out
}

// mac16 folds mac32 into 2 bytes by XOR of its halves.
func (c *cryptor) mac16(data, chain []byte) []byte {
	m := c.mac32(data, chain)
	out := make([]byte, 2)
	for i := 0; i < 4; i++ {
		out[i%2] ^= m[i]
	}
	return out
}
