package encfs

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// checksumLen is the length of the mac32 checksum that doubles as the IV
// seed of the wrapped volume key.
const checksumLen = 4

// deriveCachedKey runs PBKDF2-HMAC-SHA1 over the password and returns the
// password key and password IV as one blob. The blob is the expensive part
// of unlocking a volume; callers may hold on to it (see Volume.CachedKey)
// and reopen without the password.
func deriveCachedKey(password []byte, c *Config) []byte {
	return pbkdf2.Key(password, c.Salt, c.KDFIterations, c.keySizeBytes()+volumeIVLen, sha1.New)
}

// unwrapKey decrypts the wrapped volume key using previously derived
// PBKDF2 output and returns a cryptor keyed with the volume key and IV.
func unwrapKey(cached []byte, c *Config) (*cryptor, error) {
	ks := c.keySizeBytes()
	if len(cached) != ks+volumeIVLen {
		return nil, newConfigError("cachedKey", fmt.Sprintf("expected %d bytes of derived key material, got %d", ks+volumeIVLen, len(cached)))
	}
	if len(c.WrappedKey) != checksumLen+ks+volumeIVLen {
		return nil, newConfigError("encodedKeyData", fmt.Sprintf("wrapped key must be %d bytes, got %d", checksumLen+ks+volumeIVLen, len(c.WrappedKey)))
	}

	passCryptor, err := newCryptor(cached[:ks], cached[ks:])
	if err != nil {
		return nil, err
	}

	seed := c.WrappedKey[:checksumLen]
	plain, err := passCryptor.streamDecrypt(seed, c.WrappedKey[checksumLen:])
	if err != nil {
		return nil, err
	}

	checksum := passCryptor.mac32(plain, nil)
	if subtle.ConstantTimeCompare(checksum, seed) != 1 {
		return nil, &InvalidPasswordError{}
	}

	return newCryptor(plain[:ks], plain[ks:])
}

// wrapKey generates a fresh random volume key and IV, encrypts them under
// the derived password key, and returns the volume cryptor together with
// the wrapped blob for the configuration file. The mac32 checksum of the
// plaintext key material serves as the blob's IV seed.
func wrapKey(cached []byte, c *Config) (*cryptor, []byte, error) {
	ks := c.keySizeBytes()
	if len(cached) != ks+volumeIVLen {
		return nil, nil, newConfigError("cachedKey", fmt.Sprintf("expected %d bytes of derived key material, got %d", ks+volumeIVLen, len(cached)))
	}

	plain := make([]byte, ks+volumeIVLen)
	if _, err := rand.Read(plain); err != nil {
		return nil, nil, fmt.Errorf("failed to generate volume key: %w", err)
	}

	passCryptor, err := newCryptor(cached[:ks], cached[ks:])
	if err != nil {
		return nil, nil, err
	}

	seed := passCryptor.mac32(plain, nil)
	ct, err := passCryptor.streamEncrypt(seed, plain)
	if err != nil {
		return nil, nil, err
	}

	volCryptor, err := newCryptor(plain[:ks], plain[ks:])
	if err != nil {
		return nil, nil, err
	}

	wrapped := make([]byte, 0, checksumLen+len(ct))
	wrapped = append(wrapped, seed...)
	wrapped = append(wrapped, ct...)
	return volCryptor, wrapped, nil
}
