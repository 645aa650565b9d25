package encfs

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"github.com/absfs/absfs"
)

const (
	// ConfigFileName is the volume configuration file, stored at the
	// volume root and filtered out of directory listings.
	ConfigFileName = ".encfs6.xml"

	// configVersion is the on-disk format revision written into new
	// configuration files.
	configVersion = 20100713

	creatorName = "encfs (github.com/absfs/encfs)"

	cipherAlgName = "ssl/aes"
)

// legacyConfigFileNames are configuration files of format revisions this
// package does not support.
var legacyConfigFileNames = []string{".encfs5", ".encfs4", ".encfs3", ".encfs2", ".encfs"}

// NameAlgorithm selects how filenames are encrypted.
type NameAlgorithm uint8

const (
	// NameBlock encrypts padded filenames with the block cipher.
	NameBlock NameAlgorithm = iota
	// NameStream encrypts filenames with the stream cipher, unpadded.
	NameStream
	// NameNull leaves filenames in the clear.
	NameNull
)

// String returns the wire name of the algorithm as it appears in the
// configuration file.
func (a NameAlgorithm) String() string {
	switch a {
	case NameBlock:
		return "nameio/block"
	case NameStream:
		return "nameio/stream"
	case NameNull:
		return "nameio/null"
	default:
		return "unknown"
	}
}

func parseNameAlgorithm(s string) (NameAlgorithm, error) {
	switch s {
	case "nameio/block":
		return NameBlock, nil
	case "nameio/stream":
		return NameStream, nil
	case "nameio/null":
		return NameNull, nil
	default:
		return 0, &UnsupportedError{Feature: "nameAlg", Message: fmt.Sprintf("unknown filename algorithm %q", s)}
	}
}

// Config describes an EncFS volume. It is immutable once the volume is
// open.
type Config struct {
	// NameAlgorithm is the filename encryption mode.
	NameAlgorithm NameAlgorithm

	// KeySizeBits is the volume key size; 128, 192, or 256.
	KeySizeBits int

	// BlockSize is the ciphertext block size in bytes, a multiple of 16.
	BlockSize int

	// UniqueIV stores an encrypted 8-byte IV at the start of each file.
	UniqueIV bool

	// ChainedNameIV makes each filename's encryption depend on its
	// cleartext ancestor names.
	ChainedNameIV bool

	// ExternalIVChaining makes file contents depend on the file's
	// cleartext path. Requires ChainedNameIV and UniqueIV.
	ExternalIVChaining bool

	// AllowHoles passes all-zero blocks through unencrypted so sparse
	// regions survive.
	AllowHoles bool

	// BlockMACBytes prefixes each content block with this many truncated
	// MAC bytes, 0 to 8.
	BlockMACBytes int

	// BlockMACRandBytes adds this many random bytes to each block header
	// after the MAC.
	BlockMACRandBytes int

	// KDFIterations is the PBKDF2 round count.
	KDFIterations int

	// Salt is the PBKDF2 salt.
	Salt []byte

	// WrappedKey is the encrypted volume key blob: a 4-byte checksum
	// seed followed by the stream-encrypted key and volume IV.
	WrappedKey []byte
}

// DefaultConfig returns the configuration used for new volumes: block
// filename encryption with chained IVs, a 192-bit key, 1024-byte blocks,
// per-file IVs, and hole preservation.
func DefaultConfig() *Config {
	return &Config{
		NameAlgorithm: NameBlock,
		KeySizeBits:   192,
		BlockSize:     1024,
		UniqueIV:      true,
		ChainedNameIV: true,
		AllowHoles:    true,
		KDFIterations: 5000,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.KeySizeBits <= 0 || c.KeySizeBits%8 != 0 {
		return newConfigError("keySize", fmt.Sprintf("key size %d is not a positive multiple of 8", c.KeySizeBits))
	}
	if c.BlockSize <= 0 || c.BlockSize%16 != 0 {
		return newConfigError("blockSize", fmt.Sprintf("block size %d is not a positive multiple of 16", c.BlockSize))
	}
	if c.BlockMACBytes < 0 || c.BlockMACBytes > 8 {
		return newConfigError("blockMACBytes", fmt.Sprintf("MAC length %d out of range 0..8", c.BlockMACBytes))
	}
	if c.BlockMACRandBytes < 0 {
		return newConfigError("blockMACRandBytes", "random byte count cannot be negative")
	}
	if c.blockHeaderSize() >= c.BlockSize {
		return newConfigError("blockMACBytes", "block header leaves no room for data")
	}
	if c.ExternalIVChaining && (!c.ChainedNameIV || !c.UniqueIV) {
		return newConfigError("externalIVChaining", "requires chainedNameIV and uniqueIV")
	}
	if c.KDFIterations <= 0 {
		return newConfigError("kdfIterations", "iteration count must be positive")
	}
	return nil
}

// keySizeBytes returns the volume key length in bytes.
func (c *Config) keySizeBytes() int {
	return c.KeySizeBits / 8
}

// blockHeaderSize returns the per-block header length: MAC bytes plus
// random filler bytes.
func (c *Config) blockHeaderSize() int {
	return c.BlockMACBytes + c.BlockMACRandBytes
}

// blockDataSize returns the plaintext payload capacity of one block.
func (c *Config) blockDataSize() int {
	return c.BlockSize - c.blockHeaderSize()
}

// On-disk XML representation. The reference C++ implementation wraps the
// <cfg> element in a <boost_serialization> envelope; files written by this
// package are rooted at <cfg> directly, and both forms are accepted on
// read.

type xmlAlgorithm struct {
	Name  string `xml:"name"`
	Major int    `xml:"major"`
	Minor int    `xml:"minor"`
}

type xmlConfig struct {
	XMLName            xml.Name     `xml:"cfg"`
	Version            int          `xml:"version"`
	Creator            string       `xml:"creator"`
	CipherAlg          xmlAlgorithm `xml:"cipherAlg"`
	NameAlg            xmlAlgorithm `xml:"nameAlg"`
	KeySize            int          `xml:"keySize"`
	BlockSize          int          `xml:"blockSize"`
	UniqueIV           int          `xml:"uniqueIV"`
	ChainedNameIV      int          `xml:"chainedNameIV"`
	ExternalIVChaining int          `xml:"externalIVChaining"`
	BlockMACBytes      int          `xml:"blockMACBytes"`
	BlockMACRandBytes  int          `xml:"blockMACRandBytes"`
	AllowHoles         int          `xml:"allowHoles"`
	EncodedKeySize     int          `xml:"encodedKeySize"`
	EncodedKeyData     string       `xml:"encodedKeyData"`
	SaltLen            int          `xml:"saltLen"`
	SaltData           string       `xml:"saltData"`
	KDFIterations      int          `xml:"kdfIterations"`
	DesiredKDFDuration int          `xml:"desiredKDFDuration"`
}

type xmlBoostEnvelope struct {
	XMLName xml.Name  `xml:"boost_serialization"`
	Cfg     xmlConfig `xml:"cfg"`
}

// parseConfig decodes a configuration document from raw XML.
func parseConfig(data []byte) (*Config, error) {
	var xc xmlConfig
	if err := xml.Unmarshal(data, &xc); err != nil {
		var env xmlBoostEnvelope
		if err2 := xml.Unmarshal(data, &env); err2 != nil {
			return nil, &ConfigError{Message: "unparseable configuration file", Err: err}
		}
		xc = env.Cfg
	}

	alg, err := parseNameAlgorithm(xc.NameAlg.Name)
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(xc.SaltData)
	if err != nil {
		return nil, &ConfigError{Field: "saltData", Message: "invalid base64", Err: err}
	}
	wrapped, err := base64.StdEncoding.DecodeString(xc.EncodedKeyData)
	if err != nil {
		return nil, &ConfigError{Field: "encodedKeyData", Message: "invalid base64", Err: err}
	}

	if xc.SaltLen != 0 && xc.SaltLen != len(salt) {
		return nil, newConfigError("saltLen", fmt.Sprintf("declared length %d does not match %d salt bytes", xc.SaltLen, len(salt)))
	}
	if xc.EncodedKeySize != 0 && xc.EncodedKeySize != len(wrapped) {
		return nil, newConfigError("encodedKeySize", fmt.Sprintf("declared length %d does not match %d key bytes", xc.EncodedKeySize, len(wrapped)))
	}

	cfg := &Config{
		NameAlgorithm:      alg,
		KeySizeBits:        xc.KeySize,
		BlockSize:          xc.BlockSize,
		UniqueIV:           xc.UniqueIV != 0,
		ChainedNameIV:      xc.ChainedNameIV != 0,
		ExternalIVChaining: xc.ExternalIVChaining != 0,
		AllowHoles:         xc.AllowHoles != 0,
		BlockMACBytes:      xc.BlockMACBytes,
		BlockMACRandBytes:  xc.BlockMACRandBytes,
		KDFIterations:      xc.KDFIterations,
		Salt:               salt,
		WrappedKey:         wrapped,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// marshalConfig encodes a configuration document as XML.
func marshalConfig(c *Config) ([]byte, error) {
	boolInt := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}

	xc := xmlConfig{
		Version:            configVersion,
		Creator:            creatorName,
		CipherAlg:          xmlAlgorithm{Name: cipherAlgName, Major: 3},
		NameAlg:            xmlAlgorithm{Name: c.NameAlgorithm.String(), Major: 4},
		KeySize:            c.KeySizeBits,
		BlockSize:          c.BlockSize,
		UniqueIV:           boolInt(c.UniqueIV),
		ChainedNameIV:      boolInt(c.ChainedNameIV),
		ExternalIVChaining: boolInt(c.ExternalIVChaining),
		BlockMACBytes:      c.BlockMACBytes,
		BlockMACRandBytes:  c.BlockMACRandBytes,
		AllowHoles:         boolInt(c.AllowHoles),
		EncodedKeySize:     len(c.WrappedKey),
		EncodedKeyData:     base64.StdEncoding.EncodeToString(c.WrappedKey),
		SaltLen:            len(c.Salt),
		SaltData:           base64.StdEncoding.EncodeToString(c.Salt),
		KDFIterations:      c.KDFIterations,
	}

	body, err := xml.MarshalIndent(&xc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}

// loadConfig reads and parses the volume configuration from the backing
// store root. Legacy configuration files are reported as unsupported.
func loadConfig(fs absfs.FileSystem) (*Config, error) {
	for _, name := range legacyConfigFileNames {
		if _, err := fs.Stat("/" + name); err == nil {
			return nil, &UnsupportedError{Feature: name, Message: "volume uses an old configuration format"}
		}
	}

	f, err := fs.Open("/" + ConfigFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigError{Message: "no " + ConfigFileName + " at the volume root", Err: err}
		}
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return parseConfig(data)
}

// saveConfig writes the volume configuration to the backing store root.
func saveConfig(fs absfs.FileSystem, c *Config) error {
	data, err := marshalConfig(c)
	if err != nil {
		return err
	}

	f, err := fs.Create("/" + ConfigFileName)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
