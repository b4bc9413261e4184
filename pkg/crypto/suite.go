// Package crypto implements the symmetric cipher suites used for session
// traffic and the asymmetric operations used only while a session key is
// being negotiated (RSA-OAEP key wrap, ECDH P-384 + HKDF-SHA256).
//
// Every function is pure over its arguments and safe for concurrent use.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blowfish"
)

var (
	// ErrCrypto is the umbrella error for every failure in this package
	ErrCrypto = errors.New("crypto error")

	ErrInvalidKeySize    = fmt.Errorf("%w: invalid key size", ErrCrypto)
	ErrInvalidCiphertext = fmt.Errorf("%w: malformed ciphertext", ErrCrypto)
	ErrInvalidPadding    = fmt.Errorf("%w: padding mismatch", ErrCrypto)
	ErrUnsupportedSuite  = fmt.Errorf("%w: unsupported cipher suite", ErrCrypto)
	ErrInvalidPublicKey  = fmt.Errorf("%w: invalid public key", ErrCrypto)
	ErrUnwrapFailed      = fmt.Errorf("%w: key unwrap failed", ErrCrypto)
)

// Suite selects the block cipher used in CFB mode for session traffic
type Suite uint8

const (
	SuiteUnknown Suite = iota
	AES                // AES-256 (16/24/32-byte keys accepted)
	DES                // Triple DES, EDE3
	Blowfish
)

// Suites lists every supported suite in wire-name order
var Suites = []Suite{AES, DES, Blowfish}

// ParseSuite maps a wire name ("AES", "DES", "Blowfish") to a Suite.
// Matching is case-insensitive; "3DES" and "TripleDES" are accepted aliases.
func ParseSuite(name string) (Suite, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "AES":
		return AES, nil
	case "DES", "3DES", "TRIPLEDES":
		return DES, nil
	case "BLOWFISH":
		return Blowfish, nil
	default:
		return SuiteUnknown, fmt.Errorf("%w: %q", ErrUnsupportedSuite, name)
	}
}

// String returns the wire name of the suite
func (s Suite) String() string {
	switch s {
	case AES:
		return "AES"
	case DES:
		return "DES"
	case Blowfish:
		return "Blowfish"
	default:
		return "unknown"
	}
}

// BlockSize returns the cipher block size, which is also the IV size
func (s Suite) BlockSize() int {
	switch s {
	case AES:
		return aes.BlockSize
	case DES:
		return des.BlockSize
	case Blowfish:
		return blowfish.BlockSize
	default:
		return 0
	}
}

// KeySize returns the key length generated for (or derived for) this suite
func (s Suite) KeySize() int {
	switch s {
	case AES:
		return 32
	case DES:
		return 24
	case Blowfish:
		return 16
	default:
		return 0
	}
}

// GenerateKey returns a fresh random key of s.KeySize() bytes
func GenerateKey(s Suite) ([]byte, error) {
	size := s.KeySize()
	if size == 0 {
		return nil, ErrUnsupportedSuite
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: key generation: %v", ErrCrypto, err)
	}
	return key, nil
}

// ValidateKey reports whether key is usable with s
func (s Suite) ValidateKey(key []byte) error {
	_, err := s.newBlock(key)
	return err
}

// newBlock builds the block cipher for s, validating the key length
func (s Suite) newBlock(key []byte) (cipher.Block, error) {
	switch s {
	case AES:
		switch len(key) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("%w: AES needs 16, 24 or 32 bytes, got %d", ErrInvalidKeySize, len(key))
		}
		return aes.NewCipher(key)

	case DES:
		ede3, err := expandTripleDESKey(key)
		if err != nil {
			return nil, err
		}
		return des.NewTripleDESCipher(ede3)

	case Blowfish:
		if len(key) < 4 || len(key) > 56 {
			return nil, fmt.Errorf("%w: Blowfish needs 4..56 bytes, got %d", ErrInvalidKeySize, len(key))
		}
		block, err := blowfish.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
		}
		return block, nil

	default:
		return nil, ErrUnsupportedSuite
	}
}

// expandTripleDESKey turns 8 (K1), 16 (K1K2) or 24 (K1K2K3) byte keys into
// the 24-byte EDE3 form
func expandTripleDESKey(key []byte) ([]byte, error) {
	ede3 := make([]byte, 24)
	switch len(key) {
	case 8:
		copy(ede3[0:8], key)
		copy(ede3[8:16], key)
		copy(ede3[16:24], key)
	case 16:
		copy(ede3[0:16], key)
		copy(ede3[16:24], key[:8])
	case 24:
		copy(ede3, key)
	default:
		return nil, fmt.Errorf("%w: DES needs 8, 16 or 24 bytes, got %d", ErrInvalidKeySize, len(key))
	}
	return ede3, nil
}
