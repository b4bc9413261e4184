package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFInfo is the context string both peers feed into HKDF
const HKDFInfo = "handshake data"

// GenerateECDHKey generates an ephemeral key on P-384 (secp384r1)
func GenerateECDHKey() (*ecdh.PrivateKey, error) {
	key, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: ECDH key generation: %v", ErrCrypto, err)
	}
	return key, nil
}

// ParseECDHPublicKeyPEM decodes a P-384 public key in SubjectPublicKeyInfo PEM form
func ParseECDHPublicKeyPEM(data []byte) (*ecdh.PublicKey, error) {
	pub, err := parsePKIXPEM(data)
	if err != nil {
		return nil, err
	}

	var ecdhPub *ecdh.PublicKey
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		// x509 returns EC keys as ECDSA keys
		ecdhPub, err = k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
	case *ecdh.PublicKey:
		ecdhPub = k
	default:
		return nil, fmt.Errorf("%w: expected EC key, got %T", ErrInvalidPublicKey, pub)
	}

	if ecdhPub.Curve() != ecdh.P384() {
		return nil, fmt.Errorf("%w: peer key is not on P-384", ErrInvalidPublicKey)
	}
	return ecdhPub, nil
}

// DeriveSessionKey runs ECDH against the peer's share and stretches the shared
// secret with HKDF-SHA256 (no salt, info HKDFInfo) into size bytes
func DeriveSessionKey(priv *ecdh.PrivateKey, peer *ecdh.PublicKey, size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidKeySize
	}

	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: shared secret: %v", ErrCrypto, err)
	}

	kdf := hkdf.New(sha256.New, shared, nil, []byte(HKDFInfo))
	key := make([]byte, size)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: HKDF key derivation failed: %v", ErrCrypto, err)
	}
	return key, nil
}
