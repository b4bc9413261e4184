package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const (
	// DefaultRSABits matches the key size deployed clients expect
	DefaultRSABits = 2048

	pemPublicKeyType = "PUBLIC KEY"
)

// GenerateRSAKey generates the server's long-lived key pair
func GenerateRSAKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultRSABits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: RSA key generation: %v", ErrCrypto, err)
	}
	return key, nil
}

// MarshalPublicKeyPEM encodes any PKIX-capable public key (RSA or ECDH) as a
// "PUBLIC KEY" PEM block (SubjectPublicKeyInfo)
func MarshalPublicKeyPEM(pub any) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublicKeyType, Bytes: der}), nil
}

// parsePKIXPEM decodes a "PUBLIC KEY" PEM block
func parsePKIXPEM(data []byte) (any, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPublicKey)
	}
	if block.Type != pemPublicKeyType {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPublicKey, block.Type)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// ParseRSAPublicKeyPEM decodes an RSA public key in SubjectPublicKeyInfo PEM form
func ParseRSAPublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	pub, err := parsePKIXPEM(data)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected RSA key, got %T", ErrInvalidPublicKey, pub)
	}
	return rsaPub, nil
}

// WrapKey encrypts a raw symmetric key with RSA-OAEP (SHA-256, MGF1-SHA-256, no label)
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: key wrap: %v", ErrCrypto, err)
	}
	return wrapped, nil
}

// UnwrapKey decrypts a key produced by WrapKey
func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return key, nil
}
