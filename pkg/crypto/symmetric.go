package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Mode selects how CFB is framed for a protocol variant.
type Mode struct {
	// RandomIV draws a fresh IV per call and prefixes it to the ciphertext.
	// When false the IV is all zeros and nothing is prefixed.
	RandomIV bool
	// Padding applies PKCS#7 padding to the suite block size before encrypting.
	Padding bool
}

var (
	// ChatMode is the wire-compatible chat variant: zero IV, no padding.
	// Every message under a key reuses the same keystream, so ciphertexts
	// leak the XOR of plaintexts. Kept for compatibility with deployed clients.
	ChatMode = Mode{}

	// HardenedChatMode keeps chat framing but uses a random, prefixed IV.
	// It is not wire compatible with ChatMode peers.
	HardenedChatMode = Mode{RandomIV: true}

	// FileMode is the file-transfer variant: random prefixed IV and PKCS#7.
	FileMode = Mode{RandomIV: true, Padding: true}
)

// Encrypt encrypts plaintext under key with suite in CFB mode.
func Encrypt(plaintext, key []byte, suite Suite, mode Mode) ([]byte, error) {
	block, err := suite.newBlock(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()

	data := plaintext
	if mode.Padding {
		data = pkcs7Pad(plaintext, bs)
	}

	iv := make([]byte, bs)
	if mode.RandomIV {
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, fmt.Errorf("%w: failed to generate IV: %v", ErrCrypto, err)
		}
	}

	prefix := 0
	if mode.RandomIV {
		prefix = bs
	}
	out := make([]byte, prefix+len(data))
	copy(out, iv[:prefix])

	// CFB is what existing peers speak; it is not authenticated.
	//lint:ignore SA1019 CFB is required for wire compatibility
	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(out[prefix:], data)

	return out, nil
}

// Decrypt reverses Encrypt. Truncated input, a wrong key (detected through
// padding in FileMode) or a bad pad all fail with an error wrapping ErrCrypto.
func Decrypt(ciphertext, key []byte, suite Suite, mode Mode) ([]byte, error) {
	block, err := suite.newBlock(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()

	iv := make([]byte, bs)
	body := ciphertext
	if mode.RandomIV {
		if len(ciphertext) < bs {
			return nil, fmt.Errorf("%w: %d bytes is shorter than the IV", ErrInvalidCiphertext, len(ciphertext))
		}
		copy(iv, ciphertext[:bs])
		body = ciphertext[bs:]
	}

	if mode.Padding && (len(body) == 0 || len(body)%bs != 0) {
		return nil, fmt.Errorf("%w: %d bytes is not a positive multiple of %d", ErrInvalidCiphertext, len(body), bs)
	}

	plaintext := make([]byte, len(body))
	//lint:ignore SA1019 CFB is required for wire compatibility
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(plaintext, body)

	if mode.Padding {
		return pkcs7Unpad(plaintext, bs)
	}
	return plaintext, nil
}

// EncryptChat encrypts a chat message with AES. hardened selects HardenedChatMode.
func EncryptChat(plaintext, key []byte, hardened bool) ([]byte, error) {
	return Encrypt(plaintext, key, AES, chatMode(hardened))
}

// DecryptChat decrypts a chat message with AES. hardened selects HardenedChatMode.
func DecryptChat(ciphertext, key []byte, hardened bool) ([]byte, error) {
	return Decrypt(ciphertext, key, AES, chatMode(hardened))
}

// EncryptFile encrypts a file-mode payload under the negotiated suite
func EncryptFile(plaintext, key []byte, suite Suite) ([]byte, error) {
	return Encrypt(plaintext, key, suite, FileMode)
}

// DecryptFile decrypts a file-mode payload under the negotiated suite
func DecryptFile(ciphertext, key []byte, suite Suite) ([]byte, error) {
	return Decrypt(ciphertext, key, suite, FileMode)
}

func chatMode(hardened bool) Mode {
	if hardened {
		return HardenedChatMode
	}
	return ChatMode
}

// pkcs7Pad always adds between 1 and blockSize bytes
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data), len(data)+n)
	copy(padded, data)
	return append(padded, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
