// Package secretbox implements the authenticated-encryption envelope every
// secret in the credential vault is stored in: base64(IV ‖ tag ‖ ciphertext)
// under AES-256-GCM with a 16-byte IV and 16-byte tag.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the required master key length in bytes.
	KeySize = 32

	ivSize  = 16
	tagSize = 16
)

// ErrDecryptionFailed covers every failure mode of Open: short input, bad
// base64, wrong key, tampered blob. Decryption fails closed; no partial
// plaintext is ever returned.
var ErrDecryptionFailed = errors.New("secretbox: decryption failed")

// ErrInvalidKey indicates a key of the wrong length.
var ErrInvalidKey = errors.New("secretbox: key must be 32 bytes")

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}

// Seal encrypts plaintext under key with a fresh random IV. Two calls with
// identical inputs never produce identical output.
func Seal(plaintext, key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("iv gen: %w", err)
	}

	// gcm appends the tag after the ciphertext; the wire format wants it
	// between the IV and the ciphertext.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	buf := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	buf = append(buf, iv...)
	buf = append(buf, tag...)
	buf = append(buf, ciphertext...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Open decrypts a blob produced by Seal.
func Open(blob string, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(raw) < ivSize+tagSize {
		return nil, ErrDecryptionFailed
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ciphertext := raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
