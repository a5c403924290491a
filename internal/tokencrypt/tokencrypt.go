// Package tokencrypt protects provider tokens at rest with authenticated encryption.
//
// Ciphertexts are AES-256-GCM with a random 96-bit nonce per call and a
// 128-bit authentication tag. The context variants bind a ciphertext to an
// owner string via additional authenticated data, so a blob copied between
// rows fails to decrypt under the wrong owner.
package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

var (
	// ErrKeySize indicates a missing or mis-sized master key.
	ErrKeySize = errors.New("tokencrypt: master key must be exactly 32 bytes")
	// ErrDecrypt indicates a failed authentication tag or context mismatch.
	ErrDecrypt = errors.New("tokencrypt: decryption failed")
	// ErrMalformed indicates a blob too short to carry a nonce and tag.
	ErrMalformed = errors.New("tokencrypt: malformed ciphertext blob")
)

// EncryptedToken is the at-rest representation of a protected token.
//
// Ciphertext carries the GCM authentication tag in its final 16 bytes. The
// plaintext is recoverable only with the service master key, and only under
// the context the token was encrypted with.
type EncryptedToken struct {
	Nonce      []byte
	Ciphertext []byte
}

// Marshal flattens the token into a single storable blob (nonce || ciphertext).
func (t EncryptedToken) Marshal() []byte {
	blob := make([]byte, 0, len(t.Nonce)+len(t.Ciphertext))
	blob = append(blob, t.Nonce...)
	return append(blob, t.Ciphertext...)
}

// UnmarshalEncryptedToken splits a stored blob back into nonce and ciphertext.
func UnmarshalEncryptedToken(blob []byte) (EncryptedToken, error) {
	// 12-byte nonce plus at least a 16-byte tag.
	if len(blob) < 12+16 {
		return EncryptedToken{}, ErrMalformed
	}
	return EncryptedToken{
		Nonce:      append([]byte(nil), blob[:12]...),
		Ciphertext: append([]byte(nil), blob[12:]...),
	}, nil
}

// Codec encrypts and decrypts tokens with a process-wide master key.
//
// The key is read-only after construction; a Codec is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// New builds a Codec from a raw 32-byte master key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt: build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt: build gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// ParseKey decodes a configured master key from hex or base64.
func ParseKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrKeySize
	}
	if key, err := hex.DecodeString(value); err == nil && len(key) == KeySize {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(value); err == nil && len(key) == KeySize {
		return key, nil
	}
	return nil, ErrKeySize
}

// EncryptWithContext encrypts plaintext bound to the given context string.
func (c *Codec) EncryptWithContext(plaintext []byte, context string) (EncryptedToken, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedToken{}, fmt.Errorf("tokencrypt: read nonce: %w", err)
	}
	ciphertext := c.aead.Seal(nil, nonce, plaintext, []byte(context))
	return EncryptedToken{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// DecryptWithContext recovers plaintext encrypted under the same context.
//
// It fails closed: any tag or context mismatch returns ErrDecrypt, never
// partial plaintext.
func (c *Codec) DecryptWithContext(token EncryptedToken, context string) ([]byte, error) {
	if len(token.Nonce) != c.aead.NonceSize() {
		return nil, ErrMalformed
	}
	plaintext, err := c.aead.Open(nil, token.Nonce, token.Ciphertext, []byte(context))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Encrypt encrypts plaintext without a context and returns a storable blob.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	token, err := c.EncryptWithContext(plaintext, "")
	if err != nil {
		return nil, err
	}
	return token.Marshal(), nil
}

// Decrypt recovers plaintext from a blob produced by Encrypt.
func (c *Codec) Decrypt(blob []byte) ([]byte, error) {
	token, err := UnmarshalEncryptedToken(blob)
	if err != nil {
		return nil, err
	}
	return c.DecryptWithContext(token, "")
}
