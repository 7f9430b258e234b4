// Package encryption implements the symmetric cipher used for message
// content at rest. Conversation keys are generated and held server-side,
// so this protects stored data, not traffic against the server itself.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// ivSize is the 128-bit random IV generated per call.
	ivSize = 16
	// tagSize is the GCM authentication tag length.
	tagSize = 16
)

// ErrDecryptionFailed is returned when the authentication tag does not
// verify. Callers render empty content instead of failing the operation.
var ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

// Envelope is the ciphertext bundle persisted for each message, all
// fields base64-encoded.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
}

// Marshal serializes the envelope to the JSON form stored at rest.
func (e *Envelope) Marshal() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(data), nil
}

// ParseEnvelope parses a stored envelope.
func ParseEnvelope(raw string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return &env, nil
}

// GenerateKey returns a fresh 256-bit conversation key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under a random 16-byte IV.
// The empty string is a valid plaintext; attachment-only messages still
// produce a full envelope.
func Encrypt(plaintext string, key []byte) (*Envelope, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens an envelope. Any tampering with ciphertext, IV or tag
// yields ErrDecryptionFailed, never wrong plaintext.
func Decrypt(env *Envelope, key []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(iv) != ivSize || len(tag) != tagSize {
		return "", ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Hash returns the SHA-256 hex digest of content, used as a coarse
// fingerprint for indexing. It is not searchable encryption.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// WrapKey seals keyBytes under wrappingKey, producing an opaque
// iv || tag || ciphertext blob for per-participant key distribution.
func WrapKey(keyBytes, wrappingKey []byte) ([]byte, error) {
	aead, err := newAEAD(wrappingKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, keyBytes, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, ivSize+tagSize+len(ct))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(blob, wrappingKey []byte) ([]byte, error) {
	if len(blob) < ivSize+tagSize {
		return nil, ErrDecryptionFailed
	}
	aead, err := newAEAD(wrappingKey)
	if err != nil {
		return nil, err
	}

	iv := blob[:ivSize]
	tag := blob[ivSize : ivSize+tagSize]
	ct := blob[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	key, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return key, nil
}

// DeriveWrappingKey derives the key-wrapping key from the configured
// master secret with HKDF-SHA256.
func DeriveWrappingKey(masterSecret string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("conversation-key-wrapping"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return aead, nil
}
