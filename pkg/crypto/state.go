// Package crypto seals pipeline state into opaque resume tokens.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/apperrors"
)

var (
	// ErrInvalidKey is returned when the sealing key is empty.
	ErrInvalidKey = errors.New("invalid sealing key: must not be empty")
	// ErrTokenTampered is returned when a token fails authentication or decoding.
	ErrTokenTampered = fmt.Errorf("%w: authentication failed", apperrors.ErrInvalidToken)
	// ErrTokenExpired is returned for an authentic token past its expiry.
	ErrTokenExpired = fmt.Errorf("%w: expired", apperrors.ErrInvalidToken)
	// ErrTokenVersion is returned for a token sealed by an incompatible format.
	ErrTokenVersion = fmt.Errorf("%w: unsupported version", apperrors.ErrInvalidToken)
)

const tokenVersion byte = 1

// additionalData binds tokens to this use so ciphertext from elsewhere never opens.
var additionalData = []byte("ekaya-nl2sql/resume-state")

type envelope struct {
	ExpiresAt int64           `json:"exp"`
	State     json.RawMessage `json:"state"`
}

// StateSealer provides AES-256-GCM sealing of JSON-serializable state.
// Tokens are URL-safe base64 of version || nonce || ciphertext || tag.
type StateSealer struct {
	gcm cipher.AEAD
	ttl time.Duration
	now func() time.Time
}

// NewStateSealer creates a sealer from a key string.
// The key can be:
//   - A base64-encoded 32-byte key (e.g., from: openssl rand -base64 32)
//   - Any passphrase (will be hashed to 32 bytes with SHA-256)
//
// Tokens expire ttl after sealing; a non-positive ttl disables expiry.
func NewStateSealer(keyInput string, ttl time.Duration) (*StateSealer, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	var key []byte
	decoded, err := base64.StdEncoding.DecodeString(keyInput)
	if err == nil && len(decoded) == 32 {
		key = decoded
	} else {
		hash := sha256.Sum256([]byte(keyInput))
		key = hash[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &StateSealer{gcm: gcm, ttl: ttl, now: time.Now}, nil
}

// RandomKey returns a fresh base64-encoded 32-byte key.
func RandomKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal serializes state and encrypts it into a token.
func (s *StateSealer) Seal(state any) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}

	env := envelope{State: raw}
	if s.ttl > 0 {
		env.ExpiresAt = s.now().Add(s.ttl).Unix()
	}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+s.gcm.Overhead())
	out = append(out, tokenVersion)
	out = append(out, nonce...)
	out = s.gcm.Seal(out, nonce, plaintext, additionalData)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open authenticates and decrypts token into state. Every failure wraps
// apperrors.ErrInvalidToken.
func (s *StateSealer) Open(token string, state any) error {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: base64 decode failed", ErrTokenTampered)
	}
	if len(data) < 1 {
		return ErrTokenTampered
	}
	if data[0] != tokenVersion {
		return ErrTokenVersion
	}
	data = data[1:]

	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize+s.gcm.Overhead() {
		return fmt.Errorf("%w: token too short", ErrTokenTampered)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return ErrTokenTampered
	}

	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return fmt.Errorf("%w: malformed envelope", ErrTokenTampered)
	}
	if env.ExpiresAt > 0 && s.now().Unix() > env.ExpiresAt {
		return ErrTokenExpired
	}
	if err := json.Unmarshal(env.State, state); err != nil {
		return fmt.Errorf("%w: malformed state", ErrTokenTampered)
	}
	return nil
}
