// ABOUTME: Sealing of server credentials for storage at rest
// ABOUTME: XChaCha20-Poly1305 with a 0600 key file and an "enc:v1:" value prefix

package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the length of a sealing key in bytes.
	KeySize = chacha20poly1305.KeySize

	// KeyFileName is the default file name for the sealing key.
	KeyFileName = ".secrets.key"

	// Prefix marks sealed values. Values without it are plaintext.
	Prefix = "enc:v1:"
)

// ErrBadKey is returned when a key file exists but cannot be used.
var ErrBadKey = errors.New("invalid sealing key")

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("cannot open sealed value")

// Sealer encrypts and decrypts individual string values.
// A nil *Sealer passes values through unchanged.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: size %d, expected %d", ErrBadKey, len(key), KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Open loads the key at path, creating it when absent, and returns a Sealer.
// An empty path disables sealing and returns a nil Sealer.
func Open(path string) (*Sealer, error) {
	if path == "" {
		return nil, nil
	}
	key, err := LoadKey(path)
	if err != nil {
		return nil, err
	}
	if key == nil {
		if key, err = CreateKey(path); err != nil {
			return nil, err
		}
		slog.Default().With("component", "secrets").Info("created sealing key", "path", path)
	}
	return NewSealer(key)
}

// LoadKey reads a key from path. It returns nil, nil when the file does not exist.
func LoadKey(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading sealing key: %w", err)
	}
	defer f.Close()

	if runtime.GOOS != "windows" {
		if info, statErr := f.Stat(); statErr == nil && info.Mode().Perm()&0o077 != 0 {
			slog.Default().With("component", "secrets").Warn("sealing key has permissive mode",
				"path", path, "mode", fmt.Sprintf("%#o", info.Mode().Perm()))
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading sealing key: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("%w: %s has size %d, expected %d", ErrBadKey, path, len(data), KeySize)
	}
	return data, nil
}

// CreateKey generates a random key and writes it to path with mode 0600.
// If another process created the file first, that key is returned instead.
func CreateKey(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating sealing key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".secrets.key.tmp.*")
	if err != nil {
		return nil, fmt.Errorf("creating key temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("chmod key temp file: %w", err)
	}
	if _, err := tmp.Write(key); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing key temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing key temp file: %w", err)
	}

	// os.Link fails if path already exists, so exactly one writer wins.
	if err := os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return LoadKey(path)
		}
		return nil, fmt.Errorf("linking sealing key: %w", err)
	}
	return key, nil
}

// IsSealed reports whether v carries the sealed-value prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, Prefix)
}

// Seal encrypts plaintext. Empty strings stay empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Unseal decrypts a sealed value. Values without the prefix are returned as-is,
// so hand-edited plaintext is accepted.
func (s *Sealer) Unseal(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if s == nil {
		return "", fmt.Errorf("%w: no sealing key configured", ErrOpen)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(v, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return "", fmt.Errorf("%w: value too short", ErrOpen)
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return string(plain), nil
}
