// Package auth holds the bearer token the engine presents to the
// remote API and realtime channel. The token is sealed at rest with a
// per-device key; expiry is read from the JWT claims without
// verification — the device does not hold the signing key, the server
// does its own verification on every request.
package auth

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/chacha20poly1305"

	steeple_errors "steeple-sync/pkg/errors"
)

const (
	keyFile   = "device.key"
	tokenFile = "token.sealed"
)

// TokenProvider is what the API client and realtime client consume.
type TokenProvider interface {
	Token() (string, error)
	Valid(now time.Time) bool
}

// TokenStore keeps the bearer token sealed on disk and cached in
// memory once read.
type TokenStore struct {
	dataDir string

	mu    sync.RWMutex
	token string
}

func NewTokenStore(dataDir string) *TokenStore {
	return &TokenStore{dataDir: dataDir}
}

// Save seals the token and persists it. The device key is created on
// first use.
func (s *TokenStore) Save(token string) error {
	key, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(token), nil)
	if err := os.WriteFile(filepath.Join(s.dataDir, tokenFile), sealed, 0o600); err != nil {
		return fmt.Errorf("write sealed token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// Token returns the bearer token, unsealing from disk on first use.
func (s *TokenStore) Token() (string, error) {
	s.mu.RLock()
	cached := s.token
	s.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	sealed, err := os.ReadFile(filepath.Join(s.dataDir, tokenFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", steeple_errors.ErrTokenMissing
		}
		return "", fmt.Errorf("read sealed token: %w", err)
	}
	key, err := s.loadOrCreateKey()
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("unseal token: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("unseal token: sealed blob too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("unseal token: %w", err)
	}

	s.mu.Lock()
	s.token = string(plain)
	s.mu.Unlock()
	return string(plain), nil
}

// Valid reports whether a token is present and its exp claim has not
// passed. A token without an exp claim is treated as valid.
func (s *TokenStore) Valid(now time.Time) bool {
	token, err := s.Token()
	if err != nil {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque (non-JWT) tokens carry no readable expiry.
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return now.Before(exp.Time)
}

// Clear removes the token; used on sign-out together with the store's
// ClearAll.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dataDir, tokenFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sealed token: %w", err)
	}
	return nil
}

func (s *TokenStore) loadOrCreateKey() ([]byte, error) {
	path := filepath.Join(s.dataDir, keyFile)
	key, err := os.ReadFile(path)
	if err == nil && len(key) == chacha20poly1305.KeySize {
		return key, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read device key: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write device key: %w", err)
	}
	return key, nil
}
