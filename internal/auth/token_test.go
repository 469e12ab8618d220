package auth

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	steeple_errors "steeple-sync/pkg/errors"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "device-1"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestSaveAndTokenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStore(dir)

	if err := store.Save("opaque-token-abc"); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A fresh store must unseal from disk, not from memory.
	reopened := NewTokenStore(dir)
	got, err := reopened.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != "opaque-token-abc" {
		t.Errorf("token = %q", got)
	}
}

func TestTokenSealedAtRest(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStore(dir)
	if err := store.Save("super-secret-token"); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, tokenFile))
	if err != nil {
		t.Fatalf("read sealed file: %v", err)
	}
	if bytes.Contains(raw, []byte("super-secret-token")) {
		t.Error("token stored in plaintext")
	}

	info, err := os.Stat(filepath.Join(dir, keyFile))
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestTokenMissing(t *testing.T) {
	store := NewTokenStore(t.TempDir())
	if _, err := store.Token(); !errors.Is(err, steeple_errors.ErrTokenMissing) {
		t.Errorf("err = %v, want ErrTokenMissing", err)
	}
	if store.Valid(time.Now()) {
		t.Error("missing token reported valid")
	}
}

func TestValidReadsJWTExpiry(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"live jwt", signedToken(t, now.Add(time.Hour)), true},
		{"expired jwt", signedToken(t, now.Add(-time.Hour)), false},
		{"jwt without exp", signedToken(t, time.Time{}), true},
		{"opaque token", "not-a-jwt", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			store := NewTokenStore(t.TempDir())
			if err := store.Save(c.token); err != nil {
				t.Fatalf("save: %v", err)
			}
			if got := store.Valid(now); got != c.want {
				t.Errorf("Valid() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestClearRemovesToken(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStore(dir)
	if err := store.Save("tok"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := store.Token(); !errors.Is(err, steeple_errors.ErrTokenMissing) {
		t.Errorf("err after clear = %v, want ErrTokenMissing", err)
	}
	// Clearing twice is fine.
	if err := store.Clear(); err != nil {
		t.Errorf("second clear: %v", err)
	}
}
