package vault

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/hiveward/hiveward/internal/config"
	"github.com/hiveward/hiveward/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetResolveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	v := New("test-passphrase", s)

	if err := v.Set("api-token", []byte("tok-123")); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := v.Resolve("api-token")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "tok-123" {
		t.Fatalf("got %q, want %q", got, "tok-123")
	}

	// Ciphertext at rest, not plaintext.
	sec, err := s.GetSecret("api-token")
	if err != nil || sec == nil {
		t.Fatalf("secret row missing: %v", err)
	}
	if strings.Contains(string(sec.Value), "tok-123") {
		t.Fatal("secret stored in plaintext")
	}
}

func TestResolveUnknownName(t *testing.T) {
	v := New("test", newTestStore(t))
	if _, err := v.Resolve("missing"); err == nil {
		t.Fatal("expected error for unknown secret")
	}
}

func TestWrongPassphrase(t *testing.T) {
	s := newTestStore(t)
	v1 := New("correct-passphrase", s)
	if err := v1.Set("token", []byte("secret")); err != nil {
		t.Fatalf("set: %v", err)
	}

	v2 := New("wrong-passphrase", s)
	if _, err := v2.Resolve("token"); err == nil {
		t.Fatal("expected error resolving with wrong passphrase")
	}
}

func TestSamePassphraseSurvivesRestart(t *testing.T) {
	s := newTestStore(t)
	if err := New("stable", s).Set("token", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}

	// A fresh vault over the same store and passphrase must decrypt.
	got, err := New("stable", s).Resolve("token")
	if err != nil {
		t.Fatalf("resolve after rederive: %v", err)
	}
	if got != "v1" {
		t.Fatalf("got %q, want %q", got, "v1")
	}
}

func TestRotateAndDelete(t *testing.T) {
	s := newTestStore(t)
	v := New("test", s)

	_ = v.Set("token", []byte("v1"))
	_ = v.Set("token", []byte("v2"))

	got, err := v.Resolve("token")
	if err != nil || got != "v2" {
		t.Fatalf("rotation not applied: %q %v", got, err)
	}

	names, err := v.List()
	if err != nil || len(names) != 1 {
		t.Fatalf("unexpected list: %v %v", names, err)
	}

	if err := v.Delete("token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := v.Resolve("token"); err == nil {
		t.Fatal("expected error after delete")
	}
}
