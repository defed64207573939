package localstore

import (
	"testing"

	"github.com/zalando/go-keyring"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	if _, ok, err := s.Get(KeyAccessToken); err != nil || ok {
		t.Fatalf("Get() on empty store = ok:%t err:%v, want missing", ok, err)
	}

	if err := s.Set(KeyAccessToken, "token-1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, ok, err := s.Get(KeyAccessToken)
	if err != nil || !ok || v != "token-1" {
		t.Fatalf("Get() = %q ok:%t err:%v, want token-1", v, ok, err)
	}

	if err := s.Set(KeyAccessToken, "token-2"); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	if v, _, _ := s.Get(KeyAccessToken); v != "token-2" {
		t.Fatalf("Get() after overwrite = %q, want token-2", v)
	}

	if err := s.Remove(KeyAccessToken); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove(KeyAccessToken); err != nil {
		t.Fatalf("Remove() of missing key should be a no-op, got %v", err)
	}
	if _, ok, _ := s.Get(KeyAccessToken); ok {
		t.Fatalf("key still present after Remove()")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	s := NewKeyringStore("com.homescout.test")

	if err := s.Probe(); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	exerciseStore(t, s)
}
