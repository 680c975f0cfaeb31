package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	return key
}

func writeKey(t *testing.T, block *pem.Block) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestSigner_Sign(t *testing.T) {
	key := testKey(t)
	s := NewSigner("test-key-id", key, "")
	s.now = func() time.Time { return time.UnixMilli(1700000000123) }

	h, err := s.Sign("GET", "/socket")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if got := h.Get("RTMUX-ACCESS-KEY"); got != "test-key-id" {
		t.Errorf("KEY = %q, want %q", got, "test-key-id")
	}
	if got := h.Get("RTMUX-ACCESS-TIMESTAMP"); got != "1700000000123" {
		t.Errorf("TIMESTAMP = %q, want %q", got, "1700000000123")
	}
	if err := Verify(&key.PublicKey, "", "GET", "/socket", h); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
	if err := Verify(&key.PublicKey, "", "GET", "/other", h); err == nil {
		t.Error("expected Verify to fail for a different path")
	}
}

func TestSigner_CustomPrefix(t *testing.T) {
	s := NewSigner("k", testKey(t), "X-Mux-")

	h, err := s.Sign("GET", "/")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if h.Get("X-Mux-KEY") != "k" {
		t.Errorf("headers = %v, want X-Mux- prefix", h)
	}
	if h.Get("RTMUX-ACCESS-KEY") != "" {
		t.Error("default prefix used despite custom prefix")
	}
}

func TestSigner_HandshakeFunc(t *testing.T) {
	key := testKey(t)
	s := NewSigner("ws-key", key, "")

	var tick int64 = 1000
	s.now = func() time.Time {
		tick++
		return time.UnixMilli(tick)
	}

	fn, err := s.HandshakeFunc("wss://example.com/rt/socket?vsn=2")
	if err != nil {
		t.Fatalf("HandshakeFunc failed: %v", err)
	}

	first, err := fn()
	if err != nil {
		t.Fatalf("first sign failed: %v", err)
	}
	second, err := fn()
	if err != nil {
		t.Fatalf("second sign failed: %v", err)
	}

	if err := Verify(&key.PublicKey, "", "GET", "/rt/socket", first); err != nil {
		t.Errorf("Verify(first) failed: %v", err)
	}
	if first.Get("RTMUX-ACCESS-TIMESTAMP") == second.Get("RTMUX-ACCESS-TIMESTAMP") {
		t.Error("expected a fresh timestamp per dial")
	}
	if ts, _ := strconv.ParseInt(second.Get("RTMUX-ACCESS-TIMESTAMP"), 10, 64); ts != 1002 {
		t.Errorf("second TIMESTAMP = %d, want 1002", ts)
	}
}

func TestSigner_HandshakeFuncEmptyPath(t *testing.T) {
	key := testKey(t)
	fn, err := NewSigner("k", key, "").HandshakeFunc("ws://localhost:4000")
	if err != nil {
		t.Fatalf("HandshakeFunc failed: %v", err)
	}
	h, err := fn()
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := Verify(&key.PublicKey, "", "GET", "/", h); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestLoadPrivateKey_PKCS8(t *testing.T) {
	key := testKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal PKCS#8: %v", err)
	}
	path := writeKey(t, &pem.Block{Type: "PRIVATE KEY", Bytes: der})

	loaded, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loaded.N.Cmp(key.N) != 0 {
		t.Error("loaded key does not match original")
	}
}

func TestLoadPrivateKey_PKCS1(t *testing.T) {
	key := testKey(t)
	path := writeKey(t, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	loaded, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if loaded.N.Cmp(key.N) != 0 {
		t.Error("loaded key does not match original")
	}
}

func TestLoadPrivateKey_FileNotFound(t *testing.T) {
	if _, err := LoadPrivateKey("/nonexistent/path/to/key.pem"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadPrivateKey_InvalidPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.pem")
	if err := os.WriteFile(path, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if _, err := LoadPrivateKey(path); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestLoadSigner(t *testing.T) {
	key := testKey(t)
	der, _ := x509.MarshalPKCS8PrivateKey(key)
	path := writeKey(t, &pem.Block{Type: "PRIVATE KEY", Bytes: der})

	s, err := LoadSigner("my-key-id", path, "")
	if err != nil {
		t.Fatalf("LoadSigner failed: %v", err)
	}
	if s.KeyID != "my-key-id" {
		t.Errorf("KeyID = %q, want %q", s.KeyID, "my-key-id")
	}
	if s.HeaderPrefix != DefaultHeaderPrefix {
		t.Errorf("HeaderPrefix = %q, want %q", s.HeaderPrefix, DefaultHeaderPrefix)
	}
}

func TestLoadSigner_Missing(t *testing.T) {
	if _, err := LoadSigner("", "/some/path", ""); !errors.Is(err, ErrMissingKeyID) {
		t.Errorf("err = %v, want ErrMissingKeyID", err)
	}
	if _, err := LoadSigner("id", "", ""); !errors.Is(err, ErrMissingKeyPath) {
		t.Errorf("err = %v, want ErrMissingKeyPath", err)
	}
}
