// Package auth signs WebSocket handshakes with RSA-PSS so the channel server
// can authenticate the multiplexer before any channel is joined.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// DefaultHeaderPrefix names the handshake headers when none is configured.
const DefaultHeaderPrefix = "RTMUX-ACCESS-"

var (
	ErrMissingKeyID   = errors.New("key ID is required")
	ErrMissingKeyPath = errors.New("private key path is required")
	ErrNotRSA         = errors.New("key is not an RSA private key")
)

// Signer holds the key used to sign handshake requests.
type Signer struct {
	KeyID        string
	PrivateKey   *rsa.PrivateKey
	HeaderPrefix string

	now func() time.Time
}

// LoadSigner loads a signer from a key ID and a PEM private key file.
func LoadSigner(keyID, privateKeyPath, headerPrefix string) (*Signer, error) {
	if keyID == "" {
		return nil, ErrMissingKeyID
	}
	if privateKeyPath == "" {
		return nil, ErrMissingKeyPath
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return NewSigner(keyID, privateKey, headerPrefix), nil
}

// NewSigner wraps an already parsed key.
func NewSigner(keyID string, key *rsa.PrivateKey, headerPrefix string) *Signer {
	if headerPrefix == "" {
		headerPrefix = DefaultHeaderPrefix
	}
	return &Signer{
		KeyID:        keyID,
		PrivateKey:   key,
		HeaderPrefix: headerPrefix,
		now:          time.Now,
	}
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// PKCS#8 first, then PKCS#1
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrNotRSA
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// Sign returns the key, timestamp and signature headers for one request.
// The signed message is timestamp_ms + method + path.
func (s *Signer) Sign(method, path string) (http.Header, error) {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)

	hashed := sha256.Sum256([]byte(ts + method + path))
	sig, err := rsa.SignPSS(rand.Reader, s.PrivateKey, crypto.SHA256, hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	h := make(http.Header, 3)
	h.Set(s.HeaderPrefix+"KEY", s.KeyID)
	h.Set(s.HeaderPrefix+"TIMESTAMP", ts)
	h.Set(s.HeaderPrefix+"SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	return h, nil
}

// HandshakeFunc returns a header source for transport.Config.HeaderFunc
// that signs a GET of the socket URL's path on every dial.
func (s *Signer) HandshakeFunc(socketURL string) (func() (http.Header, error), error) {
	u, err := url.Parse(socketURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return func() (http.Header, error) {
		return s.Sign(http.MethodGet, path)
	}, nil
}

// Verify checks a signature produced by Sign. Servers and tests use it.
func Verify(pub *rsa.PublicKey, prefix, method, path string, h http.Header) error {
	if prefix == "" {
		prefix = DefaultHeaderPrefix
	}
	sig, err := base64.StdEncoding.DecodeString(h.Get(prefix + "SIGNATURE"))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	hashed := sha256.Sum256([]byte(h.Get(prefix+"TIMESTAMP") + method + path))
	return rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sig,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}
