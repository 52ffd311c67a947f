package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of link keys and derived AES-256 keys.
	KeySize = 32
	// DigestSize is the length of a PIN digest.
	DigestSize = 32

	contentInfo = "ciphershare-content-v1"
	pinInfo     = "ciphershare-pin-v1"
)

// ErrInvalidDigest is returned for PIN digests of the wrong shape.
var ErrInvalidDigest = errors.New("PIN digest must be 32 bytes of hex")

// ErrInvalidLinkKey is returned when a link fragment does not decode to a key.
var ErrInvalidLinkKey = errors.New("invalid link key")

// GenerateLinkKey generates a 32-byte random key that travels only in the
// share link fragment.
func GenerateLinkKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating link key: %w", err)
	}
	return key, nil
}

// EncodeLinkKey renders a link key for a URL fragment.
func EncodeLinkKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// DecodeLinkKey parses a URL fragment produced by EncodeLinkKey.
func DecodeLinkKey(s string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidLinkKey
	}
	return key, nil
}

// DeriveContentKey derives the AES-256 key that seals share content.
func DeriveContentKey(linkKey []byte) ([]byte, error) {
	return derive(linkKey, nil, contentInfo, "content key")
}

// DerivePINDigest binds a PIN to one link key with HKDF-SHA256. The server
// only ever sees the result.
func DerivePINDigest(linkKey []byte, pin string) ([]byte, error) {
	return derive([]byte(pin), linkKey, pinInfo, "PIN digest")
}

func derive(secret, salt []byte, info, what string) ([]byte, error) {
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("deriving %s: %w", what, err)
	}
	return out, nil
}

// ParseDigest decodes a hex PIN digest. Either letter case is accepted.
func ParseDigest(s string) ([]byte, error) {
	d, err := hex.DecodeString(s)
	if err != nil || len(d) != DigestSize {
		return nil, ErrInvalidDigest
	}
	return d, nil
}

// EqualDigest compares two digests in time independent of where they differ.
func EqualDigest(a, b []byte) bool {
	if len(a) != DigestSize || len(b) != DigestSize {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", gcm.NonceSize())
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// --- Text envelope ---

// Sealed is a ciphertext and nonce in the text form the API stores.
type Sealed struct {
	Ciphertext string
	IV         string
}

// Seal encrypts plaintext under key and base64-encodes both parts.
func Seal(plaintext, key []byte) (Sealed, error) {
	ct, nonce, err := EncryptAESGCM(plaintext, key)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Open reverses Seal.
func Open(s Sealed, key []byte) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding iv: %w", err)
	}
	return DecryptAESGCM(ct, nonce, key)
}
