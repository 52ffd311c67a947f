package crypto

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func TestGenerateLinkKey(t *testing.T) {
	key, err := GenerateLinkKey()
	if err != nil {
		t.Fatalf("GenerateLinkKey failed: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(key))
	}
	// Keys should be random
	key2, _ := GenerateLinkKey()
	if bytes.Equal(key, key2) {
		t.Error("two link keys should not be equal")
	}
}

func TestLinkKeyEncoding(t *testing.T) {
	key, _ := GenerateLinkKey()
	enc := EncodeLinkKey(key)
	if strings.ContainsAny(enc, "+/=") {
		t.Errorf("encoded key %q is not URL safe", enc)
	}
	dec, err := DecodeLinkKey(enc)
	if err != nil {
		t.Fatalf("DecodeLinkKey failed: %v", err)
	}
	if !bytes.Equal(key, dec) {
		t.Error("decoded key should match original")
	}

	for _, bad := range []string{"", "!!!", EncodeLinkKey(key[:16])} {
		if _, err := DecodeLinkKey(bad); err != ErrInvalidLinkKey {
			t.Errorf("DecodeLinkKey(%q) = %v, want ErrInvalidLinkKey", bad, err)
		}
	}
}

func TestDeriveContentKey(t *testing.T) {
	link, _ := GenerateLinkKey()
	k1, err := DeriveContentKey(link)
	if err != nil {
		t.Fatalf("DeriveContentKey failed: %v", err)
	}
	if len(k1) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(k1))
	}
	// Same inputs → same key (deterministic)
	k2, _ := DeriveContentKey(link)
	if !bytes.Equal(k1, k2) {
		t.Error("content key derivation should be deterministic")
	}
	if bytes.Equal(k1, link) {
		t.Error("content key should differ from the link key")
	}
}

func TestDerivePINDigest(t *testing.T) {
	link, _ := GenerateLinkKey()
	other, _ := GenerateLinkKey()

	d1, _ := DerivePINDigest(link, "1234")
	d2, _ := DerivePINDigest(link, "1234")
	if !EqualDigest(d1, d2) {
		t.Error("PIN digest should be deterministic")
	}
	d3, _ := DerivePINDigest(link, "4321")
	if EqualDigest(d1, d3) {
		t.Error("different PINs should yield different digests")
	}
	d4, _ := DerivePINDigest(other, "1234")
	if EqualDigest(d1, d4) {
		t.Error("same PIN under a different link should yield a different digest")
	}
	content, _ := DeriveContentKey(link)
	if bytes.Equal(d1, content) {
		t.Error("PIN digest must not collide with the content key")
	}
}

func TestParseDigest(t *testing.T) {
	raw := bytes.Repeat([]byte{0xab}, DigestSize)
	lower := hex.EncodeToString(raw)

	for _, s := range []string{lower, strings.ToUpper(lower)} {
		d, err := ParseDigest(s)
		if err != nil {
			t.Fatalf("ParseDigest(%q) failed: %v", s, err)
		}
		if !bytes.Equal(d, raw) {
			t.Errorf("ParseDigest(%q) = %x", s, d)
		}
	}

	for _, bad := range []string{"", "zz", lower[:62], lower + "00", "1234"} {
		if _, err := ParseDigest(bad); err != ErrInvalidDigest {
			t.Errorf("ParseDigest(%q) = %v, want ErrInvalidDigest", bad, err)
		}
	}
}

func TestEqualDigest(t *testing.T) {
	a := bytes.Repeat([]byte{1}, DigestSize)
	b := bytes.Repeat([]byte{1}, DigestSize)
	if !EqualDigest(a, b) {
		t.Error("equal digests should compare equal")
	}
	b[DigestSize-1] = 2
	if EqualDigest(a, b) {
		t.Error("digests differing in the last byte should not compare equal")
	}
	if EqualDigest(a[:16], a[:16]) {
		t.Error("short digests must never compare equal")
	}
	if EqualDigest(nil, nil) {
		t.Error("empty digests must never compare equal")
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	key, _ := GenerateLinkKey()
	plaintext := []byte("super secret value 12345")

	ciphertext, nonce, err := EncryptAESGCM(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptAESGCM failed: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext should differ from plaintext")
	}

	decrypted, err := DecryptAESGCM(ciphertext, nonce, key)
	if err != nil {
		t.Fatalf("DecryptAESGCM failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted %q != original %q", decrypted, plaintext)
	}
}

func TestAESGCMWrongKey(t *testing.T) {
	key, _ := GenerateLinkKey()
	wrongKey, _ := GenerateLinkKey()
	plaintext := []byte("secret data")

	ciphertext, nonce, _ := EncryptAESGCM(plaintext, key)
	_, err := DecryptAESGCM(ciphertext, nonce, wrongKey)
	if err == nil {
		t.Error("expected error decrypting with wrong key")
	}
	if _, err := DecryptAESGCM(ciphertext, nonce[:4], key); err == nil {
		t.Error("expected error decrypting with a truncated nonce")
	}
}

func TestSealOpen(t *testing.T) {
	// Simulate the full share flow: link key → content key → sealed text
	link, _ := GenerateLinkKey()
	key, _ := DeriveContentKey(link)
	secretData := []byte("db password: hunter2")

	sealed, err := Seal(secretData, key)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if strings.Contains(sealed.Ciphertext, "hunter2") {
		t.Error("sealed ciphertext leaks plaintext")
	}

	// --- Receiving side ---
	recvLink, _ := DecodeLinkKey(EncodeLinkKey(link))
	recvKey, _ := DeriveContentKey(recvLink)
	plaintext, err := Open(sealed, recvKey)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(plaintext, secretData) {
		t.Errorf("plaintext mismatch: got %q want %q", plaintext, secretData)
	}

	if _, err := Open(Sealed{Ciphertext: "AB==", IV: "12"}, key); err == nil {
		t.Error("expected error opening a malformed envelope")
	}
}
