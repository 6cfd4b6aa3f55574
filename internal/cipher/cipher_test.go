package cipher

import "testing"

func TestIdentityRoundTrip(t *testing.T) {
	c := Identity
	msg := []byte("hello")
	enc, err := c.Encrypt(msg)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if string(dec) != "hello" {
		t.Fatalf("got %q", dec)
	}
}

func TestChaCha20RoundTrip(t *testing.T) {
	c, err := New("chacha20poly1305", "correct horse battery staple")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg := []byte("the quick brown fox")
	enc, err := c.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if string(enc) == string(msg) {
		t.Fatalf("ciphertext should differ from plaintext")
	}
	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(dec) != string(msg) {
		t.Fatalf("got %q, want %q", dec, msg)
	}
}

func TestChaCha20RejectsTamperedCiphertext(t *testing.T) {
	c, _ := New("chacha20poly1305", "password")
	enc, _ := c.Encrypt([]byte("data"))
	enc[len(enc)-1] ^= 0xFF
	if _, err := c.Decrypt(enc); err == nil {
		t.Fatalf("expected decrypt failure on tampered ciphertext")
	}
}

func TestUnsupportedMethod(t *testing.T) {
	if _, err := New("rot13", "x"); err == nil {
		t.Fatalf("expected error for unsupported method")
	}
}
