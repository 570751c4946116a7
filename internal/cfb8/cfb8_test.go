package cfb8

import (
	"bytes"
	"crypto/aes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, aes.BlockSize)
	msg := []byte("The quick brown fox jumps over the lazy dog")

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	ct := make([]byte, len(msg))
	NewEncrypter(block, iv).XORKeyStream(ct, msg)
	if bytes.Equal(ct, msg) {
		t.Fatal("ciphertext equals plaintext")
	}

	pt := make([]byte, len(ct))
	NewDecrypter(block, iv).XORKeyStream(pt, ct)
	if !bytes.Equal(pt, msg) {
		t.Errorf("round trip mismatch: got %x, want %x", pt, msg)
	}
}

func TestChunkedStream(t *testing.T) {
	key := []byte("fedcba9876543210")
	iv := []byte("ABCDEFGHIJKLMNOP")
	msg := bytes.Repeat([]byte{0x5a}, 37)

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	oneShot := make([]byte, len(msg))
	NewEncrypter(block, iv).XORKeyStream(oneShot, msg)

	chunked := make([]byte, len(msg))
	s := NewEncrypter(block, iv)
	s.XORKeyStream(chunked[:10], msg[:10])
	s.XORKeyStream(chunked[10:11], msg[10:11])
	s.XORKeyStream(chunked[11:], msg[11:])

	if !bytes.Equal(oneShot, chunked) {
		t.Errorf("chunked stream diverged: got %x, want %x", chunked, oneShot)
	}
}
