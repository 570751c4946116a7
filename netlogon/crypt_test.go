package netlogon

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/KlongLee/samba/utils"
)

func TestEncryptBufferRoundTrip(t *testing.T) {
	for _, flags := range []uint32{NETLOGON_NEG_SUPPORTS_AES, NETLOGON_NEG_ARCFOUR} {
		client, server := testChainPair(t, flags)

		msg := []byte("sixteen byte key")
		buf := append([]byte(nil), msg...)
		if err := client.EncryptBuffer(buf); err != nil {
			t.Fatal(err)
		}
		if bytes.Equal(buf, msg) {
			t.Fatalf("flags %#x: buffer unchanged by encryption", flags)
		}
		if err := server.DecryptBuffer(buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, msg) {
			t.Fatalf("flags %#x: round trip got %x, want %x", flags, buf, msg)
		}
	}
}

func TestCryptPasswordRoundTrip(t *testing.T) {
	for _, flags := range []uint32{NETLOGON_NEG_SUPPORTS_AES, NETLOGON_NEG_ARCFOUR} {
		client, server := testChainPair(t, flags)

		cp, err := NewCryptPassword("p@ssw0rd £")
		if err != nil {
			t.Fatal(err)
		}
		plain := *cp

		if err := client.EncryptCryptPassword(cp); err != nil {
			t.Fatal(err)
		}
		if cp.Data == plain.Data {
			t.Fatalf("flags %#x: buffer unchanged by encryption", flags)
		}

		if err := server.DecryptCryptPassword(cp); err != nil {
			t.Fatal(err)
		}
		got, err := cp.ExtractString()
		if err != nil {
			t.Fatal(err)
		}
		if got != "p@ssw0rd £" {
			t.Fatalf("flags %#x: extracted %q", flags, got)
		}
	}
}

func TestCryptPasswordLayout(t *testing.T) {
	cp, err := NewCryptPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Length != 4 {
		t.Fatalf("length %d, want 4", cp.Length)
	}
	if want := utils.EncodeStringToBytes("pw"); !bytes.Equal(cp.Data[512-4:], want) {
		t.Fatalf("cleartext not right-aligned: %x", cp.Data[512-8:])
	}
}

func TestCryptPasswordLimits(t *testing.T) {
	if _, err := NewCryptPassword(""); err == nil {
		t.Error("empty password accepted")
	}

	// 256 characters encode to exactly 512 bytes, filling the buffer.
	if _, err := NewCryptPassword(strings.Repeat("a", 256)); !errors.Is(err, ErrBufferTooLarge) {
		t.Errorf("full buffer: got %v, want ErrBufferTooLarge", err)
	}

	// 255 characters leave room for at least one filler byte.
	if _, err := NewCryptPassword(strings.Repeat("a", 255)); err != nil {
		t.Errorf("510-byte password rejected: %v", err)
	}
}

func TestCryptPasswordExtractRejectsCorrupt(t *testing.T) {
	var cp CryptPassword

	cp.Length = 0
	if _, err := cp.Extract(); err == nil {
		t.Error("zero length accepted")
	}

	cp.Length = 512
	if _, err := cp.Extract(); !errors.Is(err, ErrBufferTooLarge) {
		t.Errorf("full-buffer length: got %v, want ErrBufferTooLarge", err)
	}

	cp.Length = 0xffffffff
	if _, err := cp.Extract(); !errors.Is(err, ErrBufferTooLarge) {
		t.Errorf("oversized length: got %v, want ErrBufferTooLarge", err)
	}
}

func TestCryptPasswordWireForm(t *testing.T) {
	cp, err := NewCryptPassword("roundtrip")
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseCryptPassword(cp.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Data != cp.Data || parsed.Length != cp.Length {
		t.Fatal("wire form did not round trip")
	}

	if _, err := ParseCryptPassword(cp.Bytes()[:515]); err == nil {
		t.Error("short buffer accepted")
	}
}

func TestCryptPasswordForeignKey(t *testing.T) {
	client, _ := testChainPair(t, NETLOGON_NEG_SUPPORTS_AES)

	stranger, err := NewClientState("OTHER$", "OTHER", SEC_CHAN_WKSTA,
		utils.EncodeStringToBytes("different-secret"), challenge("CCCCCCCC"), challenge("DDDDDDDD"),
		NETLOGON_NEG_SUPPORTS_AES)
	if err != nil {
		t.Fatal(err)
	}

	cp, err := NewCryptPassword("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if err := client.EncryptCryptPassword(cp); err != nil {
		t.Fatal(err)
	}
	if err := stranger.DecryptCryptPassword(cp); err != nil {
		t.Fatal(err)
	}

	if got, err := cp.ExtractString(); err == nil && got == "correct horse battery staple" {
		t.Fatal("foreign key recovered the cleartext")
	}
}
