package netlogon

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"fmt"

	"github.com/KlongLee/samba/internal/cfb8"
	"github.com/KlongLee/samba/utils"
)

// EncryptBuffer encrypts a secret in place under the session key using
// the confidentiality scheme the channel negotiated: AES-128-CFB8 with a
// zero IV, or RC4.
func (s *CredentialState) EncryptBuffer(buf []byte) error {
	return s.cryptBuffer(buf, true)
}

// DecryptBuffer reverses EncryptBuffer.
func (s *CredentialState) DecryptBuffer(buf []byte) error {
	return s.cryptBuffer(buf, false)
}

func (s *CredentialState) cryptBuffer(buf []byte, encrypt bool) error {
	if s == nil {
		return ErrChannelNotEstablished
	}

	if s.negotiateFlags&NETLOGON_NEG_SUPPORTS_AES != 0 {
		block, _ := aes.NewCipher(s.sessionKey)
		iv := make([]byte, aes.BlockSize)
		if encrypt {
			cfb8.NewEncrypter(block, iv).XORKeyStream(buf, buf)
		} else {
			cfb8.NewDecrypter(block, iv).XORKeyStream(buf, buf)
		}
		return nil
	}

	cipher, err := rc4.NewCipher(s.sessionKey)
	if err != nil {
		return err
	}
	cipher.XORKeyStream(buf, buf)
	return nil
}

const (
	cryptPasswordDataSize = 512

	// CryptPasswordSize is the fixed wire size of a password buffer: 512
	// data bytes followed by the 32-bit cleartext length.
	CryptPasswordSize = cryptPasswordDataSize + 4
)

// CryptPassword is the fixed-size buffer carried by password-set
// operations. The UTF-16LE cleartext sits right-aligned in Data with
// random filler in front of it; Length records the cleartext size in
// bytes. Encryption covers the whole buffer, length field included.
type CryptPassword struct {
	Data   [cryptPasswordDataSize]byte
	Length uint32
}

// NewCryptPassword lays out a password in a fresh buffer. The password
// must encode to at least one and at most 511 bytes of UTF-16LE.
func NewCryptPassword(password string) (*CryptPassword, error) {
	pw := utils.EncodeStringToBytes(password)
	return newCryptPassword(pw)
}

// NewCryptPasswordBytes lays out an already-encoded UTF-16LE secret, such
// as a random machine password that is not valid UTF-16.
func NewCryptPasswordBytes(pw []byte) (*CryptPassword, error) {
	return newCryptPassword(pw)
}

func newCryptPassword(pw []byte) (*CryptPassword, error) {
	if len(pw) == 0 {
		return nil, fmt.Errorf("empty password")
	}
	if len(pw) >= cryptPasswordDataSize {
		return nil, fmt.Errorf("password of %d bytes: %w", len(pw), ErrBufferTooLarge)
	}

	var cp CryptPassword
	if _, err := rand.Read(cp.Data[:cryptPasswordDataSize-len(pw)]); err != nil {
		return nil, err
	}
	copy(cp.Data[cryptPasswordDataSize-len(pw):], pw)
	cp.Length = uint32(len(pw))

	return &cp, nil
}

// Extract returns the UTF-16LE cleartext recorded in a decrypted buffer.
// A recorded length of zero, or one spanning the whole buffer, marks a
// corrupt or foreign-keyed decryption.
func (cp *CryptPassword) Extract() ([]byte, error) {
	if cp.Length == 0 || cp.Length >= cryptPasswordDataSize {
		return nil, fmt.Errorf("recorded password length %d: %w", cp.Length, ErrBufferTooLarge)
	}
	return cp.Data[cryptPasswordDataSize-cp.Length:], nil
}

// ExtractString decodes the recorded cleartext as a string.
func (cp *CryptPassword) ExtractString() (string, error) {
	pw, err := cp.Extract()
	if err != nil {
		return "", err
	}
	return utils.DecodeToString(pw), nil
}

// Bytes flattens the buffer to its 516-byte wire form.
func (cp *CryptPassword) Bytes() []byte {
	buf := make([]byte, CryptPasswordSize)
	copy(buf, cp.Data[:])
	binary.LittleEndian.PutUint32(buf[cryptPasswordDataSize:], cp.Length)
	return buf
}

// ParseCryptPassword reads a 516-byte wire form back into a buffer.
func ParseCryptPassword(bs []byte) (*CryptPassword, error) {
	if len(bs) != CryptPasswordSize {
		return nil, fmt.Errorf("password buffer of %d bytes: %w", len(bs), ErrBufferTooLarge)
	}
	var cp CryptPassword
	copy(cp.Data[:], bs[:cryptPasswordDataSize])
	cp.Length = binary.LittleEndian.Uint32(bs[cryptPasswordDataSize:])
	return &cp, nil
}

// EncryptCryptPassword seals the buffer in place under the chain's
// session key.
func (s *CredentialState) EncryptCryptPassword(cp *CryptPassword) error {
	return s.cryptCryptPassword(cp, true)
}

// DecryptCryptPassword opens a buffer sealed by the peer. The recorded
// length is not validated here; Extract does that.
func (s *CredentialState) DecryptCryptPassword(cp *CryptPassword) error {
	return s.cryptCryptPassword(cp, false)
}

func (s *CredentialState) cryptCryptPassword(cp *CryptPassword, encrypt bool) error {
	buf := cp.Bytes()
	if err := s.cryptBuffer(buf, encrypt); err != nil {
		return err
	}
	copy(cp.Data[:], buf[:cryptPasswordDataSize])
	cp.Length = binary.LittleEndian.Uint32(buf[cryptPasswordDataSize:])
	return nil
}
