package netlogon

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/KlongLee/samba/internal/descrypt"
	"golang.org/x/crypto/md4"
)

// Capability bits negotiated during channel establishment
// (MS-NRPC 3.1.4.2, the subset this engine consumes).
const (
	NETLOGON_NEG_ARCFOUR           = 0x00000004
	NETLOGON_NEG_STRONG_KEYS       = 0x00004000
	NETLOGON_NEG_PASSWORD_SET2     = 0x00020000
	NETLOGON_NEG_GETDOMAININFO     = 0x00040000
	NETLOGON_NEG_SUPPORTS_AES      = 0x01000000
	NETLOGON_NEG_AUTHENTICATED_RPC = 0x40000000
)

// DefaultNegotiateFlags is the workstation client mask: it offers the AES
// scheme and falls back to the strong-key scheme when the peer cannot.
const DefaultNegotiateFlags = NETLOGON_NEG_ARCFOUR |
	NETLOGON_NEG_STRONG_KEYS |
	NETLOGON_NEG_PASSWORD_SET2 |
	NETLOGON_NEG_GETDOMAININFO |
	NETLOGON_NEG_SUPPORTS_AES |
	NETLOGON_NEG_AUTHENTICATED_RPC

// Secure channel account types (MS-NRPC NETLOGON_SECURE_CHANNEL_TYPE).
const (
	SEC_CHAN_NULL       = 0
	SEC_CHAN_LOCAL      = 1
	SEC_CHAN_WKSTA      = 2
	SEC_CHAN_DNS_DOMAIN = 3
	SEC_CHAN_DOMAIN     = 4
	SEC_CHAN_LANMAN     = 5
	SEC_CHAN_BDC        = 6
)

// Credential is an 8-byte challenge or rolling credential value.
type Credential [8]byte

// SessionKeySize is the size of every derived session key. The legacy
// scheme only fills the first 8 bytes; the rest stay zero.
const SessionKeySize = 16

// DeriveSessionKey turns a shared secret and the challenge pair into the
// 16-byte session key. The secret is the raw secret material (an UTF-16LE
// machine password or trust secret); it is folded through MD4 before use.
// The negotiate flags select the scheme: AES (HMAC-SHA256), strong key
// (HMAC-MD5), or the 64-bit DES scheme when neither bit is present.
func DeriveSessionKey(secret []byte, clientChallenge, serverChallenge Credential, negotiateFlags uint32) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty shared secret: %w", ErrKeyDerivation)
	}

	h := md4.New()
	h.Write(secret)
	owf := h.Sum(nil)

	key := make([]byte, SessionKeySize)

	switch {
	case negotiateFlags&NETLOGON_NEG_SUPPORTS_AES != 0:
		hm := hmac.New(sha256.New, owf)
		hm.Write(clientChallenge[:])
		hm.Write(serverChallenge[:])
		copy(key, hm.Sum(nil))

	case negotiateFlags&NETLOGON_NEG_STRONG_KEYS != 0:
		d := md5.New()
		d.Write(make([]byte, 4))
		d.Write(clientChallenge[:])
		d.Write(serverChallenge[:])

		hm := hmac.New(md5.New, owf)
		hm.Write(d.Sum(nil))
		hm.Sum(key[:0])

	default:
		var sum Credential
		addChallenges(sum[0:4], clientChallenge[0:4], serverChallenge[0:4])
		addChallenges(sum[4:8], clientChallenge[4:8], serverChallenge[4:8])
		descrypt.Crypt128(key[:8], sum[:], owf)
		// key[8:16] stays zero
	}

	return key, nil
}

// addChallenges stores the little-endian 32-bit sum of two challenge
// halves.
func addChallenges(dst, a, b []byte) {
	binary.LittleEndian.PutUint32(dst, binary.LittleEndian.Uint32(a)+binary.LittleEndian.Uint32(b))
}
