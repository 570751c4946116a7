package netlogon

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/KlongLee/samba/internal/cfb8"
)

// Signature scheme identifiers.
const (
	signHMACSHA256 = 0x0013
	sealAES128     = 0x001a
	signHMACMD5    = 0x0077
	sealRC4        = 0x007a
	sealNone       = 0xffff
)

const (
	signedOverhead = 24
	sealedOverhead = 32
)

// SealingSession encrypts and authenticates traffic on an established
// secure channel. Each side runs one session per channel; a single
// sequence counter covers both directions, so calls and replies must
// alternate strictly. A session whose verification failed is
// desynchronized and must be discarded along with its channel.
type SealingSession struct {
	sessionKey     []byte
	negotiateFlags uint32
	initiator      bool
	sequence       uint32
}

// NewSealingSession binds a sealing session to a derived session key. The
// side that established the channel passes initiator true; the accepting
// side passes false.
func NewSealingSession(sessionKey []byte, negotiateFlags uint32, initiator bool) *SealingSession {
	return &SealingSession{
		sessionKey:     sessionKey,
		negotiateFlags: negotiateFlags,
		initiator:      initiator,
	}
}

func (ss *SealingSession) aes() bool {
	return ss.negotiateFlags&NETLOGON_NEG_SUPPORTS_AES != 0
}

// Overhead returns the signature block size Seal prepends.
func (ss *SealingSession) Overhead() int {
	return sealedOverhead
}

// Signature block layout:
//
//	0-2: signature algorithm
//	2-4: seal algorithm (0xffff when signing only)
//	4-6: pad
//	6-8: flags
//	8-16: encrypted sequence
//	16-24: checksum
//	24-32: encrypted confounder (sealed packets only)
func (ss *SealingSession) header(seal bool) []byte {
	hdr := make([]byte, 8)
	if ss.aes() {
		binary.LittleEndian.PutUint16(hdr[0:2], signHMACSHA256)
		binary.LittleEndian.PutUint16(hdr[2:4], sealAES128)
	} else {
		binary.LittleEndian.PutUint16(hdr[0:2], signHMACMD5)
		binary.LittleEndian.PutUint16(hdr[2:4], sealRC4)
	}
	if !seal {
		binary.LittleEndian.PutUint16(hdr[2:4], sealNone)
	}
	binary.LittleEndian.PutUint16(hdr[4:6], 0xffff)
	binary.LittleEndian.PutUint16(hdr[6:8], 0x0000)
	return hdr
}

// seqBytes builds the plaintext sequence block for the current counter.
// Byte 4 marks packets sent by the channel initiator.
func (ss *SealingSession) seqBytes(outgoing bool) []byte {
	seq := make([]byte, 8)
	binary.BigEndian.PutUint32(seq[0:4], ss.sequence)
	if outgoing == ss.initiator {
		seq[4] = 0x80
	}
	return seq
}

// checksum authenticates the header and the plaintext. The legacy scheme
// hashes through an MD5 packet digest first; AES feeds HMAC-SHA256
// directly. Only the first 8 bytes travel.
func (ss *SealingSession) checksum(hdr, confounder, data []byte) []byte {
	var m hash.Hash
	if ss.aes() {
		m = hmac.New(sha256.New, ss.sessionKey)
		m.Write(hdr)
		m.Write(confounder)
		m.Write(data)
	} else {
		d := md5.New()
		d.Write(make([]byte, 4))
		d.Write(hdr)
		d.Write(confounder)
		d.Write(data)
		m = hmac.New(md5.New, ss.sessionKey)
		m.Write(d.Sum(nil))
	}
	return m.Sum(nil)[:8]
}

// sealCrypt transforms the confounder and payload under a key derived
// from the plaintext sequence. The legacy scheme runs a fresh RC4 stream
// for the confounder and another for the payload; AES runs one CFB8
// stream across both with the sequence doubled as IV.
func (ss *SealingSession) sealCrypt(seqPlain, confounder, data []byte, encrypt bool) error {
	sealKey := make([]byte, len(ss.sessionKey))
	for i, b := range ss.sessionKey {
		sealKey[i] = b ^ 0xf0
	}

	if ss.aes() {
		block, err := aes.NewCipher(sealKey)
		if err != nil {
			return err
		}
		iv := make([]byte, aes.BlockSize)
		copy(iv[0:8], seqPlain)
		copy(iv[8:16], seqPlain)
		var stream = cfb8.NewEncrypter(block, iv)
		if !encrypt {
			stream = cfb8.NewDecrypter(block, iv)
		}
		stream.XORKeyStream(confounder, confounder)
		stream.XORKeyStream(data, data)
		return nil
	}

	m := hmac.New(md5.New, sealKey)
	m.Write(make([]byte, 4))
	m = hmac.New(md5.New, m.Sum(nil))
	m.Write(seqPlain)
	rc4Key := m.Sum(nil)

	for _, part := range [][]byte{confounder, data} {
		cipher, err := rc4.NewCipher(rc4Key)
		if err != nil {
			return err
		}
		cipher.XORKeyStream(part, part)
	}
	return nil
}

// seqCrypt encrypts or decrypts the sequence block under a key bound to
// the packet checksum.
func (ss *SealingSession) seqCrypt(checksum, seq []byte, encrypt bool) error {
	if ss.aes() {
		block, err := aes.NewCipher(ss.sessionKey)
		if err != nil {
			return err
		}
		iv := make([]byte, aes.BlockSize)
		copy(iv[0:8], checksum)
		copy(iv[8:16], checksum)
		if encrypt {
			cfb8.NewEncrypter(block, iv).XORKeyStream(seq, seq)
		} else {
			cfb8.NewDecrypter(block, iv).XORKeyStream(seq, seq)
		}
		return nil
	}

	m := hmac.New(md5.New, ss.sessionKey)
	m.Write(make([]byte, 4))
	m = hmac.New(md5.New, m.Sum(nil))
	m.Write(checksum)
	cipher, err := rc4.NewCipher(m.Sum(nil))
	if err != nil {
		return err
	}
	cipher.XORKeyStream(seq, seq)
	return nil
}

// Seal encrypts msg and prepends the signature block, appending the
// result to dst.
func (ss *SealingSession) Seal(dst, msg []byte) ([]byte, error) {
	confounder := make([]byte, 8)
	if _, err := rand.Read(confounder); err != nil {
		return nil, err
	}

	hdr := ss.header(true)
	checksum := ss.checksum(hdr, confounder, msg)

	data := make([]byte, len(msg))
	copy(data, msg)
	seqPlain := ss.seqBytes(true)
	if err := ss.sealCrypt(seqPlain, confounder, data, true); err != nil {
		return nil, err
	}

	seq := make([]byte, 8)
	copy(seq, seqPlain)
	if err := ss.seqCrypt(checksum, seq, true); err != nil {
		return nil, err
	}
	ss.sequence++

	dst = append(dst, hdr...)
	dst = append(dst, seq...)
	dst = append(dst, checksum...)
	dst = append(dst, confounder...)
	dst = append(dst, data...)
	return dst, nil
}

// Unseal verifies and decrypts a sealed packet, appending the plaintext
// to dst. The sequence advances only on success.
func (ss *SealingSession) Unseal(dst, sealed []byte) ([]byte, error) {
	if len(sealed) < sealedOverhead {
		return nil, fmt.Errorf("sealed packet of %d bytes: truncated signature", len(sealed))
	}

	hdr := sealed[0:8]
	seq := make([]byte, 8)
	copy(seq, sealed[8:16])
	checksum := sealed[16:24]
	confounder := make([]byte, 8)
	copy(confounder, sealed[24:32])
	data := make([]byte, len(sealed)-sealedOverhead)
	copy(data, sealed[sealedOverhead:])

	wantAlg := uint16(signHMACMD5)
	if ss.aes() {
		wantAlg = signHMACSHA256
	}
	if binary.LittleEndian.Uint16(hdr[0:2]) != wantAlg {
		return nil, fmt.Errorf("unexpected signature algorithm 0x%04x", binary.LittleEndian.Uint16(hdr[0:2]))
	}

	if err := ss.seqCrypt(checksum, seq, false); err != nil {
		return nil, err
	}
	seqPlain := ss.seqBytes(false)
	if subtle.ConstantTimeCompare(seq, seqPlain) != 1 {
		return nil, fmt.Errorf("sequence check failed: %w", ErrCredentialMismatch)
	}

	if err := ss.sealCrypt(seqPlain, confounder, data, false); err != nil {
		return nil, err
	}

	want := ss.checksum(ss.header(true), confounder, data)
	if !hmac.Equal(want, checksum) {
		return nil, fmt.Errorf("checksum mismatch: %w", ErrCredentialMismatch)
	}
	ss.sequence++

	return append(dst, data...), nil
}

// Sign authenticates msg without encrypting it, returning the signature
// block to send ahead of the plaintext.
func (ss *SealingSession) Sign(msg []byte) ([]byte, error) {
	hdr := ss.header(false)
	checksum := ss.checksum(hdr, nil, msg)

	seq := ss.seqBytes(true)
	if err := ss.seqCrypt(checksum, seq, true); err != nil {
		return nil, err
	}
	ss.sequence++

	sig := make([]byte, 0, signedOverhead)
	sig = append(sig, hdr...)
	sig = append(sig, seq...)
	sig = append(sig, checksum...)
	return sig, nil
}

// CheckSign verifies a signature block produced by the peer's Sign over
// msg. The sequence advances only on success.
func (ss *SealingSession) CheckSign(sig, msg []byte) error {
	if len(sig) < signedOverhead {
		return fmt.Errorf("signature of %d bytes: truncated signature", len(sig))
	}

	hdr := sig[0:8]
	seq := make([]byte, 8)
	copy(seq, sig[8:16])
	checksum := sig[16:24]

	wantAlg := uint16(signHMACMD5)
	if ss.aes() {
		wantAlg = signHMACSHA256
	}
	if binary.LittleEndian.Uint16(hdr[0:2]) != wantAlg {
		return fmt.Errorf("unexpected signature algorithm 0x%04x", binary.LittleEndian.Uint16(hdr[0:2]))
	}

	if err := ss.seqCrypt(checksum, seq, false); err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(seq, ss.seqBytes(false)) != 1 {
		return fmt.Errorf("sequence check failed: %w", ErrCredentialMismatch)
	}

	want := ss.checksum(ss.header(false), nil, msg)
	if !hmac.Equal(want, checksum) {
		return fmt.Errorf("checksum mismatch: %w", ErrCredentialMismatch)
	}
	ss.sequence++

	return nil
}
