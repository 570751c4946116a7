package ntlm

import (
	"crypto/hmac"
	"crypto/md5"
	"strings"

	"github.com/KlongLee/samba/internal/descrypt"
	"github.com/KlongLee/samba/utils"
	"golang.org/x/crypto/md4"
)

// Ntowfv1 returns the NT one-way function of a password (the NT hash).
func Ntowfv1(password string) []byte {
	return ntowfv1(utils.EncodeStringToBytes(password))
}

// Ntowfv2 returns the NTLMv2 one-way function of the user's credentials.
// The user name is upper-cased before encoding, the domain is not.
func Ntowfv2(password, user, domain string) []byte {
	return Ntowfv2Hash(user, domain, Ntowfv1(password))
}

// Ntowfv2Hash is Ntowfv2 computed from an existing NT hash instead of the
// cleartext password.
func Ntowfv2Hash(user, domain string, hash []byte) []byte {
	return ntowfv2Hash(utils.EncodeStringToBytes(strings.ToUpper(user)), hash, utils.EncodeStringToBytes(domain))
}

// Response carries the outcome of a challenge-response computation. The
// fields go into the authenticate message (or a network logon record);
// SessionBaseKey feeds the key exchange.
type Response struct {
	NT             []byte
	LM             []byte
	SessionBaseKey []byte
}

// NTLMv2Response computes the NTLMv2 challenge response. The timestamp is
// an 8-byte FILETIME and targetInfo the server-supplied AV pair block. The
// computation is a pure function of its inputs: a wrong password yields a
// response the verifier will reject, never an error here.
func NTLMv2Response(v2hash, serverChallenge, clientChallenge, timeStamp []byte, targetInfo TargetInfo) *Response {
	ti := targetInfo.Encode()

	// The hashed region runs to the end of the buffer; the four zero bytes
	// after the AV pairs are part of it.
	nt := make([]byte, 16+28+len(ti)+4)
	h := hmac.New(md5.New, v2hash)
	encodeNtlmv2Response(nt, h, serverChallenge, clientChallenge, timeStamp, bytesEncoder(ti))

	h.Reset()
	h.Write(nt[:16])
	sessionBaseKey := h.Sum(nil)

	lm := make([]byte, 24)
	h.Reset()
	h.Write(serverChallenge)
	h.Write(clientChallenge)
	h.Sum(lm[:0])
	copy(lm[16:], clientChallenge)

	return &Response{NT: nt, LM: lm, SessionBaseKey: sessionBaseKey}
}

// NTLMv1Response computes the classic 24-byte DES challenge response from
// the NT hash. The LM response mirrors the NT response; LM hashes are not
// produced or accepted.
func NTLMv1Response(ntHash, serverChallenge []byte) *Response {
	nt := desl(ntHash, serverChallenge)

	lm := make([]byte, 24)
	copy(lm, nt)

	h := md4.New()
	h.Write(ntHash)
	sessionBaseKey := h.Sum(nil)

	return &Response{NT: nt, LM: lm, SessionBaseKey: sessionBaseKey}
}

// VerifyNTLMv2 recomputes the proof over the client blob carried in an NT
// response and compares it in constant time. The caller derives v2hash
// from the stored NT hash and the identity the logon names.
func VerifyNTLMv2(v2hash, serverChallenge, ntResponse []byte) bool {
	if len(ntResponse) < 44 {
		return false
	}

	blob := ntResponse[16:]
	expected := make([]byte, len(ntResponse))
	h := hmac.New(md5.New, v2hash)
	encodeNtlmv2Response(expected, h, serverChallenge, blob[16:24], blob[8:16], bytesEncoder(blob[28:]))

	return hmac.Equal(expected[:16], ntResponse[:16])
}

// NTLMv2SessionBaseKey derives the session base key from a verified
// proof, the first 16 bytes of the NT response.
func NTLMv2SessionBaseKey(v2hash, ntProof []byte) []byte {
	h := hmac.New(md5.New, v2hash)
	h.Write(ntProof)
	return h.Sum(nil)
}

// VerifyNTLMv1 checks a classic 24-byte response against the NT hash.
func VerifyNTLMv1(ntHash, serverChallenge, ntResponse []byte) bool {
	return hmac.Equal(desl(ntHash, serverChallenge), ntResponse)
}

// desl pads the 16-byte key to 21 bytes and runs three chained DES
// encryptions of the challenge.
func desl(key, challenge []byte) []byte {
	padded := make([]byte, 21)
	copy(padded, key)

	out := make([]byte, 24)
	descrypt.Crypt56(out[0:8], challenge, padded[0:7])
	descrypt.Crypt56(out[8:16], challenge, padded[7:14])
	descrypt.Crypt56(out[16:24], challenge, padded[14:21])
	return out
}
