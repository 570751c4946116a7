package ntlm

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"time"

	"github.com/KlongLee/samba/spnego"
	"github.com/KlongLee/samba/utils"
)

// Initiator drives the client side of an NTLMSSP exchange: it produces the
// negotiate message, consumes the challenge and produces the authenticate
// message, yielding a Session for signing and sealing.
type Initiator struct {
	user        string
	password    string
	domain      string
	workstation string

	ntlmV1 bool

	nmsg []byte
	cmsg []byte
	amsg []byte

	session *Session
}

func NewInitiator(user, password, domain, workstation string) *Initiator {
	return &Initiator{
		user:        user,
		password:    password,
		domain:      domain,
		workstation: workstation,
	}
}

// UseNTLMv1 downgrades the initiator to the classic DES response. Extended
// session security is dropped from the negotiated flags so both sides run
// the legacy signature scheme.
func (i *Initiator) UseNTLMv1() {
	i.ntlmV1 = true
}

// Negotiate produces the first message of the exchange.
func (i *Initiator) Negotiate() ([]byte, error) {
	//        NegotiateMessage
	//   0-8: Signature
	//  8-12: MessageType
	// 12-16: NegotiateFlags
	// 16-24: DomainNameFields
	// 24-32: WorkstationFields
	// 32-40: Version
	//   40-: Payload

	flags := uint32(defaultFlags)
	if i.ntlmV1 {
		flags &^= NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY
	}

	nmsg := make([]byte, 40)
	copy(nmsg[:8], signature)
	binary.LittleEndian.PutUint32(nmsg[8:12], NtLmNegotiate)
	binary.LittleEndian.PutUint32(nmsg[12:16], flags)
	copy(nmsg[32:40], version)

	i.nmsg = nmsg

	return nmsg, nil
}

// Authenticate consumes the challenge message and produces the
// authenticate message. When the server's target info carries a timestamp,
// the message includes a MIC over the whole handshake and the LM response
// is zeroed.
func (i *Initiator) Authenticate(cmsg []byte) (amsg []byte, err error) {
	//        ChallengeMessage
	//   0-8: Signature
	//  8-12: MessageType
	// 12-20: TargetNameFields
	// 20-24: NegotiateFlags
	// 24-32: ServerChallenge
	// 32-40: _
	// 40-48: TargetInfoFields
	// 48-56: Version
	//   56-: Payload

	if i.nmsg == nil {
		return nil, errors.New("negotiate message not sent")
	}

	if len(cmsg) < 48 {
		return nil, errors.New("message length is too short")
	}

	if !bytes.Equal(cmsg[:8], signature) {
		return nil, errors.New("invalid signature")
	}

	if binary.LittleEndian.Uint32(cmsg[8:12]) != NtLmChallenge {
		return nil, errors.New("invalid message type")
	}

	i.cmsg = cmsg

	flags := binary.LittleEndian.Uint32(cmsg[20:24])
	if i.ntlmV1 {
		flags &^= NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY
	}

	serverChallenge := cmsg[24:32]

	var serverInfo []byte
	if flags&NTLMSSP_NEGOTIATE_TARGET_INFO != 0 {
		n := binary.LittleEndian.Uint16(cmsg[40:42])
		off := binary.LittleEndian.Uint32(cmsg[44:48])
		if len(cmsg) < int(off)+int(n) {
			return nil, errors.New("invalid target info format")
		}
		serverInfo = cmsg[off : off+uint32(n)]
	}

	targetInfo, err := ParseTargetInfo(serverInfo)
	if err != nil {
		return nil, err
	}

	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, err
	}

	var (
		resp    *Response
		withMIC bool
	)

	if i.ntlmV1 {
		resp = NTLMv1Response(Ntowfv1(i.password), serverChallenge)
	} else {
		timeStamp := make([]byte, 8)
		if ts, ok := targetInfo.Get(MsvAvTimestamp); ok && len(ts) == 8 {
			copy(timeStamp, ts)
			withMIC = true
			targetInfo = targetInfo.SetFlags(avFlagMICPresent)
		} else {
			binary.LittleEndian.PutUint64(timeStamp, utils.UnixToFiletime(time.Now()))
		}

		resp = NTLMv2Response(Ntowfv2(i.password, i.user, i.domain), serverChallenge, clientChallenge, timeStamp, targetInfo)
		if withMIC {
			// The MIC covers the handshake; the LM response carries nothing.
			resp.LM = make([]byte, 24)
		}
	}

	keyExchangeKey := resp.SessionBaseKey

	exportedSessionKey := keyExchangeKey
	var encryptedRandomSessionKey []byte
	if flags&NTLMSSP_NEGOTIATE_KEY_EXCH != 0 {
		exportedSessionKey = make([]byte, 16)
		if _, err := rand.Read(exportedSessionKey); err != nil {
			return nil, err
		}
		cipher, err := rc4.NewCipher(keyExchangeKey)
		if err != nil {
			return nil, err
		}
		encryptedRandomSessionKey = make([]byte, 16)
		cipher.XORKeyStream(encryptedRandomSessionKey, exportedSessionKey)
	}

	//        AuthenticateMessage
	//   0-8: Signature
	//  8-12: MessageType
	// 12-20: LmChallengeResponseFields
	// 20-28: NtChallengeResponseFields
	// 28-36: DomainNameFields
	// 36-44: UserNameFields
	// 44-52: WorkstationFields
	// 52-60: EncryptedRandomSessionKeyFields
	// 60-64: NegotiateFlags
	// 64-72: Version
	// 72-88: MIC
	//   88-: Payload

	domainName := utils.EncodeStringToBytes(i.domain)
	userName := utils.EncodeStringToBytes(i.user)
	workstation := utils.EncodeStringToBytes(i.workstation)

	off := 88
	length := len(domainName) + len(userName) + len(workstation) +
		len(resp.LM) + len(resp.NT) + len(encryptedRandomSessionKey)

	amsg = make([]byte, off+length)
	copy(amsg[:8], signature)
	binary.LittleEndian.PutUint32(amsg[8:12], NtLmAuthenticate)
	binary.LittleEndian.PutUint32(amsg[60:64], flags)
	copy(amsg[64:72], version)

	binary.LittleEndian.PutUint16(amsg[28:30], uint16(len(domainName)))
	binary.LittleEndian.PutUint16(amsg[30:32], uint16(len(domainName)))
	binary.LittleEndian.PutUint32(amsg[32:36], uint32(off))
	off += copy(amsg[off:], domainName)

	binary.LittleEndian.PutUint16(amsg[36:38], uint16(len(userName)))
	binary.LittleEndian.PutUint16(amsg[38:40], uint16(len(userName)))
	binary.LittleEndian.PutUint32(amsg[40:44], uint32(off))
	off += copy(amsg[off:], userName)

	binary.LittleEndian.PutUint16(amsg[44:46], uint16(len(workstation)))
	binary.LittleEndian.PutUint16(amsg[46:48], uint16(len(workstation)))
	binary.LittleEndian.PutUint32(amsg[48:52], uint32(off))
	off += copy(amsg[off:], workstation)

	binary.LittleEndian.PutUint16(amsg[12:14], uint16(len(resp.LM)))
	binary.LittleEndian.PutUint16(amsg[14:16], uint16(len(resp.LM)))
	binary.LittleEndian.PutUint32(amsg[16:20], uint32(off))
	off += copy(amsg[off:], resp.LM)

	binary.LittleEndian.PutUint16(amsg[20:22], uint16(len(resp.NT)))
	binary.LittleEndian.PutUint16(amsg[22:24], uint16(len(resp.NT)))
	binary.LittleEndian.PutUint32(amsg[24:28], uint32(off))
	off += copy(amsg[off:], resp.NT)

	binary.LittleEndian.PutUint16(amsg[52:54], uint16(len(encryptedRandomSessionKey)))
	binary.LittleEndian.PutUint16(amsg[54:56], uint16(len(encryptedRandomSessionKey)))
	binary.LittleEndian.PutUint32(amsg[56:60], uint32(off))
	copy(amsg[off:], encryptedRandomSessionKey)

	if withMIC {
		h := hmac.New(md5.New, exportedSessionKey)
		h.Write(i.nmsg)
		h.Write(i.cmsg)
		h.Write(amsg) // MIC field still zero
		copy(amsg[72:88], h.Sum(nil))
	}

	infoMap, _ := parseAvPairs(serverInfo)

	i.session, err = newSession(true, i.user, i.domain, flags, exportedSessionKey, infoMap)
	if err != nil {
		return nil, err
	}

	i.amsg = amsg

	return amsg, nil
}

// Session returns the security session once Authenticate has run.
func (i *Initiator) Session() *Session {
	return i.session
}

// NegotiateSPNEGO wraps the negotiate message for carriers that exchange
// SPNEGO tokens instead of raw NTLMSSP messages.
func (i *Initiator) NegotiateSPNEGO() ([]byte, error) {
	nmsg, err := i.Negotiate()
	if err != nil {
		return nil, err
	}
	return spnego.EncodeNegTokenInit([]asn1.ObjectIdentifier{spnego.NlmpOid}, nmsg)
}

// AuthenticateSPNEGO unwraps the server's challenge token and wraps the
// authenticate message.
func (i *Initiator) AuthenticateSPNEGO(token []byte) ([]byte, error) {
	resp, err := spnego.DecodeNegTokenResp(token)
	if err != nil {
		return nil, err
	}
	amsg, err := i.Authenticate(resp.ResponseToken)
	if err != nil {
		return nil, err
	}
	return spnego.EncodeNegTokenResp(1, spnego.NlmpOid, amsg, nil)
}
