// Taken from https://github.com/hirochachacha/go-smb2
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
	"strings"
	"time"

	"github.com/KlongLee/samba/spnego"
	"github.com/KlongLee/samba/utils"
)

// Acceptor drives the server side of an NTLMSSP exchange. Accounts are
// looked up by lower-cased user name; passwords never leave the acceptor.
type Acceptor struct {
	targetName   string
	targetDomain string
	accounts     map[string]string

	nmsg    []byte
	cmsg    []byte
	amsg    []byte
	session *Session

	mechTypes []asn1.ObjectIdentifier
}

func NewAcceptor(targetName, targetDomain string) *Acceptor {
	return &Acceptor{
		targetName:   targetName,
		targetDomain: targetDomain,
		accounts:     make(map[string]string),
		mechTypes:    []asn1.ObjectIdentifier{spnego.NlmpOid},
	}
}

func (a *Acceptor) AddAccount(user, password string) {
	a.accounts[strings.ToLower(user)] = password
}

// Negotiate produces the SPNEGO hint token offered before any client
// message arrives.
func (a *Acceptor) Negotiate() ([]byte, error) {
	return spnego.EncodeNegTokenInit2(a.mechTypes)
}

// Challenge consumes the negotiate message and produces the challenge
// message. The target info block always carries a timestamp, directing
// well-behaved clients onto the MIC path.
func (a *Acceptor) Challenge(nmsg []byte) (cmsg []byte, err error) {
	//        NegotiateMessage
	//   0-8: Signature
	//  8-12: MessageType
	// 12-16: NegotiateFlags
	// 16-24: DomainNameFields
	// 24-32: WorkstationFields
	// 32-40: Version
	//   40-: Payload

	a.nmsg = nmsg

	if len(nmsg) < 32 {
		return nil, errors.New("message length is too short")
	}

	if !bytes.Equal(nmsg[:8], signature) {
		return nil, errors.New("invalid signature")
	}

	if binary.LittleEndian.Uint32(nmsg[8:12]) != NtLmNegotiate {
		return nil, errors.New("invalid message type")
	}

	flags := binary.LittleEndian.Uint32(nmsg[12:16]) & defaultFlags
	flags |= NTLMSSP_NEGOTIATE_TARGET_INFO
	flags |= NTLMSSP_TARGET_TYPE_SERVER

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

	off := 48
	if flags&NTLMSSP_NEGOTIATE_VERSION != 0 {
		off += 8
	}

	targetName := utils.EncodeStringToBytes(a.targetName)

	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, utils.UnixToFiletime(time.Now()))

	var info TargetInfo
	info = info.AddString(MsvAvNbComputerName, a.targetName)
	info = info.AddString(MsvAvNbDomainName, a.targetDomain)
	info = info.AddString(MsvAvDnsComputerName, strings.ToLower(a.targetName))
	info = info.AddString(MsvAvDnsDomainName, a.targetDomain)
	info = info.Add(MsvAvTimestamp, ts)
	targetInfo := info.Encode()

	cmsg = make([]byte, off+len(targetName)+len(targetInfo))

	copy(cmsg[:8], signature)
	binary.LittleEndian.PutUint32(cmsg[8:12], NtLmChallenge)
	binary.LittleEndian.PutUint32(cmsg[20:24], flags)

	if targetName != nil && flags&NTLMSSP_REQUEST_TARGET != 0 {
		length := copy(cmsg[off:off+len(targetName)], targetName)
		binary.LittleEndian.PutUint16(cmsg[12:14], uint16(length))
		binary.LittleEndian.PutUint16(cmsg[14:16], uint16(length))
		binary.LittleEndian.PutUint32(cmsg[16:20], uint32(off))
		off += length
	}

	copy(cmsg[off:], targetInfo)
	binary.LittleEndian.PutUint16(cmsg[40:42], uint16(len(targetInfo)))
	binary.LittleEndian.PutUint16(cmsg[42:44], uint16(len(targetInfo)))
	binary.LittleEndian.PutUint32(cmsg[44:48], uint32(off))

	_, err = rand.Read(cmsg[24:32])
	if err != nil {
		return nil, err
	}

	if flags&NTLMSSP_NEGOTIATE_VERSION != 0 {
		copy(cmsg[48:56], version)
	}

	a.cmsg = cmsg

	return cmsg, nil
}

// Authenticate validates the authenticate message against the account
// table. Both the NTLMv2 and the 24-byte classic response are accepted.
func (a *Acceptor) Authenticate(amsg []byte) (err error) {
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

	if len(amsg) < 64 {
		return errors.New("message is too short")
	}

	if !bytes.Equal(amsg[:8], signature) {
		return errors.New("invalid signature")
	}

	if binary.LittleEndian.Uint32(amsg[8:12]) != NtLmAuthenticate {
		return errors.New("invalid message type")
	}

	flags := binary.LittleEndian.Uint32(amsg[60:64])

	ntChallengeResponse, err := field(amsg, 20, "NT challenge")
	if err != nil {
		return err
	}

	domainName, err := field(amsg, 28, "domain name")
	if err != nil {
		return err
	}

	userName, err := field(amsg, 36, "user name")
	if err != nil {
		return err
	}

	encryptedRandomSessionKey, err := field(amsg, 52, "session key")
	if err != nil {
		return err
	}

	if len(userName) == 0 && len(ntChallengeResponse) == 0 {
		return errors.New("credential is empty")
	}

	user := strings.ToLower(utils.DecodeToString(userName))
	password, ok := a.accounts[user]
	if !ok {
		return errors.New("login failure")
	}

	serverChallenge := a.cmsg[24:32]

	var (
		sessionBaseKey []byte
		targetInfo     []byte
	)

	if len(ntChallengeResponse) == 24 {
		// classic response
		ntHash := ntowfv1(utils.EncodeStringToBytes(password))
		expected := desl(ntHash, serverChallenge)
		if !bytes.Equal(ntChallengeResponse, expected) {
			return errors.New("login failure")
		}
		sessionBaseKey = ntowfv1(ntHash)
	} else {
		if len(ntChallengeResponse) < 48 {
			return errors.New("invalid NT challenge format")
		}
		expected := make([]byte, len(ntChallengeResponse))
		ntlmv2ClientChallenge := ntChallengeResponse[16:]
		USER := utils.EncodeStringToBytes(strings.ToUpper(user))
		h := hmac.New(md5.New, ntowfv2(USER, utils.EncodeStringToBytes(password), domainName))
		timeStamp := ntlmv2ClientChallenge[8:16]
		clientChallenge := ntlmv2ClientChallenge[16:24]
		targetInfo = ntlmv2ClientChallenge[28:]
		encodeNtlmv2Response(expected, h, serverChallenge, clientChallenge, timeStamp, bytesEncoder(targetInfo))
		if !bytes.Equal(ntChallengeResponse, expected) {
			return errors.New("login failure")
		}

		h.Reset()
		h.Write(ntChallengeResponse[:16])
		sessionBaseKey = h.Sum(nil)
	}

	var domain string
	if len(domainName) != 0 {
		domain = utils.DecodeToString(domainName)
	}

	keyExchangeKey := sessionBaseKey

	var exportedSessionKey []byte
	if flags&NTLMSSP_NEGOTIATE_KEY_EXCH != 0 {
		if len(encryptedRandomSessionKey) != 16 {
			return errors.New("invalid session key format")
		}
		exportedSessionKey = make([]byte, 16)
		cipher, err := rc4.NewCipher(keyExchangeKey)
		if err != nil {
			return err
		}
		cipher.XORKeyStream(exportedSessionKey, encryptedRandomSessionKey)
	} else {
		exportedSessionKey = keyExchangeKey
	}

	infoMap, ok := parseAvPairs(targetInfo)
	if ok {
		if avFlags, ok := infoMap[MsvAvFlags]; ok && len(avFlags) == 4 && binary.LittleEndian.Uint32(avFlags)&avFlagMICPresent != 0 {
			MIC := make([]byte, 16)
			if flags&NTLMSSP_NEGOTIATE_VERSION != 0 {
				copy(MIC, amsg[72:88])
				copy(amsg[72:88], zero[:])
			} else {
				copy(MIC, amsg[64:80])
				copy(amsg[64:80], zero[:])
			}
			h := hmac.New(md5.New, exportedSessionKey)
			h.Write(a.nmsg)
			h.Write(a.cmsg)
			h.Write(amsg)
			if !bytes.Equal(MIC, h.Sum(nil)) {
				return errors.New("login failure")
			}
		}
	}

	a.session, err = newSession(false, user, domain, flags, exportedSessionKey, infoMap)
	if err != nil {
		return err
	}
	a.amsg = amsg

	return nil
}

// field extracts a length/offset-addressed payload slice of the
// authenticate message.
func field(amsg []byte, off int, name string) ([]byte, error) {
	n := binary.LittleEndian.Uint16(amsg[off : off+2])
	maxN := binary.LittleEndian.Uint16(amsg[off+2 : off+4])
	if maxN < n {
		return nil, errors.New("invalid " + name + " format")
	}
	bufferOffset := binary.LittleEndian.Uint32(amsg[off+4 : off+8])
	if len(amsg) < int(bufferOffset)+int(n) {
		return nil, errors.New("invalid " + name + " format")
	}
	return amsg[bufferOffset : bufferOffset+uint32(n)], nil
}

// Signature returns the MIC the acceptor would expect over the exchange,
// computed from the established session key.
func (a *Acceptor) Signature() []byte {
	h := hmac.New(md5.New, a.session.SessionKey())
	h.Write(a.nmsg)
	h.Write(a.cmsg)

	off := 64
	flags := binary.LittleEndian.Uint32(a.amsg[60:64])
	if flags&NTLMSSP_NEGOTIATE_VERSION != 0 {
		off = 72
	}

	h.Write(a.amsg[:off])
	h.Write(zero[:])
	h.Write(a.amsg[off+16:])

	return h.Sum(nil)
}

func (a *Acceptor) Session() *Session {
	return a.session
}

// ChallengeSPNEGO consumes a NegTokenInit wrapping a negotiate message and
// produces a NegTokenResp wrapping the challenge.
func (a *Acceptor) ChallengeSPNEGO(token []byte) ([]byte, error) {
	init, err := spnego.DecodeNegTokenInit(token)
	if err != nil {
		return nil, err
	}
	cmsg, err := a.Challenge(init.MechToken)
	if err != nil {
		return nil, err
	}
	return spnego.EncodeNegTokenResp(1, spnego.NlmpOid, cmsg, nil)
}

// AcceptSPNEGO consumes a NegTokenResp wrapping an authenticate message.
func (a *Acceptor) AcceptSPNEGO(token []byte) error {
	resp, err := spnego.DecodeNegTokenResp(token)
	if err != nil {
		return err
	}
	return a.Authenticate(resp.ResponseToken)
}
