package netlogon

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/KlongLee/samba/utils"
	"github.com/oiweiwei/go-msrpc/msrpc/dtyp"
	"github.com/oiweiwei/go-msrpc/ndr"
)

// Logon parameter control bits callers may set on IdentityInfo.
const (
	MSV1_0_CLEARTEXT_PASSWORD_ALLOWED      = 0x00000002
	MSV1_0_UPDATE_LOGON_STATISTICS         = 0x00000004
	MSV1_0_RETURN_USER_PARAMETERS          = 0x00000008
	MSV1_0_ALLOW_SERVER_TRUST_ACCOUNT      = 0x00000020
	MSV1_0_ALLOW_WORKSTATION_TRUST_ACCOUNT = 0x00000800
	MSV1_0_ALLOW_MSVCHAPV2                 = 0x00010000
)

// User flags reported in validation info.
const (
	NETLOGON_GUEST            = 0x00000001
	NETLOGON_USED_LM_PASSWORD = 0x00000008
	NETLOGON_EXTRA_SIDS       = 0x00000020
	NETLOGON_NTLMV2_ENABLED   = 0x00000100
)

// Workstation flags carried by GetDomainInfo.
const (
	NETR_WS_FLAG_HANDLES_INBOUND_TRUSTS = 0x00000001
	NETR_WS_FLAG_HANDLES_SPN_UPDATE     = 0x00000002
)

// IdentityInfo names the account a logon request is for.
type IdentityInfo struct {
	Domain           string
	User             string
	Workstation      string
	ParameterControl uint32
}

// NetworkInfo carries a network logon: the challenge handed to the client
// and the NTLM responses it computed.
type NetworkInfo struct {
	Identity  IdentityInfo
	Challenge [8]byte
	NT        []byte
	LM        []byte
}

// ValidationInfo is the account data a successful logon returns.
type ValidationInfo struct {
	LogonTime      dtyp.Filetime
	EffectiveName  string
	FullName       string
	LogonDomain    string
	UserID         uint32
	PrimaryGroupID uint32
	UserFlags      uint32
	UserSessionKey [16]byte
}

// WorkstationInfo is what a member reports about itself on GetDomainInfo.
type WorkstationInfo struct {
	DNSHostName string
	OSName      string
	OSVersion   string
	Flags       uint32
}

// DomainInfo is the directory's view of the member returned by
// GetDomainInfo.
type DomainInfo struct {
	DomainName       string
	DNSDomainName    string
	DNSHostName      string
	WorkstationFlags uint32
}

// Bytes flattens an authenticator.
//
//	0-8: credential
//	8-12: timestamp
func (a Authenticator) Bytes() []byte {
	var buf []byte
	buf = append(buf, a.Credential[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, a.Timestamp)
	return buf
}

// MarshalNDR implements ndr.Marshaller interface.
func (a Authenticator) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	_, err := w.Write(a.Bytes())
	return err
}

// ParseAuthenticator reads the 12-byte wire form back.
func ParseAuthenticator(bs []byte) (Authenticator, error) {
	var a Authenticator
	if len(bs) != 12 {
		return a, fmt.Errorf("authenticator of %d bytes", len(bs))
	}
	copy(a.Credential[:], bs[0:8])
	a.Timestamp = binary.LittleEndian.Uint32(bs[8:12])
	return a, nil
}

// MarshalNDR implements ndr.Marshaller interface.
func (cp *CryptPassword) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	_, err := w.Write(cp.Bytes())
	return err
}

// appendField writes a length-prefixed variable field.
func appendField(buf, bs []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(bs)))
	return append(buf, bs...)
}

// fieldReader walks a flattened structure field by field.
type fieldReader struct {
	buf []byte
	off int
}

func (r *fieldReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("truncated field at offset %d", r.off)
	}
	bs := r.buf[r.off : r.off+n]
	r.off += n
	return bs, nil
}

func (r *fieldReader) field() ([]byte, error) {
	lb, err := r.take(2)
	if err != nil {
		return nil, err
	}
	return r.take(int(binary.LittleEndian.Uint16(lb)))
}

func (r *fieldReader) stringField() (string, error) {
	bs, err := r.field()
	if err != nil {
		return "", err
	}
	return utils.DecodeToString(bs), nil
}

func (r *fieldReader) done() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("%d trailing bytes after offset %d", len(r.buf)-r.off, r.off)
	}
	return nil
}

// Bytes flattens a network logon request.
//
//	0-4: parameter control
//	4-12: challenge
//	12-: domain, user, workstation, NT response, LM response,
//	     each length-prefixed
func (info *NetworkInfo) Bytes() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, info.Identity.ParameterControl)
	buf = append(buf, info.Challenge[:]...)
	buf = appendField(buf, utils.EncodeStringToBytes(info.Identity.Domain))
	buf = appendField(buf, utils.EncodeStringToBytes(info.Identity.User))
	buf = appendField(buf, utils.EncodeStringToBytes(info.Identity.Workstation))
	buf = appendField(buf, info.NT)
	buf = appendField(buf, info.LM)
	return buf
}

// MarshalNDR implements ndr.Marshaller interface.
func (info *NetworkInfo) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	_, err := w.Write(info.Bytes())
	return err
}

// ParseNetworkInfo reads a flattened network logon request back.
func ParseNetworkInfo(bs []byte) (*NetworkInfo, error) {
	r := &fieldReader{buf: bs}
	var info NetworkInfo
	var err error

	head, err := r.take(12)
	if err != nil {
		return nil, err
	}
	info.Identity.ParameterControl = binary.LittleEndian.Uint32(head[0:4])
	copy(info.Challenge[:], head[4:12])

	if info.Identity.Domain, err = r.stringField(); err != nil {
		return nil, err
	}
	if info.Identity.User, err = r.stringField(); err != nil {
		return nil, err
	}
	if info.Identity.Workstation, err = r.stringField(); err != nil {
		return nil, err
	}
	if info.NT, err = r.field(); err != nil {
		return nil, err
	}
	if info.LM, err = r.field(); err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &info, nil
}

// Bytes flattens validation info.
//
//	0-8: logon time
//	8-12: user ID
//	12-16: primary group ID
//	16-20: user flags
//	20-36: user session key
//	36-: effective name, full name, logon domain, each length-prefixed
func (v *ValidationInfo) Bytes() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, v.LogonTime.LowDateTime)
	buf = binary.LittleEndian.AppendUint32(buf, v.LogonTime.HighDateTime)
	buf = binary.LittleEndian.AppendUint32(buf, v.UserID)
	buf = binary.LittleEndian.AppendUint32(buf, v.PrimaryGroupID)
	buf = binary.LittleEndian.AppendUint32(buf, v.UserFlags)
	buf = append(buf, v.UserSessionKey[:]...)
	buf = appendField(buf, utils.EncodeStringToBytes(v.EffectiveName))
	buf = appendField(buf, utils.EncodeStringToBytes(v.FullName))
	buf = appendField(buf, utils.EncodeStringToBytes(v.LogonDomain))
	return buf
}

// MarshalNDR implements ndr.Marshaller interface.
func (v *ValidationInfo) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	_, err := w.Write(v.Bytes())
	return err
}

// ParseValidationInfo reads flattened validation info back.
func ParseValidationInfo(bs []byte) (*ValidationInfo, error) {
	r := &fieldReader{buf: bs}
	var v ValidationInfo
	var err error

	head, err := r.take(36)
	if err != nil {
		return nil, err
	}
	v.LogonTime.LowDateTime = binary.LittleEndian.Uint32(head[0:4])
	v.LogonTime.HighDateTime = binary.LittleEndian.Uint32(head[4:8])
	v.UserID = binary.LittleEndian.Uint32(head[8:12])
	v.PrimaryGroupID = binary.LittleEndian.Uint32(head[12:16])
	v.UserFlags = binary.LittleEndian.Uint32(head[16:20])
	copy(v.UserSessionKey[:], head[20:36])

	if v.EffectiveName, err = r.stringField(); err != nil {
		return nil, err
	}
	if v.FullName, err = r.stringField(); err != nil {
		return nil, err
	}
	if v.LogonDomain, err = r.stringField(); err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return &v, nil
}
