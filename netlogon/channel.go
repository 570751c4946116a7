package netlogon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/oiweiwei/go-msrpc/ndr"
)

// ChannelState tracks the lifecycle of a secure channel. A channel only
// moves forward: once closed it cannot be reopened, and a sealed channel
// stays sealed.
type ChannelState int

const (
	ChannelUninitialized ChannelState = iota
	ChannelEstablished
	ChannelSealed
	ChannelClosed
)

func (cs ChannelState) String() string {
	switch cs {
	case ChannelUninitialized:
		return "uninitialized"
	case ChannelEstablished:
		return "established"
	case ChannelSealed:
		return "sealed"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelParams describes the account a channel authenticates as.
type ChannelParams struct {
	AccountName       string
	ComputerName      string
	SecureChannelType int

	// Secret is the raw account secret, an UTF-16LE machine password.
	Secret []byte

	// NegotiateFlags zero selects DefaultNegotiateFlags.
	NegotiateFlags uint32

	// RequireAES rejects servers that negotiate the channel down to the
	// legacy schemes.
	RequireAES bool
}

// Transport carries netlogon operations to the domain controller. The
// channel owns all credential material; implementations only move the
// already-protected values.
type Transport interface {
	RequestChallenge(ctx context.Context, computerName string, clientChallenge Credential) (Credential, error)
	Authenticate(ctx context.Context, accountName string, channelType int, computerName string, clientCredential Credential, negotiateFlags uint32) (serverCredential Credential, negotiated uint32, rid uint32, err error)
	PasswordSet2(ctx context.Context, accountName string, channelType int, computerName string, auth Authenticator, password *CryptPassword) (Authenticator, error)
	SamLogonWithFlags(ctx context.Context, computerName string, auth Authenticator, request *NetworkInfo) (Authenticator, *ValidationInfo, error)
	SamLogonEx(ctx context.Context, computerName string, sealedRequest []byte) (sealedValidation []byte, err error)
	GetDomainInfo(ctx context.Context, computerName string, auth Authenticator, workstation *WorkstationInfo) (Authenticator, *DomainInfo, error)
}

// SecureChannel is an authenticated session with the domain controller:
// the rolling credential chain plus the negotiated protection level.
// A channel is owned by a single goroutine.
type SecureChannel struct {
	transport Transport
	params    ChannelParams
	creds     *CredentialState
	sealing   *SealingSession
	state     ChannelState
	rid       uint32
}

// Establish runs the challenge exchange against the transport and
// authenticates the channel. On any failure no channel exists and nothing
// is considered established.
//
// The key derivation scheme follows the proposed flags, so a controller
// that cannot do AES rejects the first credential outright. Unless
// RequireAES forbids it, the exchange is retried once proposing the
// legacy schemes, the same way down-level controllers have always been
// handled.
func Establish(ctx context.Context, transport Transport, params ChannelParams) (*SecureChannel, error) {
	flags := params.NegotiateFlags
	if flags == 0 {
		flags = DefaultNegotiateFlags
	}
	if params.RequireAES && flags&NETLOGON_NEG_SUPPORTS_AES == 0 {
		return nil, StatusError(STATUS_DOWNGRADE_DETECTED)
	}

	ch, err := establishOnce(ctx, transport, params, flags)
	if err == nil {
		return ch, nil
	}

	if flags&NETLOGON_NEG_SUPPORTS_AES != 0 && isAccessDenied(err) {
		if params.RequireAES {
			return nil, StatusError(STATUS_DOWNGRADE_DETECTED)
		}
		return establishOnce(ctx, transport, params, flags&^NETLOGON_NEG_SUPPORTS_AES)
	}
	return nil, err
}

func isAccessDenied(err error) bool {
	var nterr *NTError
	return errors.As(err, &nterr) && nterr.Status == STATUS_ACCESS_DENIED
}

func establishOnce(ctx context.Context, transport Transport, params ChannelParams, flags uint32) (*SecureChannel, error) {
	var clientChallenge Credential
	if _, err := rand.Read(clientChallenge[:]); err != nil {
		return nil, err
	}

	serverChallenge, err := transport.RequestChallenge(ctx, params.ComputerName, clientChallenge)
	if err != nil {
		return nil, err
	}

	creds, err := NewClientState(params.AccountName, params.ComputerName, params.SecureChannelType, params.Secret, clientChallenge, serverChallenge, flags)
	if err != nil {
		return nil, err
	}

	serverCredential, negotiated, rid, err := transport.Authenticate(ctx, params.AccountName, params.SecureChannelType, params.ComputerName, creds.InitialCredential(), flags)
	if err != nil {
		creds.wipe()
		return nil, err
	}

	if err := creds.VerifyServerCredential(Authenticator{Credential: serverCredential}); err != nil {
		creds.wipe()
		return nil, err
	}

	// The derivation schemes already agree or the credential check would
	// have failed; adopt whatever capability bits the server kept.
	creds.negotiateFlags = negotiated

	return &SecureChannel{
		transport: transport,
		params:    params,
		creds:     creds,
		state:     ChannelEstablished,
		rid:       rid,
	}, nil
}

// ready returns the chain when the channel can issue authenticated calls.
func (ch *SecureChannel) ready() (*CredentialState, error) {
	if ch == nil || (ch.state != ChannelEstablished && ch.state != ChannelSealed) {
		return nil, ErrChannelNotEstablished
	}
	return ch.creds, nil
}

// verifyReturn checks the authenticator a call came back with. A mismatch
// means the chains have diverged, which is unrecoverable: the channel is
// closed on the spot.
func (ch *SecureChannel) verifyReturn(ret Authenticator) error {
	if err := ch.creds.VerifyServerCredential(ret); err != nil {
		ch.Close()
		return err
	}
	return nil
}

// SetPassword rolls the account secret over the channel.
func (ch *SecureChannel) SetPassword(ctx context.Context, password string) error {
	cp, err := NewCryptPassword(password)
	if err != nil {
		return err
	}
	return ch.setPassword(ctx, cp)
}

// SetPasswordBytes rolls the account secret to an already-encoded
// UTF-16LE value, such as a random machine password.
func (ch *SecureChannel) SetPasswordBytes(ctx context.Context, secret []byte) error {
	cp, err := NewCryptPasswordBytes(secret)
	if err != nil {
		return err
	}
	return ch.setPassword(ctx, cp)
}

// EncryptCryptPassword protects a password-change blob under the channel
// session key, for callers issuing the password-set call themselves.
func (ch *SecureChannel) EncryptCryptPassword(cp *CryptPassword) error {
	creds, err := ch.ready()
	if err != nil {
		return err
	}
	return creds.EncryptCryptPassword(cp)
}

func (ch *SecureChannel) setPassword(ctx context.Context, cp *CryptPassword) error {
	creds, err := ch.ready()
	if err != nil {
		return err
	}
	if err := creds.EncryptCryptPassword(cp); err != nil {
		return err
	}
	auth, err := creds.Authenticator()
	if err != nil {
		return err
	}
	ret, err := ch.transport.PasswordSet2(ctx, ch.params.AccountName, ch.params.SecureChannelType, ch.params.ComputerName, auth, cp)
	if err != nil {
		return err
	}
	return ch.verifyReturn(ret)
}

// SamLogonNetwork validates a network logon over the channel. Logon
// failures surface as NT status errors from the server; the channel
// itself stays usable.
func (ch *SecureChannel) SamLogonNetwork(ctx context.Context, request *NetworkInfo) (*ValidationInfo, error) {
	creds, err := ch.ready()
	if err != nil {
		return nil, err
	}
	auth, err := creds.Authenticator()
	if err != nil {
		return nil, err
	}
	ret, v, err := ch.transport.SamLogonWithFlags(ctx, ch.params.ComputerName, auth, request)
	if err != nil {
		return nil, err
	}
	if err := ch.verifyReturn(ret); err != nil {
		return nil, err
	}
	if err := creds.DecryptBuffer(v.UserSessionKey[:]); err != nil {
		return nil, err
	}
	return v, nil
}

// SamLogonNetworkEx validates a network logon with the request and the
// validation sealed end to end. It skips per-call authenticators; the
// sealing session carries the proof instead, which is why it demands a
// sealed channel.
func (ch *SecureChannel) SamLogonNetworkEx(ctx context.Context, request *NetworkInfo) (*ValidationInfo, error) {
	if ch == nil || ch.state != ChannelSealed {
		return nil, fmt.Errorf("logon requires a sealed channel: %w", ErrChannelNotEstablished)
	}
	payload, err := ndr.Marshal(request)
	if err != nil {
		return nil, err
	}
	sealed, err := ch.sealing.Seal(nil, payload)
	if err != nil {
		return nil, err
	}
	resp, err := ch.transport.SamLogonEx(ctx, ch.params.ComputerName, sealed)
	if err != nil {
		return nil, err
	}
	open, err := ch.sealing.Unseal(nil, resp)
	if err != nil {
		return nil, err
	}
	v, err := ParseValidationInfo(open)
	if err != nil {
		return nil, err
	}
	if err := ch.creds.DecryptBuffer(v.UserSessionKey[:]); err != nil {
		return nil, err
	}
	return v, nil
}

// GetDomainInfo reports the member's view of itself and returns the
// directory's.
func (ch *SecureChannel) GetDomainInfo(ctx context.Context, workstation *WorkstationInfo) (*DomainInfo, error) {
	creds, err := ch.ready()
	if err != nil {
		return nil, err
	}
	auth, err := creds.Authenticator()
	if err != nil {
		return nil, err
	}
	ret, info, err := ch.transport.GetDomainInfo(ctx, ch.params.ComputerName, auth, workstation)
	if err != nil {
		return nil, err
	}
	if err := ch.verifyReturn(ret); err != nil {
		return nil, err
	}
	return info, nil
}

// Authenticator advances the chain and returns the proof for the next
// authenticated call. Callers driving a transport themselves use this;
// the channel's own operations advance the chain internally.
func (ch *SecureChannel) Authenticator() (Authenticator, error) {
	creds, err := ch.ready()
	if err != nil {
		return Authenticator{}, err
	}
	return creds.Authenticator()
}

// VerifyReturnAuthenticator checks the credential the server returned for
// a call made with Authenticator. A mismatch closes the channel, like any
// other chain divergence.
func (ch *SecureChannel) VerifyReturnAuthenticator(ret Authenticator) error {
	if _, err := ch.ready(); err != nil {
		return err
	}
	return ch.verifyReturn(ret)
}

// Seal switches the channel to sealed operation and returns the session
// protecting subsequent traffic.
func (ch *SecureChannel) Seal() (*SealingSession, error) {
	if ch == nil || ch.state == ChannelUninitialized || ch.state == ChannelClosed {
		return nil, ErrChannelNotEstablished
	}
	if ch.state == ChannelSealed {
		return ch.sealing, nil
	}
	ch.sealing = NewSealingSession(ch.creds.SessionKey(), ch.creds.NegotiateFlags(), true)
	ch.state = ChannelSealed
	return ch.sealing, nil
}

// Close wipes the channel's key material. A closed channel cannot be
// reopened.
func (ch *SecureChannel) Close() {
	if ch == nil || ch.state == ChannelClosed || ch.state == ChannelUninitialized {
		return
	}
	ch.creds.wipe()
	ch.sealing = nil
	ch.state = ChannelClosed
}

// State reports the channel lifecycle state.
func (ch *SecureChannel) State() ChannelState {
	if ch == nil {
		return ChannelUninitialized
	}
	return ch.state
}

// RID returns the relative ID the server reported for the account.
func (ch *SecureChannel) RID() uint32 {
	return ch.rid
}

// NegotiateFlags returns the capability mask both sides agreed on.
func (ch *SecureChannel) NegotiateFlags() uint32 {
	if ch == nil || ch.creds == nil {
		return 0
	}
	return ch.creds.NegotiateFlags()
}

// Sequence exposes the chain position for diagnostics.
func (ch *SecureChannel) Sequence() uint32 {
	if ch == nil || ch.creds == nil {
		return 0
	}
	return ch.creds.Sequence()
}
