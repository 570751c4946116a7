// Package credentials holds the identity and password material a client
// authenticates with, computes its NTLM responses, and owns the netlogon
// secure channel opened on its behalf.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"strings"
	"time"

	"github.com/KlongLee/samba/netlogon"
	"github.com/KlongLee/samba/ntlm"
	"github.com/KlongLee/samba/utils"
)

// Response-selection flags for GetNTLMResponse.
const (
	CLI_CRED_NTLM2       = 0x01
	CLI_CRED_NTLMv2_AUTH = 0x02
	CLI_CRED_LANMAN_AUTH = 0x04
	CLI_CRED_NTLM_AUTH   = 0x08
)

// Credentials is one principal's identity and secrets: a user account,
// or a machine account when the username carries the trailing "$" and a
// secure channel type is set. Like the rest of the engine it is owned by
// a single goroutine; callers sharing it serialize access themselves.
type Credentials struct {
	username    string
	domain      string
	realm       string
	workstation string
	password    string
	oldPassword string
	channelType int
	requireAES  bool

	channel *netlogon.SecureChannel
	now     func() time.Time
}

// New returns empty credentials preferring NTLMv2 responses.
func New() *Credentials {
	return &Credentials{now: time.Now}
}

// SetUsername sets the account name, "NAME$" for machine accounts.
func (c *Credentials) SetUsername(username string) { c.username = username }

// Username returns the account name.
func (c *Credentials) Username() string { return c.username }

// SetDomain sets the short (NetBIOS) domain name.
func (c *Credentials) SetDomain(domain string) { c.domain = domain }

// Domain returns the short domain name.
func (c *Credentials) Domain() string { return c.domain }

// SetRealm sets the DNS domain name; realms are kept upper-case.
func (c *Credentials) SetRealm(realm string) { c.realm = strings.ToUpper(realm) }

// Realm returns the upper-cased DNS domain name.
func (c *Credentials) Realm() string { return c.realm }

// SetWorkstation names the computer the client calls from.
func (c *Credentials) SetWorkstation(workstation string) { c.workstation = workstation }

// Workstation returns the calling computer name.
func (c *Credentials) Workstation() string { return c.workstation }

// SetSecureChannelType marks machine credentials with their netlogon
// channel type (netlogon.SEC_CHAN_WKSTA for a domain member).
func (c *Credentials) SetSecureChannelType(channelType int) { c.channelType = channelType }

// SecureChannelType returns the configured channel type.
func (c *Credentials) SecureChannelType() int { return c.channelType }

// SetRequireAES refuses secure channels negotiated down to the legacy
// derivation schemes.
func (c *Credentials) SetRequireAES(require bool) { c.requireAES = require }

// SetPassword rotates the password; the previous value stays available
// as the old password. An already established secure channel keeps the
// key material it was derived with until it is closed.
func (c *Credentials) SetPassword(password string) {
	c.oldPassword = c.password
	c.password = password
}

// Password returns the current cleartext password.
func (c *Credentials) Password() string { return c.password }

// SetOldPassword records the previous password, as loaded from a secrets
// store.
func (c *Credentials) SetOldPassword(password string) { c.oldPassword = password }

// OldPassword returns the previous password.
func (c *Credentials) OldPassword() string { return c.oldPassword }

// NTLMUsernameDomain returns the pair NTLM computations are keyed on.
// A principal-style name ("user@realm") subsumes the domain.
func (c *Credentials) NTLMUsernameDomain() (username, domain string) {
	if strings.Contains(c.username, "@") {
		return c.username, ""
	}
	return c.username, c.domain
}

// NTHash returns the NT one-way function of the current password.
func (c *Credentials) NTHash() []byte {
	return ntlm.Ntowfv1(c.password)
}

// GetNTLMResponse computes the challenge response for this principal.
// The target info travels as the packed AV pair block the server handed
// out. CLI_CRED_NTLM_AUTH selects the legacy NTLMv1 computation for
// compatibility logons; everything else computes NTLMv2.
func (c *Credentials) GetNTLMResponse(flags uint32, serverChallenge [8]byte, targetInfo []byte) (*ntlm.Response, error) {
	if flags&CLI_CRED_NTLMv2_AUTH == 0 && flags&CLI_CRED_NTLM_AUTH != 0 {
		return ntlm.NTLMv1Response(c.NTHash(), serverChallenge[:]), nil
	}

	ti, err := ntlm.ParseTargetInfo(targetInfo)
	if err != nil {
		return nil, err
	}

	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, err
	}
	timeStamp := make([]byte, 8)
	binary.LittleEndian.PutUint64(timeStamp, utils.UnixToFiletime(c.now()))

	user, domain := c.NTLMUsernameDomain()
	v2hash := ntlm.Ntowfv2(c.password, user, domain)
	return ntlm.NTLMv2Response(v2hash, serverChallenge[:], clientChallenge, timeStamp, ti), nil
}

// ConnectNetlogon establishes the machine's secure channel over the
// transport and keeps it. Any previously held channel is closed first.
// A zero negotiateFlags selects netlogon.DefaultNegotiateFlags.
func (c *Credentials) ConnectNetlogon(ctx context.Context, transport netlogon.Transport, negotiateFlags uint32) (*netlogon.SecureChannel, error) {
	c.channel.Close()
	c.channel = nil

	ch, err := netlogon.Establish(ctx, transport, netlogon.ChannelParams{
		AccountName:       c.username,
		ComputerName:      c.workstation,
		SecureChannelType: c.channelType,
		Secret:            utils.EncodeStringToBytes(c.password),
		NegotiateFlags:    negotiateFlags,
		RequireAES:        c.requireAES,
	})
	if err != nil {
		return nil, err
	}
	c.channel = ch
	return ch, nil
}

// Netlogon returns the held secure channel, nil before ConnectNetlogon.
func (c *Credentials) Netlogon() *netlogon.SecureChannel {
	return c.channel
}

// NewClientAuthenticator advances the secure channel's credential chain
// and returns the proof for the next authenticated call. Without a
// connected channel there is no chain to draw from and the call fails
// with netlogon.ErrChannelNotEstablished.
func (c *Credentials) NewClientAuthenticator() (netlogon.Authenticator, error) {
	if c.channel == nil {
		return netlogon.Authenticator{}, netlogon.ErrChannelNotEstablished
	}
	return c.channel.Authenticator()
}

// EncryptNetrCryptPassword protects a password-change blob under the
// channel's session key, for a password-set call the caller issues
// itself.
func (c *Credentials) EncryptNetrCryptPassword(cp *netlogon.CryptPassword) error {
	if c.channel == nil {
		return netlogon.ErrChannelNotEstablished
	}
	return c.channel.EncryptCryptPassword(cp)
}
