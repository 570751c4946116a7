package netlogon

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/KlongLee/samba/ntlm"
	"github.com/KlongLee/samba/utils"
	"github.com/oiweiwei/go-msrpc/msrpc/dtyp"
	"github.com/oiweiwei/go-msrpc/ndr"
)

// DomainUsersRID is the primary group reported for validated accounts.
const DomainUsersRID = 513

type machineAccount struct {
	computer    string
	secret      []byte
	channelType int
	rid         uint32
	dnsHostName string
	osName      string
	osVersion   string
}

type userAccount struct {
	name     string
	fullName string
	ntHash   []byte
	rid      uint32
}

type pendingChallenge struct {
	client Credential
	server Credential
}

type serverSession struct {
	creds   *CredentialState
	sealing *SealingSession
}

// LocalServer is an in-process domain controller head. It implements
// Transport against its own account tables and maintains the server half
// of every credential chain, which backs loopback deployments and lets
// both ends of the protocol run under one roof.
type LocalServer struct {
	mu sync.Mutex

	domain    string
	dnsDomain string

	negotiable uint32

	machines map[string]*machineAccount
	users    map[string]*userAccount
	pending  map[string]pendingChallenge
	sessions map[string]*serverSession

	nextRID uint32
	now     func() time.Time
}

// NewLocalServer creates a server for the given domain, willing to
// negotiate the full default capability set.
func NewLocalServer(domain, dnsDomain string) *LocalServer {
	return &LocalServer{
		domain:     domain,
		dnsDomain:  strings.ToLower(dnsDomain),
		negotiable: DefaultNegotiateFlags,
		machines:   make(map[string]*machineAccount),
		users:      make(map[string]*userAccount),
		pending:    make(map[string]pendingChallenge),
		sessions:   make(map[string]*serverSession),
		nextRID:    1000,
		now:        time.Now,
	}
}

// SetNegotiable restricts the capability mask the server will agree to,
// mimicking an older controller.
func (srv *LocalServer) SetNegotiable(flags uint32) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.negotiable = flags
}

// AddMachineAccount registers a trust account. The secret is the raw
// UTF-16LE machine password.
func (srv *LocalServer) AddMachineAccount(accountName, computerName string, secret []byte, channelType int) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.nextRID++
	srv.machines[strings.ToLower(accountName)] = &machineAccount{
		computer:    computerName,
		secret:      append([]byte(nil), secret...),
		channelType: channelType,
		rid:         srv.nextRID,
	}
}

// AddUserAccount registers a logon account. Only the NT hash is kept,
// never the password.
func (srv *LocalServer) AddUserAccount(user, fullName, password string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.nextRID++
	srv.users[strings.ToLower(user)] = &userAccount{
		name:     user,
		fullName: fullName,
		ntHash:   ntlm.Ntowfv1(password),
		rid:      srv.nextRID,
	}
}

// MachineSecret reports the secret currently on file for a trust account.
func (srv *LocalServer) MachineSecret(accountName string) ([]byte, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	machine, ok := srv.machines[strings.ToLower(accountName)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), machine.secret...), true
}

// RequestChallenge implements Transport. A repeated request replaces the
// pending exchange for the computer.
func (srv *LocalServer) RequestChallenge(ctx context.Context, computerName string, clientChallenge Credential) (Credential, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	var serverChallenge Credential
	if _, err := rand.Read(serverChallenge[:]); err != nil {
		return Credential{}, err
	}

	srv.pending[computerName] = pendingChallenge{
		client: clientChallenge,
		server: serverChallenge,
	}
	return serverChallenge, nil
}

// Authenticate implements Transport: it primes the server half of the
// chain from the pending challenge exchange and proves possession of the
// account secret both ways.
func (srv *LocalServer) Authenticate(ctx context.Context, accountName string, channelType int, computerName string, clientCredential Credential, negotiateFlags uint32) (Credential, uint32, uint32, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	challenge, ok := srv.pending[computerName]
	if !ok {
		return Credential{}, 0, 0, StatusError(STATUS_ACCESS_DENIED)
	}
	delete(srv.pending, computerName)

	machine, ok := srv.machines[strings.ToLower(accountName)]
	if !ok || machine.channelType != channelType {
		return Credential{}, 0, 0, StatusError(STATUS_NO_TRUST_SAM_ACCOUNT)
	}

	negotiated := negotiateFlags & srv.negotiable

	state, err := NewServerState(accountName, computerName, channelType, machine.secret, challenge.client, challenge.server, negotiated)
	if err != nil {
		return Credential{}, 0, 0, err
	}
	if err := state.CheckInitialCredential(clientCredential); err != nil {
		return Credential{}, 0, 0, StatusError(STATUS_ACCESS_DENIED)
	}

	srv.sessions[computerName] = &serverSession{creds: state}
	return state.server, negotiated, machine.rid, nil
}

// checkCall validates the per-call authenticator for an established
// session and produces the return authenticator.
func (srv *LocalServer) checkCall(computerName string, auth Authenticator) (*serverSession, Authenticator, error) {
	sess, ok := srv.sessions[computerName]
	if !ok {
		return nil, Authenticator{}, StatusError(STATUS_ACCESS_DENIED)
	}
	ret, err := sess.creds.CheckAuthenticator(auth)
	if err != nil {
		return nil, Authenticator{}, StatusError(STATUS_ACCESS_DENIED)
	}
	return sess, ret, nil
}

// PasswordSet2 implements Transport: it decrypts the password buffer
// under the channel's session key and puts the new secret on file.
func (srv *LocalServer) PasswordSet2(ctx context.Context, accountName string, channelType int, computerName string, auth Authenticator, password *CryptPassword) (Authenticator, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	sess, ret, err := srv.checkCall(computerName, auth)
	if err != nil {
		return Authenticator{}, err
	}
	if !strings.EqualFold(sess.creds.AccountName(), accountName) {
		return Authenticator{}, StatusError(STATUS_ACCESS_DENIED)
	}

	machine, ok := srv.machines[strings.ToLower(accountName)]
	if !ok {
		return Authenticator{}, StatusError(STATUS_NO_TRUST_SAM_ACCOUNT)
	}

	buffer := *password
	if err := sess.creds.DecryptCryptPassword(&buffer); err != nil {
		return Authenticator{}, err
	}
	secret, err := buffer.Extract()
	if err != nil {
		return Authenticator{}, StatusError(STATUS_WRONG_PASSWORD)
	}

	machine.secret = append([]byte(nil), secret...)
	return ret, nil
}

// SamLogonWithFlags implements Transport. The user session key in the
// validation travels encrypted under the channel's session key.
func (srv *LocalServer) SamLogonWithFlags(ctx context.Context, computerName string, auth Authenticator, request *NetworkInfo) (Authenticator, *ValidationInfo, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	sess, ret, err := srv.checkCall(computerName, auth)
	if err != nil {
		return Authenticator{}, nil, err
	}

	v, err := srv.validateLogon(request)
	if err != nil {
		return ret, nil, err
	}
	if err := sess.creds.EncryptBuffer(v.UserSessionKey[:]); err != nil {
		return ret, nil, err
	}
	return ret, v, nil
}

// SamLogonEx implements Transport. The request arrives and the validation
// leaves sealed under the channel's sealing session; possession of the
// session key stands in for per-call authenticators.
func (srv *LocalServer) SamLogonEx(ctx context.Context, computerName string, sealedRequest []byte) ([]byte, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	sess, ok := srv.sessions[computerName]
	if !ok {
		return nil, StatusError(STATUS_ACCESS_DENIED)
	}
	if sess.sealing == nil {
		sess.sealing = NewSealingSession(sess.creds.SessionKey(), sess.creds.NegotiateFlags(), false)
	}

	open, err := sess.sealing.Unseal(nil, sealedRequest)
	if err != nil {
		return nil, err
	}
	request, err := ParseNetworkInfo(open)
	if err != nil {
		return nil, StatusError(STATUS_INVALID_PARAMETER)
	}

	v, err := srv.validateLogon(request)
	if err != nil {
		return nil, err
	}
	if err := sess.creds.EncryptBuffer(v.UserSessionKey[:]); err != nil {
		return nil, err
	}

	payload, err := ndr.Marshal(v)
	if err != nil {
		return nil, err
	}
	return sess.sealing.Seal(nil, payload)
}

// GetDomainInfo implements Transport: it records what the member reports
// about itself and returns the directory's view. The operating system
// fields are always taken; the DNS host name only when it is well formed
// for the member, otherwise the value on file stays.
func (srv *LocalServer) GetDomainInfo(ctx context.Context, computerName string, auth Authenticator, workstation *WorkstationInfo) (Authenticator, *DomainInfo, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	sess, ret, err := srv.checkCall(computerName, auth)
	if err != nil {
		return Authenticator{}, nil, err
	}

	machine, ok := srv.machines[strings.ToLower(sess.creds.AccountName())]
	if !ok {
		return Authenticator{}, nil, StatusError(STATUS_NO_TRUST_SAM_ACCOUNT)
	}

	machine.osName = workstation.OSName
	machine.osVersion = workstation.OSVersion
	if srv.validHostName(workstation.DNSHostName, sess.creds.ComputerName()) {
		machine.dnsHostName = strings.ToLower(workstation.DNSHostName)
	}

	accepted := workstation.Flags & (NETR_WS_FLAG_HANDLES_INBOUND_TRUSTS | NETR_WS_FLAG_HANDLES_SPN_UPDATE)

	return ret, &DomainInfo{
		DomainName:       srv.domain,
		DNSDomainName:    srv.dnsDomain,
		DNSHostName:      machine.dnsHostName,
		WorkstationFlags: accepted,
	}, nil
}

// validHostName accepts only the member's own name under the domain's
// DNS suffix.
func (srv *LocalServer) validHostName(hostName, computerName string) bool {
	if hostName == "" {
		return false
	}
	want := strings.ToLower(computerName) + "." + srv.dnsDomain
	return strings.ToLower(hostName) == want
}

// validateLogon checks a network logon against the account tables.
func (srv *LocalServer) validateLogon(request *NetworkInfo) (*ValidationInfo, error) {
	if request.Identity.Domain != "" && !strings.EqualFold(request.Identity.Domain, srv.domain) {
		return nil, StatusError(STATUS_NO_SUCH_USER)
	}

	account, ok := srv.users[strings.ToLower(request.Identity.User)]
	if !ok {
		return nil, StatusError(STATUS_NO_SUCH_USER)
	}

	var sessionKey []byte
	var userFlags uint32

	switch {
	case len(request.NT) == 24:
		expected := ntlm.NTLMv1Response(account.ntHash, request.Challenge[:])
		if !hmac.Equal(expected.NT, request.NT) {
			return nil, StatusError(STATUS_WRONG_PASSWORD)
		}
		sessionKey = expected.SessionBaseKey
	case len(request.NT) >= 44:
		v2hash := ntlm.Ntowfv2Hash(request.Identity.User, request.Identity.Domain, account.ntHash)
		if !ntlm.VerifyNTLMv2(v2hash, request.Challenge[:], request.NT) {
			return nil, StatusError(STATUS_WRONG_PASSWORD)
		}
		sessionKey = ntlm.NTLMv2SessionBaseKey(v2hash, request.NT[:16])
		userFlags |= NETLOGON_NTLMV2_ENABLED
	default:
		return nil, StatusError(STATUS_INVALID_PARAMETER)
	}

	v := &ValidationInfo{
		LogonTime:      filetime(srv.now()),
		EffectiveName:  account.name,
		FullName:       account.fullName,
		LogonDomain:    srv.domain,
		UserID:         account.rid,
		PrimaryGroupID: DomainUsersRID,
		UserFlags:      userFlags,
	}
	copy(v.UserSessionKey[:], sessionKey)
	return v, nil
}

func filetime(t time.Time) dtyp.Filetime {
	ft := utils.UnixToFiletime(t)
	return dtyp.Filetime{
		LowDateTime:  uint32(ft),
		HighDateTime: uint32(ft >> 32),
	}
}
