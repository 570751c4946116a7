package netlogon

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"time"

	"github.com/KlongLee/samba/internal/cfb8"
	"github.com/KlongLee/samba/internal/descrypt"
)

// CredentialState is the rolling credential chain bound to one secure
// channel. Both ends advance an identical copy; any divergence surfaces
// as a credential mismatch on the next authenticated exchange and cannot
// be repaired in place.
//
// The state is owned by a single goroutine; it does no internal locking.
type CredentialState struct {
	sessionKey     []byte
	negotiateFlags uint32

	seed   Credential
	client Credential
	server Credential

	sequence uint32

	accountName  string
	computerName string
	channelType  int

	now func() time.Time
}

// Authenticator is the per-call proof accompanying authenticated
// operations: the current client credential and the sequence timestamp it
// was computed for. Return authenticators from the server carry a zero
// timestamp.
type Authenticator struct {
	Credential Credential
	Timestamp  uint32
}

// NewClientState derives the session key from the challenge exchange and
// primes the client half of the chain. The secret is the raw secret of
// the account named by accountName (an UTF-16LE machine password).
func NewClientState(accountName, computerName string, channelType int, secret []byte, clientChallenge, serverChallenge Credential, negotiateFlags uint32) (*CredentialState, error) {
	return newCredentialState(accountName, computerName, channelType, secret, clientChallenge, serverChallenge, negotiateFlags)
}

// NewServerState primes the server half of the chain. Both halves start
// from the same transform; the sides differ only in which operations they
// run afterwards.
func NewServerState(accountName, computerName string, channelType int, secret []byte, clientChallenge, serverChallenge Credential, negotiateFlags uint32) (*CredentialState, error) {
	return newCredentialState(accountName, computerName, channelType, secret, clientChallenge, serverChallenge, negotiateFlags)
}

func newCredentialState(accountName, computerName string, channelType int, secret []byte, clientChallenge, serverChallenge Credential, negotiateFlags uint32) (*CredentialState, error) {
	key, err := DeriveSessionKey(secret, clientChallenge, serverChallenge, negotiateFlags)
	if err != nil {
		return nil, err
	}

	s := &CredentialState{
		sessionKey:     key,
		negotiateFlags: negotiateFlags,
		accountName:    accountName,
		computerName:   computerName,
		channelType:    channelType,
		now:            time.Now,
	}
	s.sequence = uint32(s.now().Unix())

	s.credCrypt(&s.client, clientChallenge)
	s.credCrypt(&s.server, serverChallenge)
	s.seed = s.client

	return s, nil
}

// credCrypt runs one credential transform: AES-128-CFB8 with a zero IV
// under the AES scheme, chained DES under the legacy schemes.
func (s *CredentialState) credCrypt(out *Credential, in Credential) {
	if s.negotiateFlags&NETLOGON_NEG_SUPPORTS_AES != 0 {
		block, _ := aes.NewCipher(s.sessionKey)
		iv := make([]byte, aes.BlockSize)
		cfb8.NewEncrypter(block, iv).XORKeyStream(out[:], in[:])
		return
	}
	descrypt.Crypt112(out[:], in[:], s.sessionKey[:14])
}

// step rolls the chain once: the client and server values are recomputed
// from the seed and the sequence, and the seed moves to the stepped input.
func (s *CredentialState) step() {
	var timeCred Credential

	binary.LittleEndian.PutUint32(timeCred[0:4], binary.LittleEndian.Uint32(s.seed[0:4])+s.sequence)
	copy(timeCred[4:8], s.seed[4:8])
	s.credCrypt(&s.client, timeCred)

	binary.LittleEndian.PutUint32(timeCred[0:4], binary.LittleEndian.Uint32(s.seed[0:4])+s.sequence+1)
	s.credCrypt(&s.server, timeCred)

	s.seed = timeCred
}

// Authenticator advances the chain and returns the proof for the next
// authenticated call. The sequence jumps to the current time when the
// clock is ahead and moves by two otherwise, so consecutive calls within
// one second still get distinct values.
func (s *CredentialState) Authenticator() (Authenticator, error) {
	if s == nil {
		return Authenticator{}, ErrChannelNotEstablished
	}

	t := uint32(s.now().Unix())
	if t > s.sequence {
		s.sequence = t
	} else {
		s.sequence += 2
	}
	s.step()

	return Authenticator{Credential: s.client, Timestamp: s.sequence}, nil
}

// VerifyServerCredential compares a credential returned by the server
// against the locally computed value in constant time. The timestamp of a
// return authenticator carries nothing and is ignored.
func (s *CredentialState) VerifyServerCredential(auth Authenticator) error {
	if s == nil {
		return ErrChannelNotEstablished
	}
	if subtle.ConstantTimeCompare(auth.Credential[:], s.server[:]) != 1 {
		return ErrCredentialMismatch
	}
	return nil
}

// CheckInitialCredential is the server-side counterpart for channel
// establishment: the client's first credential must match the primed
// chain before any sequence has been agreed.
func (s *CredentialState) CheckInitialCredential(c Credential) error {
	if s == nil {
		return ErrChannelNotEstablished
	}
	if subtle.ConstantTimeCompare(c[:], s.client[:]) != 1 {
		return ErrCredentialMismatch
	}
	return nil
}

// CheckAuthenticator validates a client authenticator against the server
// half of the chain and returns the authenticator to send back. The
// sequence is adopted from the received timestamp, exactly as the client
// advanced it; a replayed or stale proof fails because the seed has
// already moved on. The chain only commits on success, so a rejected
// proof does not disturb subsequent valid calls.
func (s *CredentialState) CheckAuthenticator(auth Authenticator) (Authenticator, error) {
	if s == nil {
		return Authenticator{}, ErrChannelNotEstablished
	}

	next := *s
	next.sequence = auth.Timestamp
	next.step()

	if subtle.ConstantTimeCompare(auth.Credential[:], next.client[:]) != 1 {
		return Authenticator{}, ErrCredentialMismatch
	}

	*s = next
	return Authenticator{Credential: s.server}, nil
}

// InitialCredential returns the primed client credential sent during
// channel establishment.
func (s *CredentialState) InitialCredential() Credential {
	return s.client
}

// SessionKey exposes the derived key for the sealing layer. Callers must
// not modify it.
func (s *CredentialState) SessionKey() []byte {
	return s.sessionKey
}

func (s *CredentialState) NegotiateFlags() uint32 {
	return s.negotiateFlags
}

func (s *CredentialState) Sequence() uint32 {
	return s.sequence
}

func (s *CredentialState) AccountName() string {
	return s.accountName
}

func (s *CredentialState) ComputerName() string {
	return s.computerName
}

func (s *CredentialState) SecureChannelType() int {
	return s.channelType
}

// wipe clears the key material. The state is unusable afterwards.
func (s *CredentialState) wipe() {
	for i := range s.sessionKey {
		s.sessionKey[i] = 0
	}
	s.seed = Credential{}
	s.client = Credential{}
	s.server = Credential{}
}
