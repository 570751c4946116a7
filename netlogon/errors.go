package netlogon

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelNotEstablished is returned when credential material is
	// requested from a channel that was never established or has been
	// closed.
	ErrChannelNotEstablished = errors.New("secure channel not established")

	// ErrKeyDerivation is returned when the shared secret or the
	// challenges cannot produce a session key.
	ErrKeyDerivation = errors.New("session key derivation failed")

	// ErrCredentialMismatch is returned when a credential value does not
	// match the locally computed chain value. The chain is out of sync;
	// the channel must be re-established.
	ErrCredentialMismatch = errors.New("credential mismatch")

	// ErrBufferTooLarge is returned when a secret does not fit the fixed
	// wire buffer.
	ErrBufferTooLarge = errors.New("payload exceeds buffer size")
)

type NTStatus uint32

const (
	STATUS_OK                   NTStatus = 0x00000000
	STATUS_INVALID_PARAMETER    NTStatus = 0xc000000d
	STATUS_ACCESS_DENIED        NTStatus = 0xc0000022
	STATUS_NO_SUCH_USER         NTStatus = 0xc0000064
	STATUS_WRONG_PASSWORD       NTStatus = 0xc000006a
	STATUS_NOT_SUPPORTED        NTStatus = 0xc00000bb
	STATUS_NO_TRUST_SAM_ACCOUNT NTStatus = 0xc000018b
	STATUS_DOWNGRADE_DETECTED   NTStatus = 0xc0000388
)

// NTError carries a status verdict returned by the domain controller. The
// exchange itself worked; the server said no. Callers tell these apart
// from the local protocol errors above.
type NTError struct {
	Status NTStatus
}

func (e *NTError) Error() string {
	return fmt.Sprintf("NT status 0x%08x", uint32(e.Status))
}

// StatusError wraps a non-zero status, returning nil for STATUS_OK.
func StatusError(status NTStatus) error {
	if status == STATUS_OK {
		return nil
	}
	return &NTError{Status: status}
}
