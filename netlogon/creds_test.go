package netlogon

import (
	"errors"
	"testing"
	"time"

	"github.com/KlongLee/samba/utils"
)

func testChainPair(t *testing.T, flags uint32) (*CredentialState, *CredentialState) {
	t.Helper()

	secret := utils.EncodeStringToBytes("machine-password")
	cc := challenge("AAAAAAAA")
	sc := challenge("BBBBBBBB")

	client, err := NewClientState("PCTM$", "PCTM", SEC_CHAN_WKSTA, secret, cc, sc, flags)
	if err != nil {
		t.Fatal(err)
	}
	server, err := NewServerState("PCTM$", "PCTM", SEC_CHAN_WKSTA, secret, cc, sc, flags)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return base }
	client.sequence = uint32(base.Unix())

	return client, server
}

func TestChainEstablishment(t *testing.T) {
	for _, flags := range []uint32{NETLOGON_NEG_SUPPORTS_AES, NETLOGON_NEG_STRONG_KEYS, 0} {
		client, server := testChainPair(t, flags)

		if err := server.CheckInitialCredential(client.InitialCredential()); err != nil {
			t.Fatalf("flags %#x: initial credential rejected: %v", flags, err)
		}
		if err := client.VerifyServerCredential(Authenticator{Credential: server.server}); err != nil {
			t.Fatalf("flags %#x: server credential rejected: %v", flags, err)
		}
	}
}

func TestChainEstablishmentWrongSecret(t *testing.T) {
	client, _ := testChainPair(t, NETLOGON_NEG_SUPPORTS_AES)

	server, err := NewServerState("PCTM$", "PCTM", SEC_CHAN_WKSTA,
		utils.EncodeStringToBytes("not-the-password"), challenge("AAAAAAAA"), challenge("BBBBBBBB"),
		NETLOGON_NEG_SUPPORTS_AES)
	if err != nil {
		t.Fatal(err)
	}

	if err := server.CheckInitialCredential(client.InitialCredential()); !errors.Is(err, ErrCredentialMismatch) {
		t.Fatalf("got %v, want ErrCredentialMismatch", err)
	}
}

func TestChainAuthenticatorExchange(t *testing.T) {
	for _, flags := range []uint32{NETLOGON_NEG_SUPPORTS_AES, NETLOGON_NEG_STRONG_KEYS, 0} {
		client, server := testChainPair(t, flags)

		for i := 0; i < 5; i++ {
			auth, err := client.Authenticator()
			if err != nil {
				t.Fatal(err)
			}
			ret, err := server.CheckAuthenticator(auth)
			if err != nil {
				t.Fatalf("flags %#x, call %d: %v", flags, i, err)
			}
			if ret.Timestamp != 0 {
				t.Fatalf("return authenticator timestamp %d, want 0", ret.Timestamp)
			}
			if err := client.VerifyServerCredential(ret); err != nil {
				t.Fatalf("flags %#x, call %d: return credential rejected: %v", flags, i, err)
			}
		}
	}
}

func TestChainSequenceAdvance(t *testing.T) {
	client, _ := testChainPair(t, NETLOGON_NEG_SUPPORTS_AES)
	start := client.sequence

	// The clock is pinned to the creation time, so each call takes the
	// increment path.
	a1, err := client.Authenticator()
	if err != nil {
		t.Fatal(err)
	}
	a2, err := client.Authenticator()
	if err != nil {
		t.Fatal(err)
	}
	if a1.Timestamp != start+2 || a2.Timestamp != start+4 {
		t.Fatalf("timestamps %d, %d, want %d, %d", a1.Timestamp, a2.Timestamp, start+2, start+4)
	}
	if a1.Credential == a2.Credential {
		t.Fatal("consecutive authenticators repeated a credential")
	}

	// A clock jump moves the sequence to the wall time.
	ahead := time.Date(2025, time.March, 7, 13, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return ahead }
	a3, err := client.Authenticator()
	if err != nil {
		t.Fatal(err)
	}
	if a3.Timestamp != uint32(ahead.Unix()) {
		t.Fatalf("timestamp %d, want %d", a3.Timestamp, uint32(ahead.Unix()))
	}
}

func TestChainReplayRejected(t *testing.T) {
	client, server := testChainPair(t, NETLOGON_NEG_SUPPORTS_AES)

	a1, err := client.Authenticator()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := server.CheckAuthenticator(a1); err != nil {
		t.Fatal(err)
	}

	a2, err := client.Authenticator()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := server.CheckAuthenticator(a2); err != nil {
		t.Fatal(err)
	}

	// The server's seed has moved on; the older proof must no longer
	// verify even with its original timestamp.
	if _, err := server.CheckAuthenticator(a1); !errors.Is(err, ErrCredentialMismatch) {
		t.Fatalf("replay: got %v, want ErrCredentialMismatch", err)
	}

	// A rejected proof must not corrupt the chain for the next valid one.
	a3, err := client.Authenticator()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := server.CheckAuthenticator(a3); err != nil {
		t.Fatalf("chain disturbed by rejected proof: %v", err)
	}
}

func TestChainTamperedCredential(t *testing.T) {
	client, server := testChainPair(t, NETLOGON_NEG_STRONG_KEYS)

	auth, err := client.Authenticator()
	if err != nil {
		t.Fatal(err)
	}
	auth.Credential[3] ^= 0x01
	if _, err := server.CheckAuthenticator(auth); !errors.Is(err, ErrCredentialMismatch) {
		t.Fatalf("got %v, want ErrCredentialMismatch", err)
	}
}

func TestChainNilState(t *testing.T) {
	var s *CredentialState
	if _, err := s.Authenticator(); !errors.Is(err, ErrChannelNotEstablished) {
		t.Fatalf("got %v, want ErrChannelNotEstablished", err)
	}
	if err := s.VerifyServerCredential(Authenticator{}); !errors.Is(err, ErrChannelNotEstablished) {
		t.Fatalf("got %v, want ErrChannelNotEstablished", err)
	}
}

func TestChainSchemesDiverge(t *testing.T) {
	aesClient, _ := testChainPair(t, NETLOGON_NEG_SUPPORTS_AES)
	strongClient, _ := testChainPair(t, NETLOGON_NEG_STRONG_KEYS)
	desClient, _ := testChainPair(t, 0)

	a := aesClient.InitialCredential()
	b := strongClient.InitialCredential()
	c := desClient.InitialCredential()
	if a == b || b == c || a == c {
		t.Fatalf("initial credentials collide across schemes: %x %x %x", a, b, c)
	}
}
