package credentials

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/KlongLee/samba/netlogon"
	"github.com/KlongLee/samba/ntlm"
	"github.com/KlongLee/samba/utils"
)

func testServer(t *testing.T) *netlogon.LocalServer {
	t.Helper()
	srv := netlogon.NewLocalServer("SAMBADOM", "samba.example.com")
	srv.AddMachineAccount("PCTM$", "PCTM", utils.EncodeStringToBytes("machine-password"), netlogon.SEC_CHAN_WKSTA)
	srv.AddUserAccount("ledoux", "Ulysses LeDoux", "bondi-beach-2024")
	return srv
}

func testMachineCredentials() *Credentials {
	c := New()
	c.SetUsername("PCTM$")
	c.SetWorkstation("PCTM")
	c.SetDomain("SAMBADOM")
	c.SetRealm("samba.example.com")
	c.SetSecureChannelType(netlogon.SEC_CHAN_WKSTA)
	c.SetPassword("machine-password")
	return c
}

func testUserCredentials() *Credentials {
	c := New()
	c.SetUsername("ledoux")
	c.SetDomain("SAMBADOM")
	c.SetWorkstation("PCTM")
	c.SetPassword("bondi-beach-2024")
	return c
}

func TestNewClientAuthenticatorNoConnection(t *testing.T) {
	c := testMachineCredentials()
	if _, err := c.NewClientAuthenticator(); !errors.Is(err, netlogon.ErrChannelNotEstablished) {
		t.Fatalf("got %v, want ErrChannelNotEstablished", err)
	}
}

func TestConnectNetlogon(t *testing.T) {
	srv := testServer(t)
	c := testMachineCredentials()

	ch, err := c.ConnectNetlogon(context.Background(), srv, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if ch.State() != netlogon.ChannelEstablished {
		t.Fatalf("channel state %v", ch.State())
	}
	if c.Netlogon() != ch {
		t.Error("credentials do not hold the established channel")
	}

	first, err := c.NewClientAuthenticator()
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.NewClientAuthenticator()
	if err != nil {
		t.Fatal(err)
	}
	if first.Credential == second.Credential {
		t.Error("chain did not advance between authenticators")
	}
}

func TestConnectNetlogonReplacesChannel(t *testing.T) {
	srv := testServer(t)
	c := testMachineCredentials()

	first, err := c.ConnectNetlogon(context.Background(), srv, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.ConnectNetlogon(context.Background(), srv, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if first.State() != netlogon.ChannelClosed {
		t.Errorf("previous channel state %v, want closed", first.State())
	}
	if second.State() != netlogon.ChannelEstablished {
		t.Errorf("new channel state %v, want established", second.State())
	}
}

func TestConnectNetlogonWrongPassword(t *testing.T) {
	srv := testServer(t)
	c := testMachineCredentials()
	c.SetPassword("not-the-machine-password")

	_, err := c.ConnectNetlogon(context.Background(), srv, 0)
	var nterr *netlogon.NTError
	if !errors.As(err, &nterr) || nterr.Status != netlogon.STATUS_ACCESS_DENIED {
		t.Fatalf("got %v, want access denied", err)
	}
	if c.Netlogon() != nil {
		t.Error("failed establishment left a channel behind")
	}
}

func TestGetNTLMResponseLogon(t *testing.T) {
	srv := testServer(t)
	machine := testMachineCredentials()
	ch, err := machine.ConnectNetlogon(context.Background(), srv, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	user := testUserCredentials()
	var challenge [8]byte
	copy(challenge[:], "abcdefgh")
	targetInfo := ntlm.NewTargetInfo("SAMBADOM", "PCTM").Encode()

	resp, err := user.GetNTLMResponse(CLI_CRED_NTLMv2_AUTH, challenge, targetInfo)
	if err != nil {
		t.Fatal(err)
	}

	username, domain := user.NTLMUsernameDomain()
	info, err := ch.SamLogonNetwork(context.Background(), &netlogon.NetworkInfo{
		Identity: netlogon.IdentityInfo{
			Domain:      domain,
			User:        username,
			Workstation: user.Workstation(),
		},
		Challenge: challenge,
		NT:        resp.NT,
		LM:        resp.LM,
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.EffectiveName != "ledoux" {
		t.Errorf("validated name %q", info.EffectiveName)
	}
	if !bytes.Equal(info.UserSessionKey[:], resp.SessionBaseKey) {
		t.Error("session keys diverge between client and validator")
	}

	// A wrong password still computes a response; the server rejects it.
	imposter := testUserCredentials()
	imposter.SetPassword("not-bondi-beach")
	bad, err := imposter.GetNTLMResponse(CLI_CRED_NTLMv2_AUTH, challenge, targetInfo)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ch.SamLogonNetwork(context.Background(), &netlogon.NetworkInfo{
		Identity: netlogon.IdentityInfo{
			Domain:      domain,
			User:        username,
			Workstation: user.Workstation(),
		},
		Challenge: challenge,
		NT:        bad.NT,
		LM:        bad.LM,
	})
	var nterr *netlogon.NTError
	if !errors.As(err, &nterr) || nterr.Status != netlogon.STATUS_WRONG_PASSWORD {
		t.Fatalf("got %v, want wrong password status", err)
	}
}

func TestGetNTLMResponseNTLMv1(t *testing.T) {
	user := testUserCredentials()
	var challenge [8]byte
	copy(challenge[:], "SRVCHLNG")

	resp, err := user.GetNTLMResponse(CLI_CRED_NTLM_AUTH, challenge, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := ntlm.NTLMv1Response(user.NTHash(), challenge[:])
	if !bytes.Equal(resp.NT, want.NT) {
		t.Errorf("NT response %x, want %x", resp.NT, want.NT)
	}
	if !bytes.Equal(resp.SessionBaseKey, want.SessionBaseKey) {
		t.Error("session base key diverges from the v1 computation")
	}
}

func TestGetNTLMResponseMalformedTargetInfo(t *testing.T) {
	user := testUserCredentials()
	var challenge [8]byte
	copy(challenge[:], "abcdefgh")

	if _, err := user.GetNTLMResponse(CLI_CRED_NTLMv2_AUTH, challenge, []byte{1, 2, 3}); err == nil {
		t.Fatal("malformed target info accepted")
	}
}

func TestNTLMUsernameDomain(t *testing.T) {
	tests := []struct {
		username, domain string
		wantUser         string
		wantDomain       string
	}{
		{"ledoux", "SAMBADOM", "ledoux", "SAMBADOM"},
		{"ledoux", "", "ledoux", ""},
		{"ledoux@samba.example.com", "SAMBADOM", "ledoux@samba.example.com", ""},
	}
	for _, tt := range tests {
		c := New()
		c.SetUsername(tt.username)
		c.SetDomain(tt.domain)
		user, domain := c.NTLMUsernameDomain()
		if user != tt.wantUser || domain != tt.wantDomain {
			t.Errorf("%q/%q: got %q/%q, want %q/%q",
				tt.username, tt.domain, user, domain, tt.wantUser, tt.wantDomain)
		}
	}
}

func TestSetPasswordRotates(t *testing.T) {
	c := New()
	c.SetPassword("first")
	c.SetPassword("second")
	if c.Password() != "second" || c.OldPassword() != "first" {
		t.Fatalf("got %q/%q", c.Password(), c.OldPassword())
	}
}

func TestSetRealmUpperCases(t *testing.T) {
	c := New()
	c.SetRealm("samba.example.com")
	if c.Realm() != "SAMBA.EXAMPLE.COM" {
		t.Fatalf("realm %q", c.Realm())
	}
}

func TestEncryptNetrCryptPasswordNoConnection(t *testing.T) {
	c := testMachineCredentials()
	cp, err := netlogon.NewCryptPassword("irrelevant")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.EncryptNetrCryptPassword(cp); !errors.Is(err, netlogon.ErrChannelNotEstablished) {
		t.Fatalf("got %v, want ErrChannelNotEstablished", err)
	}
}

// TestPasswordSetFlow drives the password change the way an RPC caller
// would: encrypt the blob, fetch an authenticator, issue the call, verify
// the returned credential, then re-establish with the new secret.
func TestPasswordSetFlow(t *testing.T) {
	srv := testServer(t)
	c := testMachineCredentials()
	if _, err := c.ConnectNetlogon(context.Background(), srv, 0); err != nil {
		t.Fatal(err)
	}

	const newPassword = "copacabana-breeze-77"
	cp, err := netlogon.NewCryptPassword(newPassword)
	if err != nil {
		t.Fatal(err)
	}
	plain := cp.Bytes()

	if err := c.EncryptNetrCryptPassword(cp); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(cp.Bytes(), plain) {
		t.Fatal("blob left in cleartext")
	}

	auth, err := c.NewClientAuthenticator()
	if err != nil {
		t.Fatal(err)
	}
	ret, err := srv.PasswordSet2(context.Background(), c.Username(), c.SecureChannelType(), c.Workstation(), auth, cp)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Netlogon().VerifyReturnAuthenticator(ret); err != nil {
		t.Fatal(err)
	}

	c.SetPassword(newPassword)
	if c.OldPassword() != "machine-password" {
		t.Errorf("old password %q", c.OldPassword())
	}

	ch, err := c.ConnectNetlogon(context.Background(), srv, 0)
	if err != nil {
		t.Fatalf("establish with rotated password: %v", err)
	}
	ch.Close()
}
