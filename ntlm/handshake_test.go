package ntlm

import (
	"bytes"
	"testing"
)

func runHandshake(t *testing.T, i *Initiator, a *Acceptor) error {
	t.Helper()

	nmsg, err := i.Negotiate()
	if err != nil {
		t.Fatal(err)
	}
	cmsg, err := a.Challenge(nmsg)
	if err != nil {
		t.Fatal(err)
	}
	amsg, err := i.Authenticate(cmsg)
	if err != nil {
		t.Fatal(err)
	}
	return a.Authenticate(amsg)
}

func TestHandshakeNTLMv2(t *testing.T) {
	a := NewAcceptor("PCTM", "PCTM-DOM")
	a.AddAccount("pctu", "N0tTheSame!")

	i := NewInitiator("PCTU", "N0tTheSame!", "PCTM-DOM", "PCTM")

	if err := runHandshake(t, i, a); err != nil {
		t.Fatal(err)
	}

	cs, ss := i.Session(), a.Session()
	if cs == nil || ss == nil {
		t.Fatal("session missing after handshake")
	}
	if !bytes.Equal(cs.SessionKey(), ss.SessionKey()) {
		t.Fatalf("session keys diverge: %x vs %x", cs.SessionKey(), ss.SessionKey())
	}
	if ss.User() != "pctu" {
		t.Errorf("acceptor user = %q, want %q", ss.User(), "pctu")
	}
	if im := cs.InfoMap(); im.NbDomainName != "PCTM-DOM" {
		t.Errorf("initiator target domain = %q, want %q", im.NbDomainName, "PCTM-DOM")
	}

	// client to server
	msg := []byte("authenticator exchange payload")
	sealed, cseq := cs.Seal(nil, msg, 0)
	opened, sseq, err := ss.Unseal(nil, sealed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, msg) {
		t.Errorf("unsealed %x, want %x", opened, msg)
	}
	if cseq != sseq {
		t.Errorf("sequence numbers diverge: %d vs %d", cseq, sseq)
	}

	// server to client
	reply := []byte("validation data")
	sealed, _ = ss.Seal(nil, reply, 0)
	opened, _, err = cs.Unseal(nil, sealed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, reply) {
		t.Errorf("unsealed %x, want %x", opened, reply)
	}
}

func TestHandshakeTamper(t *testing.T) {
	a := NewAcceptor("PCTM", "PCTM-DOM")
	a.AddAccount("pctu", "N0tTheSame!")
	i := NewInitiator("PCTU", "N0tTheSame!", "PCTM-DOM", "PCTM")

	if err := runHandshake(t, i, a); err != nil {
		t.Fatal(err)
	}

	sealed, _ := i.Session().Seal(nil, []byte("payload under protection"), 0)
	sealed[len(sealed)-1] ^= 0x01
	if _, _, err := a.Session().Unseal(nil, sealed, 0); err == nil {
		t.Error("tampered message accepted")
	}
}

func TestHandshakeWrongPassword(t *testing.T) {
	a := NewAcceptor("PCTM", "PCTM-DOM")
	a.AddAccount("pctu", "RightPassword")
	i := NewInitiator("PCTU", "WrongPassword", "PCTM-DOM", "PCTM")

	if err := runHandshake(t, i, a); err == nil {
		t.Error("wrong password accepted")
	}
}

func TestHandshakeUnknownUser(t *testing.T) {
	a := NewAcceptor("PCTM", "PCTM-DOM")
	i := NewInitiator("ghost", "password", "PCTM-DOM", "PCTM")

	if err := runHandshake(t, i, a); err == nil {
		t.Error("unknown user accepted")
	}
}

func TestHandshakeEmptyDomain(t *testing.T) {
	a := NewAcceptor("PCTM", "")
	a.AddAccount("local", "hunter2hunter2")
	i := NewInitiator("local", "hunter2hunter2", "", "PCTM")

	if err := runHandshake(t, i, a); err != nil {
		t.Fatalf("domain-less logon failed: %v", err)
	}
}

func TestHandshakeNTLMv1(t *testing.T) {
	a := NewAcceptor("PCTM", "PCTM-DOM")
	a.AddAccount("pctu", "LegacyBox01")

	i := NewInitiator("PCTU", "LegacyBox01", "PCTM-DOM", "PCTM")
	i.UseNTLMv1()

	if err := runHandshake(t, i, a); err != nil {
		t.Fatal(err)
	}

	cs, ss := i.Session(), a.Session()
	if !bytes.Equal(cs.SessionKey(), ss.SessionKey()) {
		t.Fatalf("session keys diverge: %x vs %x", cs.SessionKey(), ss.SessionKey())
	}

	// legacy signature scheme
	msg := []byte("sequence checked message")
	sum, _ := cs.Sum(msg, 0)
	ok, _ := ss.CheckSum(sum, msg, 0)
	if !ok {
		t.Error("legacy signature rejected")
	}
}

func TestHandshakeSPNEGO(t *testing.T) {
	a := NewAcceptor("PCTM", "PCTM-DOM")
	a.AddAccount("pctu", "N0tTheSame!")
	i := NewInitiator("PCTU", "N0tTheSame!", "PCTM-DOM", "PCTM")

	if _, err := a.Negotiate(); err != nil {
		t.Fatal(err)
	}

	initToken, err := i.NegotiateSPNEGO()
	if err != nil {
		t.Fatal(err)
	}
	challengeToken, err := a.ChallengeSPNEGO(initToken)
	if err != nil {
		t.Fatal(err)
	}
	authToken, err := i.AuthenticateSPNEGO(challengeToken)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.AcceptSPNEGO(authToken); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(i.Session().SessionKey(), a.Session().SessionKey()) {
		t.Error("session keys diverge over SPNEGO")
	}
}
