package spnego

import (
	"bytes"
	"encoding/asn1"
	"testing"
)

func TestNegTokenInitRoundTrip(t *testing.T) {
	token := []byte("NTLMSSP\x00negotiate")

	bs, err := EncodeNegTokenInit([]asn1.ObjectIdentifier{NlmpOid}, token)
	if err != nil {
		t.Fatal(err)
	}
	init, err := DecodeNegTokenInit(bs)
	if err != nil {
		t.Fatal(err)
	}

	if len(init.MechTypes) != 1 || !init.MechTypes[0].Equal(NlmpOid) {
		t.Errorf("mech types %v", init.MechTypes)
	}
	if !bytes.Equal(init.MechToken, token) {
		t.Errorf("mech token %x", init.MechToken)
	}
}

func TestNegTokenInit2RoundTrip(t *testing.T) {
	bs, err := EncodeNegTokenInit2([]asn1.ObjectIdentifier{NlmpOid})
	if err != nil {
		t.Fatal(err)
	}
	init, err := DecodeNegTokenInit2(bs)
	if err != nil {
		t.Fatal(err)
	}

	if len(init.MechTypes) != 1 || !init.MechTypes[0].Equal(NlmpOid) {
		t.Errorf("mech types %v", init.MechTypes)
	}
}

func TestNegTokenRespRoundTrip(t *testing.T) {
	token := []byte("NTLMSSP\x00challenge")

	bs, err := EncodeNegTokenResp(1, NlmpOid, token, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := DecodeNegTokenResp(bs)
	if err != nil {
		t.Fatal(err)
	}

	if resp.NegState != 1 {
		t.Errorf("neg state %d", resp.NegState)
	}
	if !resp.SupportedMech.Equal(NlmpOid) {
		t.Errorf("supported mech %v", resp.SupportedMech)
	}
	if !bytes.Equal(resp.ResponseToken, token) {
		t.Errorf("response token %x", resp.ResponseToken)
	}
}

func TestDecodeEmptyContextToken(t *testing.T) {
	bs, err := asn1.Marshal(initialContextToken{ThisMech: SpnegoOid})
	if err != nil {
		t.Fatal(err)
	}
	bs[0] = 0x60

	if _, err := DecodeNegTokenInit(bs); err == nil {
		t.Error("token without NegTokenInit accepted")
	}
}

func TestDecodeForeignToken(t *testing.T) {
	if _, err := DecodeNegTokenInit([]byte{0x30, 0x03, 0x02, 0x01, 0x01}); err == nil {
		t.Error("foreign DER accepted as NegTokenInit")
	}
}
