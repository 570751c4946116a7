package ntlm

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	bs, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return bs
}

// Sample value from MS-NLMP 4.2.2.1.2.
func TestNtowfv1(t *testing.T) {
	got := Ntowfv1("Password")
	want := unhex(t, "a4f49c406510bdcab6824ee7c30fd852")
	if !bytes.Equal(got, want) {
		t.Errorf("Ntowfv1 = %x, want %x", got, want)
	}
}

// Sample value from MS-NLMP 4.2.4.1.1.
func TestNtowfv2(t *testing.T) {
	want := unhex(t, "0c868a403bfd7a93a3001ef22ef02e3f")

	got := Ntowfv2("Password", "User", "Domain")
	if !bytes.Equal(got, want) {
		t.Errorf("Ntowfv2 = %x, want %x", got, want)
	}

	got = Ntowfv2Hash("User", "Domain", Ntowfv1("Password"))
	if !bytes.Equal(got, want) {
		t.Errorf("Ntowfv2Hash = %x, want %x", got, want)
	}
}

// Sample values from MS-NLMP 4.2.4: zero timestamp, client challenge of
// 0xaa bytes, target info carrying the Domain and Server pairs.
func TestNTLMv2Response(t *testing.T) {
	targetInfo := NewTargetInfo("Domain", "Server")

	wantInfo := unhex(t, "02000c0044006f006d00610069006e0001000c0053006500720076006500720000000000")
	if got := targetInfo.Encode(); !bytes.Equal(got, wantInfo) {
		t.Fatalf("target info encoding = %x, want %x", got, wantInfo)
	}

	resp := NTLMv2Response(
		Ntowfv2("Password", "User", "Domain"),
		unhex(t, "0123456789abcdef"),
		unhex(t, "aaaaaaaaaaaaaaaa"),
		make([]byte, 8),
		targetInfo,
	)

	wantNT := unhex(t, "68cd0ab851e51c96aabc927bebef6a1c"+
		"0101000000000000"+
		"0000000000000000"+
		"aaaaaaaaaaaaaaaa"+
		"00000000"+
		"02000c0044006f006d00610069006e00"+
		"01000c00530065007200760065007200"+
		"0000000000000000")
	if !bytes.Equal(resp.NT, wantNT) {
		t.Errorf("NT response = %x, want %x", resp.NT, wantNT)
	}

	if want := unhex(t, "8de40ccadbc14a82f15cb0ad0de95ca3"); !bytes.Equal(resp.SessionBaseKey, want) {
		t.Errorf("session base key = %x, want %x", resp.SessionBaseKey, want)
	}

	if want := unhex(t, "86c35097ac9cec102554764a57cccc19aaaaaaaaaaaaaaaa"); !bytes.Equal(resp.LM, want) {
		t.Errorf("LM response = %x, want %x", resp.LM, want)
	}
}

func TestNTLMv2ResponseDeterministic(t *testing.T) {
	ti := NewTargetInfo("PCTM-DOM", "PCTM")
	hash := Ntowfv2("SecretPW01", "PCTU", "PCTM-DOM")
	sc := []byte("abcdefgh")
	cc := unhex(t, "1122334455667788")
	ts := unhex(t, "0090d336b734c301")

	a := NTLMv2Response(hash, sc, cc, ts, ti)
	b := NTLMv2Response(hash, sc, cc, ts, ti)
	if !bytes.Equal(a.NT, b.NT) || !bytes.Equal(a.LM, b.LM) || !bytes.Equal(a.SessionBaseKey, b.SessionBaseKey) {
		t.Error("same inputs produced different responses")
	}

	// A single changed secret byte must change the whole response family.
	c := NTLMv2Response(Ntowfv2("SecretPW02", "PCTU", "PCTM-DOM"), sc, cc, ts, ti)
	if bytes.Equal(a.NT[:16], c.NT[:16]) {
		t.Error("proof did not change with the password")
	}
	if bytes.Equal(a.SessionBaseKey, c.SessionBaseKey) {
		t.Error("session base key did not change with the password")
	}
}

// Sample values from MS-NLMP 4.2.2.
func TestNTLMv1Response(t *testing.T) {
	resp := NTLMv1Response(Ntowfv1("Password"), unhex(t, "0123456789abcdef"))

	wantNT := unhex(t, "67c43011f30298a2ad35ece64f16331c44bdbed927841f94")
	if !bytes.Equal(resp.NT, wantNT) {
		t.Errorf("NT response = %x, want %x", resp.NT, wantNT)
	}
	if !bytes.Equal(resp.LM, wantNT) {
		t.Errorf("LM response = %x, want %x", resp.LM, wantNT)
	}
	if want := unhex(t, "d87262b0cde4b1cb7499becccdf10784"); !bytes.Equal(resp.SessionBaseKey, want) {
		t.Errorf("session base key = %x, want %x", resp.SessionBaseKey, want)
	}
}

// Sample values from MS-NLMP 4.2.4.1.2 and 4.2.4.1.3.
func TestSignSealKeys(t *testing.T) {
	flags := uint32(NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY | NTLMSSP_NEGOTIATE_128)
	key := bytes.Repeat([]byte{0x55}, 16)

	if got, want := signKey(flags, key, true), unhex(t, "4788dc861b4782f35d43fd98fe1a2d39"); !bytes.Equal(got, want) {
		t.Errorf("client signing key = %x, want %x", got, want)
	}
	if got, want := sealKey(flags, key, true), unhex(t, "59f600973cc4960a25480a7c196e4c58"); !bytes.Equal(got, want) {
		t.Errorf("client sealing key = %x, want %x", got, want)
	}
}

func TestParseTargetInfo(t *testing.T) {
	var ti TargetInfo
	ti = ti.AddString(MsvAvNbDomainName, "PCTM-DOM")
	ti = ti.AddString(MsvAvNbComputerName, "PCTM")
	ti = ti.Add(0x00ee, []byte{0xde, 0xad}) // unknown ID survives the trip

	parsed, err := ParseTargetInfo(ti.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 3 {
		t.Fatalf("parsed %d pairs, want 3", len(parsed))
	}
	for idx := range ti {
		if parsed[idx].ID != ti[idx].ID || !bytes.Equal(parsed[idx].Value, ti[idx].Value) {
			t.Errorf("pair %d changed: got (%d, %x), want (%d, %x)",
				idx, parsed[idx].ID, parsed[idx].Value, ti[idx].ID, ti[idx].Value)
		}
	}
	if got := parsed.GetString(MsvAvNbDomainName); got != "PCTM-DOM" {
		t.Errorf("domain = %q, want %q", got, "PCTM-DOM")
	}

	enc := ti.Encode()

	if _, err := ParseTargetInfo(enc[:len(enc)-4]); err == nil {
		t.Error("missing terminator not rejected")
	}

	extra := append(append([]byte{}, enc...), 0x06, 0x00, 0x04, 0x00, 1, 2, 3, 4)
	if _, err := ParseTargetInfo(extra); err == nil {
		t.Error("pairs after the terminator not rejected")
	}

	if _, err := ParseTargetInfo(enc[:len(enc)-1]); err == nil {
		t.Error("truncated block not rejected")
	}

	if got, err := ParseTargetInfo(nil); err != nil || got != nil {
		t.Errorf("empty block: got (%v, %v), want (nil, nil)", got, err)
	}
}

func TestSetFlags(t *testing.T) {
	var ti TargetInfo
	ti = ti.AddString(MsvAvNbDomainName, "Domain")

	ti = ti.SetFlags(avFlagMICPresent)
	v, ok := ti.Get(MsvAvFlags)
	if !ok || len(v) != 4 || v[0] != avFlagMICPresent {
		t.Fatalf("flags pair not added: %x", v)
	}

	ti = ti.SetFlags(0x04)
	if len(ti) != 2 {
		t.Fatalf("SetFlags duplicated the pair: %d entries", len(ti))
	}
	v, _ = ti.Get(MsvAvFlags)
	if v[0] != avFlagMICPresent|0x04 {
		t.Errorf("flags = %x, want %x", v[0], avFlagMICPresent|0x04)
	}
}
