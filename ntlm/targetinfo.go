package ntlm

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/KlongLee/samba/utils"
	"github.com/oiweiwei/go-msrpc/ndr"
)

// AvPair is one attribute-value entry of a target info block.
type AvPair struct {
	ID    uint16
	Value []byte
}

// TargetInfo is an ordered AV pair list. The wire order is significant;
// the MsvAvEOL terminator is implicit and written on encoding.
type TargetInfo []AvPair

// NewTargetInfo builds the block a domain controller hands out for network
// logons: NetBIOS domain name followed by the computer name.
func NewTargetInfo(domain, computer string) TargetInfo {
	var ti TargetInfo
	ti = ti.AddString(MsvAvNbDomainName, domain)
	ti = ti.AddString(MsvAvNbComputerName, computer)
	return ti
}

// Add appends a pair.
func (ti TargetInfo) Add(id uint16, value []byte) TargetInfo {
	v := make([]byte, len(value))
	copy(v, value)
	return append(ti, AvPair{ID: id, Value: v})
}

// AddString appends a pair holding an UTF-16LE string value.
func (ti TargetInfo) AddString(id uint16, s string) TargetInfo {
	return append(ti, AvPair{ID: id, Value: utils.EncodeStringToBytes(s)})
}

// Get returns the value of the first pair with the given ID.
func (ti TargetInfo) Get(id uint16) ([]byte, bool) {
	for _, p := range ti {
		if p.ID == id {
			return p.Value, true
		}
	}
	return nil, false
}

// GetString decodes the value of the first pair with the given ID.
func (ti TargetInfo) GetString(id uint16) string {
	v, ok := ti.Get(id)
	if !ok {
		return ""
	}
	return utils.DecodeToString(v)
}

// SetFlags ORs mask into the MsvAvFlags pair, adding the pair when absent.
func (ti TargetInfo) SetFlags(mask uint32) TargetInfo {
	for idx, p := range ti {
		if p.ID == MsvAvFlags && len(p.Value) == 4 {
			nv := make([]byte, 4)
			binary.LittleEndian.PutUint32(nv, binary.LittleEndian.Uint32(p.Value)|mask)
			ti[idx].Value = nv
			return ti
		}
	}
	nv := make([]byte, 4)
	binary.LittleEndian.PutUint32(nv, mask)
	return append(ti, AvPair{ID: MsvAvFlags, Value: nv})
}

// Encode returns the canonical wire encoding including the terminator.
func (ti TargetInfo) Encode() []byte {
	bs := make([]byte, ti.size())
	ti.encode(bs)
	return bs
}

func (ti TargetInfo) size() int {
	n := 4 // MsvAvEOL
	for _, p := range ti {
		n += 4 + len(p.Value)
	}
	return n
}

func (ti TargetInfo) encode(bs []byte) {
	off := 0
	for _, p := range ti {
		binary.LittleEndian.PutUint16(bs[off:off+2], p.ID)
		binary.LittleEndian.PutUint16(bs[off+2:off+4], uint16(len(p.Value)))
		copy(bs[off+4:], p.Value)
		off += 4 + len(p.Value)
	}
	// the four zero bytes left at the end are the MsvAvEOL pair
}

// MarshalNDR writes the canonical encoding, letting the list travel inside
// NDR-marshalled logon structures unchanged.
func (ti TargetInfo) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	_, err := w.Write(ti.Encode())
	return err
}

// ParseTargetInfo decodes an AV pair block. The terminator must be present
// and last; it is not included in the result. Unknown IDs are preserved in
// their wire order.
func ParseTargetInfo(bs []byte) (TargetInfo, error) {
	if len(bs) == 0 {
		return nil, nil
	}

	var ti TargetInfo
	for len(bs) > 0 {
		if len(bs) < 4 {
			return nil, errors.New("truncated AV pair")
		}

		id := binary.LittleEndian.Uint16(bs[:2])
		n := int(binary.LittleEndian.Uint16(bs[2:4]))
		if len(bs) < 4+n {
			return nil, errors.New("truncated AV pair value")
		}

		if id == MsvAvEOL {
			if n != 0 {
				return nil, errors.New("malformed MsvAvEOL pair")
			}
			if len(bs) != 4 {
				return nil, errors.New("AV pairs after MsvAvEOL")
			}
			return ti, nil
		}

		ti = ti.Add(id, bs[4:4+n])
		bs = bs[4+n:]
	}

	return nil, errors.New("missing MsvAvEOL terminator")
}
