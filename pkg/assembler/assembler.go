// Package assembler provides a minimal MCTP packet layer: it frames
// control messages into single MCTP packets and parses inbound packets
// back into messages. Multi-fragment reassembly is not implemented;
// control traffic fits one baseline transmission unit.
package assembler

import (
	"fmt"

	"github.com/Nativu5/mctpd/pkg/types"
)

// HeaderLen is the MCTP transport header size.
const HeaderLen = 4

// BaselineMTU is the baseline transmission unit: the largest message body
// a single packet carries.
const BaselineMTU = 64

// Header flag bits in the fourth header byte.
const (
	FlagSOM     uint8 = 0x80
	FlagEOM     uint8 = 0x40
	seqShift          = 4
	seqMask     uint8 = 0x03
	FlagTO      uint8 = 0x08
	tagMask     uint8 = 0x07
	headerVer   uint8 = 0x01
	verMask     uint8 = 0x0F
)

// Packet is one MCTP packet: transport header fields plus the payload.
type Packet struct {
	Dest    types.EID
	Src     types.EID
	SOM     bool
	EOM     bool
	Seq     uint8
	TagOwner bool
	Tag     uint8
	Payload []byte
}

// Encode renders the packet with its transport header.
func (p Packet) Encode() []byte {
	buf := make([]byte, 0, HeaderLen+len(p.Payload))
	flags := (p.Seq & seqMask) << seqShift
	if p.SOM {
		flags |= FlagSOM
	}
	if p.EOM {
		flags |= FlagEOM
	}
	if p.TagOwner {
		flags |= FlagTO
	}
	flags |= p.Tag & tagMask
	buf = append(buf, headerVer, uint8(p.Dest), uint8(p.Src), flags)
	return append(buf, p.Payload...)
}

// Decode parses one packet, validating the header version.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderLen {
		return Packet{}, fmt.Errorf("MCTP packet too short: %d bytes", len(data))
	}
	if data[0]&verMask != headerVer {
		return Packet{}, fmt.Errorf("unsupported MCTP header version %#x", data[0]&verMask)
	}
	flags := data[3]
	return Packet{
		Dest:     types.EID(data[1]),
		Src:      types.EID(data[2]),
		SOM:      flags&FlagSOM != 0,
		EOM:      flags&FlagEOM != 0,
		Seq:      flags >> seqShift & seqMask,
		TagOwner: flags&FlagTO != 0,
		Tag:      flags & tagMask,
		Payload:  append([]byte(nil), data[HeaderLen:]...),
	}, nil
}

// Frame wraps one message into a single packet. Messages larger than the
// baseline transmission unit are refused.
func Frame(dst, src types.EID, tag uint8, tagOwner bool, msg []byte) ([]byte, error) {
	if len(msg) > BaselineMTU {
		return nil, fmt.Errorf("message of %d bytes exceeds single-packet limit", len(msg))
	}
	p := Packet{
		Dest:     dst,
		Src:      src,
		SOM:      true,
		EOM:      true,
		TagOwner: tagOwner,
		Tag:      tag,
		Payload:  msg,
	}
	return p.Encode(), nil
}

// Unframe parses a packet and returns the message it carries. Packets that
// are part of a fragmented message are dropped with an error.
func Unframe(data []byte) (src types.EID, msg []byte, err error) {
	p, err := Decode(data)
	if err != nil {
		return types.EIDNull, nil, err
	}
	if !p.SOM || !p.EOM {
		return types.EIDNull, nil, fmt.Errorf("fragmented MCTP message not supported")
	}
	return p.Src, p.Payload, nil
}
