// Package transport defines the per-transport binding-private records that
// ride along with every MCTP frame, and their packed codecs.
//
// Binding-private data never appears on the wire between endpoints; it is
// the contract between this daemon and the kernel transport drivers. Both
// records are packed little-endian. The PCIe BDF inside routing-table
// entries, by contrast, is big-endian on the wire (see pkg/mctp).
package transport

import (
	"encoding/binary"
	"fmt"
)

// PCIe VDM routing field values.
type PCIeRouting uint8

const (
	RouteToRC       PCIeRouting = 0x00
	RouteByID       PCIeRouting = 0x02
	BroadcastFromRC PCIeRouting = 0x03
)

// String renders the routing tag for logs.
func (r PCIeRouting) String() string {
	switch r {
	case RouteToRC:
		return "route-to-rc"
	case RouteByID:
		return "route-by-id"
	case BroadcastFromRC:
		return "broadcast-from-rc"
	default:
		return fmt.Sprintf("routing(%#x)", uint8(r))
	}
}

// PCIePrivate is the binding-private record of the PCIe VDM transport.
type PCIePrivate struct {
	Routing  PCIeRouting
	RemoteID uint16 // requester/target BDF
}

// PCIePrivateLen is the encoded size of PCIePrivate.
const PCIePrivateLen = 3

// Encode packs the record little-endian.
func (p PCIePrivate) Encode() []byte {
	buf := make([]byte, PCIePrivateLen)
	buf[0] = uint8(p.Routing)
	binary.LittleEndian.PutUint16(buf[1:], p.RemoteID)
	return buf
}

// DecodePCIePrivate unpacks a PCIe binding-private record.
func DecodePCIePrivate(data []byte) (PCIePrivate, error) {
	if len(data) < PCIePrivateLen {
		return PCIePrivate{}, fmt.Errorf("PCIe binding private too short: %d bytes", len(data))
	}
	return PCIePrivate{
		Routing:  PCIeRouting(data[0]),
		RemoteID: binary.LittleEndian.Uint16(data[1:]),
	}, nil
}

// IsMuxPort is the mux-flags bit marking a frame that goes through an
// i2c mux leaf and therefore may need a mux hold.
const IsMuxPort uint8 = 0x80

// SMBusPrivate is the binding-private record of the SMBus transport.
// SlaveAddr is in 8-bit form (LSB is the R/W bit).
type SMBusPrivate struct {
	Fd             int32
	MuxHoldTimeout uint16 // milliseconds
	MuxFlags       uint8
	SlaveAddr      uint8
}

// SMBusPrivateLen is the encoded size of SMBusPrivate.
const SMBusPrivateLen = 8

// Encode packs the record little-endian.
func (p SMBusPrivate) Encode() []byte {
	buf := make([]byte, SMBusPrivateLen)
	binary.LittleEndian.PutUint32(buf, uint32(p.Fd))
	binary.LittleEndian.PutUint16(buf[4:], p.MuxHoldTimeout)
	buf[6] = p.MuxFlags
	buf[7] = p.SlaveAddr
	return buf
}

// DecodeSMBusPrivate unpacks an SMBus binding-private record.
func DecodeSMBusPrivate(data []byte) (SMBusPrivate, error) {
	if len(data) < SMBusPrivateLen {
		return SMBusPrivate{}, fmt.Errorf("SMBus binding private too short: %d bytes", len(data))
	}
	return SMBusPrivate{
		Fd:             int32(binary.LittleEndian.Uint32(data)),
		MuxHoldTimeout: binary.LittleEndian.Uint16(data[4:]),
		MuxFlags:       data[6],
		SlaveAddr:      data[7],
	}, nil
}

// SameDevice reports whether two SMBus records address the same device.
// Identity is (fd, slave address); mux flags and hold timeout are transient.
func (p SMBusPrivate) SameDevice(o SMBusPrivate) bool {
	return p.Fd == o.Fd && p.SlaveAddr == o.SlaveAddr
}

// BDF field accessors: Bus is bits [15:8], Device bits [7:3],
// Function bits [2:0].

// BDFBus extracts the bus number from a BDF.
func BDFBus(bdf uint16) uint8 { return uint8(bdf >> 8) }

// BDFDevice extracts the device number from a BDF.
func BDFDevice(bdf uint16) uint8 { return uint8(bdf>>3) & 0x1F }

// BDFFunction extracts the function number from a BDF.
func BDFFunction(bdf uint16) uint8 { return uint8(bdf) & 0x07 }

// FormatBDF renders a BDF as bb:dd.f for logs.
func FormatBDF(bdf uint16) string {
	return fmt.Sprintf("%02x:%02x.%x", BDFBus(bdf), BDFDevice(bdf), BDFFunction(bdf))
}
