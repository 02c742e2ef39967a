package mctp

import (
	"encoding/binary"
	"fmt"

	"github.com/Nativu5/mctpd/pkg/types"
)

// ControlHeader is the three-byte header of every MCTP control message.
type ControlHeader struct {
	// MsgType is the message type byte; MsgTypeControl for control traffic.
	MsgType uint8
	// Request is the Rq bit: set on requests, clear on responses.
	Request bool
	// Datagram is the D bit.
	Datagram bool
	// InstanceID matches responses to requests (5 bits).
	InstanceID uint8
	// Command is the control command code.
	Command CommandCode
}

// HeaderLen is the encoded size of a ControlHeader.
const HeaderLen = 3

// Encode appends the header to buf.
func (h ControlHeader) Encode(buf []byte) []byte {
	rqdi := h.InstanceID & InstanceMask
	if h.Request {
		rqdi |= RqBit
	}
	if h.Datagram {
		rqdi |= DatagramBit
	}
	return append(buf, h.MsgType, rqdi, uint8(h.Command))
}

// DecodeHeader parses a control header from the start of data.
func DecodeHeader(data []byte) (ControlHeader, error) {
	if len(data) < HeaderLen {
		return ControlHeader{}, fmt.Errorf("control message too short: %d bytes", len(data))
	}
	return ControlHeader{
		MsgType:    data[0],
		Request:    data[1]&RqBit != 0,
		Datagram:   data[1]&DatagramBit != 0,
		InstanceID: data[1] & InstanceMask,
		Command:    CommandCode(data[2]),
	}, nil
}

// SetEndpointIDReq is the Set Endpoint ID request payload.
type SetEndpointIDReq struct {
	Operation uint8
	EID       types.EID
}

// Encode appends the request payload to buf.
func (r SetEndpointIDReq) Encode(buf []byte) []byte {
	return append(buf, r.Operation, uint8(r.EID))
}

// DecodeSetEndpointIDReq parses a Set Endpoint ID request payload.
func DecodeSetEndpointIDReq(data []byte) (SetEndpointIDReq, error) {
	if len(data) < 2 {
		return SetEndpointIDReq{}, fmt.Errorf("set endpoint ID request too short: %d bytes", len(data))
	}
	return SetEndpointIDReq{Operation: data[0] & 0x03, EID: types.EID(data[1])}, nil
}

// SetEndpointIDResp is the Set Endpoint ID response payload.
type SetEndpointIDResp struct {
	Completion CompletionCode
	// Status carries the EID assignment status in bits [5:4] and the
	// allocation status in bits [1:0].
	Status      uint8
	EIDSet      types.EID
	EIDPoolSize uint8
}

// Encode appends the response payload to buf.
func (r SetEndpointIDResp) Encode(buf []byte) []byte {
	return append(buf, uint8(r.Completion), r.Status, uint8(r.EIDSet), r.EIDPoolSize)
}

// DecodeSetEndpointIDResp parses a Set Endpoint ID response payload.
func DecodeSetEndpointIDResp(data []byte) (SetEndpointIDResp, error) {
	if len(data) < 4 {
		return SetEndpointIDResp{}, fmt.Errorf("set endpoint ID response too short: %d bytes", len(data))
	}
	return SetEndpointIDResp{
		Completion:  CompletionCode(data[0]),
		Status:      data[1],
		EIDSet:      types.EID(data[2]),
		EIDPoolSize: data[3],
	}, nil
}

// GetEndpointIDResp is the Get Endpoint ID response payload.
type GetEndpointIDResp struct {
	Completion CompletionCode
	EID        types.EID
	// EIDType carries the endpoint type in bits [5:4] and the EID type
	// in bits [1:0].
	EIDType    uint8
	MediumData uint8
}

// Encode appends the response payload to buf.
func (r GetEndpointIDResp) Encode(buf []byte) []byte {
	return append(buf, uint8(r.Completion), uint8(r.EID), r.EIDType, r.MediumData)
}

// DecodeGetEndpointIDResp parses a Get Endpoint ID response payload.
func DecodeGetEndpointIDResp(data []byte) (GetEndpointIDResp, error) {
	if len(data) < 4 {
		return GetEndpointIDResp{}, fmt.Errorf("get endpoint ID response too short: %d bytes", len(data))
	}
	return GetEndpointIDResp{
		Completion: CompletionCode(data[0]),
		EID:        types.EID(data[1]),
		EIDType:    data[2],
		MediumData: data[3],
	}, nil
}

// GetRoutingTableReq is the Get Routing Table Entries request payload.
type GetRoutingTableReq struct {
	EntryHandle uint8
}

// Encode appends the request payload to buf.
func (r GetRoutingTableReq) Encode(buf []byte) []byte {
	return append(buf, r.EntryHandle)
}

// DecodeGetRoutingTableReq parses a Get Routing Table Entries request payload.
func DecodeGetRoutingTableReq(data []byte) (GetRoutingTableReq, error) {
	if len(data) < 1 {
		return GetRoutingTableReq{}, fmt.Errorf("get routing table request too short")
	}
	return GetRoutingTableReq{EntryHandle: data[0]}, nil
}

// RoutingTableEntry is one entry of a Get Routing Table Entries response.
// PhysAddress holds the raw physical-address bytes; for PCIe it is a
// big-endian BDF pair, for SMBus a single 7-bit slave address byte.
type RoutingTableEntry struct {
	EIDRangeSize     uint8
	StartingEID      types.EID
	EntryType        EntryType
	PhysTransportID  uint8
	PhysMediumID     uint8
	PhysAddress      []byte
}

// entryFixedLen is the encoded size of the fixed part of a routing entry.
const entryFixedLen = 6

// Encode appends the entry, including its physical address bytes, to buf.
func (e RoutingTableEntry) Encode(buf []byte) []byte {
	buf = append(buf, e.EIDRangeSize, uint8(e.StartingEID), uint8(e.EntryType),
		e.PhysTransportID, e.PhysMediumID, uint8(len(e.PhysAddress)))
	return append(buf, e.PhysAddress...)
}

// PCIeBDF interprets the physical address as a big-endian BDF. The second
// return is false when the address is not two bytes long.
func (e RoutingTableEntry) PCIeBDF() (uint16, bool) {
	if len(e.PhysAddress) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(e.PhysAddress), true
}

// SMBusAddr interprets the physical address as a single 7-bit slave address.
func (e RoutingTableEntry) SMBusAddr() (uint8, bool) {
	if len(e.PhysAddress) != 1 {
		return 0, false
	}
	return e.PhysAddress[0], true
}

// NewPCIeEntry builds a PCIe routing entry with a big-endian BDF address.
func NewPCIeEntry(eid types.EID, bdf uint16, entryType EntryType) RoutingTableEntry {
	addr := make([]byte, 2)
	binary.BigEndian.PutUint16(addr, bdf)
	return RoutingTableEntry{
		EIDRangeSize:    1,
		StartingEID:     eid,
		EntryType:       entryType,
		PhysTransportID: BindingPCIe,
		PhysAddress:     addr,
	}
}

// GetRoutingTableResp is the Get Routing Table Entries response payload.
type GetRoutingTableResp struct {
	Completion      CompletionCode
	NextEntryHandle uint8
	Entries         []RoutingTableEntry
}

// Encode appends the response payload, including all entries, to buf.
func (r GetRoutingTableResp) Encode(buf []byte) []byte {
	buf = append(buf, uint8(r.Completion), r.NextEntryHandle, uint8(len(r.Entries)))
	for _, e := range r.Entries {
		buf = e.Encode(buf)
	}
	return buf
}

// DecodeGetRoutingTableResp parses a Get Routing Table Entries response.
// Entries with an unknown transport are still decoded (their address bytes
// advance the offset); the caller filters by PhysTransportID.
func DecodeGetRoutingTableResp(data []byte) (GetRoutingTableResp, error) {
	if len(data) < 3 {
		return GetRoutingTableResp{}, fmt.Errorf("get routing table response too short: %d bytes", len(data))
	}
	resp := GetRoutingTableResp{
		Completion:      CompletionCode(data[0]),
		NextEntryHandle: data[1],
	}
	count := int(data[2])
	off := 3
	for i := 0; i < count; i++ {
		if len(data) < off+entryFixedLen {
			return GetRoutingTableResp{}, fmt.Errorf("routing entry %d truncated at offset %d", i, off)
		}
		e := RoutingTableEntry{
			EIDRangeSize:    data[off],
			StartingEID:     types.EID(data[off+1]),
			EntryType:       EntryType(data[off+2]),
			PhysTransportID: data[off+3],
			PhysMediumID:    data[off+4],
		}
		addrSize := int(data[off+5])
		off += entryFixedLen
		if len(data) < off+addrSize {
			return GetRoutingTableResp{}, fmt.Errorf("routing entry %d address truncated", i)
		}
		e.PhysAddress = append([]byte(nil), data[off:off+addrSize]...)
		off += addrSize
		resp.Entries = append(resp.Entries, e)
	}
	return resp, nil
}

// CompletionOnlyResp is the single-byte response shared by Discovery Notify,
// Prepare for Endpoint Discovery and Endpoint Discovery.
type CompletionOnlyResp struct {
	Completion CompletionCode
}

// Encode appends the response payload to buf.
func (r CompletionOnlyResp) Encode(buf []byte) []byte {
	return append(buf, uint8(r.Completion))
}

// DecodeCompletionOnlyResp parses a completion-code-only response payload.
func DecodeCompletionOnlyResp(data []byte) (CompletionOnlyResp, error) {
	if len(data) < 1 {
		return CompletionOnlyResp{}, fmt.Errorf("empty control response")
	}
	return CompletionOnlyResp{Completion: CompletionCode(data[0])}, nil
}

// GetVersionSupportReq asks for version support of one message type.
type GetVersionSupportReq struct {
	MsgTypeNumber uint8
}

// Encode appends the request payload to buf.
func (r GetVersionSupportReq) Encode(buf []byte) []byte {
	return append(buf, r.MsgTypeNumber)
}

// Version is one major.minor.update.alpha version entry.
type Version struct {
	Major, Minor, Update, Alpha uint8
}

// GetVersionSupportResp is the Get MCTP Version Support response payload.
type GetVersionSupportResp struct {
	Completion CompletionCode
	Versions   []Version
}

// Encode appends the response payload to buf.
func (r GetVersionSupportResp) Encode(buf []byte) []byte {
	buf = append(buf, uint8(r.Completion), uint8(len(r.Versions)))
	for _, v := range r.Versions {
		buf = append(buf, v.Major, v.Minor, v.Update, v.Alpha)
	}
	return buf
}

// DecodeGetVersionSupportResp parses a Get MCTP Version Support response.
func DecodeGetVersionSupportResp(data []byte) (GetVersionSupportResp, error) {
	if len(data) < 2 {
		return GetVersionSupportResp{}, fmt.Errorf("version support response too short: %d bytes", len(data))
	}
	resp := GetVersionSupportResp{Completion: CompletionCode(data[0])}
	count := int(data[1])
	if len(data) < 2+4*count {
		return GetVersionSupportResp{}, fmt.Errorf("version support response truncated: %d entries", count)
	}
	for i := 0; i < count; i++ {
		off := 2 + 4*i
		resp.Versions = append(resp.Versions, Version{
			Major: data[off], Minor: data[off+1], Update: data[off+2], Alpha: data[off+3],
		})
	}
	return resp, nil
}

// GetMessageTypeSupportResp is the Get Message Type Support response payload.
type GetMessageTypeSupportResp struct {
	Completion CompletionCode
	MsgTypes   []uint8
}

// Encode appends the response payload to buf.
func (r GetMessageTypeSupportResp) Encode(buf []byte) []byte {
	buf = append(buf, uint8(r.Completion), uint8(len(r.MsgTypes)))
	return append(buf, r.MsgTypes...)
}

// DecodeGetMessageTypeSupportResp parses a Get Message Type Support response.
func DecodeGetMessageTypeSupportResp(data []byte) (GetMessageTypeSupportResp, error) {
	if len(data) < 2 {
		return GetMessageTypeSupportResp{}, fmt.Errorf("message type support response too short: %d bytes", len(data))
	}
	count := int(data[1])
	if len(data) < 2+count {
		return GetMessageTypeSupportResp{}, fmt.Errorf("message type support response truncated")
	}
	return GetMessageTypeSupportResp{
		Completion: CompletionCode(data[0]),
		MsgTypes:   append([]uint8(nil), data[2:2+count]...),
	}, nil
}

// GetVdmSupportReq is the Get Vendor Defined Message Support request payload.
type GetVdmSupportReq struct {
	VendorIDSetSelector uint8
}

// Encode appends the request payload to buf.
func (r GetVdmSupportReq) Encode(buf []byte) []byte {
	return append(buf, r.VendorIDSetSelector)
}

// DecodeGetVdmSupportReq parses a Get Vendor Defined Message Support request.
func DecodeGetVdmSupportReq(data []byte) (GetVdmSupportReq, error) {
	if len(data) < 1 {
		return GetVdmSupportReq{}, fmt.Errorf("get VDM support request too short")
	}
	return GetVdmSupportReq{VendorIDSetSelector: data[0]}, nil
}

// GetVdmSupportResp is the Get Vendor Defined Message Support response for
// the PCI vendor-ID format (2-byte vendor ID + 2-byte command set type).
type GetVdmSupportResp struct {
	Completion          CompletionCode
	VendorIDSetSelector uint8
	VendorIDFormat      uint8
	VendorID            uint16
	CommandSetType      uint16
}

// Encode appends the response payload to buf. Multi-byte fields are
// big-endian on the wire.
func (r GetVdmSupportResp) Encode(buf []byte) []byte {
	buf = append(buf, uint8(r.Completion), r.VendorIDSetSelector, r.VendorIDFormat)
	buf = binary.BigEndian.AppendUint16(buf, r.VendorID)
	return binary.BigEndian.AppendUint16(buf, r.CommandSetType)
}

// DecodeGetVdmSupportResp parses a Get Vendor Defined Message Support
// response in the PCI vendor-ID format.
func DecodeGetVdmSupportResp(data []byte) (GetVdmSupportResp, error) {
	if len(data) < 1 {
		return GetVdmSupportResp{}, fmt.Errorf("get VDM support response too short")
	}
	resp := GetVdmSupportResp{Completion: CompletionCode(data[0])}
	if resp.Completion != CCSuccess {
		return resp, nil
	}
	if len(data) < 7 {
		return GetVdmSupportResp{}, fmt.Errorf("get VDM support response truncated: %d bytes", len(data))
	}
	resp.VendorIDSetSelector = data[1]
	resp.VendorIDFormat = data[2]
	resp.VendorID = binary.BigEndian.Uint16(data[3:5])
	resp.CommandSetType = binary.BigEndian.Uint16(data[5:7])
	return resp, nil
}
