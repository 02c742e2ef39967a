// Package mctp implements the MCTP control-message wire layer: command
// codes, completion codes, routing-table entry encoding and the byte-level
// codecs for every control command this daemon issues or answers.
//
// All packed structures are parsed through explicit byte-array decoders
// that validate length; no struct is ever reinterpreted from a raw buffer.
package mctp

// Control message type per the MCTP base specification. The IC bit is
// never set on control traffic.
const MsgTypeControl uint8 = 0x00

// Control header flag bits in the Rq/D/Instance-ID byte.
const (
	RqBit        uint8 = 0x80
	DatagramBit  uint8 = 0x40
	InstanceMask uint8 = 0x1F
)

// CommandCode is an MCTP control command code.
type CommandCode uint8

// Control command codes used by the bus-owner and endpoint roles.
const (
	CmdSetEndpointID            CommandCode = 0x01
	CmdGetEndpointID            CommandCode = 0x02
	CmdGetEndpointUUID          CommandCode = 0x03
	CmdGetVersionSupport        CommandCode = 0x04
	CmdGetMessageTypeSupport    CommandCode = 0x05
	CmdGetVdmSupport            CommandCode = 0x06
	CmdGetRoutingTableEntries   CommandCode = 0x0A
	CmdPrepareEndpointDiscovery CommandCode = 0x0B
	CmdEndpointDiscovery        CommandCode = 0x0C
	CmdDiscoveryNotify          CommandCode = 0x0D
)

// CompletionCode is an MCTP control completion code.
type CompletionCode uint8

const (
	CCSuccess        CompletionCode = 0x00
	CCError          CompletionCode = 0x01
	CCInvalidData    CompletionCode = 0x02
	CCInvalidLength  CompletionCode = 0x03
	CCNotReady       CompletionCode = 0x04
	CCUnsupportedCmd CompletionCode = 0x05
)

// Physical transport binding identifiers carried in routing table entries.
const (
	BindingReserved uint8 = 0x00
	BindingSMBus    uint8 = 0x01
	BindingPCIe     uint8 = 0x02
	BindingUSB      uint8 = 0x03
	BindingKCS      uint8 = 0x04
	BindingSerial   uint8 = 0x05
)

// Routing entry roles, stored in bits [5:4] of the entry-type byte.
// Bit 6 is the range flag; the low nibble is the port number.
type EntryRole uint8

const (
	RoleSingleEndpoint     EntryRole = 0x00
	RoleBridgeAndEndpoints EntryRole = 0x01
	RoleBridge             EntryRole = 0x02
	RoleEndpoints          EntryRole = 0x03
)

const (
	entryRoleShift       = 4
	entryRoleMask  uint8 = 0x03
	// EntryRangeFlag marks an entry covering a contiguous EID range.
	EntryRangeFlag uint8 = 0x40
)

// EntryType is the packed entry-type byte of a routing table entry.
type EntryType uint8

// Role extracts the role bits.
func (t EntryType) Role() EntryRole {
	return EntryRole(uint8(t) >> entryRoleShift & entryRoleMask)
}

// WithRole returns t with the role bits replaced, leaving the range flag
// and port number untouched.
func (t EntryType) WithRole(role EntryRole) EntryType {
	return EntryType(uint8(t)&^(entryRoleMask<<entryRoleShift) |
		uint8(role)<<entryRoleShift)
}

// IsBridge reports whether the entry describes a bridge-class endpoint.
func (t EntryType) IsBridge() bool {
	r := t.Role()
	return r == RoleBridge || r == RoleBridgeAndEndpoints
}

// SetEndpointID operation field values.
const (
	SetEIDOpSet   uint8 = 0x00
	SetEIDOpForce uint8 = 0x01
)

// Set Endpoint ID response assignment-status field (bits [5:4]).
const (
	EIDAccepted uint8 = 0x00
	EIDRejected uint8 = 0x01
)

// RoutingEntryHandleEnd is the next-entry-handle value that terminates a
// Get Routing Table Entries walk.
const RoutingEntryHandleEnd uint8 = 0xFF
