// Package types defines shared data types for mctpd.
// These types are used across the transport bindings, the routing engine
// and the endpoint publisher, and carry no hardware dependencies.
package types

// EID is an MCTP endpoint identifier. The value space is 8 bits with
// reserved values below; assignable EIDs live in 0x08..0xFE.
type EID uint8

const (
	// EIDNull is the null endpoint ID used before assignment.
	EIDNull EID = 0x00
	// EIDBroadcast is the broadcast endpoint ID. Never assignable.
	EIDBroadcast EID = 0xFF
	// EIDPoolStart is the first assignable endpoint ID.
	EIDPoolStart EID = 0x08
	// EIDPoolEnd is the last assignable endpoint ID.
	EIDPoolEnd EID = 0xFE
)

// Assignable reports whether e may be handed out to a remote endpoint.
func (e EID) Assignable() bool {
	return e >= EIDPoolStart && e <= EIDPoolEnd
}

// BindingRole is the role this daemon plays on a physical transport segment.
type BindingRole string

const (
	// RoleBusOwner assigns EIDs on its segment and answers routing queries.
	RoleBusOwner BindingRole = "BusOwner"
	// RoleEndpoint is assigned an EID by the segment's bus owner.
	RoleEndpoint BindingRole = "Endpoint"
	// RoleBridge forwards MCTP traffic to endpoints behind it.
	RoleBridge BindingRole = "Bridge"
)

// DiscoveryFlag tracks the per-binding discovery lifecycle.
type DiscoveryFlag string

const (
	// DiscoveryNotApplicable is held for the lifetime of a bus-owner binding.
	DiscoveryNotApplicable DiscoveryFlag = "NotApplicable"
	// DiscoveryUndiscovered means the bus owner has not assigned us an EID yet.
	DiscoveryUndiscovered DiscoveryFlag = "Undiscovered"
	// DiscoveryDiscovered means Set Endpoint ID completed successfully.
	DiscoveryDiscovered DiscoveryFlag = "Discovered"
)

// MediumID identifies the physical medium per the MCTP physical medium
// identifier registry. Only the subset this daemon configures is listed.
type MediumID string

const (
	MediumSmbus                       MediumID = "Smbus"
	MediumSmbusI2c                    MediumID = "SmbusI2c"
	MediumI2cCompatible               MediumID = "I2cCompatible"
	MediumSmbus3OrI2c400khzCompatible MediumID = "Smbus3OrI2c400khzCompatible"
	MediumPcie11                      MediumID = "Pcie11"
	MediumPcie2                       MediumID = "Pcie2"
	MediumPcie21                      MediumID = "Pcie21"
	MediumPcie3                       MediumID = "Pcie3"
	MediumPcie4                       MediumID = "Pcie4"
	MediumPcie5                       MediumID = "Pcie5"
)

// VdmSet is one entry of the vendor-defined-message capability database
// reported by Get Vendor Defined Message Support.
type VdmSet struct {
	// VendorIDFormat is 0x00 for PCI vendor IDs, 0x01 for IANA numbers.
	VendorIDFormat uint8
	// VendorID is the vendor identifier in the given format.
	VendorID uint16
	// CommandSetType is the vendor-defined command set type field.
	CommandSetType uint16
}

// VdmNoMoreSets is the vendor-id set selector meaning "no further sets".
const VdmNoMoreSets uint8 = 0xFF
