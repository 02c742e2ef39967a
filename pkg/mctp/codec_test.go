package mctp

import (
	"bytes"
	"testing"

	"github.com/Nativu5/mctpd/pkg/types"
)

func TestControlHeader_RoundTrip(t *testing.T) {
	hdr := ControlHeader{
		MsgType:    MsgTypeControl,
		Request:    true,
		InstanceID: 0x15,
		Command:    CmdGetRoutingTableEntries,
	}
	encoded := hdr.Encode(nil)
	if len(encoded) != HeaderLen {
		t.Fatalf("encoded header length = %d, want %d", len(encoded), HeaderLen)
	}

	decoded, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if decoded != hdr {
		t.Errorf("decoded header = %+v, want %+v", decoded, hdr)
	}
}

func TestControlHeader_InstanceIDMasked(t *testing.T) {
	hdr := ControlHeader{MsgType: MsgTypeControl, InstanceID: 0x3F, Command: CmdGetEndpointID}
	decoded, err := DecodeHeader(hdr.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if decoded.InstanceID != 0x1F {
		t.Errorf("instance ID = %#x, want masked to %#x", decoded.InstanceID, 0x1F)
	}
}

func TestDecodeHeader_TooShort(t *testing.T) {
	if _, err := DecodeHeader([]byte{0x00, 0x80}); err == nil {
		t.Error("expected error for 2-byte header")
	}
}

func TestEntryType_RoleBits(t *testing.T) {
	et := EntryType(0x00).WithRole(RoleBridgeAndEndpoints)
	if et.Role() != RoleBridgeAndEndpoints {
		t.Errorf("role = %v, want %v", et.Role(), RoleBridgeAndEndpoints)
	}
	if !et.IsBridge() {
		t.Error("bridge-and-endpoints should classify as bridge")
	}

	// Rewriting the role must leave other bits alone.
	withRange := EntryType(EntryRangeFlag).WithRole(RoleBridge)
	if uint8(withRange)&EntryRangeFlag == 0 {
		t.Error("range flag lost during role rewrite")
	}
	rewritten := withRange.WithRole(RoleSingleEndpoint)
	if rewritten.Role() != RoleSingleEndpoint {
		t.Errorf("role after rewrite = %v, want %v", rewritten.Role(), RoleSingleEndpoint)
	}
	if uint8(rewritten)&EntryRangeFlag == 0 {
		t.Error("range flag lost during second role rewrite")
	}
}

func TestSetEndpointID_RoundTrip(t *testing.T) {
	req := SetEndpointIDReq{Operation: SetEIDOpForce, EID: 0x99}
	decodedReq, err := DecodeSetEndpointIDReq(req.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeSetEndpointIDReq failed: %v", err)
	}
	if decodedReq != req {
		t.Errorf("decoded request = %+v, want %+v", decodedReq, req)
	}

	resp := SetEndpointIDResp{
		Completion: CCSuccess,
		Status:     EIDAccepted << 4,
		EIDSet:     0x99,
	}
	decodedResp, err := DecodeSetEndpointIDResp(resp.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeSetEndpointIDResp failed: %v", err)
	}
	if decodedResp != resp {
		t.Errorf("decoded response = %+v, want %+v", decodedResp, resp)
	}
}

func TestGetEndpointIDResp_RoundTrip(t *testing.T) {
	resp := GetEndpointIDResp{Completion: CCSuccess, EID: 0x42, EIDType: 0x10}
	decoded, err := DecodeGetEndpointIDResp(resp.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeGetEndpointIDResp failed: %v", err)
	}
	if decoded != resp {
		t.Errorf("decoded = %+v, want %+v", decoded, resp)
	}
}

func TestRoutingTableResp_RoundTrip(t *testing.T) {
	resp := GetRoutingTableResp{
		Completion:      CCSuccess,
		NextEntryHandle: RoutingEntryHandleEnd,
		Entries: []RoutingTableEntry{
			NewPCIeEntry(0x10, 0xA1B2, EntryType(0).WithRole(RoleSingleEndpoint)),
			NewPCIeEntry(0x20, 0xB000, EntryType(0).WithRole(RoleBridge)),
		},
	}
	decoded, err := DecodeGetRoutingTableResp(resp.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeGetRoutingTableResp failed: %v", err)
	}
	if len(decoded.Entries) != 2 {
		t.Fatalf("decoded %d entries, want 2", len(decoded.Entries))
	}

	bdf, ok := decoded.Entries[0].PCIeBDF()
	if !ok || bdf != 0xA1B2 {
		t.Errorf("entry 0 BDF = %#x (ok=%v), want 0xA1B2", bdf, ok)
	}
	if decoded.Entries[1].EntryType.Role() != RoleBridge {
		t.Errorf("entry 1 role = %v, want bridge", decoded.Entries[1].EntryType.Role())
	}
}

// A big-endian BDF on the wire must decode to the host-order value and
// re-encode to the same bytes.
func TestRoutingEntry_BDFBigEndianOnWire(t *testing.T) {
	entry := NewPCIeEntry(0x10, 0x1234, 0)
	if !bytes.Equal(entry.PhysAddress, []byte{0x12, 0x34}) {
		t.Errorf("wire address = %x, want 1234 big-endian", entry.PhysAddress)
	}
	bdf, ok := entry.PCIeBDF()
	if !ok || bdf != 0x1234 {
		t.Errorf("round-tripped BDF = %#x, want 0x1234", bdf)
	}
}

// Entries of other transports must still advance the parse offset by
// their physical address size.
func TestRoutingTableResp_SkipsForeignTransportAddresses(t *testing.T) {
	smbusEntry := RoutingTableEntry{
		EIDRangeSize:    1,
		StartingEID:     0x30,
		PhysTransportID: BindingSMBus,
		PhysAddress:     []byte{0x4B},
	}
	pcieEntry := NewPCIeEntry(0x10, 0xBEEF, 0)
	resp := GetRoutingTableResp{
		Completion:      CCSuccess,
		NextEntryHandle: RoutingEntryHandleEnd,
		Entries:         []RoutingTableEntry{smbusEntry, pcieEntry},
	}

	decoded, err := DecodeGetRoutingTableResp(resp.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeGetRoutingTableResp failed: %v", err)
	}
	if len(decoded.Entries) != 2 {
		t.Fatalf("decoded %d entries, want 2", len(decoded.Entries))
	}
	if decoded.Entries[1].PhysTransportID != BindingPCIe {
		t.Error("second entry lost its transport ID; offset advance is broken")
	}
	if bdf, ok := decoded.Entries[1].PCIeBDF(); !ok || bdf != 0xBEEF {
		t.Errorf("second entry BDF = %#x, want 0xBEEF", bdf)
	}
}

func TestRoutingTableResp_Truncated(t *testing.T) {
	resp := GetRoutingTableResp{
		Completion: CCSuccess,
		Entries:    []RoutingTableEntry{NewPCIeEntry(0x10, 0xBEEF, 0)},
	}
	encoded := resp.Encode(nil)
	if _, err := DecodeGetRoutingTableResp(encoded[:len(encoded)-1]); err == nil {
		t.Error("expected error for truncated entry address")
	}
}

func TestVdmSupport_RoundTrip(t *testing.T) {
	resp := GetVdmSupportResp{
		Completion:          CCSuccess,
		VendorIDSetSelector: types.VdmNoMoreSets,
		VendorIDFormat:      0x00,
		VendorID:            0x8086,
		CommandSetType:      0x0001,
	}
	decoded, err := DecodeGetVdmSupportResp(resp.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeGetVdmSupportResp failed: %v", err)
	}
	if decoded != resp {
		t.Errorf("decoded = %+v, want %+v", decoded, resp)
	}
}

func TestVersionSupport_RoundTrip(t *testing.T) {
	resp := GetVersionSupportResp{
		Completion: CCSuccess,
		Versions:   []Version{{Major: 0xF1, Minor: 0xF3, Update: 0xF1}},
	}
	decoded, err := DecodeGetVersionSupportResp(resp.Encode(nil))
	if err != nil {
		t.Fatalf("DecodeGetVersionSupportResp failed: %v", err)
	}
	if len(decoded.Versions) != 1 || decoded.Versions[0] != resp.Versions[0] {
		t.Errorf("decoded versions = %+v, want %+v", decoded.Versions, resp.Versions)
	}
}
