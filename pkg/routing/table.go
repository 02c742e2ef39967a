// Package routing holds the EID-to-physical-address routing table built by
// the bridge walk, and the diff that turns successive tables into endpoint
// add/remove events.
package routing

import (
	"github.com/Nativu5/mctpd/pkg/mctp"
	"github.com/Nativu5/mctpd/pkg/types"
)

// Entry is one routing-table row: an EID bound to a physical address with
// its packed entry-type byte. PhysAddr is a host-order BDF for PCIe rows.
type Entry struct {
	EID       types.EID
	PhysAddr  uint16
	EntryType mctp.EntryType
}

// Table is an ordered sequence of entries. Order is load-bearing: rows
// discovered behind a bridge sit immediately after the bridge row, and
// equality across refreshes is element-wise.
type Table []Entry

// Contains reports whether any row carries the given EID.
func (t Table) Contains(eid types.EID) bool {
	for _, e := range t {
		if e.EID == eid {
			return true
		}
	}
	return false
}

// Lookup returns the row for an EID.
func (t Table) Lookup(eid types.EID) (Entry, bool) {
	for _, e := range t {
		if e.EID == eid {
			return e, true
		}
	}
	return Entry{}, false
}

// Equal compares two tables element-wise.
func (t Table) Equal(o Table) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// InsertAt inserts an entry at position i, shifting later rows down.
func (t Table) InsertAt(i int, e Entry) Table {
	t = append(t, Entry{})
	copy(t[i+1:], t[i:])
	t[i] = e
	return t
}

// contains is tuple-wise membership, matching the element-wise equality
// used by Equal.
func contains(t Table, e Entry) bool {
	for _, o := range t {
		if o == e {
			return true
		}
	}
	return false
}

// Mode classifies what kind of endpoint a row describes, given the
// bus owner's physical address.
func (e Entry) Mode(busOwnerPhysAddr uint16) types.BindingRole {
	if e.PhysAddr == busOwnerPhysAddr {
		return types.RoleBusOwner
	}
	if e.EntryType.IsBridge() {
		return types.RoleBridge
	}
	return types.RoleEndpoint
}

// Diff compares an old and a new table and invokes remove for every row
// that disappeared and add for every row that appeared. ownEID rows and
// the null EID are never added (the daemon does not publish itself, and
// 0x00 is not a routable endpoint). Removals are emitted before additions
// so a moved EID tears down before it reappears.
func Diff(prev, next Table, ownEID types.EID, remove func(Entry), add func(Entry)) {
	for _, e := range prev {
		if !contains(next, e) {
			remove(e)
		}
	}
	for _, e := range next {
		if contains(prev, e) {
			continue
		}
		if e.EID == ownEID || e.EID == types.EIDNull {
			continue
		}
		add(e)
	}
}
