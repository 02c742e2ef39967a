package smbus

import (
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mctpd/pkg/transport"
	"github.com/Nativu5/mctpd/pkg/types"
)

func hasEID(table []DeviceTableEntry, eid types.EID) bool {
	for _, e := range table {
		if e.EID == eid {
			return true
		}
	}
	return false
}

// eidFromDeviceTable finds the EID previously assigned to the device the
// private record addresses. Identity is (fd, slave address) only.
func (b *Binding) eidFromDeviceTable(prv transport.SMBusPrivate) types.EID {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.deviceTable {
		if entry.Private.SameDevice(prv) {
			return entry.EID
		}
	}
	return types.EIDNull
}

func (b *Binding) removeDeviceTableEntry(eid types.EID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.deviceTable[:0]
	for _, entry := range b.deviceTable {
		if entry.EID != eid {
			out = append(out, entry)
		}
	}
	b.deviceTable = out
}

// addUnknownEID learns a device from an inbound frame whose source EID is
// not in the table yet. The R/W bit is masked off the stored address.
func (b *Binding) addUnknownEID(eid types.EID, private []byte) {
	prv, err := transport.DecodeSMBusPrivate(private)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if hasEID(b.deviceTable, eid) {
		return
	}
	prv.SlaveAddr &^= 1
	b.deviceTable = append(b.deviceTable, DeviceTableEntry{EID: eid, Private: prv})
	log.WithField("eid", uint8(eid)).Info("New EID added to device table")
}

// deviceTablesEqual compares tables element-wise on (EID, fd, slave addr).
func deviceTablesEqual(a, b []DeviceTableEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].EID != b[i].EID || !a[i].Private.SameDevice(b[i].Private) {
			return false
		}
	}
	return true
}

func entryPresent(entry DeviceTableEntry, table []DeviceTableEntry) bool {
	return hasEID(table, entry.EID)
}
