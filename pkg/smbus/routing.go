package smbus

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mctpd/pkg/mctp"
	"github.com/Nativu5/mctpd/pkg/transport"
	"github.com/Nativu5/mctpd/pkg/types"
)

// updateRoutingTable is the non-bus-owner refresh: page the bus owner's
// routing table and mirror the SMBus rows into the device table. At most
// one refresh runs at a time; the timer is rearmed by the handler itself.
func (b *Binding) updateRoutingTable() {
	if b.ctx.Err() != nil {
		return
	}
	if b.refreshTimer != nil {
		b.refreshTimer.Reset(time.Duration(b.cfg.RoutingIntervalSec) * time.Second)
	}

	b.mu.Lock()
	if b.flag != types.DiscoveryDiscovered {
		b.mu.Unlock()
		log.Debug("SMBus routing refresh skipped, undiscovered")
		return
	}
	if b.routingRefreshing {
		b.mu.Unlock()
		log.Debug("SMBus routing refresh already in flight")
		return
	}
	b.routingRefreshing = true
	ownerEID := b.busOwnerEID
	ownerFd := b.busOwnerFd
	ownerAddr := b.busOwnerSlaveAddr
	b.mu.Unlock()

	prv := transport.SMBusPrivate{Fd: ownerFd, SlaveAddr: ownerAddr}

	go func() {
		defer func() {
			b.mu.Lock()
			b.routingRefreshing = false
			b.mu.Unlock()
		}()
		b.refreshFromBusOwner(ownerEID, ownerFd, prv)
	}()
}

// refreshFromBusOwner performs the single-issuer walk. Only SMBus rows
// with a one-byte physical address are admitted; range entries expand so
// every EID in the range gets its own device-table row addressed through
// the bus owner's fd.
func (b *Binding) refreshFromBusOwner(ownerEID types.EID, ownerFd int32, prv transport.SMBusPrivate) {
	var fresh []DeviceTableEntry
	entryHandle := uint8(0x00)
	responses := 0

	for entryHandle != mctp.RoutingEntryHandleEnd && responses < 0xFF {
		responses++
		req := mctp.GetRoutingTableReq{EntryHandle: entryHandle}
		respBytes, err := b.engine.SendRequest(b.ctx, ownerEID,
			mctp.CmdGetRoutingTableEntries, req.Encode(nil), prv.Encode())
		if err != nil {
			log.WithError(err).Error("SMBus Get Routing Table failed")
			return
		}
		resp, err := mctp.DecodeGetRoutingTableResp(respBytes)
		if err != nil || resp.Completion != mctp.CCSuccess {
			log.WithError(err).Error("SMBus Get Routing Table rejected")
			return
		}

		for _, entry := range resp.Entries {
			if entry.PhysTransportID != mctp.BindingSMBus {
				continue
			}
			addr, ok := entry.SMBusAddr()
			if !ok {
				continue
			}
			rowPrv := transport.SMBusPrivate{
				Fd:        ownerFd,
				SlaveAddr: addr << 1,
			}
			for i := uint8(0); i < entry.EIDRangeSize; i++ {
				eid := entry.StartingEID + types.EID(i)
				if eid == types.EIDNull || eid == types.EIDBroadcast {
					continue
				}
				fresh = append(fresh, DeviceTableEntry{EID: eid, Private: rowPrv})
			}
		}
		entryHandle = resp.NextEntryHandle
	}

	b.mu.Lock()
	changed := !deviceTablesEqual(b.deviceTable, fresh)
	old := b.deviceTable
	if changed {
		b.deviceTable = fresh
	}
	b.mu.Unlock()

	if changed {
		b.processDeviceTableChanges(old, fresh)
	}
}

// processDeviceTableChanges emits unregister events for rows that vanished
// and register events for rows that appeared.
func (b *Binding) processDeviceTableChanges(old, fresh []DeviceTableEntry) {
	for _, entry := range old {
		if !entryPresent(entry, fresh) {
			b.unregisterEndpoint(entry.EID)
		}
	}
	for _, entry := range fresh {
		if !entryPresent(entry, old) {
			b.publishEndpoint(entry.EID, entry.Private)
		}
	}
}
