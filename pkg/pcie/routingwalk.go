package pcie

import (
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mctpd/pkg/endpoint"
	"github.com/Nativu5/mctpd/pkg/mctp"
	"github.com/Nativu5/mctpd/pkg/routing"
	"github.com/Nativu5/mctpd/pkg/transport"
	"github.com/Nativu5/mctpd/pkg/types"
)

// calledBridge records one (eid, physAddr) pair the walk already queried,
// so bridge recursion terminates on cyclic topologies.
type calledBridge struct {
	eid      types.EID
	physAddr uint16
}

func isBridgeCalled(e routing.Entry, called []calledBridge) bool {
	for _, c := range called {
		if c.eid == e.EID && c.physAddr == e.PhysAddr {
			return true
		}
	}
	return false
}

func allBridgesCalled(rt routing.Table, called []calledBridge) bool {
	for _, e := range rt {
		if e.EntryType.IsBridge() && !isBridgeCalled(e, called) {
			return false
		}
	}
	return true
}

// isActiveEntryBehindBridge accepts a bridge-reported entry iff its EID is
// new to the table, it covers exactly one EID, and it is PCIe-attached.
func isActiveEntryBehindBridge(e mctp.RoutingTableEntry, rt routing.Table) bool {
	return !rt.Contains(e.StartingEID) &&
		e.EIDRangeSize == 1 &&
		e.PhysTransportID == mctp.BindingPCIe
}

// updateRoutingTable is the routing-refresh timer handler. It rearms the
// timer first (the handler owns its own rearm), skips silently while not
// Discovered, and runs at most one walk at a time.
func (b *Binding) updateRoutingTable() {
	if b.ctx.Err() != nil {
		return
	}
	b.refreshTimer.Reset(b.refreshInterval)

	b.mu.Lock()
	if b.flag != types.DiscoveryDiscovered {
		b.mu.Unlock()
		log.Debug("Routing refresh skipped, not discovered")
		return
	}
	if b.refreshing {
		b.mu.Unlock()
		log.Debug("Routing refresh already in flight")
		return
	}
	b.refreshing = true
	ownerEID := b.busOwnerEID
	ownerBdf := b.busOwnerBdf
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			b.refreshing = false
			b.mu.Unlock()
		}()

		prv := transport.PCIePrivate{Routing: transport.RouteByID, RemoteID: ownerBdf}

		var rt routing.Table
		var called []calledBridge
		b.readRoutingTable(&rt, &called, prv.Encode(), ownerEID, ownerBdf, -1)

		for !allBridgesCalled(rt, called) {
			b.processBridgeEntries(&rt, &called)
		}

		b.mu.Lock()
		changed := !rt.Equal(b.table)
		old := b.table
		if changed {
			b.table = rt
		}
		b.mu.Unlock()

		if changed {
			b.processRoutingTableChanges(old, rt, ownerBdf)
		}
	}()
}

// readRoutingTable pages Get Routing Table Entries out of one issuer and
// folds the results into rt. When the issuer is a bridge (not the bus
// owner), accepted entries are inserted right after the bridge's own row,
// carrying the bridge's physical address. The walk ends on the 0xFF entry
// handle or after 0xFF responses, whichever comes first.
func (b *Binding) readRoutingTable(rt *routing.Table, called *[]calledBridge,
	prv []byte, eid types.EID, physAddr uint16, entryIndex int) {

	entryHandle := uint8(0x00)
	responseCount := 0
	insertIndex := entryIndex + 1

	for {
		if entryHandle == mctp.RoutingEntryHandleEnd || responseCount == 0xFF {
			return
		}
		responseCount++
		*called = append(*called, calledBridge{eid, physAddr})

		req := mctp.GetRoutingTableReq{EntryHandle: entryHandle}
		respBytes, err := b.engine.SendRequest(b.ctx, eid,
			mctp.CmdGetRoutingTableEntries, req.Encode(nil), prv)
		if err != nil {
			log.WithError(err).Error("Get Routing Table Entries failed")
			return
		}
		resp, err := mctp.DecodeGetRoutingTableResp(respBytes)
		if err != nil || resp.Completion != mctp.CCSuccess {
			log.WithError(err).Error("Get Routing Table Entries rejected")
			return
		}

		b.mu.Lock()
		ownerEID := b.busOwnerEID
		b.mu.Unlock()

		for _, entry := range resp.Entries {
			if entry.PhysTransportID != mctp.BindingPCIe {
				continue
			}
			entryBdf, ok := entry.PCIeBDF()
			if !ok {
				continue
			}

			switch {
			case eid == ownerEID && entry.EntryType.Role() == mctp.RoleBridgeAndEndpoints:
				// A bridge that is also an endpoint set: keep the row but
				// rewrite the role so the recursion treats it as a bridge.
				*rt = append(*rt, routing.Entry{
					EID:       entry.StartingEID,
					PhysAddr:  entryBdf,
					EntryType: entry.EntryType.WithRole(mctp.RoleBridge),
				})
			case eid == ownerEID && entry.EntryType.Role() != mctp.RoleEndpoints:
				*rt = append(*rt, routing.Entry{
					EID:       entry.StartingEID,
					PhysAddr:  entryBdf,
					EntryType: entry.EntryType,
				})
			case eid != ownerEID && isActiveEntryBehindBridge(entry, *rt):
				// Endpoints behind a bridge are addressed through the
				// bridge, so the row carries the bridge's BDF.
				*rt = rt.InsertAt(insertIndex, routing.Entry{
					EID:       entry.StartingEID,
					PhysAddr:  physAddr,
					EntryType: entry.EntryType,
				})
				insertIndex++
			}
		}
		entryHandle = resp.NextEntryHandle
	}
}

// processBridgeEntries recurses into every bridge not yet queried. The
// insertion index is captured from the bridge's position in the table being
// built at recursion time, so endpoints behind each bridge sit right after
// it and stay contiguous.
func (b *Binding) processBridgeEntries(rt *routing.Table, called *[]calledBridge) {
	rtCopy := append(routing.Table(nil), *rt...)

	for _, entry := range *rt {
		if !entry.EntryType.IsBridge() || isBridgeCalled(entry, *called) {
			continue
		}
		// Rows inserted behind earlier bridges shift this bridge's position.
		idx := 0
		for j, e := range rtCopy {
			if e == entry {
				idx = j
				break
			}
		}
		prv := transport.PCIePrivate{
			Routing:  transport.RouteByID,
			RemoteID: entry.PhysAddr,
		}
		b.readRoutingTable(&rtCopy, called, prv.Encode(), entry.EID, entry.PhysAddr, idx)
	}
	*rt = rtCopy
}

// processRoutingTableChanges diffs the previous table against the new one
// and drives the publisher. Registrations run sequentially; the walk and
// the publisher share the engine's in-order delivery.
func (b *Binding) processRoutingTableChanges(old, next routing.Table, ownerBdf uint16) {
	ownEID := b.OwnEID()
	routing.Diff(old, next, ownEID,
		func(e routing.Entry) {
			if err := b.publisher.Unregister(e.EID); err != nil {
				log.WithError(err).WithField("eid", uint8(e.EID)).
					Error("Failed to unregister endpoint")
			}
		},
		func(e routing.Entry) {
			attrs := endpoint.PCIeAttrs{
				Bus:      transport.BDFBus(e.PhysAddr),
				Device:   transport.BDFDevice(e.PhysAddr),
				Function: transport.BDFFunction(e.PhysAddr),
			}
			mode := e.Mode(ownerBdf)
			if err := b.publisher.RegisterPCIe(e.EID, attrs, mode); err != nil {
				log.WithError(err).WithField("eid", uint8(e.EID)).
					Error("Failed to register endpoint")
				return
			}
			log.WithFields(log.Fields{
				"eid": uint8(e.EID),
				"bdf": transport.FormatBDF(e.PhysAddr),
			}).Info("PCIe device registered")
		})
}
