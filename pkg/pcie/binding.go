package pcie

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mctpd/pkg/config"
	"github.com/Nativu5/mctpd/pkg/control"
	"github.com/Nativu5/mctpd/pkg/endpoint"
	"github.com/Nativu5/mctpd/pkg/mctp"
	"github.com/Nativu5/mctpd/pkg/routing"
	"github.com/Nativu5/mctpd/pkg/transport"
	"github.com/Nativu5/mctpd/pkg/types"
)

// ErrNoRoute is returned when the routing table has no entry for a
// destination EID.
var ErrNoRoute = errors.New("no routing table entry for destination EID")

// Binding is the PCIe VDM transport binding.
type Binding struct {
	cfg       config.PCIe
	engine    *control.Engine
	publisher endpoint.Publisher
	driver    Driver
	monitor   DeviceMonitor

	ctx    context.Context
	cancel context.CancelFunc

	refreshInterval time.Duration
	refreshTimer    *time.Timer

	mu          sync.Mutex
	bdf         uint16
	busOwnerBdf uint16
	busOwnerEID types.EID
	ownEID      types.EID
	flag        types.DiscoveryFlag
	table       routing.Table
	vdmSets     []types.VdmSet
	refreshing  bool
}

// NewBinding wires a PCIe binding. The engine carries frames through the
// packet assembler; the publisher receives endpoint lifecycle events.
func NewBinding(cfg config.PCIe, engine *control.Engine, publisher endpoint.Publisher,
	driver Driver, monitor DeviceMonitor, vdmSets []types.VdmSet) *Binding {

	ctx, cancel := context.WithCancel(context.Background())
	b := &Binding{
		cfg:             cfg,
		engine:          engine,
		publisher:       publisher,
		driver:          driver,
		monitor:         monitor,
		ctx:             ctx,
		cancel:          cancel,
		refreshInterval: time.Duration(cfg.GetRoutingIntervalSec) * time.Second,
		bdf:             cfg.BDF,
		ownEID:          types.EID(cfg.DefaultEID),
		vdmSets:         vdmSets,
	}
	if cfg.Role == types.RoleBusOwner {
		b.flag = types.DiscoveryNotApplicable
	} else {
		b.flag = types.DiscoveryUndiscovered
	}
	b.registerHandlers()
	return b
}

// Start initializes the driver, arms the routing refresh, and for the
// endpoint role kicks off the discovery flow.
func (b *Binding) Start() error {
	if err := b.driver.Init(); err != nil {
		return fmt.Errorf("PCIe driver init: %w", err)
	}
	if err := b.driver.RegisterAsDefault(); err != nil {
		return fmt.Errorf("registering as default control service: %w", err)
	}
	if err := b.monitor.Initialize(); err != nil {
		return fmt.Errorf("device monitor init: %w", err)
	}
	b.monitor.Observe(b)
	if err := b.driver.PollRx(); err != nil {
		return fmt.Errorf("starting driver rx poll: %w", err)
	}

	if b.cfg.Role != types.RoleBusOwner {
		b.refreshTimer = time.AfterFunc(b.refreshInterval, b.updateRoutingTable)
	}
	if b.cfg.Role == types.RoleEndpoint {
		b.endpointDiscoveryFlow()
	}
	return nil
}

// Stop cancels pending work and releases the driver.
func (b *Binding) Stop() error {
	b.cancel()
	if b.refreshTimer != nil {
		b.refreshTimer.Stop()
	}
	if err := b.monitor.Close(); err != nil {
		return err
	}
	return b.driver.Close()
}

// endpointDiscoveryFlow emits Discovery Notify toward the root complex and
// leaves the binding waiting for broadcast discovery traffic.
func (b *Binding) endpointDiscoveryFlow() {
	b.mu.Lock()
	prv := transport.PCIePrivate{Routing: transport.RouteToRC, RemoteID: b.bdf}
	b.mu.Unlock()
	b.changeDiscoveredFlag(types.DiscoveryUndiscovered)

	go func() {
		resp, err := b.engine.SendRequest(b.ctx, types.EIDNull,
			mctp.CmdDiscoveryNotify, nil, prv.Encode())
		if err != nil {
			log.WithError(err).Error("Discovery Notify failed")
			return
		}
		cc, err := mctp.DecodeCompletionOnlyResp(resp)
		if err != nil || cc.Completion != mctp.CCSuccess {
			log.WithError(err).Error("Discovery Notify rejected")
		}
	}()
}

// DeviceReadyNotify implements Observer. The BDF is cleared on every
// transition and a non-bus-owner binding drops back to Undiscovered with
// its recorded bus-owner address forgotten. The assigned EID stays in
// memory but is only meaningful again after rediscovery.
func (b *Binding) DeviceReadyNotify(ready bool) {
	b.mu.Lock()
	b.bdf = 0
	if b.cfg.Role != types.RoleBusOwner {
		b.busOwnerBdf = 0
	}
	b.mu.Unlock()
	if b.cfg.Role != types.RoleBusOwner {
		b.changeDiscoveredFlag(types.DiscoveryUndiscovered)
	}
	log.WithField("ready", ready).Debug("PCIe device readiness changed")
}

// HandleInbound feeds one reassembled inbound control message into the
// binding's engine.
func (b *Binding) HandleInbound(src types.EID, msg, private []byte) {
	b.engine.HandleMessage(src, msg, private)
}

// Flag returns the current discovery flag.
func (b *Binding) Flag() types.DiscoveryFlag {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flag
}

// OwnEID returns the currently assigned EID.
func (b *Binding) OwnEID() types.EID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ownEID
}

// BusOwnerBDF returns the recorded bus-owner BDF.
func (b *Binding) BusOwnerBDF() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busOwnerBdf
}

// Table returns a snapshot of the routing table.
func (b *Binding) Table() routing.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(routing.Table(nil), b.table...)
}

// BindingPrivate computes the outgoing binding-private record for a
// destination EID from the routing table.
func (b *Binding) BindingPrivate(dst types.EID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.table.Lookup(dst)
	if !ok {
		return nil, fmt.Errorf("EID %d: %w", uint8(dst), ErrNoRoute)
	}
	prv := transport.PCIePrivate{Routing: transport.RouteByID, RemoteID: entry.PhysAddr}
	return prv.Encode(), nil
}

func (b *Binding) changeDiscoveredFlag(flag types.DiscoveryFlag) {
	b.mu.Lock()
	b.flag = flag
	b.mu.Unlock()

	if flag == types.DiscoveryDiscovered && b.refreshTimer != nil {
		// Force the refresh timer to expire immediately.
		b.refreshTimer.Reset(0)
	}
}

// registerHandlers installs the per-opcode control handlers with their
// response routing-tag rules.
func (b *Binding) registerHandlers() {
	b.engine.OnRequest(mctp.CmdPrepareEndpointDiscovery, b.handlePrepareEndpointDiscovery)
	b.engine.OnRequest(mctp.CmdEndpointDiscovery, b.handleEndpointDiscovery)
	b.engine.OnRequest(mctp.CmdSetEndpointID, b.handleSetEndpointID)
	b.engine.OnRequest(mctp.CmdGetEndpointID, b.handleGetEndpointID)
	b.engine.OnRequest(mctp.CmdGetVersionSupport, b.handleGetVersionSupport)
	b.engine.OnRequest(mctp.CmdGetMessageTypeSupport, b.handleGetMessageTypeSupport)
	b.engine.OnRequest(mctp.CmdGetVdmSupport, b.handleGetVdmSupport)
}

// decodeInbound validates the inbound private record. Frames without a
// requester ID are dropped.
func decodeInbound(private []byte) (transport.PCIePrivate, bool) {
	prv, err := transport.DecodePCIePrivate(private)
	if err != nil || prv.RemoteID == 0 {
		return transport.PCIePrivate{}, false
	}
	return prv, true
}

func (b *Binding) handlePrepareEndpointDiscovery(_ types.EID, _, private []byte) ([]byte, []byte, bool) {
	if b.cfg.Role != types.RoleEndpoint {
		return nil, nil, false
	}
	prv, ok := decodeInbound(private)
	if !ok {
		return nil, nil, false
	}
	if prv.Routing != transport.BroadcastFromRC {
		log.Info("Prepare for Endpoint Discovery accepted only as broadcast")
		return nil, nil, false
	}
	b.changeDiscoveredFlag(types.DiscoveryUndiscovered)

	prv.Routing = transport.RouteToRC
	resp := mctp.CompletionOnlyResp{Completion: mctp.CCSuccess}
	return resp.Encode(nil), prv.Encode(), true
}

func (b *Binding) handleEndpointDiscovery(_ types.EID, _, private []byte) ([]byte, []byte, bool) {
	if b.Flag() == types.DiscoveryDiscovered {
		return nil, nil, false
	}
	prv, ok := decodeInbound(private)
	if !ok {
		return nil, nil, false
	}
	if prv.Routing != transport.BroadcastFromRC {
		log.Info("Endpoint Discovery accepted only as broadcast")
		return nil, nil, false
	}
	b.mu.Lock()
	b.busOwnerBdf = prv.RemoteID
	b.mu.Unlock()

	prv.Routing = transport.RouteToRC
	resp := mctp.CompletionOnlyResp{Completion: mctp.CCSuccess}
	return resp.Encode(nil), prv.Encode(), true
}

func (b *Binding) handleSetEndpointID(src types.EID, payload, private []byte) ([]byte, []byte, bool) {
	prv, ok := decodeInbound(private)
	if !ok {
		return nil, nil, false
	}
	b.mu.Lock()
	owner := b.busOwnerBdf
	b.mu.Unlock()
	if prv.RemoteID != owner {
		log.Info("Set Endpoint ID requested from non-bus owner")
		return nil, nil, false
	}

	req, err := mctp.DecodeSetEndpointIDReq(payload)
	if err != nil {
		return nil, nil, false
	}

	resp := mctp.SetEndpointIDResp{}
	if !req.EID.Assignable() || (req.Operation != mctp.SetEIDOpSet && req.Operation != mctp.SetEIDOpForce) {
		resp.Completion = mctp.CCInvalidData
		resp.Status = mctp.EIDRejected << 4
	} else {
		b.mu.Lock()
		b.ownEID = req.EID
		b.busOwnerEID = src
		b.mu.Unlock()
		resp.Completion = mctp.CCSuccess
		resp.Status = mctp.EIDAccepted << 4
		resp.EIDSet = req.EID
	}

	if resp.Completion == mctp.CCSuccess {
		b.changeDiscoveredFlag(types.DiscoveryDiscovered)
		log.WithField("eid", uint8(req.EID)).Info("Endpoint ID assigned")
	}
	prv.Routing = transport.RouteByID
	return resp.Encode(nil), prv.Encode(), true
}

func (b *Binding) handleGetEndpointID(_ types.EID, _, private []byte) ([]byte, []byte, bool) {
	prv, ok := decodeInbound(private)
	if !ok {
		return nil, nil, false
	}
	resp := mctp.GetEndpointIDResp{
		Completion: mctp.CCSuccess,
		EID:        b.OwnEID(),
	}
	prv.Routing = transport.RouteByID
	return resp.Encode(nil), prv.Encode(), true
}

func (b *Binding) handleGetVersionSupport(_ types.EID, _, private []byte) ([]byte, []byte, bool) {
	prv, ok := decodeInbound(private)
	if !ok {
		return nil, nil, false
	}
	resp := mctp.GetVersionSupportResp{
		Completion: mctp.CCSuccess,
		// MCTP base specification 1.3.1, BCD-encoded per DSP0236.
		Versions: []mctp.Version{{Major: 0xF1, Minor: 0xF3, Update: 0xF1}},
	}
	prv.Routing = transport.RouteByID
	return resp.Encode(nil), prv.Encode(), true
}

func (b *Binding) handleGetMessageTypeSupport(_ types.EID, _, private []byte) ([]byte, []byte, bool) {
	prv, ok := decodeInbound(private)
	if !ok {
		return nil, nil, false
	}
	resp := mctp.GetMessageTypeSupportResp{
		Completion: mctp.CCSuccess,
		MsgTypes:   []uint8{mctp.MsgTypeControl},
	}
	prv.Routing = transport.RouteByID
	return resp.Encode(nil), prv.Encode(), true
}

// handleGetVdmSupport walks the vendor-defined-message set database. The
// response selector points at the next set, or VdmNoMoreSets past the end.
func (b *Binding) handleGetVdmSupport(_ types.EID, payload, private []byte) ([]byte, []byte, bool) {
	prv, ok := decodeInbound(private)
	if !ok {
		return nil, nil, false
	}
	req, err := mctp.DecodeGetVdmSupportReq(payload)
	if err != nil {
		return nil, nil, false
	}
	prv.Routing = transport.RouteToRC

	b.mu.Lock()
	sets := b.vdmSets
	b.mu.Unlock()

	idx := int(req.VendorIDSetSelector)
	if idx >= len(sets) {
		resp := mctp.CompletionOnlyResp{Completion: mctp.CCUnsupportedCmd}
		return resp.Encode(nil), prv.Encode(), true
	}

	resp := mctp.GetVdmSupportResp{
		Completion:     mctp.CCSuccess,
		VendorIDFormat: sets[idx].VendorIDFormat,
		VendorID:       sets[idx].VendorID,
		CommandSetType: sets[idx].CommandSetType,
	}
	if idx+1 == len(sets) {
		resp.VendorIDSetSelector = types.VdmNoMoreSets
	} else {
		resp.VendorIDSetSelector = uint8(idx + 1)
	}
	return resp.Encode(nil), prv.Encode(), true
}
