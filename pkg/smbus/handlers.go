package smbus

import (
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mctpd/pkg/mctp"
	"github.com/Nativu5/mctpd/pkg/transport"
	"github.com/Nativu5/mctpd/pkg/types"
)

// HandleInbound feeds one reassembled inbound control message into the
// binding. Frames from EIDs the device table has never seen are learned
// before dispatch.
func (b *Binding) HandleInbound(src types.EID, msg, private []byte) {
	if src != types.EIDNull {
		b.addUnknownEID(src, private)
	}
	b.engine.HandleMessage(src, msg, private)
}

func (b *Binding) registerHandlers() {
	b.engine.OnRequest(mctp.CmdSetEndpointID, b.handleSetEndpointID)
	b.engine.OnRequest(mctp.CmdGetEndpointID, b.handleGetEndpointID)
	b.engine.OnRequest(mctp.CmdGetVersionSupport, b.handleGetVersionSupport)
	b.engine.OnRequest(mctp.CmdGetMessageTypeSupport, b.handleGetMessageTypeSupport)
}

// handleSetEndpointID stores the assigned EID and the bus owner's
// coordinates; the Discovered transition triggers one routing refresh.
func (b *Binding) handleSetEndpointID(src types.EID, payload, private []byte) ([]byte, []byte, bool) {
	if b.cfg.Role == types.RoleBusOwner {
		return nil, nil, false
	}
	prv, err := transport.DecodeSMBusPrivate(private)
	if err != nil {
		return nil, nil, false
	}
	req, err := mctp.DecodeSetEndpointIDReq(payload)
	if err != nil {
		return nil, nil, false
	}

	resp := mctp.SetEndpointIDResp{}
	if !req.EID.Assignable() {
		resp.Completion = mctp.CCInvalidData
		resp.Status = mctp.EIDRejected << 4
		return resp.Encode(nil), nil, true
	}

	b.mu.Lock()
	b.ownEID = req.EID
	b.busOwnerEID = src
	b.busOwnerFd = prv.Fd
	b.busOwnerSlaveAddr = prv.SlaveAddr
	b.mu.Unlock()

	resp.Completion = mctp.CCSuccess
	resp.Status = mctp.EIDAccepted << 4
	resp.EIDSet = req.EID

	log.WithField("eid", uint8(req.EID)).Info("Endpoint ID assigned")
	b.updateDiscoveredFlag(types.DiscoveryDiscovered)
	return resp.Encode(nil), nil, true
}

func (b *Binding) handleGetEndpointID(_ types.EID, _, _ []byte) ([]byte, []byte, bool) {
	b.mu.Lock()
	eid := b.ownEID
	b.mu.Unlock()
	resp := mctp.GetEndpointIDResp{Completion: mctp.CCSuccess, EID: eid}
	return resp.Encode(nil), nil, true
}

func (b *Binding) handleGetVersionSupport(_ types.EID, _, _ []byte) ([]byte, []byte, bool) {
	resp := mctp.GetVersionSupportResp{
		Completion: mctp.CCSuccess,
		Versions:   []mctp.Version{{Major: 0xF1, Minor: 0xF3, Update: 0xF1}},
	}
	return resp.Encode(nil), nil, true
}

func (b *Binding) handleGetMessageTypeSupport(_ types.EID, _, _ []byte) ([]byte, []byte, bool) {
	resp := mctp.GetMessageTypeSupportResp{
		Completion: mctp.CCSuccess,
		MsgTypes:   []uint8{mctp.MsgTypeControl},
	}
	return resp.Encode(nil), nil, true
}

// updateDiscoveredFlag applies a discovery transition; reaching Discovered
// runs one routing refresh immediately.
func (b *Binding) updateDiscoveredFlag(flag types.DiscoveryFlag) {
	b.mu.Lock()
	b.flag = flag
	b.mu.Unlock()

	if flag == types.DiscoveryDiscovered && b.cfg.Role != types.RoleBusOwner {
		b.updateRoutingTable()
	}
}
