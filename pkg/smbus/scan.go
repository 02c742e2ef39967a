package smbus

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mctpd/pkg/endpoint"
	"github.com/Nativu5/mctpd/pkg/mctp"
	"github.com/Nativu5/mctpd/pkg/transport"
	"github.com/Nativu5/mctpd/pkg/types"
)

// scanPort probes every configured slave address on one fd and reports
// hits through found. Devices already seen on the root bus are suppressed
// when the fd is a mux leaf, so each device is reported exactly once.
func (b *Binding) scanPort(scanFd int, found func(devKey)) {
	if scanFd < 0 {
		log.Error("Invalid I2C port fd")
		return
	}

	b.mu.Lock()
	outFd := b.outFd
	b.mu.Unlock()

	for _, addr := range b.cfg.ScanAddresses() {
		var present bool
		if isEEPROMAddr(addr) {
			present = b.prober.ProbeRead(scanFd, addr)
		} else {
			present = b.prober.ProbeWriteQuick(scanFd, addr)
		}
		if !present {
			continue
		}

		if scanFd != outFd {
			b.mu.Lock()
			onRoot := b.rootDeviceMap[devKey{outFd, addr}]
			b.mu.Unlock()
			if onRoot {
				log.WithField("addr", addr).Debug("Skipping device, already on root bus")
				continue
			}
		}

		log.WithField("addr", addr).Debug("Adding device")
		found(devKey{scanFd, addr})
	}
}

// scanMuxBus probes every mux leaf once.
func (b *Binding) scanMuxBus(found func(devKey)) {
	for fd, bus := range b.MuxMap() {
		log.WithField("bus", bus).Debug("Scanning mux")
		b.scanPort(fd, found)
	}
}

// initEndpointDiscovery runs one full discovery pass: gather reachable
// devices, register each with the control-message handshake, and reconcile
// the device table. Registration is strictly sequential: the mux hardware
// permits only one in-flight transaction.
func (b *Binding) initEndpointDiscovery() {
	registerMap := make(map[devKey]bool)

	b.mu.Lock()
	if b.addRootDevices {
		b.addRootDevices = false
		for k := range b.rootDeviceMap {
			registerMap[k] = true
		}
	}
	rootEmpty := len(b.rootDeviceMap) == 0
	b.mu.Unlock()

	b.scanMuxBus(func(k devKey) { registerMap[k] = true })

	devices := make([]devKey, 0, len(registerMap))
	for k := range registerMap {
		devices = append(devices, k)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].fd != devices[j].fd {
			return devices[i].fd < devices[j].fd
		}
		return devices[i].addr < devices[j].addr
	})

	for _, dev := range devices {
		log.WithField("addr", dev.addr).Debug("Device discovery: checking device")

		prv := transport.SMBusPrivate{
			Fd:        int32(dev.fd),
			SlaveAddr: dev.addr << 1,
		}
		b.mu.Lock()
		if _, ok := b.muxPortMap[dev.fd]; ok {
			prv.MuxHoldTimeout = uint16(b.cfg.ReqToRespTimeMs)
			prv.MuxFlags = transport.IsMuxPort
		}
		b.mu.Unlock()

		knownEID := b.eidFromDeviceTable(prv)
		eid, err := b.registerEndpoint(prv, knownEID)
		if err != nil {
			log.WithError(err).WithField("addr", dev.addr).
				Debug("Endpoint registration failed")
			continue
		}
		if eid == types.EIDNull {
			continue
		}

		entry := DeviceTableEntry{EID: eid, Private: prv}
		b.mu.Lock()
		newEntry := !hasEID(b.deviceTable, eid)
		b.mu.Unlock()
		noDeviceUpdate := !newEntry && eid == knownEID
		deviceUpdated := !newEntry && eid != knownEID

		switch {
		case noDeviceUpdate:
			continue
		case newEntry:
			b.mu.Lock()
			b.deviceTable = append(b.deviceTable, entry)
			b.mu.Unlock()
		case deviceUpdated:
			// The device moved to a new EID: retire the old row first so
			// no two rows share an EID.
			b.unregisterEndpoint(knownEID)
			b.removeDeviceTableEntry(knownEID)
			b.mu.Lock()
			b.deviceTable = append(b.deviceTable, entry)
			b.mu.Unlock()
		}

		b.publishEndpoint(eid, prv)
		log.WithFields(log.Fields{
			"bus":  b.busNumByFd(dev.fd),
			"addr": prv.SlaveAddr,
			"eid":  uint8(eid),
		}).Info("SMBus device registered")
	}

	// Nothing reachable anywhere: tear down every registered endpoint.
	if len(devices) == 0 && rootEmpty {
		log.Debug("No device found")
		b.mu.Lock()
		stale := b.deviceTable
		b.deviceTable = nil
		b.mu.Unlock()
		for _, entry := range stale {
			b.unregisterEndpoint(entry.EID)
		}
	}
}

// registerEndpoint runs the bus-owner handshake against one device: ask
// for its EID, and assign one from the pool when it has none or reports
// one outside the pool.
func (b *Binding) registerEndpoint(prv transport.SMBusPrivate, knownEID types.EID) (types.EID, error) {
	if b.cfg.Role != types.RoleBusOwner {
		return knownEID, nil
	}

	respBytes, err := b.engine.SendRequest(b.ctx, types.EIDNull,
		mctp.CmdGetEndpointID, nil, prv.Encode())
	if err != nil {
		return types.EIDNull, err
	}
	resp, err := mctp.DecodeGetEndpointIDResp(respBytes)
	if err != nil || resp.Completion != mctp.CCSuccess {
		return types.EIDNull, err
	}

	eid := resp.EID
	if eid != types.EIDNull && (b.pool.Contains(eid) || eid == knownEID) {
		return eid, nil
	}

	assigned, ok := b.pool.Allocate()
	if !ok {
		log.Warn("EID pool exhausted")
		return types.EIDNull, nil
	}

	req := mctp.SetEndpointIDReq{Operation: mctp.SetEIDOpSet, EID: assigned}
	respBytes, err = b.engine.SendRequest(b.ctx, types.EIDNull,
		mctp.CmdSetEndpointID, req.Encode(nil), prv.Encode())
	if err != nil {
		b.pool.Release(assigned)
		return types.EIDNull, err
	}
	setResp, err := mctp.DecodeSetEndpointIDResp(respBytes)
	if err != nil || setResp.Completion != mctp.CCSuccess {
		b.pool.Release(assigned)
		return types.EIDNull, err
	}
	return setResp.EIDSet, nil
}

// publishEndpoint pushes the endpoint's decorator attributes to the
// object bus.
func (b *Binding) publishEndpoint(eid types.EID, prv transport.SMBusPrivate) {
	attrs := endpoint.SMBusAttrs{
		Bus:      b.busNumByFd(int(prv.Fd)),
		Address:  prv.SlaveAddr,
		Location: b.locationCode(int(prv.Fd)),
	}
	if err := b.publisher.RegisterSMBus(eid, attrs, types.RoleEndpoint); err != nil {
		log.WithError(err).WithField("eid", uint8(eid)).
			Error("Failed to register endpoint")
	}
}

func (b *Binding) unregisterEndpoint(eid types.EID) {
	if err := b.publisher.Unregister(eid); err != nil {
		log.WithError(err).WithField("eid", uint8(eid)).
			Error("Failed to unregister endpoint")
	}
	if b.pool != nil {
		b.pool.Release(eid)
	}
}
