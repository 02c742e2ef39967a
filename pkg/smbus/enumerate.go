package smbus

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/Nativu5/mctpd/pkg/config"
	"github.com/Nativu5/mctpd/pkg/utils"
)

// InventoryDevice is one device found during an offline enumeration pass.
type InventoryDevice struct {
	Bus    int
	Addr   uint8 // 7-bit
	ViaMux bool
}

// Inventory is the result of one offline enumeration of the configured
// root bus and its mux leaves.
type Inventory struct {
	RootBus  int
	MuxBuses []int
	Devices  []InventoryDevice
}

// Enumerate probes the root bus and every mux leaf once, without starting
// the daemon: no endpoint registration, no timers, no watchers. Used by
// the scan subcommand.
func Enumerate(cfg config.SMBus, deps Deps) (*Inventory, error) {
	rootBus, err := utils.BusNumFromPath(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("smbus root port: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &Binding{
		cfg:           cfg,
		prober:        deps.Prober,
		devDir:        deps.DevDir,
		sysDir:        deps.SysDir,
		muxSymDir:     deps.MuxSymDir,
		ctx:           ctx,
		cancel:        cancel,
		inFd:          -1,
		outFd:         -1,
		rootBus:       rootBus,
		muxPortMap:    make(map[int]int),
		rootDeviceMap: make(map[devKey]bool),
		muxIdleStates: make(map[string]string),
	}
	if b.prober == nil {
		b.prober = DevProber{}
	}
	if b.devDir == "" {
		b.devDir = "/dev"
	}
	if b.sysDir == "" {
		b.sysDir = "/sys/bus/i2c/devices"
	}
	if b.muxSymDir == "" {
		b.muxSymDir = "/dev/i2c-mux"
	}

	outFd, err := openI2CDev(cfg.Bus, unix.O_RDWR)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.outFd = outFd
	b.mu.Unlock()
	defer unix.Close(outFd)

	inv := &Inventory{RootBus: rootBus}

	b.scanPort(outFd, func(k devKey) {
		b.mu.Lock()
		b.rootDeviceMap[k] = true
		b.mu.Unlock()
		inv.Devices = append(inv.Devices, InventoryDevice{Bus: rootBus, Addr: k.addr})
	})

	b.refreshMuxMap()
	defer func() {
		for fd := range b.MuxMap() {
			unix.Close(fd)
		}
	}()

	for fd, bus := range b.MuxMap() {
		inv.MuxBuses = append(inv.MuxBuses, bus)
		b.scanPort(fd, func(k devKey) {
			inv.Devices = append(inv.Devices, InventoryDevice{Bus: bus, Addr: k.addr, ViaMux: true})
		})
	}
	sort.Ints(inv.MuxBuses)
	sort.Slice(inv.Devices, func(i, j int) bool {
		if inv.Devices[i].Bus != inv.Devices[j].Bus {
			return inv.Devices[i].Bus < inv.Devices[j].Bus
		}
		return inv.Devices[i].Addr < inv.Devices[j].Addr
	})
	return inv, nil
}
