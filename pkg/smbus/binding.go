package smbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/mctpd/pkg/config"
	"github.com/Nativu5/mctpd/pkg/control"
	"github.com/Nativu5/mctpd/pkg/eidpool"
	"github.com/Nativu5/mctpd/pkg/endpoint"
	"github.com/Nativu5/mctpd/pkg/transport"
	"github.com/Nativu5/mctpd/pkg/types"
	"github.com/Nativu5/mctpd/pkg/utils"
)

// ErrResourceBusy is returned when a bandwidth reservation is requested
// while another EID holds one.
var ErrResourceBusy = errors.New("bandwidth reservation held by another endpoint")

// devKey identifies one reachable device: the fd it was probed through
// and its 7-bit slave address.
type devKey struct {
	fd   int
	addr uint8
}

// DeviceTableEntry maps an assigned EID to the SMBus binding-private
// record of the device that answers to it.
type DeviceTableEntry struct {
	EID     types.EID
	Private transport.SMBusPrivate
}

// Deps are the injectable collaborators of the binding. Zero values select
// the production implementations and paths.
type Deps struct {
	Prober    Prober
	PullModel PullModel
	DevDir    string // default /dev
	SysDir    string // default /sys/bus/i2c/devices
	MuxSymDir string // default /dev/i2c-mux
}

// Binding is the SMBus/I2C transport binding.
type Binding struct {
	cfg       config.SMBus
	engine    *control.Engine
	publisher endpoint.Publisher
	pool      *eidpool.Pool
	prober    Prober
	pullModel PullModel

	devDir    string
	sysDir    string
	muxSymDir string

	ctx    context.Context
	cancel context.CancelFunc

	scanTimer    *time.Timer
	refreshTimer *time.Timer
	watcher      *fsnotify.Watcher
	debounce     *time.Timer

	mu sync.Mutex

	inFd    int
	outFd   int
	rootBus int

	muxPortMap    map[int]int // mux leaf fd -> i2c bus number
	rootDeviceMap map[devKey]bool
	deviceTable   []DeviceTableEntry

	addRootDevices bool
	scanning       bool

	flag              types.DiscoveryFlag
	ownEID            types.EID
	busOwnerEID       types.EID
	busOwnerFd        int32
	busOwnerSlaveAddr uint8
	routingRefreshing bool

	muxIdleStates   map[string]string // idle_state path -> original contents
	muxIdleRecorded bool

	rsvBWActive bool
	reservedEID types.EID
	rsvTimer    *time.Timer
	rsvGen      uint64
	rsvPrv      transport.SMBusPrivate
}

// NewBinding wires an SMBus binding. For the BusOwner role the EID pool is
// built from the configuration.
func NewBinding(cfg config.SMBus, engine *control.Engine, publisher endpoint.Publisher,
	deps Deps) (*Binding, error) {

	ctx, cancel := context.WithCancel(context.Background())
	b := &Binding{
		cfg:            cfg,
		engine:         engine,
		publisher:      publisher,
		prober:         deps.Prober,
		pullModel:      deps.PullModel,
		devDir:         deps.DevDir,
		sysDir:         deps.SysDir,
		muxSymDir:      deps.MuxSymDir,
		ctx:            ctx,
		cancel:         cancel,
		inFd:           -1,
		outFd:          -1,
		muxPortMap:     make(map[int]int),
		rootDeviceMap:  make(map[devKey]bool),
		addRootDevices: true,
		ownEID:         types.EID(cfg.DefaultEID),
		muxIdleStates:  make(map[string]string),
	}
	if b.prober == nil {
		b.prober = DevProber{}
	}
	if b.pullModel == nil {
		b.pullModel = NopPullModel{}
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

	if cfg.Role == types.RoleBusOwner {
		b.flag = types.DiscoveryNotApplicable
		eids := make([]types.EID, 0, len(cfg.EIDPool))
		for _, e := range cfg.EIDPool {
			eids = append(eids, types.EID(e))
		}
		pool, err := eidpool.New(eids)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("eid pool: %w", err)
		}
		b.pool = pool
	} else {
		b.flag = types.DiscoveryUndiscovered
	}

	b.registerHandlers()
	return b, nil
}

// Start opens the bus, records mux state, runs the first scan, and arms
// the hot-plug watch and the periodic timers.
func (b *Binding) Start() error {
	rootBus, err := utils.BusNumFromPath(b.cfg.Bus)
	if err != nil {
		return fmt.Errorf("smbus root port: %w", err)
	}
	b.rootBus = rootBus

	if err := b.openBus(); err != nil {
		return err
	}

	log.Info("Scanning root port")
	b.setMuxIdleMode(muxIdleDisconnect)

	b.mu.Lock()
	outFd := b.outFd
	b.mu.Unlock()
	b.scanPort(outFd, func(k devKey) {
		b.mu.Lock()
		b.rootDeviceMap[k] = true
		b.mu.Unlock()
	})

	b.refreshMuxMap()

	if err := b.setupMuxMonitor(); err != nil {
		return err
	}

	b.scanTimer = time.AfterFunc(time.Duration(b.cfg.ScanIntervalSec)*time.Second, b.scanDevices)
	if b.cfg.Role != types.RoleBusOwner {
		b.refreshTimer = time.AfterFunc(
			time.Duration(b.cfg.RoutingIntervalSec)*time.Second, b.updateRoutingTable)
	}

	// First scan runs immediately.
	b.scanDevices()
	return nil
}

// openBus opens the slave-mqueue receive handle (creating the kernel
// device when missing) and the root bus fd.
func (b *Binding) openBus() error {
	queueAddr := utils.SlaveQueueAddr(b.cfg.BMCSlaveAddr >> 1)
	inputDevice := filepath.Join(b.sysDir,
		fmt.Sprintf("%d-%s", b.rootBus, queueAddr), "slave-mqueue")

	inFd, err := openI2CDev(inputDevice, unix.O_RDONLY)
	if err != nil {
		// Doesn't exist, try to create one.
		newDevice := filepath.Join(b.sysDir, fmt.Sprintf("i2c-%d", b.rootBus), "new_device")
		para := fmt.Sprintf("slave-mqueue 0x%s", queueAddr)
		if werr := os.WriteFile(newDevice, []byte(para), 0o200); werr != nil {
			return fmt.Errorf("creating slave-mqueue device: %w", werr)
		}
		inFd, err = openI2CDev(inputDevice, unix.O_RDONLY)
		if err != nil {
			return fmt.Errorf("opening smbus receive queue: %w", err)
		}
	}

	outFd, err := openI2CDev(b.cfg.Bus, unix.O_RDWR)
	if err != nil {
		unix.Close(inFd)
		return fmt.Errorf("opening smbus root bus: %w", err)
	}

	b.mu.Lock()
	b.inFd = inFd
	b.outFd = outFd
	b.mu.Unlock()
	return nil
}

// Stop tears the binding down: timers, watcher, mux idle restore, fds.
func (b *Binding) Stop() error {
	b.cancel()

	var result *multierror.Error

	if b.scanTimer != nil {
		b.scanTimer.Stop()
	}
	if b.refreshTimer != nil {
		b.refreshTimer.Stop()
	}
	b.mu.Lock()
	if b.debounce != nil {
		b.debounce.Stop()
	}
	rsvTimer := b.rsvTimer
	b.mu.Unlock()
	if rsvTimer != nil {
		rsvTimer.Stop()
	}

	if b.watcher != nil {
		if err := b.watcher.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	b.restoreMuxIdleMode()

	b.mu.Lock()
	fds := []int{b.inFd, b.outFd}
	b.inFd, b.outFd = -1, -1
	for fd := range b.muxPortMap {
		fds = append(fds, fd)
	}
	b.muxPortMap = make(map[int]int)
	b.mu.Unlock()

	for _, fd := range fds {
		if fd >= 0 {
			if err := unix.Close(fd); err != nil {
				result = multierror.Append(result, fmt.Errorf("closing fd %d: %w", fd, err))
			}
		}
	}
	return result.ErrorOrNil()
}

// RootFd returns the root bus file descriptor.
func (b *Binding) RootFd() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outFd
}

// MuxMap returns a snapshot of the mux leaf fd to bus-number mapping.
func (b *Binding) MuxMap() map[int]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]int, len(b.muxPortMap))
	for fd, bus := range b.muxPortMap {
		out[fd] = bus
	}
	return out
}

// RootDevices returns a snapshot of the devices found on the root bus.
func (b *Binding) RootDevices() []devKey {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]devKey, 0, len(b.rootDeviceMap))
	for k := range b.rootDeviceMap {
		out = append(out, k)
	}
	return out
}

// OwnEID returns this binding's current endpoint ID.
func (b *Binding) OwnEID() types.EID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ownEID
}

// Flag returns the current discovery flag.
func (b *Binding) Flag() types.DiscoveryFlag {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flag
}

// DeviceTable returns a snapshot of the EID to device mapping.
func (b *Binding) DeviceTable() []DeviceTableEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeviceTableEntry(nil), b.deviceTable...)
}

// busNumByFd resolves the i2c bus number behind a binding fd: a mux leaf
// resolves through the mux map, everything else is the root bus.
func (b *Binding) busNumByFd(fd int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bus, ok := b.muxPortMap[fd]; ok {
		return bus
	}
	return b.rootBus
}

// BindingPrivate computes the outgoing binding-private record for a
// destination EID from the device table. Mux-port frames get a hold
// timeout so the kernel keeps the leaf selected across the transaction.
func (b *Binding) BindingPrivate(dst types.EID) (transport.SMBusPrivate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.deviceTable {
		if entry.EID != dst {
			continue
		}
		prv := transport.SMBusPrivate{
			Fd:        entry.Private.Fd,
			SlaveAddr: entry.Private.SlaveAddr,
		}
		if _, ok := b.muxPortMap[int(prv.Fd)]; ok {
			prv.MuxHoldTimeout = 1000
			prv.MuxFlags = transport.IsMuxPort
		}
		return prv, nil
	}
	return transport.SMBusPrivate{}, fmt.Errorf("EID %d not in device table", uint8(dst))
}

// TriggerDeviceDiscovery forces the next scan to run now.
func (b *Binding) TriggerDeviceDiscovery() {
	if b.scanTimer != nil {
		b.scanTimer.Reset(0)
	}
}

// scanDevices is the scan-timer handler: one discovery pass, skipped while
// a bandwidth reservation is active, then rearm.
func (b *Binding) scanDevices() {
	if b.ctx.Err() != nil {
		return
	}
	b.mu.Lock()
	if b.scanning {
		b.mu.Unlock()
		b.scanTimer.Reset(time.Duration(b.cfg.ScanIntervalSec) * time.Second)
		return
	}
	b.scanning = true
	skip := b.rsvBWActive
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			b.scanning = false
			b.mu.Unlock()
			if b.ctx.Err() == nil {
				b.scanTimer.Reset(time.Duration(b.cfg.ScanIntervalSec) * time.Second)
			}
		}()

		if skip {
			log.Debug("Reserve bandwidth active, unable to scan devices")
			return
		}
		log.Debug("Scanning devices")
		b.initEndpointDiscovery()
	}()
}
