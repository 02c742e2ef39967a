package smbus

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Nativu5/mctpd/pkg/config"
	"github.com/Nativu5/mctpd/pkg/control"
	"github.com/Nativu5/mctpd/pkg/endpoint"
	"github.com/Nativu5/mctpd/pkg/mctp"
	"github.com/Nativu5/mctpd/pkg/types"
)

// fakeProber answers presence probes per device node. The node behind an
// fd is recovered through /proc/self/fd, so the fake works against the
// real fds the binding opens.
type fakeProber struct {
	mu sync.Mutex
	// answers maps a /dev entry name to the 7-bit addresses that respond.
	answers map[string]map[uint8]bool
	reads   []uint8
	quicks  []uint8
}

func fdNode(fd int) string {
	target, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

func (p *fakeProber) answer(fd int, addr uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers[fdNode(fd)][addr]
}

func (p *fakeProber) ProbeRead(fd int, addr uint8) bool {
	p.mu.Lock()
	p.reads = append(p.reads, addr)
	p.mu.Unlock()
	return p.answer(fd, addr)
}

func (p *fakeProber) ProbeWriteQuick(fd int, addr uint8) bool {
	p.mu.Lock()
	p.quicks = append(p.quicks, addr)
	p.mu.Unlock()
	return p.answer(fd, addr)
}

// silentTransport answers the bus-owner registration handshake: devices
// report a null EID and accept whatever Set Endpoint ID assigns.
type silentTransport struct {
	mu     sync.Mutex
	engine *control.Engine
	quiet  bool
}

func (s *silentTransport) Send(dst types.EID, msg, private []byte) error {
	s.mu.Lock()
	engine := s.engine
	quiet := s.quiet
	s.mu.Unlock()
	if quiet || engine == nil {
		return nil
	}

	hdr, err := mctp.DecodeHeader(msg)
	if err != nil || !hdr.Request {
		return nil
	}
	var body []byte
	switch hdr.Command {
	case mctp.CmdGetEndpointID:
		body = mctp.GetEndpointIDResp{Completion: mctp.CCSuccess, EID: types.EIDNull}.Encode(nil)
	case mctp.CmdSetEndpointID:
		req, err := mctp.DecodeSetEndpointIDReq(msg[mctp.HeaderLen:])
		if err != nil {
			return nil
		}
		body = mctp.SetEndpointIDResp{
			Completion: mctp.CCSuccess,
			Status:     mctp.EIDAccepted << 4,
			EIDSet:     req.EID,
		}.Encode(nil)
	default:
		return nil
	}
	respHdr := hdr
	respHdr.Request = false
	resp := respHdr.Encode(nil)
	resp = append(resp, body...)
	go engine.HandleMessage(dst, resp, private)
	return nil
}

// smbusPublisher records SMBus lifecycle events.
type smbusPublisher struct {
	mu      sync.Mutex
	adds    []smbusAdd
	removes []types.EID
}

type smbusAdd struct {
	eid   types.EID
	attrs endpoint.SMBusAttrs
}

func (f *smbusPublisher) RegisterPCIe(types.EID, endpoint.PCIeAttrs, types.BindingRole) error {
	return nil
}

func (f *smbusPublisher) RegisterSMBus(eid types.EID, attrs endpoint.SMBusAttrs, mode types.BindingRole) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds = append(f.adds, smbusAdd{eid, attrs})
	return nil
}

func (f *smbusPublisher) Unregister(eid types.EID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, eid)
	return nil
}

func (f *smbusPublisher) added() []smbusAdd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]smbusAdd(nil), f.adds...)
}

// fakeBus lays out a fake /dev and /sys tree: root bus i2c-2 with one mux
// leaf i2c-3 and the BMC's receive queue.
type fakeBus struct {
	devDir string
	sysDir string
}

func newFakeBus(t *testing.T) fakeBus {
	t.Helper()
	base := t.TempDir()
	fb := fakeBus{
		devDir: filepath.Join(base, "dev"),
		sysDir: filepath.Join(base, "sys"),
	}
	mustMkdir(t, fb.devDir)
	mustMkdir(t, fb.sysDir)

	mustWrite(t, filepath.Join(fb.devDir, "i2c-2"), "")
	mustWrite(t, filepath.Join(fb.devDir, "i2c-3"), "")

	// i2c-3 is a mux leaf of i2c-2: its mux_device symlink's filename
	// names the root bus.
	mustMkdir(t, filepath.Join(fb.sysDir, "i2c-3"))
	if err := os.Symlink("../2-0071", filepath.Join(fb.sysDir, "i2c-3", "mux_device")); err != nil {
		t.Fatal(err)
	}

	// The mux device itself, with its idle_state control.
	mustMkdir(t, filepath.Join(fb.sysDir, "i2c-2", "2-0071"))
	mustWrite(t, filepath.Join(fb.sysDir, "i2c-2", "2-0071", "idle_state"), "-1")

	// Receive queue for BMC slave address 0x20 (7-bit 0x10).
	mustMkdir(t, filepath.Join(fb.sysDir, "2-1010"))
	mustWrite(t, filepath.Join(fb.sysDir, "2-1010", "slave-mqueue"), "")

	return fb
}

func (fb fakeBus) idleStatePath() string {
	return filepath.Join(fb.sysDir, "i2c-2", "2-0071", "idle_state")
}

func mustMkdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(fb fakeBus) config.SMBus {
	return config.SMBus{
		Common: config.Common{
			Role:            types.RoleBusOwner,
			ReqToRespTimeMs: 50,
			ReqRetryCount:   0,
		},
		Bus:                             filepath.Join(fb.devDir, "i2c-2"),
		BMCSlaveAddr:                    0x20,
		SupportedEndpointSlaveAddresses: []uint8{0x30, 0x50, 0x61},
		ScanIntervalSec:                 600,
		EIDPool:                         []uint8{0x08, 0x09, 0x0A, 0x0B},
	}
}

func startTestBinding(t *testing.T, fb fakeBus, prober Prober) (*Binding, *smbusPublisher) {
	t.Helper()
	cfg := testConfig(fb)
	ft := &silentTransport{}
	engine := control.NewEngine(ft, cfg.ReqTimeout(), int(cfg.ReqRetryCount))
	ft.engine = engine
	pub := &smbusPublisher{}

	b, err := NewBinding(cfg, engine, pub, Deps{
		Prober:    prober,
		DevDir:    fb.devDir,
		SysDir:    fb.sysDir,
		MuxSymDir: filepath.Join(fb.devDir, "i2c-mux"),
	})
	if err != nil {
		t.Fatalf("NewBinding failed: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { b.Stop() })
	return b, pub
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// On the root bus only 0x50 answers; the mux leaf sees 0x30 and 0x61 plus
// the root-bus 0x50, which must be suppressed.
func TestMuxProbeSuppression(t *testing.T) {
	fb := newFakeBus(t)
	prober := &fakeProber{answers: map[string]map[uint8]bool{
		"i2c-2": {0x50: true},
		"i2c-3": {0x30: true, 0x50: true, 0x61: true},
	}}
	b, pub := startTestBinding(t, fb, prober)

	waitForCond(t, "three registrations", func() bool { return len(pub.added()) == 3 })

	// Root device map holds exactly the root hit.
	roots := b.RootDevices()
	if len(roots) != 1 || roots[0].addr != 0x50 || roots[0].fd != b.RootFd() {
		t.Errorf("root device map = %+v, want one (rootFd, 0x50) entry", roots)
	}

	// Exactly one mux leaf, bus 3.
	muxes := b.MuxMap()
	if len(muxes) != 1 {
		t.Fatalf("mux map = %v, want one leaf", muxes)
	}
	var muxFd int
	for fd, bus := range muxes {
		muxFd = fd
		if bus != 3 {
			t.Errorf("mux leaf bus = %d, want 3", bus)
		}
	}

	// Registered set: 0x50 on the root, 0x30 and 0x61 behind the leaf,
	// and no duplicate 0x50 from the leaf.
	byAddr := make(map[uint8]smbusAdd)
	for _, add := range pub.added() {
		byAddr[add.attrs.Address] = add
	}
	if _, dup := byAddr[0x50<<1]; !dup {
		t.Error("root device 0x50 missing")
	}
	if byAddr[0x50<<1].attrs.Bus != 2 {
		t.Errorf("0x50 bus = %d, want root bus 2", byAddr[0x50<<1].attrs.Bus)
	}
	for _, addr := range []uint8{0x30, 0x61} {
		add, ok := byAddr[addr<<1]
		if !ok {
			t.Errorf("leaf device %#x missing", addr)
			continue
		}
		if add.attrs.Bus != 3 {
			t.Errorf("device %#x bus = %d, want leaf bus 3", addr, add.attrs.Bus)
		}
	}

	// Device table: exactly three rows, leaf rows through the mux fd.
	table := b.DeviceTable()
	if len(table) != 3 {
		t.Fatalf("device table has %d rows, want 3", len(table))
	}
	for _, row := range table {
		if row.Private.SlaveAddr == 0x50<<1 && row.Private.Fd != int32(b.RootFd()) {
			t.Error("root device row must carry the root fd")
		}
		if row.Private.SlaveAddr == 0x30<<1 && row.Private.Fd != int32(muxFd) {
			t.Error("leaf device row must carry the mux fd")
		}
	}

	// EEPROM-range addresses probe with a read, others with write-quick.
	prober.mu.Lock()
	defer prober.mu.Unlock()
	for _, addr := range prober.reads {
		if !isEEPROMAddr(addr) {
			t.Errorf("address %#x probed with read, want write-quick", addr)
		}
	}
	for _, addr := range prober.quicks {
		if isEEPROMAddr(addr) {
			t.Errorf("address %#x probed with write-quick, want read", addr)
		}
	}
}

// Scanning writes the disconnect idle mode but remembers the original
// value, which shutdown restores.
func TestMuxIdleModeRecordAndRestore(t *testing.T) {
	fb := newFakeBus(t)
	prober := &fakeProber{answers: map[string]map[uint8]bool{}}
	b, _ := startTestBinding(t, fb, prober)

	data, err := os.ReadFile(fb.idleStatePath())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != muxIdleDisconnect {
		t.Errorf("idle state during scan = %q, want %q", data, muxIdleDisconnect)
	}

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	data, err = os.ReadFile(fb.idleStatePath())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "-1" {
		t.Errorf("idle state after shutdown = %q, want restored -1", data)
	}
}

// A rescan with unchanged hardware must not re-register anything.
func TestRescanIsIdempotent(t *testing.T) {
	fb := newFakeBus(t)
	prober := &fakeProber{answers: map[string]map[uint8]bool{
		"i2c-2": {0x50: true},
	}}
	b, pub := startTestBinding(t, fb, prober)
	waitForCond(t, "first registration", func() bool { return len(pub.added()) == 1 })

	b.TriggerDeviceDiscovery()
	time.Sleep(300 * time.Millisecond)

	if got := len(pub.added()); got != 1 {
		t.Errorf("rescan produced %d registrations, want 1", got)
	}
}
