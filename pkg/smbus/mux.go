package smbus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/mctpd/pkg/utils"
)

// Mux idle-state file contents: -1 keeps the last channel connected, -2
// disconnects between transactions.
const (
	muxIdleConnect    = "-1"
	muxIdleDisconnect = "-2"
)

// isMuxBus reports whether i2c bus n sits behind a mux, by the presence
// of the mux_device symlink.
func (b *Binding) isMuxBus(n int) bool {
	fi, err := os.Lstat(filepath.Join(b.sysDir, fmt.Sprintf("i2c-%d", n), "mux_device"))
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}

// rootBusOf recovers the root bus number of a mux leaf from the
// mux_device symlink target, whose filename looks like "2-0071".
func (b *Binding) rootBusOf(leaf int) (int, bool) {
	target, err := os.Readlink(filepath.Join(b.sysDir, fmt.Sprintf("i2c-%d", leaf), "mux_device"))
	if err != nil {
		return 0, false
	}
	name := filepath.Base(target)
	root, _, ok := strings.Cut(name, "-")
	if !ok {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(root, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// muxFds walks /dev for i2c nodes, keeps the mux leaves whose root matches
// the configured bus, and opens each leaf.
func (b *Binding) muxFds() map[int]int {
	entries, err := os.ReadDir(b.devDir)
	if err != nil {
		log.WithError(err).Error("Unable to find i2c devices")
		return nil
	}

	muxes := make(map[int]int)
	for _, e := range entries {
		name := e.Name()
		if !utils.IsI2CDevName(name) {
			continue
		}
		port, err := utils.BusNumFromPath(name)
		if err != nil {
			log.WithField("path", name).Error("i2c bus path is malformed")
			continue
		}
		if !b.isMuxBus(port) {
			continue // regular i2c port
		}
		root, ok := b.rootBusOf(port)
		if !ok {
			log.WithField("bus", port).Error("Error getting root port for the bus")
			continue
		}
		if root != b.rootBus {
			continue
		}
		fd, err := openI2CDev(filepath.Join(b.devDir, name), unix.O_RDWR)
		if err != nil {
			continue
		}
		muxes[fd] = port
	}
	return muxes
}

// refreshMuxMap rebuilds the mux map, closing fds of leaves that vanished.
func (b *Binding) refreshMuxMap() {
	fresh := b.muxFds()

	b.mu.Lock()
	stale := b.muxPortMap
	b.muxPortMap = fresh
	b.mu.Unlock()

	for fd := range stale {
		unix.Close(fd)
	}
}

// muxIdlePaths lists the idle_state files of every mux hanging off the
// root bus.
func (b *Binding) muxIdlePaths() []string {
	rootDir := filepath.Join(b.sysDir, fmt.Sprintf("i2c-%d", b.rootBus))
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		log.Debug("No mux interfaces found")
		return nil
	}
	prefix := fmt.Sprintf("%d-", b.rootBus)
	var paths []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		idle := filepath.Join(rootDir, e.Name(), "idle_state")
		if _, err := os.Stat(idle); err == nil {
			paths = append(paths, idle)
		}
	}
	return paths
}

// setMuxIdleMode writes the idle mode into every mux on the root bus. The
// first call records the original contents so shutdown can restore them.
func (b *Binding) setMuxIdleMode(mode string) {
	paths := b.muxIdlePaths()

	b.mu.Lock()
	record := !b.muxIdleRecorded
	b.muxIdleRecorded = true
	b.mu.Unlock()

	for _, path := range paths {
		if record {
			data, err := os.ReadFile(path)
			if err == nil {
				current := strings.TrimSpace(string(data))
				b.mu.Lock()
				b.muxIdleStates[path] = current
				b.mu.Unlock()
				log.WithFields(log.Fields{"path": path, "mode": current}).
					Debug("Recorded mux idle state")
			}
		}
		if err := os.WriteFile(path, []byte(mode), 0o644); err != nil {
			log.WithError(err).WithField("path", path).
				Error("Unable to set idle mode for mux")
		}
	}
}

// restoreMuxIdleMode writes back the originally recorded idle mode of
// every mux.
func (b *Binding) restoreMuxIdleMode() {
	b.mu.Lock()
	states := make(map[string]string, len(b.muxIdleStates))
	for path, mode := range b.muxIdleStates {
		states[path] = mode
	}
	b.mu.Unlock()

	for path, mode := range states {
		if err := os.WriteFile(path, []byte(mode), 0o644); err != nil {
			log.WithField("path", path).Warn("Unable to restore mux idle mode")
		}
	}
}

// locationCode derives a slot location from the /dev/i2c-mux symlink farm
// for the bus behind fd. Returns "" when nothing resolves.
func (b *Binding) locationCode(fd int) string {
	busNum := b.busNumByFd(fd)
	suffix := fmt.Sprintf("i2c-%d", busNum)

	var location string
	err := filepath.WalkDir(b.muxSymDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || location != "" {
			return nil
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil || !strings.HasSuffix(target, suffix) {
			return nil
		}
		slot := filepath.Base(path)
		muxName, _, _ := strings.Cut(filepath.Base(filepath.Dir(path)), "_Mux")
		location = strings.ReplaceAll(muxName+" "+slot, "_", " ")
		return nil
	})
	if err != nil {
		return ""
	}
	return location
}
