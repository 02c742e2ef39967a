package smbus

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// muxRefreshDebounce coalesces the burst of /dev events a mux add or
// remove produces into one rescan.
const muxRefreshDebounce = time.Second

// setupMuxMonitor watches /dev for i2c device nodes coming and going.
func (b *Binding) setupMuxMonitor() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(b.devDir); err != nil {
		watcher.Close()
		return err
	}
	b.watcher = watcher

	go b.monitorMuxChange()
	return nil
}

// monitorMuxChange drains watcher events until shutdown.
func (b *Binding) monitorMuxChange() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			b.handleMuxEvent(baseName(event.Name))
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Error("Mux monitor error")
		}
	}
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// handleMuxEvent debounces i2c node churn: every event within the window
// restarts the same timer, and only the last one triggers the refresh.
func (b *Binding) handleMuxEvent(name string) {
	if !strings.HasPrefix(name, "i2c-") {
		return
	}
	log.WithField("bus", name).Debug("Detected change on bus")

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.debounce == nil {
		b.debounce = time.AfterFunc(muxRefreshDebounce, func() {
			log.Info("i2c bus change detected, refreshing mux map")
			b.refreshMuxMap()
			b.TriggerDeviceDiscovery()
		})
		return
	}
	b.debounce.Reset(muxRefreshDebounce)
}
