// Package pcie implements the MCTP-over-PCIe-VDM transport binding: the
// endpoint discovery state machine, the recursive routing-table walk over
// bridges, and the periodic routing refresh.
package pcie

import "github.com/Nativu5/mctpd/pkg/types"

// Driver abstracts the kernel PCIe VDM driver handle.
type Driver interface {
	// Init opens the driver and prepares the binding handle.
	Init() error
	// RegisterAsDefault claims the default control-service slot so
	// broadcast discovery traffic reaches this binding.
	RegisterAsDefault() error
	// PollRx starts receive polling on the driver handle.
	PollRx() error
	// BDF returns the device's own bus/device/function when the driver
	// knows it.
	BDF() (uint16, bool)
	// MediumID reports the physical medium of the underlying link.
	MediumID() types.MediumID
	// Close releases the driver handle.
	Close() error
}

// Observer receives device readiness transitions from a DeviceMonitor.
type Observer interface {
	DeviceReadyNotify(ready bool)
}

// DeviceMonitor watches the hardware and reports readiness changes.
// A monitor must treat its observer as a non-owning reference: the binding
// owns the monitor, never the other way around, and the observer handle is
// only used for the duration of a callback.
type DeviceMonitor interface {
	Initialize() error
	Observe(o Observer)
	Close() error
}

// NopMonitor is the monitor used when the kernel driver exposes no
// readiness events; the device counts as permanently ready.
type NopMonitor struct{}

// Initialize implements DeviceMonitor.
func (*NopMonitor) Initialize() error { return nil }

// Observe implements DeviceMonitor. The observer is never called.
func (*NopMonitor) Observe(Observer) {}

// Close implements DeviceMonitor.
func (*NopMonitor) Close() error { return nil }
