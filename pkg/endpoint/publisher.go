// Package endpoint publishes MCTP endpoint appearance and disappearance on
// the system object bus. Each endpoint gets an object path derived from its
// EID with a transport-specific decorator interface.
//
// The publisher holds no reference to transport structures; bindings pass
// already-decoded attribute values.
package endpoint

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mctpd/pkg/types"
)

// Object paths and interface names follow the OpenBMC inventory schema.
const (
	devicePathPrefix  = "/xyz/openbmc_project/mctp/device/"
	pciDeviceIface    = "xyz.openbmc_project.Inventory.Decorator.PCIDevice"
	i2cDeviceIface    = "xyz.openbmc_project.Inventory.Decorator.I2CDevice"
	locationCodeIface = "xyz.openbmc_project.Inventory.Decorator.LocationCode"
)

// PCIeAttrs are the decorator properties of a PCIe-attached endpoint.
type PCIeAttrs struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// SMBusAttrs are the decorator properties of an SMBus-attached endpoint.
// Location is optional and comes from the /dev/i2c-mux symlink farm.
type SMBusAttrs struct {
	Bus      int
	Address  uint8
	Location string
}

// Publisher emits endpoint lifecycle events to the object bus.
type Publisher interface {
	RegisterPCIe(eid types.EID, attrs PCIeAttrs, mode types.BindingRole) error
	RegisterSMBus(eid types.EID, attrs SMBusAttrs, mode types.BindingRole) error
	Unregister(eid types.EID) error
}

// DBusPublisher implements Publisher over a D-Bus connection.
type DBusPublisher struct {
	conn *dbus.Conn

	mu    sync.Mutex
	props map[types.EID]*prop.Properties
	paths map[types.EID]dbus.ObjectPath
}

// NewDBusPublisher connects to the system bus and claims the given
// well-known name.
func NewDBusPublisher(busName string) (*DBusPublisher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("requesting bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name %s already taken", busName)
	}
	return &DBusPublisher{
		conn:  conn,
		props: make(map[types.EID]*prop.Properties),
		paths: make(map[types.EID]dbus.ObjectPath),
	}, nil
}

// Close releases the bus connection.
func (p *DBusPublisher) Close() error {
	return p.conn.Close()
}

func devicePath(eid types.EID) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s%d", devicePathPrefix, uint8(eid)))
}

func (p *DBusPublisher) export(eid types.EID, propSpec prop.Map, mode types.BindingRole) error {
	path := devicePath(eid)
	properties, err := prop.Export(p.conn, path, propSpec)
	if err != nil {
		return fmt.Errorf("exporting properties for EID %d: %w", uint8(eid), err)
	}

	p.mu.Lock()
	p.props[eid] = properties
	p.paths[eid] = path
	p.mu.Unlock()

	log.WithFields(log.Fields{
		"eid":  uint8(eid),
		"path": string(path),
		"mode": string(mode),
	}).Info("Endpoint registered on object bus")
	return nil
}

func readOnlyProps(vals map[string]interface{}) map[string]*prop.Prop {
	out := make(map[string]*prop.Prop, len(vals))
	for name, v := range vals {
		out[name] = &prop.Prop{Value: v, Writable: false, Emit: prop.EmitTrue}
	}
	return out
}

// RegisterPCIe publishes a PCIe endpoint with its decoded BDF fields.
func (p *DBusPublisher) RegisterPCIe(eid types.EID, attrs PCIeAttrs, mode types.BindingRole) error {
	spec := prop.Map{
		pciDeviceIface: readOnlyProps(map[string]interface{}{
			"Bus":      attrs.Bus,
			"Device":   attrs.Device,
			"Function": attrs.Function,
		}),
	}
	return p.export(eid, spec, mode)
}

// RegisterSMBus publishes an SMBus endpoint with its bus number and 8-bit
// slave address, plus a location code when one resolved.
func (p *DBusPublisher) RegisterSMBus(eid types.EID, attrs SMBusAttrs, mode types.BindingRole) error {
	spec := prop.Map{
		i2cDeviceIface: readOnlyProps(map[string]interface{}{
			"Bus":     uint32(attrs.Bus),
			"Address": attrs.Address,
		}),
	}
	if attrs.Location != "" {
		spec[locationCodeIface] = readOnlyProps(map[string]interface{}{
			"LocationCode": attrs.Location,
		})
	}
	return p.export(eid, spec, mode)
}

// Unregister tears down the endpoint's object path.
func (p *DBusPublisher) Unregister(eid types.EID) error {
	p.mu.Lock()
	path, ok := p.paths[eid]
	delete(p.paths, eid)
	delete(p.props, eid)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	// Unexport by replacing the handlers with nil.
	if err := p.conn.Export(nil, path, pciDeviceIface); err != nil {
		return err
	}
	if err := p.conn.Export(nil, path, i2cDeviceIface); err != nil {
		return err
	}
	if err := p.conn.Export(nil, path, locationCodeIface); err != nil {
		return err
	}
	if err := p.conn.Export(nil, path, "org.freedesktop.DBus.Properties"); err != nil {
		return err
	}
	log.WithFields(log.Fields{"eid": uint8(eid), "path": string(path)}).
		Info("Endpoint removed from object bus")
	return nil
}
