// Package config loads and validates the daemon configuration record.
// Files may be YAML or JSON; fields follow the configuration schema the
// BMC build system generates.
package config

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/Nativu5/mctpd/pkg/types"
)

// Defaults applied when the optional interval fields are absent.
const (
	DefaultScanIntervalSec    = 600
	DefaultRoutingIntervalSec = 5
)

// Common holds the fields shared by all transport bindings.
type Common struct {
	PhysicalMediumID types.MediumID    `json:"physical_medium_id"`
	Role             types.BindingRole `json:"role"`
	DefaultEID       uint8             `json:"default_eid"`
	ReqToRespTimeMs  uint              `json:"req_to_resp_time_ms"`
	ReqRetryCount    uint              `json:"req_retry_count"`
}

// ReqTimeout returns the request-to-response timeout as a duration.
func (c Common) ReqTimeout() time.Duration {
	return time.Duration(c.ReqToRespTimeMs) * time.Millisecond
}

// SMBus is the SMBus/I2C binding configuration.
type SMBus struct {
	Common

	Bus                             string  `json:"bus"`
	BMCSlaveAddr                    uint8   `json:"bmc_slave_addr"`
	ARPMasterSupport                bool    `json:"arp_master_support"`
	SupportedEndpointSlaveAddresses []uint8 `json:"supported_endpoint_slave_addresses"`
	IgnoredEndpointSlaveAddresses   []uint8 `json:"ignored_endpoint_slave_addresses"`
	ScanIntervalSec                 uint    `json:"scan_interval_s"`
	RoutingIntervalSec              uint    `json:"routing_interval_s"`
	EIDPool                         []uint8 `json:"eid_pool"`
	AllowedBuses                    []string `json:"allowed_buses"`
}

// ScanAddresses returns the supported set minus the ignored set, preserving
// the configured order.
func (c SMBus) ScanAddresses() []uint8 {
	ignored := make(map[uint8]bool, len(c.IgnoredEndpointSlaveAddresses))
	for _, a := range c.IgnoredEndpointSlaveAddresses {
		ignored[a] = true
	}
	var out []uint8
	for _, a := range c.SupportedEndpointSlaveAddresses {
		if !ignored[a] {
			out = append(out, a)
		}
	}
	return out
}

// VdmSetEntry is one configured vendor-defined-message capability set.
type VdmSetEntry struct {
	VendorIDFormat uint8  `json:"vendor_id_format"`
	VendorID       uint16 `json:"vendor_id"`
	CommandSetType uint16 `json:"command_set_type"`
}

// PCIe is the PCIe VDM binding configuration.
type PCIe struct {
	Common

	BDF                   uint16        `json:"bdf"`
	GetRoutingIntervalSec uint          `json:"get_routing_interval_s"`
	VdmSets               []VdmSetEntry `json:"vdm_sets,omitempty"`
}

// VdmDatabase converts the configured sets into the runtime database.
func (c *PCIe) VdmDatabase() []types.VdmSet {
	out := make([]types.VdmSet, 0, len(c.VdmSets))
	for _, s := range c.VdmSets {
		out = append(out, types.VdmSet{
			VendorIDFormat: s.VendorIDFormat,
			VendorID:       s.VendorID,
			CommandSetType: s.CommandSetType,
		})
	}
	return out
}

// File is the top-level configuration file: one record per binding, each
// optional.
type File struct {
	SMBus *SMBus `json:"smbus,omitempty"`
	PCIe  *PCIe  `json:"pcie,omitempty"`
}

// Load reads and validates a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if f.SMBus == nil && f.PCIe == nil {
		return nil, fmt.Errorf("config %s declares no binding", path)
	}
	if f.SMBus != nil {
		f.SMBus.applyDefaults()
		if err := f.SMBus.Validate(); err != nil {
			return nil, fmt.Errorf("smbus config: %w", err)
		}
	}
	if f.PCIe != nil {
		if err := f.PCIe.Validate(); err != nil {
			return nil, fmt.Errorf("pcie config: %w", err)
		}
	}
	return &f, nil
}

func validateCommon(c Common) error {
	switch c.Role {
	case types.RoleBusOwner, types.RoleEndpoint, types.RoleBridge:
	default:
		return fmt.Errorf("invalid role %q", c.Role)
	}
	if c.ReqToRespTimeMs == 0 {
		return fmt.Errorf("req_to_resp_time_ms must be set")
	}
	return nil
}

func (c *SMBus) applyDefaults() {
	if c.ScanIntervalSec == 0 {
		c.ScanIntervalSec = DefaultScanIntervalSec
	}
	if c.RoutingIntervalSec == 0 && c.Role != types.RoleBusOwner {
		c.RoutingIntervalSec = DefaultRoutingIntervalSec
	}
}

// Validate checks the SMBus record for the fields its role requires.
func (c *SMBus) Validate() error {
	if err := validateCommon(c.Common); err != nil {
		return err
	}
	if c.Bus == "" {
		return fmt.Errorf("bus path must be set")
	}
	if c.BMCSlaveAddr == 0 {
		return fmt.Errorf("bmc_slave_addr must be set")
	}
	if c.Role == types.RoleBusOwner && len(c.EIDPool) == 0 {
		return fmt.Errorf("eid_pool is required for the BusOwner role")
	}
	return nil
}

// Validate checks the PCIe record for the fields its role requires.
func (c *PCIe) Validate() error {
	if err := validateCommon(c.Common); err != nil {
		return err
	}
	if c.Role != types.RoleBusOwner && c.GetRoutingIntervalSec == 0 {
		return fmt.Errorf("get_routing_interval_s is required for non-BusOwner roles")
	}
	return nil
}
