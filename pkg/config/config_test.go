package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nativu5/mctpd/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mctp_config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_SMBusBusOwner(t *testing.T) {
	path := writeConfig(t, `{
		"smbus": {
			"physical_medium_id": "SmbusI2c",
			"role": "BusOwner",
			"default_eid": 8,
			"req_to_resp_time_ms": 500,
			"req_retry_count": 2,
			"bus": "/dev/i2c-2",
			"bmc_slave_addr": 32,
			"arp_master_support": true,
			"supported_endpoint_slave_addresses": [48, 80, 97],
			"ignored_endpoint_slave_addresses": [80],
			"eid_pool": [8, 9, 10]
		}
	}`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg := f.SMBus
	if cfg == nil {
		t.Fatal("smbus config missing")
	}
	if cfg.Role != types.RoleBusOwner {
		t.Errorf("role = %q, want BusOwner", cfg.Role)
	}
	if cfg.ReqTimeout() != 500*time.Millisecond {
		t.Errorf("timeout = %v, want 500ms", cfg.ReqTimeout())
	}
	if cfg.ScanIntervalSec != DefaultScanIntervalSec {
		t.Errorf("scan interval = %d, want default %d", cfg.ScanIntervalSec, DefaultScanIntervalSec)
	}

	// Ignored addresses drop out of the scan set.
	addrs := cfg.ScanAddresses()
	want := []uint8{48, 97}
	if len(addrs) != len(want) {
		t.Fatalf("scan addresses = %v, want %v", addrs, want)
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Errorf("scan address %d = %#x, want %#x", i, addrs[i], want[i])
		}
	}
}

func TestLoad_RoutingIntervalDefaultForEndpoint(t *testing.T) {
	path := writeConfig(t, `{
		"smbus": {
			"role": "Endpoint",
			"req_to_resp_time_ms": 100,
			"bus": "/dev/i2c-2",
			"bmc_slave_addr": 32
		}
	}`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if f.SMBus.RoutingIntervalSec != DefaultRoutingIntervalSec {
		t.Errorf("routing interval = %d, want default %d",
			f.SMBus.RoutingIntervalSec, DefaultRoutingIntervalSec)
	}
}

func TestLoad_BusOwnerRequiresEIDPool(t *testing.T) {
	path := writeConfig(t, `{
		"smbus": {
			"role": "BusOwner",
			"req_to_resp_time_ms": 100,
			"bus": "/dev/i2c-2",
			"bmc_slave_addr": 32
		}
	}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for BusOwner without eid_pool")
	}
}

func TestLoad_PCIeEndpointRequiresRoutingInterval(t *testing.T) {
	path := writeConfig(t, `{
		"pcie": {
			"role": "Endpoint",
			"req_to_resp_time_ms": 100,
			"bdf": 4660
		}
	}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for PCIe endpoint without get_routing_interval_s")
	}
}

func TestLoad_InvalidRole(t *testing.T) {
	path := writeConfig(t, `{
		"smbus": {
			"role": "Spectator",
			"req_to_resp_time_ms": 100,
			"bus": "/dev/i2c-2",
			"bmc_slave_addr": 32
		}
	}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestLoad_NoBinding(t *testing.T) {
	path := writeConfig(t, `{}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for config without bindings")
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, `{
		"smbus": {
			"role": "Endpoint",
			"req_to_resp_time_ms": 100,
			"bus": "/dev/i2c-2",
			"bmc_slave_addr": 32,
			"banana": true
		}
	}`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestLoad_YAMLAccepted(t *testing.T) {
	path := writeConfig(t, `
pcie:
  role: Endpoint
  req_to_resp_time_ms: 100
  bdf: 4660
  get_routing_interval_s: 5
  vdm_sets:
    - vendor_id_format: 0
      vendor_id: 32902
      command_set_type: 1
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if f.PCIe.BDF != 0x1234 {
		t.Errorf("bdf = %#x, want 0x1234", f.PCIe.BDF)
	}
	db := f.PCIe.VdmDatabase()
	if len(db) != 1 || db[0].VendorID != 0x8086 {
		t.Errorf("vdm database = %+v, want one 8086 set", db)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
