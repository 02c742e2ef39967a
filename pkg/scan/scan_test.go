package scan

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Nativu5/mctpd/pkg/smbus"
)

func sampleInventory() *smbus.Inventory {
	return &smbus.Inventory{
		RootBus:  2,
		MuxBuses: []int{3},
		Devices: []smbus.InventoryDevice{
			{Bus: 2, Addr: 0x50},
			{Bus: 3, Addr: 0x30, ViaMux: true},
			{Bus: 3, Addr: 0x61, ViaMux: true},
		},
	}
}

func TestPrintTable_Basic(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, sampleInventory())
	output := buf.String()

	if !strings.Contains(output, "BUS") {
		t.Error("table should contain BUS header")
	}
	if !strings.Contains(output, "0x50") {
		t.Error("table should contain the root device address")
	}
	if !strings.Contains(output, "mux leaf") {
		t.Error("table should mark mux-reached devices")
	}
	if !strings.Contains(output, "Root bus: i2c-2") {
		t.Error("summary line should name the root bus")
	}
}

func TestPrintTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, &smbus.Inventory{RootBus: 2})
	if !strings.Contains(buf.String(), "BUS") {
		t.Error("empty table should still render headers")
	}
}

func TestPrintJSON_Basic(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSON(&buf, sampleInventory()); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}

	var result InventoryJSON
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if result.RootBus != 2 {
		t.Errorf("root bus = %d, want 2", result.RootBus)
	}
	if len(result.Devices) != 3 {
		t.Errorf("devices = %d, want 3", len(result.Devices))
	}
	if result.Devices[0].Address != "0x50" {
		t.Errorf("first address = %q, want 0x50", result.Devices[0].Address)
	}
	if !result.Devices[1].ViaMux {
		t.Error("second device should be marked via_mux")
	}
}
