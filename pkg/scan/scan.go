// Package scan provides output formatting for the scan subcommand.
package scan

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/mctpd/pkg/smbus"
)

// PrintTable renders an enumeration result as a human-readable table.
func PrintTable(w io.Writer, inv *smbus.Inventory) {
	fmt.Fprintf(w, "Root bus: i2c-%d, mux leaves: %d\n", inv.RootBus, len(inv.MuxBuses))

	table := tablewriter.NewTable(w)
	table.Header("BUS", "ADDRESS", "REACHED VIA")
	for _, dev := range inv.Devices {
		via := "root bus"
		if dev.ViaMux {
			via = "mux leaf"
		}
		table.Append(
			fmt.Sprintf("i2c-%d", dev.Bus),
			fmt.Sprintf("0x%02x", dev.Addr),
			via,
		)
	}
	table.Render()
}

// DeviceJSON is the JSON representation of one discovered device.
type DeviceJSON struct {
	Bus     int    `json:"bus"`
	Address string `json:"address"`
	ViaMux  bool   `json:"via_mux"`
}

// InventoryJSON is the JSON representation of an enumeration result.
type InventoryJSON struct {
	RootBus  int          `json:"root_bus"`
	MuxBuses []int        `json:"mux_buses,omitempty"`
	Devices  []DeviceJSON `json:"devices"`
}

// PrintJSON renders an enumeration result as JSON.
func PrintJSON(w io.Writer, inv *smbus.Inventory) error {
	out := InventoryJSON{
		RootBus:  inv.RootBus,
		MuxBuses: inv.MuxBuses,
	}
	out.Devices = make([]DeviceJSON, 0, len(inv.Devices))
	for _, dev := range inv.Devices {
		out.Devices = append(out.Devices, DeviceJSON{
			Bus:     dev.Bus,
			Address: fmt.Sprintf("0x%02x", dev.Addr),
			ViaMux:  dev.ViaMux,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
