// Package doctor provides environment diagnostics for the daemon: kernel
// modules, device nodes, sysfs mux layout and the receive queue.
package doctor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/mctpd/pkg/config"
	"github.com/Nativu5/mctpd/pkg/utils"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

// requiredKernelModules lists the kernel modules the SMBus binding needs.
// i2c-dev may be built in, so a miss is a warning, not a failure.
var requiredKernelModules = []string{"i2c_dev", "i2c_mux"}

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Report holds all diagnostic results.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// Paths groups the filesystem roots the checks read, overridable in tests.
type Paths struct {
	ProcModules string
	SysDir      string
}

// DefaultPaths are the production locations.
func DefaultPaths() Paths {
	return Paths{
		ProcModules: "/proc/modules",
		SysDir:      "/sys/bus/i2c/devices",
	}
}

// DiagnoseSMBus runs all environment checks for an SMBus configuration.
func DiagnoseSMBus(cfg *config.SMBus, paths Paths) *Report {
	report := &Report{}

	checkKernelModules(report, paths.ProcModules)

	// Root bus device node
	if _, err := os.Stat(cfg.Bus); err != nil {
		report.add(CheckResult{
			Check:    "root_bus",
			Severity: Fail,
			Message:  fmt.Sprintf("Root bus %s not present: %v", cfg.Bus, err),
		})
	} else {
		report.add(CheckResult{
			Check:    "root_bus",
			Severity: Pass,
			Message:  fmt.Sprintf("Root bus %s present", cfg.Bus),
		})
	}

	rootBus, err := utils.BusNumFromPath(cfg.Bus)
	if err != nil {
		report.add(CheckResult{
			Check:    "root_bus",
			Severity: Fail,
			Message:  err.Error(),
		})
		return report
	}

	// Receive queue: present, or at least creatable
	queueAddr := utils.SlaveQueueAddr(cfg.BMCSlaveAddr >> 1)
	queuePath := filepath.Join(paths.SysDir,
		fmt.Sprintf("%d-%s", rootBus, queueAddr), "slave-mqueue")
	newDevice := filepath.Join(paths.SysDir, fmt.Sprintf("i2c-%d", rootBus), "new_device")
	switch {
	case exists(queuePath):
		report.add(CheckResult{
			Check:    "slave_mqueue",
			Severity: Pass,
			Message:  fmt.Sprintf("Receive queue %s present", queuePath),
		})
	case exists(newDevice):
		report.add(CheckResult{
			Check:    "slave_mqueue",
			Severity: Warn,
			Message:  fmt.Sprintf("Receive queue absent; will be created via %s", newDevice),
		})
	default:
		report.add(CheckResult{
			Check:    "slave_mqueue",
			Severity: Fail,
			Message:  "Receive queue absent and bus exposes no new_device hook",
		})
	}

	checkMuxLayout(report, paths.SysDir, rootBus)

	if len(cfg.ScanAddresses()) == 0 {
		report.add(CheckResult{
			Check:    "scan_addresses",
			Severity: Warn,
			Message:  "Every supported slave address is ignored; scans will find nothing",
		})
	} else {
		report.add(CheckResult{
			Check:    "scan_addresses",
			Severity: Pass,
			Message:  fmt.Sprintf("%d slave address(es) to scan", len(cfg.ScanAddresses())),
		})
	}

	return report
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// checkKernelModules verifies the i2c stack is loaded.
func checkKernelModules(report *Report, procModules string) {
	data, err := os.ReadFile(procModules)
	if err != nil {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot read %s: %v", procModules, err),
		})
		return
	}
	loaded := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		name, _, ok := strings.Cut(line, " ")
		if ok {
			loaded[name] = true
		}
	}
	for _, mod := range requiredKernelModules {
		if loaded[mod] {
			report.add(CheckResult{
				Check:    "kernel_modules",
				Severity: Pass,
				Message:  fmt.Sprintf("Module %s loaded", mod),
			})
		} else {
			report.add(CheckResult{
				Check:    "kernel_modules",
				Severity: Warn,
				Message:  fmt.Sprintf("Module %s not listed (may be built in)", mod),
			})
		}
	}
}

// checkMuxLayout looks for mux leaves hanging off the configured root.
func checkMuxLayout(report *Report, sysDir string, rootBus int) {
	entries, err := os.ReadDir(sysDir)
	if err != nil {
		report.add(CheckResult{
			Check:    "mux_layout",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot read %s: %v", sysDir, err),
		})
		return
	}
	leaves := 0
	for _, e := range entries {
		if !utils.IsI2CDevName(e.Name()) {
			continue
		}
		link := filepath.Join(sysDir, e.Name(), "mux_device")
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		root, _, ok := strings.Cut(filepath.Base(target), "-")
		if ok && root == fmt.Sprint(rootBus) {
			leaves++
		}
	}
	report.add(CheckResult{
		Check:    "mux_layout",
		Severity: Pass,
		Message:  fmt.Sprintf("%d mux leaf(s) behind i2c-%d", leaves, rootBus),
	})
}

// PrintTable renders a report as a human-readable table.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	table := tablewriter.NewTable(w)
	table.Header("CHECK", "SEVERITY", "MESSAGE")
	for _, cr := range report.filtered(showPass) {
		table.Append(cr.Check, string(cr.Severity), cr.Message)
	}
	table.Render()
}

// PrintJSON renders a report as JSON.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report.filtered(showPass))
}
