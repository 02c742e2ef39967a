// mctpd is the MCTP bus-owner/endpoint daemon for a BMC. It multiplexes
// MCTP traffic over SMBus/I2C and PCIe vendor-defined messages, discovers
// endpoints, and publishes them on the system object bus keyed by EID.
//
// Usage:
//
//	mctpd serve --config /usr/share/mctp/mctp_config.json
//	mctpd scan --config /usr/share/mctp/mctp_config.json
//	mctpd doctor --config /usr/share/mctp/mctp_config.json
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/mctpd/pkg/config"
	"github.com/Nativu5/mctpd/pkg/control"
	"github.com/Nativu5/mctpd/pkg/doctor"
	"github.com/Nativu5/mctpd/pkg/endpoint"
	"github.com/Nativu5/mctpd/pkg/pcie"
	"github.com/Nativu5/mctpd/pkg/scan"
	"github.com/Nativu5/mctpd/pkg/smbus"
	"github.com/Nativu5/mctpd/pkg/types"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const defaultConfigPath = "/usr/share/mctp/mctp_config.json"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "mctpd",
		Short: "MCTP bus-owner/endpoint daemon",
		Long:  "A daemon implementing the MCTP bus-owner and endpoint roles over SMBus/I2C and PCIe VDM, publishing discovered endpoints on the system object bus.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	root.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  serve
// ──────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	var (
		configPath string
		busName    string
		pcieDev    string
		noBus      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCTP daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			var pub endpoint.Publisher
			if noBus {
				pub = logPublisher{}
			} else {
				dbusPub, err := endpoint.NewDBusPublisher(busName)
				if err != nil {
					return fmt.Errorf("object bus: %w", err)
				}
				defer dbusPub.Close()
				pub = dbusPub
			}

			var stops []func() error

			if cfg.SMBus != nil {
				stop, err := startSMBus(cfg.SMBus, pub)
				if err != nil {
					return err
				}
				stops = append(stops, stop)
			}
			if cfg.PCIe != nil {
				stop, err := startPCIe(cfg.PCIe, pub, pcieDev)
				if err != nil {
					return err
				}
				stops = append(stops, stop)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigs
			log.WithField("signal", sig.String()).Info("Shutting down")

			var errCount int
			for _, stop := range stops {
				if err := stop(); err != nil {
					log.WithError(err).Error("Binding shutdown failed")
					errCount++
				}
			}
			if errCount > 0 {
				return fmt.Errorf("%d binding(s) failed to shut down cleanly", errCount)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Configuration file (JSON or YAML)")
	cmd.Flags().StringVar(&busName, "bus-name", "xyz.openbmc_project.MCTP", "Well-known object bus name to claim")
	cmd.Flags().StringVar(&pcieDev, "pcie-device", "/dev/mctp-pcie", "PCIe VDM character device")
	cmd.Flags().BoolVar(&noBus, "no-object-bus", false, "Log endpoint events instead of publishing to the object bus")

	return cmd
}

func startSMBus(cfg *config.SMBus, pub endpoint.Publisher) (func() error, error) {
	ft := &smbus.FrameTransport{SrcAddr: cfg.BMCSlaveAddr | 0x01}
	engine := control.NewEngine(ft, cfg.ReqTimeout(), int(cfg.ReqRetryCount))

	binding, err := smbus.NewBinding(*cfg, engine, pub, smbus.Deps{})
	if err != nil {
		return nil, err
	}
	ft.OwnEID = binding.OwnEID

	if err := binding.Start(); err != nil {
		return nil, fmt.Errorf("smbus binding: %w", err)
	}
	binding.StartReceive()
	log.WithField("bus", cfg.Bus).Info("SMBus binding up")
	return binding.Stop, nil
}

func startPCIe(cfg *config.PCIe, pub endpoint.Publisher, devPath string) (func() error, error) {
	drv := &pcie.CharDevDriver{
		Path:   devPath,
		OwnBDF: cfg.BDF,
		Medium: cfg.PhysicalMediumID,
	}
	ft := &pcie.FrameTransport{Driver: drv}
	engine := control.NewEngine(ft, cfg.ReqTimeout(), int(cfg.ReqRetryCount))

	binding := pcie.NewBinding(*cfg, engine, pub, drv, &pcie.NopMonitor{}, cfg.VdmDatabase())
	ft.OwnEID = binding.OwnEID
	drv.Deliver = binding.HandleInbound

	if err := binding.Start(); err != nil {
		return nil, fmt.Errorf("pcie binding: %w", err)
	}
	log.WithField("device", devPath).Info("PCIe binding up")
	return binding.Stop, nil
}

// ──────────────────────────────────────────────
//  scan
// ──────────────────────────────────────────────

func newScanCmd() *cobra.Command {
	var (
		configPath string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Enumerate the configured SMBus root bus and mux leaves",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.SMBus == nil {
				return fmt.Errorf("config declares no smbus binding")
			}

			inv, err := smbus.Enumerate(*cfg.SMBus, smbus.Deps{})
			if err != nil {
				return fmt.Errorf("enumeration failed: %w", err)
			}

			switch output {
			case "json":
				return scan.PrintJSON(cmd.OutOrStdout(), inv)
			default:
				scan.PrintTable(cmd.OutOrStdout(), inv)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Configuration file (JSON or YAML)")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

func newDoctorCmd() *cobra.Command {
	var (
		configPath string
		strict     bool
		showPass   bool
		output     string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics for the configured bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.SMBus == nil {
				return fmt.Errorf("config declares no smbus binding")
			}

			report := doctor.DiagnoseSMBus(cfg.SMBus, doctor.DefaultPaths())

			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), report, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), report, showPass)
			}

			// Exit code strategy
			if report.HasFail {
				os.Exit(exitRuntimeError)
			}
			if strict && report.HasWarn {
				os.Exit(exitRuntimeError)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "Configuration file (JSON or YAML)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mctpd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// logPublisher is the publisher used with --no-object-bus: lifecycle
// events go to the log only.
type logPublisher struct{}

func (logPublisher) RegisterPCIe(eid types.EID, attrs endpoint.PCIeAttrs, mode types.BindingRole) error {
	log.WithFields(log.Fields{
		"eid": uint8(eid), "bus": attrs.Bus, "device": attrs.Device,
		"function": attrs.Function, "mode": string(mode),
	}).Info("Endpoint registered")
	return nil
}

func (logPublisher) RegisterSMBus(eid types.EID, attrs endpoint.SMBusAttrs, mode types.BindingRole) error {
	log.WithFields(log.Fields{
		"eid": uint8(eid), "bus": attrs.Bus, "address": attrs.Address, "mode": string(mode),
	}).Info("Endpoint registered")
	return nil
}

func (logPublisher) Unregister(eid types.EID) error {
	log.WithField("eid", uint8(eid)).Info("Endpoint unregistered")
	return nil
}
