package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/device"
	"github.com/roach88/switchsync/internal/engine"
	"github.com/roach88/switchsync/internal/metrics"
	"github.com/roach88/switchsync/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Once bool

	// Dial allows overriding the switch connection (for testing).
	// If nil, switches are dialed over P4Runtime.
	Dial engine.Dialer

	// IDs allows overriding the cycle id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs engine.CycleIDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile the fleet until interrupted",
		Long: `Connect to every configured switch, install its pipeline and static
entries, then reconcile its managed tables against the policy store once
per poll interval.

Example:
  switchsync run --config fleet.yaml
  switchsync run --config fleet.yaml --once --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleet(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single cycle and exit")

	return cmd
}

func runFleet(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("opening policy store", "driver", cfg.PolicyStore.Driver)
	rules, err := store.OpenDriver(ctx, cfg.PolicyStore.Driver, cfg.PolicyStore.DSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open policy store", err)
	}

	dial := opts.Dial
	if dial == nil {
		dial = deviceDialer(cfg)
	}
	fleetOpts := []engine.FleetOption{}
	if opts.IDs != nil {
		fleetOpts = append(fleetOpts, engine.WithCycleIDs(opts.IDs))
	}
	reopen := func(ctx context.Context) (store.Rules, error) {
		return store.OpenDriver(ctx, cfg.PolicyStore.Driver, cfg.PolicyStore.DSN)
	}
	fleet := engine.NewFleet(cfg, rules, dial, reopen, fleetOpts...)
	defer func() {
		if err := fleet.Close(); err != nil {
			slog.Error("error closing fleet", "error", err)
		}
	}()

	if opts.Once {
		return runOnce(ctx, fleet, opts, cmd)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				slog.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Reconciling %d device(s) every %s. Press Ctrl-C to stop.\n",
		len(cfg.Devices), cfg.PollInterval)

	if err := fleet.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "fleet error", err)
	}

	slog.Info("fleet stopped gracefully")
	return nil
}

// CycleReport is the --once output for one device.
type CycleReport struct {
	Device         string `json:"device"`
	Outcome        string `json:"outcome"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	Deleted        int    `json:"deleted"`
	DeleteFailures int    `json:"delete_failures"`
	Installed      int    `json:"installed"`
	Error          string `json:"error,omitempty"`
}

func runOnce(ctx context.Context, fleet *engine.Fleet, opts *RunOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	results, err := fleet.RunCycle(ctx)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "cycle skipped", err)
	}

	reports := make([]CycleReport, len(results))
	failed := 0
	for i, r := range results {
		reports[i] = CycleReport{
			Device:         r.Device,
			Outcome:        string(r.Outcome),
			Fingerprint:    string(r.Fingerprint),
			Deleted:        r.Deleted,
			DeleteFailures: r.DeleteFailures,
			Installed:      r.Installed,
		}
		if r.Err != nil {
			reports[i].Error = r.Err.Error()
			failed++
		}
	}

	if opts.Format == "json" {
		if err := formatter.Success(reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			line := fmt.Sprintf("%-12s %-9s deleted=%d installed=%d", r.Device, r.Outcome, r.Deleted, r.Installed)
			if r.DeleteFailures > 0 {
				line += fmt.Sprintf(" delete_failures=%d", r.DeleteFailures)
			}
			if r.Error != "" {
				line += "  " + r.Error
			}
			fmt.Fprintln(formatter.Writer, line)
		}
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d device(s) failed", failed, len(results)))
	}
	return nil
}

// deviceDialer connects to switches over P4Runtime.
func deviceDialer(cfg config.Config) engine.Dialer {
	return func(ctx context.Context, d config.Device) (engine.Device, error) {
		conn, err := device.Dial(device.Options{
			Name:       d.Name,
			Address:    d.Address,
			DeviceID:   d.DeviceID,
			ElectionID: cfg.ElectionID,
			RPCTimeout: cfg.RPCTimeout,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
