package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/switchsync/internal/source"
	"github.com/roach88/switchsync/internal/store"
)

// FingerprintReport is the policy fingerprint of one device.
type FingerprintReport struct {
	Device      string `json:"device"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Tags        int    `json:"tags"`
	Filters     int    `json:"filters"`
	Error       string `json:"error,omitempty"`
}

// NewFingerprintCommand creates the fingerprint command.
func NewFingerprintCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint [device...]",
		Short: "Print the policy fingerprint of each device",
		Long: `Compute the fingerprint the reconciler compares against on every
cycle, from the device's tag and filter rows. Two runs print the same
fingerprint exactly when the rows are the same.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFingerprint(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runFingerprint(opts *RootOptions, names []string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	devices, err := selectDevices(cfg, names)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	rules, err := store.OpenDriver(ctx, cfg.PolicyStore.Driver, cfg.PolicyStore.DSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open policy store", err)
	}
	defer rules.Close()

	src := source.New(rules, cfg)
	reports := make([]FingerprintReport, 0, len(devices))
	failed := 0
	for _, d := range devices {
		r := FingerprintReport{Device: d.Name}
		snap, err := src.Snapshot(ctx, d.Name)
		if err != nil {
			r.Error = err.Error()
			failed++
		} else {
			r.Fingerprint = string(snap.Fingerprint)
			r.Tags = len(snap.Tags)
			r.Filters = len(snap.Filters)
		}
		reports = append(reports, r)
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: w}
		if err := formatter.Success(reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			if r.Error != "" {
				fmt.Fprintf(w, "%s\terror: %s\n", r.Device, r.Error)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\ttags=%d filters=%d\n", r.Device, r.Fingerprint, r.Tags, r.Filters)
		}
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d device(s) could not be fingerprinted", failed))
	}
	return nil
}
