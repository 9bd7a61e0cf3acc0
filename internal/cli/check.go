package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/switchsync/internal/compiler"
	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/schema"
	"github.com/roach88/switchsync/internal/source"
	"github.com/roach88/switchsync/internal/store"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Offline bool
}

// CheckReport holds the check results of one device.
type CheckReport struct {
	Device   string                     `json:"device"`
	Records  int                        `json:"records"`
	Problems []compiler.ValidationError `json:"problems,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

// Failed reports whether the device has errors (warnings do not count).
func (r CheckReport) Failed() bool {
	return r.Error != "" || compiler.HasErrors(r.Problems)
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check [device...]",
		Short: "Compile every device's entries without touching a switch",
		Long: `Compile each device's static entries and policy store rows against its
P4Info and report every problem at once: unknown tables, fields, actions
and parameters, values that do not fit, entries that overwrite each other,
and legacy bare-integer matches.

No switch is contacted. With --offline the policy store is not read either.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "check static configs only")

	return cmd
}

func runCheck(opts *CheckOptions, names []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	devices, err := selectDevices(cfg, names)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	var src *source.Adapter
	if !opts.Offline {
		rules, err := store.OpenDriver(ctx, cfg.PolicyStore.Driver, cfg.PolicyStore.DSN)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open policy store", err)
		}
		defer rules.Close()
		src = source.New(rules, cfg)
	}

	reports := make([]CheckReport, 0, len(devices))
	failed := 0
	for _, d := range devices {
		formatter.VerboseLog("checking %s", d.Name)
		r := checkDevice(ctx, cfg, src, d)
		if r.Failed() {
			failed++
		}
		reports = append(reports, r)
	}

	if opts.Format == "json" {
		if err := formatter.Success(reports); err != nil {
			return err
		}
	} else {
		writeCheckReports(formatter.Writer, reports)
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("check failed for %d device(s)", failed))
	}
	return nil
}

// checkDevice compiles one device's static entries and, when src is set,
// its policy rows.
func checkDevice(ctx context.Context, cfg config.Config, src *source.Adapter, dev config.Device) CheckReport {
	r := CheckReport{Device: dev.Name}

	s, static, err := loadDeviceSchema(cfg, dev)
	if err != nil {
		r.Error = err.Error()
		return r
	}

	var recs []ir.IntentRecord
	if static != nil {
		recs = append(recs, static.Intents...)
	}
	if src != nil {
		rows, err := src.FetchIntents(ctx, dev.Name)
		if err != nil {
			r.Error = err.Error()
			return r
		}
		recs = append(recs, rows...)
	}

	r.Records = len(recs)
	r.Problems = compiler.Validate(s, recs)
	return r
}

// loadDeviceSchema reads the device's static config, if any, and the
// schema it points at.
func loadDeviceSchema(cfg config.Config, dev config.Device) (*schema.Schema, *source.StaticConfig, error) {
	static, err := source.LoadStaticConfig(cfg, dev)
	if err != nil {
		return nil, nil, err
	}
	path := dev.P4Info
	if static != nil {
		path = static.SchemaPath
	}
	if path == "" {
		return nil, nil, &ir.Error{Code: ir.ErrSourceUnavailable, Message: "no p4info configured", Device: dev.Name}
	}
	s, err := schema.Load(path)
	if err != nil {
		return nil, nil, ir.WithDevice(err, dev.Name)
	}
	return s, static, nil
}

func writeCheckReports(w io.Writer, reports []CheckReport) {
	for _, r := range reports {
		switch {
		case r.Error != "":
			fmt.Fprintf(w, "\u2717 %s\n  %s\n", r.Device, r.Error)
			continue
		case r.Failed():
			fmt.Fprintf(w, "\u2717 %s (%d records)\n", r.Device, r.Records)
		default:
			fmt.Fprintf(w, "\u2713 %s (%d records)\n", r.Device, r.Records)
		}
		for _, p := range r.Problems {
			fmt.Fprintf(w, "  %s %s\n", p.Severity, p.Error())
		}
	}
}
