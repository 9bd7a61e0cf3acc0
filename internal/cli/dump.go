package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/spf13/cobra"

	"github.com/roach88/switchsync/internal/engine"
	"github.com/roach88/switchsync/internal/schema"
)

// DumpOptions holds flags for the dump command.
type DumpOptions struct {
	*RootOptions

	// Dial allows overriding the switch connection (for testing).
	// If nil, the switch is dialed over P4Runtime.
	Dial engine.Dialer
}

// DumpEntry is one installed table entry with ids resolved to names.
type DumpEntry struct {
	Table    string      `json:"table"`
	Default  bool        `json:"default,omitempty"`
	Priority int32       `json:"priority,omitempty"`
	Match    []DumpMatch `json:"match,omitempty"`
	Action   string      `json:"action"`
	Params   []DumpParam `json:"params,omitempty"`
}

// DumpMatch is one field match. Value is hex; LPM adds "/len", ternary
// "&&&mask" and range "..high".
type DumpMatch struct {
	Field string `json:"field"`
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// DumpParam is one action parameter.
type DumpParam struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump <device>",
		Short: "Read back every table entry installed on a switch",
		Long: `Read all table entries from a switch and print them with table, field,
action and parameter ids resolved through the device's P4Info. Ids the
P4Info does not know are printed as "<table id N>" and so on.

Reading does not require mastership and does not disturb a running
reconciler.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(opts, args[0], cmd)
		},
	}
	return cmd
}

func runDump(opts *DumpOptions, name string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	devices, err := selectDevices(cfg, []string{name})
	if err != nil {
		return err
	}
	dev := devices[0]

	s, _, err := loadDeviceSchema(cfg, dev)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schema", err)
	}

	dial := opts.Dial
	if dial == nil {
		dial = deviceDialer(cfg)
	}
	ctx := commandContext(cmd)
	conn, err := dial(ctx, dev)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to connect", err)
	}
	defer conn.Close()

	entries, err := conn.ReadEntries(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read entries", err)
	}

	described := DescribeEntries(s, entries)
	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Success(described)
	}
	WriteDump(cmd.OutOrStdout(), dev.Name, described)
	return nil
}

// DescribeEntries resolves the ids of entries through s, keeping order.
func DescribeEntries(s *schema.Schema, entries []*p4v1.TableEntry) []DumpEntry {
	out := make([]DumpEntry, 0, len(entries))
	for _, e := range entries {
		table, _ := s.TableByID(e.GetTableId())
		d := DumpEntry{
			Table:    s.TableName(e.GetTableId()),
			Default:  e.GetIsDefaultAction(),
			Priority: e.GetPriority(),
		}
		for _, fm := range e.GetMatch() {
			d.Match = append(d.Match, describeMatch(s, table, fm))
		}

		act := e.GetAction().GetAction()
		d.Action = s.ActionName(act.GetActionId())
		info, _ := s.ActionByID(act.GetActionId())
		for _, p := range act.GetParams() {
			pname := fmt.Sprintf("<param id %d>", p.GetParamId())
			if info != nil {
				if pi, ok := s.ParamByID(info, p.GetParamId()); ok {
					pname = pi.GetName()
				}
			}
			d.Params = append(d.Params, DumpParam{Name: pname, Value: hexBytes(p.GetValue())})
		}
		out = append(out, d)
	}
	return out
}

func describeMatch(s *schema.Schema, table *p4configv1.Table, fm *p4v1.FieldMatch) DumpMatch {
	m := DumpMatch{Field: fmt.Sprintf("<field id %d>", fm.GetFieldId())}
	if table != nil {
		if mf, ok := s.MatchFieldByID(table, fm.GetFieldId()); ok {
			m.Field = mf.GetName()
		}
	}

	switch v := fm.GetFieldMatchType().(type) {
	case *p4v1.FieldMatch_Exact_:
		m.Kind, m.Value = "exact", hexBytes(v.Exact.GetValue())
	case *p4v1.FieldMatch_Lpm:
		m.Kind = "lpm"
		m.Value = fmt.Sprintf("%s/%d", hexBytes(v.Lpm.GetValue()), v.Lpm.GetPrefixLen())
	case *p4v1.FieldMatch_Ternary_:
		m.Kind = "ternary"
		m.Value = hexBytes(v.Ternary.GetValue()) + "&&&" + hexBytes(v.Ternary.GetMask())
	case *p4v1.FieldMatch_Range_:
		m.Kind = "range"
		m.Value = hexBytes(v.Range.GetLow()) + ".." + hexBytes(v.Range.GetHigh())
	case *p4v1.FieldMatch_Optional_:
		m.Kind, m.Value = "optional", hexBytes(v.Optional.GetValue())
	default:
		m.Kind = "unknown"
	}
	return m
}

func hexBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// WriteDump renders described entries as text, one block per entry.
func WriteDump(w io.Writer, device string, entries []DumpEntry) {
	fmt.Fprintf(w, "%s: %d entries\n", device, len(entries))
	for _, e := range entries {
		header := e.Table
		if e.Default {
			header += " (default)"
		}
		if e.Priority != 0 {
			header += fmt.Sprintf(" priority=%d", e.Priority)
		}
		fmt.Fprintln(w, header)

		for _, m := range e.Match {
			fmt.Fprintf(w, "  %s %s %s\n", m.Field, m.Kind, m.Value)
		}

		params := make([]string, len(e.Params))
		for i, p := range e.Params {
			params[i] = p.Name + "=" + p.Value
		}
		fmt.Fprintf(w, "  -> %s(%s)\n", e.Action, strings.Join(params, ", "))
	}
}
