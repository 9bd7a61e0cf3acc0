package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/store"
)

// RuleListing holds the policy rows of one switch.
type RuleListing struct {
	Switch  string          `json:"switch"`
	Tags    []ir.TagRule    `json:"tags"`
	Filters []ir.FilterRule `json:"filters"`
}

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List and edit policy store rows",
		Long: `Manage the tag and filter rows the reconciler installs. Changes are
picked up by a running reconciler on its next cycle.

Example:
  switchsync rules list s1
  switchsync rules add-tag s1 '{"hdr.ipv4.srcAddr": ["10.0.1.0", 24]}' 7
  switchsync rules add-filter s1 7
  switchsync rules rm tag 3`,
	}

	cmd.AddCommand(newRulesListCommand(rootOpts))
	cmd.AddCommand(newRulesAddTagCommand(rootOpts))
	cmd.AddCommand(newRulesAddFilterCommand(rootOpts))
	cmd.AddCommand(newRulesRemoveCommand(rootOpts))

	return cmd
}

func newRulesListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list [switch]",
		Short:         "List rows, for one switch or every switch in the store",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEditor(opts, cmd, func(ctx context.Context, ed store.Editor) error {
				return runRulesList(ctx, ed, opts, args, cmd)
			})
		},
	}
}

func newRulesAddTagCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "add-tag <switch> <match-json> <value>",
		Short:         "Add a tag row",
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseTagValue(args[2])
			if err != nil {
				return err
			}
			return withEditor(opts, cmd, func(ctx context.Context, ed store.Editor) error {
				id, err := ed.InsertTagRule(ctx, args[0], args[1], value)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to add tag rule", err)
				}
				return reportRow(opts, cmd, "added", ir.ClassTag, id)
			})
		},
	}
}

func newRulesAddFilterCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "add-filter <switch> <value>",
		Short:         "Add a filter row",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseTagValue(args[1])
			if err != nil {
				return err
			}
			return withEditor(opts, cmd, func(ctx context.Context, ed store.Editor) error {
				id, err := ed.InsertFilterRule(ctx, args[0], value)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to add filter rule", err)
				}
				return reportRow(opts, cmd, "added", ir.ClassFilter, id)
			})
		},
	}
}

func newRulesRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rm <tag|filter> <id>",
		Short:         "Remove a row by id",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			class := ir.IntentClass(args[0])
			if class != ir.ClassTag && class != ir.ClassFilter {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown rule class %q: must be tag or filter", args[0]))
			}
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid row id", err)
			}
			return withEditor(opts, cmd, func(ctx context.Context, ed store.Editor) error {
				ok, err := ed.DeleteRule(ctx, class, id)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to remove rule", err)
				}
				if !ok {
					return NewExitError(ExitFailure, fmt.Sprintf("no %s rule with id %d", class, id))
				}
				return reportRow(opts, cmd, "removed", class, id)
			})
		},
	}
}

// withEditor opens the configured policy store for the duration of fn. It
// is the only path that creates a missing SQLite file.
func withEditor(opts *RootOptions, cmd *cobra.Command, fn func(context.Context, store.Editor) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	ed, err := store.CreateDriver(ctx, cfg.PolicyStore.Driver, cfg.PolicyStore.DSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open policy store", err)
	}
	defer ed.Close()
	return fn(ctx, ed)
}

func runRulesList(ctx context.Context, ed store.Editor, opts *RootOptions, args []string, cmd *cobra.Command) error {
	switches := args
	if len(switches) == 0 {
		var err error
		switches, err = ed.Switches(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list switches", err)
		}
	}

	listings := make([]RuleListing, 0, len(switches))
	for _, sw := range switches {
		tags, err := ed.TagRules(ctx, sw)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read tag rules", err)
		}
		filters, err := ed.FilterRules(ctx, sw)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read filter rules", err)
		}
		listings = append(listings, RuleListing{Switch: sw, Tags: tags, Filters: filters})
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: w}
		return formatter.Success(listings)
	}
	for _, l := range listings {
		fmt.Fprintf(w, "%s\n", l.Switch)
		for _, t := range l.Tags {
			fmt.Fprintf(w, "  tag    %d  %s -> %d\n", t.ID, t.Match, t.TagValue)
		}
		for _, f := range l.Filters {
			fmt.Fprintf(w, "  filter %d  %d\n", f.ID, f.TagValue)
		}
	}
	return nil
}

func reportRow(opts *RootOptions, cmd *cobra.Command, verb string, class ir.IntentClass, id int64) error {
	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Success(map[string]any{"action": verb, "class": class, "id": id})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s rule %d\n", verb, class, id)
	return nil
}

func parseTagValue(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "invalid tag value", err)
	}
	return v, nil
}
