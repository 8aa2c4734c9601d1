package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bjpl/describe-it-sub004/internal/debug"
)

// loadRecording reads a debug export file into a fresh registry sized by
// the configuration.
func (o *RootOptions) loadRecording(cmd *cobra.Command, path string) (*debug.Registry, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read debug export", err)
	}
	reg := debug.NewRegistry(
		debug.WithMaxLogSize(cfg.Debug.MaxLogSize),
		debug.WithMaxSnapshots(cfg.Debug.MaxSnapshots),
		debug.WithLogger(o.logger(cmd)),
	)
	if err := reg.ImportDebugData(data); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid debug export", err)
	}
	return reg, nil
}

// DiffOptions holds flags for the diff command.
type DiffOptions struct {
	*RootOptions
	File  string
	Store string
	From  int64
	To    int64
}

// DiffResult holds the structural difference between two snapshots.
type DiffResult struct {
	Store   string                 `json:"store"`
	From    int64                  `json:"from"`
	To      int64                  `json:"to"`
	Changes []debug.StateDiffEntry `json:"changes"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare two snapshots of a store in a debug export",
		Long: `Compare the first snapshot taken at or after --from with the last one
taken at or before --to. Timestamps are epoch milliseconds; by default the
first and last snapshots of the store are compared.

Exit codes:
  0 - Diff computed (an empty diff is not an error)
  2 - Command error (unreadable export, no snapshot in range, etc.)

Examples:
  statectl diff --file debug.json --store app-counter
  statectl diff --file debug.json --store app-counter --from 1700000000000 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "debug export file (required)")
	cmd.Flags().StringVar(&opts.Store, "store", "", "store key (required)")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "lower timestamp bound in epoch ms")
	cmd.Flags().Int64Var(&opts.To, "to", math.MaxInt64, "upper timestamp bound in epoch ms")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("store")

	return cmd
}

func runDiff(opts *DiffOptions, cmd *cobra.Command) error {
	reg, err := opts.loadRecording(cmd, opts.File)
	if err != nil {
		return err
	}

	changes, err := reg.GetStateDiff(opts.Store, opts.From, opts.To)
	if errors.Is(err, debug.ErrNoSnapshot) {
		return NewExitError(ExitCommandError, fmt.Sprintf("no snapshots of %s in range", opts.Store))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "diff failed", err)
	}

	result := DiffResult{Store: opts.Store, From: opts.From, To: opts.To, Changes: changes}
	if result.Changes == nil {
		result.Changes = []debug.StateDiffEntry{}
	}
	return opts.formatter(cmd).Render(result, func(w io.Writer) {
		writeDiffText(w, result.Changes)
	})
}

func writeDiffText(w io.Writer, changes []debug.StateDiffEntry) {
	if len(changes) == 0 {
		fmt.Fprintln(w, "No differences.")
		return
	}
	for _, c := range changes {
		path := strings.Join(c.Path, ".")
		if path == "" {
			path = "(root)"
		}
		switch c.Kind {
		case debug.DiffAdded:
			fmt.Fprintf(w, "+ %s: %s\n", path, compactJSON(c.NewValue))
		case debug.DiffRemoved:
			fmt.Fprintf(w, "- %s: %s\n", path, compactJSON(c.OldValue))
		default:
			fmt.Fprintf(w, "~ %s: %s -> %s\n", path, compactJSON(c.OldValue), compactJSON(c.NewValue))
		}
	}
	fmt.Fprintf(w, "\n%d change(s)\n", len(changes))
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// SlowOptions holds flags for the slow command.
type SlowOptions struct {
	*RootOptions
	File      string
	Store     string
	Threshold time.Duration
}

// SlowResult lists the recorded actions slower than a threshold.
type SlowResult struct {
	ThresholdMs float64                `json:"thresholdMs"`
	Actions     []debug.ActionLogEntry `json:"actions"`
}

// NewSlowCommand creates the slow command.
func NewSlowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SlowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "slow",
		Short: "List slow actions in a debug export",
		Long: `List the recorded actions whose duration exceeds --threshold, oldest
first, optionally restricted to one store.

Examples:
  statectl slow --file debug.json
  statectl slow --file debug.json --threshold 50ms --store app-search`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlow(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "debug export file (required)")
	cmd.Flags().StringVar(&opts.Store, "store", "", "restrict to one store key")
	cmd.Flags().DurationVar(&opts.Threshold, "threshold", 16*time.Millisecond, "duration threshold")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runSlow(opts *SlowOptions, cmd *cobra.Command) error {
	if opts.Threshold < 0 {
		return NewExitError(ExitCommandError, "--threshold must not be negative")
	}
	reg, err := opts.loadRecording(cmd, opts.File)
	if err != nil {
		return err
	}

	slow := reg.FindSlowActions(opts.Threshold, opts.Store)
	result := SlowResult{
		ThresholdMs: float64(opts.Threshold) / float64(time.Millisecond),
		Actions:     make([]debug.ActionLogEntry, 0, len(slow)),
	}
	for _, e := range slow {
		e.PreviousState, e.NextState = nil, nil
		result.Actions = append(result.Actions, e)
	}

	return opts.formatter(cmd).Render(result, func(w io.Writer) {
		if len(result.Actions) == 0 {
			fmt.Fprintf(w, "No actions slower than %s.\n", opts.Threshold)
			return
		}
		for _, e := range result.Actions {
			at := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339Nano)
			fmt.Fprintf(w, "%s  %-20s %-20s %8.2fms\n", at, e.StoreKey, e.ActionName, e.DurationMs)
		}
		fmt.Fprintf(w, "\n%d slow action(s)\n", len(result.Actions))
	})
}
