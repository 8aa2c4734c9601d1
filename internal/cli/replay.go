package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bjpl/describe-it-sub004/internal/clock"
	"github.com/bjpl/describe-it-sub004/internal/debug"
	"github.com/bjpl/describe-it-sub004/internal/plain"
	"github.com/bjpl/describe-it-sub004/internal/replay"
	"github.com/bjpl/describe-it-sub004/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	File     string
	Speed    float64
	Realtime bool
}

// ReplayStoreResult holds the replay result for a single store.
type ReplayStoreResult struct {
	Store         string                 `json:"store"`
	Steps         int                    `json:"steps"`
	Deterministic bool                   `json:"deterministic"`
	Differences   []debug.StateDiffEntry `json:"differences,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Entries          int                 `json:"entries"`
	Speed            float64             `json:"speed"`
	Stores           []ReplayStoreResult `json:"stores"`
	AllDeterministic bool                `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a debug export and verify determinism",
		Long: `Replay the action log of a debug export into fresh stores and verify
that replaying reproduces the recorded states.

Each store starts from the previous state of its first entry. The log is
replayed twice; both runs must end in the state recorded by the store's
last entry. Without --realtime, time is simulated and the command returns
as soon as the replay is done.

Exit codes:
  0 - All stores are deterministic
  1 - Determinism verification failed (differences detected)
  2 - Command error (unreadable export, export without state, etc.)

Examples:
  statectl replay --file debug.json
  statectl replay --file debug.json --speed 4 --realtime
  statectl replay --file debug.json --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "debug export file (required)")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().Float64Var(&opts.Speed, "speed", 0, "playback speed (default: replay.default_speed from config)")
	cmd.Flags().BoolVar(&opts.Realtime, "realtime", false, "wait out the recorded delays on the wall clock")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	speed := opts.Speed
	if speed == 0 {
		speed = cfg.Replay.DefaultSpeed
	}
	if speed < 0 {
		return NewExitError(ExitCommandError, "--speed must be positive")
	}

	data, err := os.ReadFile(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read debug export", err)
	}
	doc, err := debug.ParseExport(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid debug export", err)
	}
	out := opts.formatter(cmd)

	if len(doc.Logs) == 0 {
		result := ReplayResult{Speed: speed, Stores: []ReplayStoreResult{}, AllDeterministic: true}
		return out.Render(result, func(w io.Writer) {
			fmt.Fprintln(w, "No actions found in export.")
		})
	}
	for _, e := range doc.Logs {
		if e.NextState == nil {
			return NewExitError(ExitCommandError, "export carries no state; export it with state included")
		}
	}

	runner := replayRunner{
		log:      doc.Logs,
		speed:    speed,
		floor:    cfg.Replay.Floor,
		realtime: opts.Realtime,
		logger:   opts.logger(cmd),
		onStep: func(i int, e debug.ActionLogEntry, applied bool) {
			out.VerboseLog("step %d: %s %s (applied=%t)", i, e.StoreKey, e.ActionName, applied)
		},
	}
	first, err := runner.run()
	if err != nil {
		return WrapExitError(ExitCommandError, "first replay failed", err)
	}
	second, err := runner.run()
	if err != nil {
		return WrapExitError(ExitCommandError, "second replay failed", err)
	}

	result := verifyReplay(doc.Logs, doc.Snapshots, first, second)
	result.Speed = speed

	if err := out.Render(result, func(w io.Writer) { writeReplayText(w, result, opts.Verbose) }); err != nil {
		return err
	}
	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "replay is not deterministic")
	}
	return nil
}

// replayRunner replays one log into fresh stores.
type replayRunner struct {
	log      []debug.ActionLogEntry
	speed    float64
	floor    time.Duration
	realtime bool
	logger   *slog.Logger
	onStep   func(int, debug.ActionLogEntry, bool)
}

// replayRun is the outcome of one replay: final plain states and the
// number of applied steps, per store.
type replayRun struct {
	final map[string]any
	steps map[string]int
}

func (r replayRunner) run() (replayRun, error) {
	var clk clock.Clock = clock.Real()
	var fake *clock.Fake
	if !r.realtime {
		start := time.UnixMilli(r.log[0].Timestamp)
		fake = clock.NewFake(start)
		clk = fake
	}

	reg := debug.NewRegistry(
		debug.WithClock(clk),
		debug.WithIDGenerator(clock.NewSequenceGenerator("replay")),
		debug.WithLogger(r.logger),
		debug.WithMaxLogSize(len(r.log)),
	)
	stores := make(map[string]*store.Store[any])
	for _, e := range r.log {
		if _, ok := stores[e.StoreKey]; ok {
			continue
		}
		st := store.New[any](plain.Clone(e.PreviousState), store.WithClock(clk))
		stores[e.StoreKey] = st
		debug.Register[any](reg, e.StoreKey, st, debug.RegisterOptions{Monitor: true})
	}

	engine := replay.New(reg,
		replay.WithClock(clk),
		replay.WithFloor(r.floor),
		replay.WithLogger(r.logger),
		replay.WithOnStep(r.onStep),
	)
	if err := engine.Start(r.log, r.speed); err != nil {
		return replayRun{}, err
	}
	if fake != nil {
		for engine.State() == replay.Replaying {
			fake.Advance(time.Hour)
		}
	} else {
		<-engine.Done()
	}

	run := replayRun{final: make(map[string]any, len(stores)), steps: make(map[string]int, len(stores))}
	for key, st := range stores {
		run.final[key] = plain.From(st.GetState())
		run.steps[key] = len(reg.Logs(debug.LogFilter{StoreKey: key}))
	}
	return run, nil
}

// verifyReplay checks both runs against the recorded final state of each
// store and against each other. The recorded final state is the store's last
// snapshot, or the next state of its last entry when it has no snapshots.
func verifyReplay(log []debug.ActionLogEntry, snapshots map[string][]debug.Snapshot, first, second replayRun) ReplayResult {
	last := make(map[string]any)
	var order []string
	for _, e := range log {
		if _, ok := last[e.StoreKey]; !ok {
			order = append(order, e.StoreKey)
		}
		last[e.StoreKey] = e.NextState
	}
	for key, snaps := range snapshots {
		if _, ok := last[key]; ok && len(snaps) > 0 {
			last[key] = snaps[len(snaps)-1].State
		}
	}

	result := ReplayResult{
		Entries:          len(log),
		Stores:           make([]ReplayStoreResult, 0, len(order)),
		AllDeterministic: true,
	}
	for _, key := range order {
		sr := ReplayStoreResult{Store: key, Steps: first.steps[key], Deterministic: true}
		switch {
		case !plain.Equal(last[key], first.final[key]):
			sr.Deterministic = false
			sr.Differences = debug.Diff(last[key], first.final[key])
		case !plain.Equal(first.final[key], second.final[key]):
			sr.Deterministic = false
			sr.Differences = debug.Diff(first.final[key], second.final[key])
		case first.steps[key] != second.steps[key]:
			sr.Deterministic = false
		}
		if !sr.Deterministic {
			result.AllDeterministic = false
		}
		result.Stores = append(result.Stores, sr)
	}
	return result
}

func writeReplayText(w io.Writer, result ReplayResult, verbose bool) {
	fmt.Fprintf(w, "Replayed %d action(s) at speed %g\n\n", result.Entries, result.Speed)
	for _, sr := range result.Stores {
		status := "OK"
		if !sr.Deterministic {
			status = "FAIL"
		}
		fmt.Fprintf(w, "  %-4s %s (%d steps)\n", status, sr.Store, sr.Steps)
		if verbose || !sr.Deterministic {
			for _, d := range sr.Differences {
				fmt.Fprintf(w, "       %s %v: %s -> %s\n", d.Kind, d.Path, compactJSON(d.OldValue), compactJSON(d.NewValue))
			}
		}
	}
	fmt.Fprintln(w)
	if result.AllDeterministic {
		fmt.Fprintln(w, "All stores deterministic.")
	} else {
		fmt.Fprintln(w, "Determinism verification FAILED.")
	}
}
