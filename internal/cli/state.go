package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bjpl/describe-it-sub004/internal/config"
	"github.com/bjpl/describe-it-sub004/internal/persist"
	"github.com/bjpl/describe-it-sub004/internal/storage"
)

// StateOptions holds flags shared by the state commands.
type StateOptions struct {
	*RootOptions
	Database      string
	Key           string
	Store         string
	PassphraseEnv string
}

func (o *StateOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Database, "db", "", "path to SQLite database (default: storage.path from config)")
	cmd.Flags().StringVar(&o.Key, "key", "", "storage key")
	cmd.Flags().StringVar(&o.Store, "store", "", "store name, combined with the config namespace into a key")
	cmd.Flags().StringVar(&o.PassphraseEnv, "passphrase-env", "", "environment variable holding the encryption passphrase")
}

// InspectResult is the decoded form of one persisted envelope.
type InspectResult struct {
	Key       string         `json:"key"`
	Version   int            `json:"version"`
	Timestamp int64          `json:"timestamp"`
	State     map[string]any `json:"state"`
}

// KeysResult lists the keys held by a database.
type KeysResult struct {
	Keys []string `json:"keys"`
}

// stateSession is an open medium plus the resolved configuration.
type stateSession struct {
	cfg     *config.Config
	db      *storage.SQLiteBackend
	adapter *storage.Adapter
}

func (s *stateSession) Close() error {
	return s.db.Close()
}

// open resolves the database path and cipher and opens the medium.
// mustExist rejects a database file that is not there yet.
func (o *StateOptions) open(cmd *cobra.Command, mustExist bool) (*stateSession, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	path := o.Database
	if path == "" && cfg.Storage.Driver == "sqlite" {
		path = cfg.Storage.Path
	}
	if path == "" {
		return nil, NewExitError(ExitCommandError, "no database: pass --db or configure storage.driver: sqlite")
	}
	if mustExist {
		if _, err := os.Stat(path); err != nil {
			return nil, WrapExitError(ExitCommandError, "database not found", err)
		}
	}

	cipher, err := o.cipher(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up encryption", err)
	}

	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	adapter := storage.NewAdapter(db, storage.WithLogger(o.logger(cmd))).WithCipher(cipher)
	return &stateSession{cfg: cfg, db: db, adapter: adapter}, nil
}

func (o *StateOptions) cipher(cfg *config.Config) (storage.Cipher, error) {
	if o.PassphraseEnv == "" {
		return cfg.Cipher(o.getenv)
	}
	passphrase := o.getenv(o.PassphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("environment variable %s is empty", o.PassphraseEnv)
	}
	return storage.NewPassphraseCipher(passphrase, 0)
}

// key resolves --key or --store. ok is false when neither is set.
func (o *StateOptions) key(cfg *config.Config) (key string, ok bool) {
	switch {
	case o.Key != "":
		return o.Key, true
	case o.Store != "":
		return cfg.Key(o.Store), true
	default:
		return "", false
	}
}

// read returns the decoded envelope stored under key.
func (s *stateSession) read(key string) (persist.Envelope, []byte, error) {
	raw, ok := s.adapter.Get(key)
	if !ok {
		return persist.Envelope{}, nil, NewExitError(ExitCommandError, fmt.Sprintf("key %q not found or unreadable", key))
	}
	env, err := persist.ParseEnvelope([]byte(raw))
	if err != nil {
		return persist.Envelope{}, nil, WrapExitError(ExitFailure, fmt.Sprintf("key %q holds an invalid envelope", key), err)
	}
	return env, []byte(raw), nil
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Decode a persisted envelope",
		Long: `Decode and print the envelope persisted under a key. Without --key or
--store, list every key in the database.

Exit codes:
  0 - Envelope decoded
  1 - Stored payload is not a valid envelope
  2 - Command error (database or key not found, etc.)

Examples:
  statectl inspect --db ./state.db
  statectl inspect --db ./state.db --key app-search
  statectl inspect --config statectl.yaml --store search --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func runInspect(opts *StateOptions, cmd *cobra.Command) error {
	session, err := opts.open(cmd, true)
	if err != nil {
		return err
	}
	defer session.Close()
	out := opts.formatter(cmd)

	key, ok := opts.key(session.cfg)
	if !ok {
		keys, err := session.db.Keys(context.Background())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list keys", err)
		}
		slices.Sort(keys)
		return out.Render(KeysResult{Keys: keys}, func(w io.Writer) {
			if len(keys) == 0 {
				fmt.Fprintln(w, "No keys found in database.")
				return
			}
			for _, k := range keys {
				fmt.Fprintln(w, k)
			}
		})
	}

	env, _, err := session.read(key)
	if err != nil {
		return err
	}
	result := InspectResult{Key: key, Version: env.Version, Timestamp: env.Timestamp, State: env.State}
	return out.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Key: %s\n", result.Key)
		fmt.Fprintf(w, "Version: %d\n", result.Version)
		fmt.Fprintf(w, "Written: %s\n", time.UnixMilli(result.Timestamp).UTC().Format(time.RFC3339Nano))
		state, _ := json.MarshalIndent(result.State, "", "  ")
		fmt.Fprintf(w, "State:\n%s\n", state)
	})
}

// ExportStateOptions holds flags for the export-state command.
type ExportStateOptions struct {
	StateOptions
	Output string
}

// NewExportStateCommand creates the export-state command.
func NewExportStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportStateOptions{StateOptions: StateOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "export-state",
		Short: "Write a persisted envelope to a file",
		Long: `Decrypt the envelope persisted under a key and write it as JSON, to
--out or to stdout. The file can be loaded again with import-state.

Examples:
  statectl export-state --db ./state.db --key app-search --out search.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExportState(opts, cmd)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVarP(&opts.Output, "out", "o", "", "output file (default: stdout)")
	return cmd
}

func runExportState(opts *ExportStateOptions, cmd *cobra.Command) error {
	session, err := opts.open(cmd, true)
	if err != nil {
		return err
	}
	defer session.Close()

	key, ok := opts.key(session.cfg)
	if !ok {
		return NewExitError(ExitCommandError, "--key or --store is required")
	}
	_, raw, err := session.read(key)
	if err != nil {
		return err
	}

	if opts.Output == "" {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	}
	if err := os.WriteFile(opts.Output, raw, 0o600); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output file", err)
	}
	return opts.formatter(cmd).Success(fmt.Sprintf("Exported %s to %s", key, opts.Output))
}

// ImportStateOptions holds flags for the import-state command.
type ImportStateOptions struct {
	StateOptions
	File  string
	Force bool
}

// NewImportStateCommand creates the import-state command.
func NewImportStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportStateOptions{StateOptions: StateOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "import-state",
		Short: "Load an envelope file into the database",
		Long: `Validate an envelope file and persist it under a key, encrypting it when
a passphrase is configured. When the store is configured with a version, an
envelope of another version is rejected unless --force is given; the
application migrates it on its next start.

Exit codes:
  0 - Envelope imported
  1 - File is not a valid envelope, or its version differs
  2 - Command error

Examples:
  statectl import-state --db ./state.db --key app-search --file search.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImportState(opts, cmd)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "envelope file (required)")
	_ = cmd.MarkFlagRequired("file")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "import even if the version differs from the configured one")
	return cmd
}

func runImportState(opts *ImportStateOptions, cmd *cobra.Command) error {
	data, err := os.ReadFile(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read envelope file", err)
	}
	env, err := persist.ParseEnvelope(data)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid envelope file", err)
	}

	session, err := opts.open(cmd, false)
	if err != nil {
		return err
	}
	defer session.Close()

	key, ok := opts.key(session.cfg)
	if !ok {
		return NewExitError(ExitCommandError, "--key or --store is required")
	}
	if store, ok := session.cfg.Store(opts.Store); ok && opts.Store != "" && !opts.Force && store.Version != env.Version {
		return NewExitError(ExitFailure,
			fmt.Sprintf("envelope version %d differs from configured version %d of store %s (use --force)", env.Version, store.Version, store.Name))
	}

	if !session.adapter.Set(key, strings.TrimSpace(string(data))) {
		return NewExitError(ExitCommandError, fmt.Sprintf("failed to write key %q", key))
	}
	opts.formatter(cmd).VerboseLog("wrote %d bytes under %s", len(data), key)
	return opts.formatter(cmd).Success(fmt.Sprintf("Imported %s (version %d)", key, env.Version))
}
