// Package config loads statectl configuration.
//
// A configuration file is YAML. It is checked twice: strictly decoded into
// Config (unknown keys are errors) and validated against an embedded CUE
// schema that bounds values. Defaults are applied last.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/bjpl/describe-it-sub004/internal/storage"
)

//go:embed schema.cue
var schemaSource string

// Defaults.
const (
	DefaultNamespace    = "app"
	DefaultDriver       = "memory"
	DefaultMaxLogSize   = 1000
	DefaultMaxSnapshots = 50
	DefaultReplayFloor  = 10 * time.Millisecond
	DefaultReplaySpeed  = 1.0
)

// Config is the statectl configuration.
type Config struct {
	Namespace  string     `yaml:"namespace"`
	Storage    Storage    `yaml:"storage"`
	Encryption Encryption `yaml:"encryption"`
	Debug      Debug      `yaml:"debug"`
	Replay     Replay     `yaml:"replay"`
	Stores     []Store    `yaml:"stores"`
}

// Storage selects the persistent medium.
type Storage struct {
	// Driver is memory, sqlite or none.
	Driver string `yaml:"driver"`
	// Path is the SQLite database file. Required for sqlite.
	Path string `yaml:"path"`
}

// Encryption configures payload encryption.
type Encryption struct {
	// PassphraseEnv names the environment variable holding the passphrase.
	// Empty disables encryption.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Debug configures the debug registry.
type Debug struct {
	MaxLogSize   int      `yaml:"max_log_size"`
	MaxSnapshots int      `yaml:"max_snapshots"`
	Monitored    []string `yaml:"monitored"`
}

// Replay configures the replay engine.
type Replay struct {
	Floor        time.Duration `yaml:"floor"`
	DefaultSpeed float64       `yaml:"default_speed"`
}

// Store describes one persisted store.
type Store struct {
	Name           string   `yaml:"name"`
	Version        int      `yaml:"version"`
	Fields         []string `yaml:"fields"`
	SyncAcrossTabs bool     `yaml:"sync_across_tabs"`
}

// ValidationError reports a schema violation.
type ValidationError struct {
	// Path is the dotted location of the offending value.
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Path, e.Message)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
		return nil, &ValidationError{Path: "storage.path", Message: "required for the sqlite driver"}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// validate checks the raw document against the embedded schema.
func validate(raw map[string]any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: compiling schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return toValidationError(err)
	}
	return nil
}

// toValidationError keeps the first CUE error with its path.
func toValidationError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	first := errs[0]
	format, args := first.Msg()
	return &ValidationError{
		Path:    strings.Join(first.Path(), "."),
		Message: fmt.Sprintf(format, args...),
	}
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultDriver
	}
	if c.Debug.MaxLogSize == 0 {
		c.Debug.MaxLogSize = DefaultMaxLogSize
	}
	if c.Debug.MaxSnapshots == 0 {
		c.Debug.MaxSnapshots = DefaultMaxSnapshots
	}
	if c.Replay.Floor == 0 {
		c.Replay.Floor = DefaultReplayFloor
	}
	if c.Replay.DefaultSpeed == 0 {
		c.Replay.DefaultSpeed = DefaultReplaySpeed
	}
}

// Store returns the configuration of the named store.
func (c *Config) Store(name string) (Store, bool) {
	for _, s := range c.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return Store{}, false
}

// Key returns the storage key of the named store.
func (c *Config) Key(name string) string {
	return storage.Key(c.Namespace, name)
}

// Cipher builds the payload cipher, or returns nil when encryption is off.
// getenv is usually os.Getenv.
func (c *Config) Cipher(getenv func(string) string) (storage.Cipher, error) {
	if c.Encryption.PassphraseEnv == "" {
		return nil, nil
	}
	passphrase := getenv(c.Encryption.PassphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("config: environment variable %s is empty", c.Encryption.PassphraseEnv)
	}
	return storage.NewPassphraseCipher(passphrase, 0)
}

// OpenBackend opens the configured medium. The returned close function is
// never nil.
func (c *Config) OpenBackend() (storage.Backend, func() error, error) {
	switch c.Storage.Driver {
	case "sqlite":
		db, err := storage.OpenSQLite(c.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case "none":
		return storage.Noop{}, func() error { return nil }, nil
	default:
		return storage.NewMemoryMedium(0).View(), func() error { return nil }, nil
	}
}
