package storage

import (
	"context"
	"log/slog"
	"time"
)

// DefaultTimeout bounds a single medium operation.
const DefaultTimeout = 5 * time.Second

// Adapter is the uniform, never-failing get/set/remove surface over a
// Backend. Every failure is logged and becomes a miss or a skipped write.
//
// The zero value is not usable; construct with NewAdapter.
type Adapter struct {
	backend Backend
	cipher  Cipher
	logger  *slog.Logger
	timeout time.Duration
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the logger used for degraded operations.
// Default: slog.Default().
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithTimeout bounds each medium operation. Default: DefaultTimeout.
func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.timeout = d
	}
}

// NewAdapter wraps backend. A nil backend yields an adapter over Noop, so
// callers without a medium still get a working adapter.
func NewAdapter(backend Backend, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		backend: backend,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
	if a.backend == nil {
		a.backend = Noop{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithCipher returns a copy of a that encrypts payloads before writing and
// decrypts them after reading. A nil cipher returns a unchanged.
func (a *Adapter) WithCipher(c Cipher) *Adapter {
	if c == nil {
		return a
	}
	clone := *a
	clone.cipher = c
	return &clone
}

// Available reports whether a real medium is attached.
func (a *Adapter) Available() bool {
	_, noop := a.backend.(Noop)
	return !noop
}

// Watcher returns the backend's change notifier, or nil if the medium does
// not raise storage-change notifications.
func (a *Adapter) Watcher() Watcher {
	w, _ := a.backend.(Watcher)
	return w
}

// Get reads key. Missing keys, read failures and payloads that fail to
// decrypt all report ok=false.
func (a *Adapter) Get(key string) (string, bool) {
	ctx, cancel := a.context()
	defer cancel()

	raw, ok, err := a.backend.Get(ctx, key)
	if err != nil {
		a.logger.Warn("storage read failed", "key", key, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return a.Decode(key, raw)
}

// Set writes value under key. Returns false if the write was skipped.
func (a *Adapter) Set(key, value string) bool {
	payload := value
	if a.cipher != nil {
		encrypted, err := a.cipher.Encrypt(value)
		if err != nil {
			a.logger.Warn("storage encrypt failed", "key", key, "error", err)
			return false
		}
		payload = encrypted
	}

	ctx, cancel := a.context()
	defer cancel()

	if err := a.backend.Set(ctx, key, payload); err != nil {
		a.logger.Warn("storage write failed", "key", key, "error", err)
		return false
	}
	return true
}

// Remove deletes key. Failures are logged and ignored.
func (a *Adapter) Remove(key string) {
	ctx, cancel := a.context()
	defer cancel()

	if err := a.backend.Remove(ctx, key); err != nil {
		a.logger.Warn("storage remove failed", "key", key, "error", err)
	}
}

// Decode turns a raw stored payload (from Get or a Change notification) back
// into plaintext. Without a cipher it returns raw unchanged.
func (a *Adapter) Decode(key, raw string) (string, bool) {
	if a.cipher == nil {
		return raw, true
	}
	plaintext, err := a.cipher.Decrypt(raw)
	if err != nil {
		a.logger.Warn("storage decrypt failed, treating as miss", "key", key, "error", err)
		return "", false
	}
	return plaintext, true
}

func (a *Adapter) context() (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), a.timeout)
}
