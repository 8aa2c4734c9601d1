package storage

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrQuotaExceeded is returned by a medium that has no room for a write.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrUnavailable is returned by a medium that is disabled or closed.
	ErrUnavailable = errors.New("storage: medium unavailable")
)

// Backend is a persistent key-value medium. Implementations report I/O
// failures as errors; the Adapter decides how to degrade.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Change is a storage-change notification raised by another writer of the
// same medium. Value is the raw stored payload; Removed is set when the key
// was deleted.
type Change struct {
	Key     string
	Value   string
	Removed bool
}

// Watcher is implemented by media that notify about writes made through
// other handles on the same medium.
type Watcher interface {
	Watch(fn func(Change)) (cancel func())
}

// Noop is the medium used when no persistent storage exists. Reads miss and
// writes succeed without effect.
type Noop struct{}

func (Noop) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (Noop) Set(context.Context, string, string) error         { return nil }
func (Noop) Remove(context.Context, string) error              { return nil }

// Key builds the storage key for a store: <namespace>-<name>, NFC
// normalized so visually identical names address the same entry.
func Key(namespace, name string) string {
	namespace = strings.TrimSpace(namespace)
	name = strings.TrimSpace(name)
	if namespace == "" {
		return norm.NFC.String(name)
	}
	return norm.NFC.String(namespace + "-" + name)
}
