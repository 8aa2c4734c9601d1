package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKey(t *testing.T) {
	tests := []struct {
		namespace, name, want string
	}{
		{"describe-it", "prefs", "describe-it-prefs"},
		{" app ", " search ", "app-search"},
		{"", "solo", "solo"},
		{"app", "café", "app-café"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Key(tt.namespace, tt.name))
	}
}

func TestAdapter_NilBackendIsNoop(t *testing.T) {
	a := NewAdapter(nil, WithLogger(quietLogger()))

	assert.False(t, a.Available())
	assert.True(t, a.Set("k", "v"))
	_, ok := a.Get("k")
	assert.False(t, ok)
	assert.NotPanics(t, func() { a.Remove("k") })
	assert.Nil(t, a.Watcher())
}

func TestAdapter_MemoryRoundTrip(t *testing.T) {
	a := NewAdapter(NewMemoryMedium(0).View(), WithLogger(quietLogger()))

	assert.True(t, a.Available())
	require.True(t, a.Set("k", "v"))
	value, ok := a.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", value)

	a.Remove("k")
	_, ok = a.Get("k")
	assert.False(t, ok)
}

func TestAdapter_QuotaExceededIsSkippedWrite(t *testing.T) {
	medium := NewMemoryMedium(10)
	a := NewAdapter(medium.View(), WithLogger(quietLogger()))

	assert.True(t, a.Set("k", "small"))
	assert.False(t, a.Set("k2", "this value is far too large"))

	_, ok := a.Get("k2")
	assert.False(t, ok)
	value, ok := a.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "small", value)
}

func TestAdapter_DisabledMediumNeverFails(t *testing.T) {
	medium := NewMemoryMedium(0)
	a := NewAdapter(medium.View(), WithLogger(quietLogger()))
	require.True(t, a.Set("k", "v"))

	medium.SetDisabled(true)
	assert.False(t, a.Set("k", "v2"))
	_, ok := a.Get("k")
	assert.False(t, ok)
	assert.NotPanics(t, func() { a.Remove("k") })

	medium.SetDisabled(false)
	value, ok := a.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestMemoryView_WatchNotifiesOtherViewsOnly(t *testing.T) {
	medium := NewMemoryMedium(0)
	tabA, tabB := medium.View(), medium.View()

	var seenA, seenB []Change
	tabA.Watch(func(c Change) { seenA = append(seenA, c) })
	cancel := tabB.Watch(func(c Change) { seenB = append(seenB, c) })

	ctx := context.Background()
	require.NoError(t, tabA.Set(ctx, "prefs", "1"))
	require.NoError(t, tabA.Remove(ctx, "prefs"))
	require.NoError(t, tabA.Remove(ctx, "missing"))

	assert.Empty(t, seenA, "writer does not observe its own writes")
	assert.Equal(t, []Change{
		{Key: "prefs", Value: "1"},
		{Key: "prefs", Removed: true},
	}, seenB)

	cancel()
	require.NoError(t, tabA.Set(ctx, "prefs", "2"))
	assert.Len(t, seenB, 2)
}

func TestAdapter_CipherRoundTrip(t *testing.T) {
	medium := NewMemoryMedium(0)
	cipher, err := NewPassphraseCipher("correct horse", 10)
	require.NoError(t, err)

	a := NewAdapter(medium.View(), WithLogger(quietLogger())).WithCipher(cipher)
	require.True(t, a.Set("secret", `{"state":{}}`))

	raw, ok, err := medium.View().Get(context.Background(), "secret")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "state", "payload is stored encrypted")

	value, ok := a.Get("secret")
	require.True(t, ok)
	assert.Equal(t, `{"state":{}}`, value)
}

func TestAdapter_DecryptFailureIsMiss(t *testing.T) {
	medium := NewMemoryMedium(0)
	right, err := NewPassphraseCipher("right", 10)
	require.NoError(t, err)
	wrong, err := NewPassphraseCipher("wrong", 10)
	require.NoError(t, err)

	writer := NewAdapter(medium.View(), WithLogger(quietLogger())).WithCipher(right)
	reader := NewAdapter(medium.View(), WithLogger(quietLogger())).WithCipher(wrong)
	require.True(t, writer.Set("k", "v"))

	_, ok := reader.Get("k")
	assert.False(t, ok)

	plainReader := NewAdapter(medium.View(), WithLogger(quietLogger())).WithCipher(right)
	require.NoError(t, medium.View().Set(context.Background(), "k", "not base64 ciphertext"))
	_, ok = plainReader.Get("k")
	assert.False(t, ok)
}

func TestKeyCipher(t *testing.T) {
	private, public, err := GenerateKey()
	require.NoError(t, err)
	assert.Contains(t, private, "AGE-SECRET-KEY-1")
	assert.Contains(t, public, "age1")

	c, err := NewKeyCipher(private)
	require.NoError(t, err)
	ciphertext, err := c.Encrypt("hello")
	require.NoError(t, err)
	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hello", plaintext)

	_, err = NewKeyCipher("not a key")
	assert.Error(t, err)
}

func TestNewPassphraseCipher_RequiresPassphrase(t *testing.T) {
	_, err := NewPassphraseCipher("", 0)
	assert.Error(t, err)
}

func createTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	for i := 0; i < 3; i++ {
		s, err := OpenSQLite(path)
		require.NoError(t, err, "open iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.userVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	_, err := OpenSQLite("/nonexistent/dir/state.db")
	assert.Error(t, err)
}

func TestSQLiteBackend_CRUD(t *testing.T) {
	s := createTestSQLite(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v1"))
	require.NoError(t, s.Set(ctx, "k", "v2"))
	value, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", value)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	require.NoError(t, s.Remove(ctx, "k"))
	require.NoError(t, s.Remove(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdapter_ClosedSQLiteDegrades(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	a := NewAdapter(s, WithLogger(quietLogger()))
	require.True(t, a.Set("k", "v"))

	require.NoError(t, s.Close())

	assert.False(t, a.Set("k", "v2"))
	_, ok := a.Get("k")
	assert.False(t, ok)
	assert.Nil(t, a.Watcher(), "sqlite raises no change notifications")
}
