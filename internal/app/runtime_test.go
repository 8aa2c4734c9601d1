package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjpl/describe-it-sub004/internal/channel"
	"github.com/bjpl/describe-it-sub004/internal/clock"
	"github.com/bjpl/describe-it-sub004/internal/config"
	"github.com/bjpl/describe-it-sub004/internal/debug"
	"github.com/bjpl/describe-it-sub004/internal/persist"
	"github.com/bjpl/describe-it-sub004/internal/storage"
	"github.com/bjpl/describe-it-sub004/internal/store"
)

type prefs struct {
	Theme string `json:"theme"`
	Draft string `json:"draft"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const twoStores = `
namespace: describe-it
debug:
  monitored: [prefs]
replay:
  floor: 25ms
stores:
  - name: prefs
    version: 3
    fields: [theme]
    sync_across_tabs: true
  - name: cart
`

func parse(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func open(t *testing.T, cfg *config.Config, opts ...Option) *Runtime {
	t.Helper()
	base := []Option{WithLogger(quietLogger()), WithClock(clock.NewFake(time.UnixMilli(1_700_000_000_000)))}
	rt, err := Open(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func attach[T any](t *testing.T, rt *Runtime, name string, s *store.Store[T]) *persist.Coordinator[T] {
	t.Helper()
	coord, err := Attach[T](rt, name, s, persist.Options[T]{})
	require.NoError(t, err)
	select {
	case <-coord.Hydrated():
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not hydrate", name)
	}
	return coord
}

func TestOpen_PersistsConfiguredFieldsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	cfg := parse(t, twoStores+"storage:\n  driver: sqlite\n  path: "+path+"\n")

	rt := open(t, cfg)
	s := store.New(prefs{Theme: "light"})
	attach(t, rt, "prefs", s)
	s.SetState(prefs{Theme: "dark", Draft: "unsent"}, "edit")
	require.NoError(t, rt.Close())

	db, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	keys, err := db.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"describe-it-prefs"}, keys)
	raw, ok, err := db.Get(context.Background(), "describe-it-prefs")
	require.NoError(t, err)
	require.True(t, ok)
	env, err := persist.ParseEnvelope([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 3, env.Version)
	assert.Equal(t, map[string]any{"theme": "dark"}, env.State, "only configured fields are written")
	require.NoError(t, db.Close())

	again := open(t, cfg)
	restored := store.New(prefs{Theme: "light"})
	attach(t, again, "prefs", restored)
	assert.Equal(t, prefs{Theme: "dark"}, restored.GetState())
}

func TestAttach_MonitorsConfiguredStoresOnly(t *testing.T) {
	rt := open(t, parse(t, twoStores))

	p := store.New(prefs{})
	c := store.New(map[string]any{})
	attach(t, rt, "prefs", p)
	attach(t, rt, "cart", c)

	assert.True(t, rt.Registry().IsMonitored("prefs"))
	assert.False(t, rt.Registry().IsMonitored("cart"))
	assert.Equal(t, []string{"cart", "prefs"}, rt.Registry().Stores())

	p.SetState(prefs{Theme: "dark"}, "theme")
	c.SetState(map[string]any{"items": 1}, "add")

	logs := rt.Registry().Logs(debug.LogFilter{})
	require.Len(t, logs, 1)
	assert.Equal(t, "prefs", logs[0].StoreKey)
	assert.Equal(t, "theme", logs[0].ActionName)
}

func TestAttach_SyncsConfiguredStoresAcrossTabs(t *testing.T) {
	cfg := parse(t, twoStores)
	medium := storage.NewMemoryMedium(0)
	hub := channel.NewLocalHub()

	type tab struct {
		rt    *Runtime
		prefs *store.Store[prefs]
		cart  *store.Store[map[string]any]
	}
	tabs := make([]tab, 2)
	for i := range tabs {
		bus := hub.Join()
		t.Cleanup(bus.Close)
		rt := open(t, cfg, WithBackend(medium.View()), WithBus(bus))
		tabs[i] = tab{rt: rt, prefs: store.New(prefs{}), cart: store.New(map[string]any{})}
		attach(t, rt, "prefs", tabs[i].prefs)
		attach(t, rt, "cart", tabs[i].cart)
	}
	a, b := tabs[0], tabs[1]

	a.prefs.SetState(prefs{Theme: "dark", Draft: "local"}, "edit")
	a.cart.SetState(map[string]any{"items": float64(2)}, "add")
	a.rt.Channels().Flush()
	b.rt.Channels().Flush()

	assert.Equal(t, prefs{Theme: "dark"}, b.prefs.GetState())
	assert.Empty(t, b.cart.GetState(), "cart does not sync")
	assert.Equal(t, []string{"describe-it-prefs"}, b.rt.Channels().Keys())
}

func TestAttach_Errors(t *testing.T) {
	rt := open(t, parse(t, twoStores))

	_, err := Attach[prefs](rt, "missing", store.New(prefs{}), persist.Options[prefs]{})
	assert.ErrorIs(t, err, ErrUnknownStore)

	attach(t, rt, "prefs", store.New(prefs{}))
	_, err = Attach[prefs](rt, "prefs", store.New(prefs{}), persist.Options[prefs]{})
	assert.ErrorIs(t, err, ErrAlreadyAttached)
	assert.Equal(t, []string{"prefs"}, rt.Attached())

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
	_, err = Attach[prefs](rt, "cart", store.New(prefs{}), persist.Options[prefs]{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, rt.Registry().Stores(), "close unregisters every store")
}

func TestOpen_Errors(t *testing.T) {
	cfg := parse(t, "encryption:\n  passphrase_env: STATE_PASSPHRASE\n")
	_, err := Open(cfg, WithLogger(quietLogger()), WithGetenv(func(string) string { return "" }))
	assert.ErrorContains(t, err, "STATE_PASSPHRASE")

	cfg = parse(t, "storage:\n  driver: sqlite\n  path: "+filepath.Join(t.TempDir(), "missing", "state.db")+"\n")
	_, err = Open(cfg, WithLogger(quietLogger()))
	assert.ErrorContains(t, err, "open sqlite storage")
}

func TestOpen_NoneDriverKeepsStateInMemory(t *testing.T) {
	rt := open(t, parse(t, twoStores+"storage:\n  driver: none\n"))
	assert.False(t, rt.Adapter().Available())

	s := store.New(prefs{})
	attach(t, rt, "prefs", s)
	s.SetState(prefs{Theme: "dark"}, "edit")
	assert.Equal(t, "dark", s.GetState().Theme)
}

func TestReplay_UsesConfiguredFloor(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	rt := open(t, parse(t, twoStores), WithClock(fake))
	s := store.New(prefs{})
	attach(t, rt, "prefs", s)

	log := []debug.ActionLogEntry{
		{ID: "1", Timestamp: 100, StoreKey: "prefs", ActionName: "a", NextState: map[string]any{"theme": "a"}},
		{ID: "2", Timestamp: 100, StoreKey: "prefs", ActionName: "b", NextState: map[string]any{"theme": "b"}},
	}
	e, err := rt.Replay(log)
	require.NoError(t, err)
	assert.Equal(t, "a", s.GetState().Theme)

	fake.Advance(24 * time.Millisecond)
	assert.Equal(t, "a", s.GetState().Theme)
	fake.Advance(time.Millisecond)
	assert.Equal(t, "b", s.GetState().Theme)
	<-e.Done()
}
