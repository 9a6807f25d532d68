package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/config"
	"github.com/JakeFAU/statcache/internal/refresh"
	"github.com/JakeFAU/statcache/internal/statcache"
)

type fakeApp struct {
	entries  map[string]statcache.Entry
	keys     []string
	warmErr  map[string]error
	startups int
	closed   int
	ran      int
	exportTo string
	gotKey   string
	gotWarm  []string
	gotPar   int
}

func (f *fakeApp) Run(context.Context) error   { f.ran++; return nil }
func (f *fakeApp) Close(context.Context) error { f.closed++; return nil }
func (f *fakeApp) Startup(context.Context)     { f.startups++ }
func (f *fakeApp) Keys() []string              { return f.keys }
func (f *fakeApp) Logger() *zap.Logger         { return zap.NewNop() }

func (f *fakeApp) Get(_ context.Context, key string) (statcache.Entry, error) {
	f.gotKey = key
	entry, ok := f.entries[key]
	if !ok {
		return statcache.Entry{}, statcache.NotFoundError(key, nil)
	}
	return entry, nil
}

func (f *fakeApp) Warm(_ context.Context, keys []string, parallelism int) []refresh.WarmResult {
	f.gotWarm = keys
	f.gotPar = parallelism
	out := make([]refresh.WarmResult, 0, len(keys))
	for _, k := range keys {
		out = append(out, refresh.WarmResult{Key: k, Source: statcache.SourceLive, Err: f.warmErr[k]})
	}
	return out
}

func (f *fakeApp) ExportSnapshot(_ context.Context, dest string) (string, int, error) {
	f.exportTo = dest
	return dest, len(f.keys), nil
}

// execute runs the root command against fake; it swaps package-level
// factories so the tests in this file must not run in parallel.
func execute(t *testing.T, fake *fakeApp, args ...string) (string, error) {
	t.Helper()
	prevApp, prevLoad := newApp, loadConfig
	t.Cleanup(func() { newApp, loadConfig = prevApp, prevLoad })
	loadConfig = func(string) (config.Config, error) { return config.Config{}, nil }
	newApp = func(context.Context, *config.Config) (App, error) { return fake, nil }

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGetPrintsEntry(t *testing.T) {
	fetched := time.Date(2025, 4, 1, 3, 0, 0, 0, time.UTC)
	fake := &fakeApp{entries: map[string]statcache.Entry{
		"predlist:2025-04-01": {
			Key:       "predlist:2025-04-01",
			Payload:   json.RawMessage(`[{"game_id":"g1"}]`),
			FetchedAt: fetched,
			Source:    statcache.SourceLive,
		},
	}}
	out, err := execute(t, fake, "get", "predlist:2025-04-01")
	require.NoError(t, err)

	var got getOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "predlist:2025-04-01", got.Key)
	require.Equal(t, statcache.SourceLive, got.Source)
	require.Equal(t, "2025-04-01T03:00:00Z", got.FetchedAt)
	require.JSONEq(t, `[{"game_id":"g1"}]`, string(got.Data))
	require.Equal(t, 1, fake.closed)
}

func TestGetTodayUsesKSTDate(t *testing.T) {
	prev := nowFunc
	t.Cleanup(func() { nowFunc = prev })
	// 16:00 UTC is already the next day in Seoul.
	nowFunc = func() time.Time { return time.Date(2025, 4, 1, 16, 0, 0, 0, time.UTC) }

	fake := &fakeApp{}
	_, err := execute(t, fake, "get", "--today")
	require.Error(t, err)
	require.ErrorIs(t, err, statcache.ErrNotFound)
	require.Equal(t, "predlist:2025-04-02", fake.gotKey)
}

func TestGetRequiresKey(t *testing.T) {
	_, err := execute(t, &fakeApp{}, "get")
	require.Error(t, err)
}

func TestKeysFiltersByPrefix(t *testing.T) {
	fake := &fakeApp{keys: []string{"gameids:2025-04-01", "predlist:2025-04-01", "predlist:2025-04-02"}}
	out, err := execute(t, fake, "keys", "--prefix", "predlist:")
	require.NoError(t, err)
	require.Equal(t, "predlist:2025-04-01\npredlist:2025-04-02\n", out)
}

func TestWarmReportsFailures(t *testing.T) {
	fake := &fakeApp{warmErr: map[string]error{"predlist:2025-04-02": errors.New("boom")}}
	out, err := execute(t, fake, "warm", "--parallelism", "3", "predlist:2025-04-01", "predlist:2025-04-02")
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 2 keys failed")
	require.Contains(t, out, "predlist:2025-04-01\tlive")
	require.Contains(t, out, "predlist:2025-04-02\tfailed\tboom")
	require.Equal(t, 3, fake.gotPar)
	require.Zero(t, fake.startups)
}

func TestWarmSeedOnly(t *testing.T) {
	fake := &fakeApp{}
	_, err := execute(t, fake, "warm", "--seed")
	require.NoError(t, err)
	require.Equal(t, 1, fake.startups)
	require.Nil(t, fake.gotWarm)

	_, err = execute(t, &fakeApp{}, "warm")
	require.Error(t, err)
}

func TestExportAndServe(t *testing.T) {
	fake := &fakeApp{keys: []string{"a", "b"}}
	out, err := execute(t, fake, "export", "gs://bucket/snapshot.json")
	require.NoError(t, err)
	require.Equal(t, "gs://bucket/snapshot.json", fake.exportTo)
	require.Equal(t, "exported 2 keys to gs://bucket/snapshot.json\n", out)

	_, err = execute(t, fake, "serve")
	require.NoError(t, err)
	require.Equal(t, 1, fake.ran)
}

func TestConfigErrorStopsCommand(t *testing.T) {
	prevLoad := loadConfig
	t.Cleanup(func() { loadConfig = prevLoad })
	loadConfig = func(string) (config.Config, error) { return config.Config{}, errors.New("bad yaml") }

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"keys"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "bad yaml")
}
