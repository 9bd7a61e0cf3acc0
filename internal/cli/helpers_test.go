package cli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/engine"
	"github.com/roach88/switchsync/internal/store"
	"github.com/roach88/switchsync/internal/testutil"
)

func quietLogs(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.DiscardHandler))
	t.Cleanup(func() { slog.SetDefault(prev) })
}

// writeFleet writes a fleet file for the named switches into a temp dir,
// next to the fixture P4Info and an empty SQLite store, and returns the
// file's path.
func writeFleet(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteP4Info(t, dir)

	var b strings.Builder
	b.WriteString("poll_interval: 1s\n")
	b.WriteString("policy_store:\n  driver: sqlite\n  dsn: rules.db\n")
	b.WriteString("devices:\n")
	for i, n := range names {
		fmt.Fprintf(&b, "  - name: %s\n    address: 127.0.0.1:%d\n    device_id: %d\n    p4info: switch.p4info.txtpb\n",
			n, 50051+i, i)
	}

	path := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	s, err := store.Open(filepath.Join(dir, "rules.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	return path
}

// removeStore deletes the fleet's SQLite file and returns its path.
func removeStore(t *testing.T, configPath string) string {
	t.Helper()
	db := filepath.Join(filepath.Dir(configPath), "rules.db")
	require.NoError(t, os.Remove(db))
	return db
}

func fleetConfig(t *testing.T, names ...string) config.Config {
	t.Helper()
	cfg, err := config.Load(writeFleet(t, names...))
	require.NoError(t, err)
	return cfg
}

// openStore opens the fleet's policy store for seeding.
func openStore(t *testing.T, configPath string) *store.Store {
	t.Helper()
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	s, err := store.Open(cfg.PolicyStore.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeStaticFor(t *testing.T, configPath, device, body string) {
	t.Helper()
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.ConfigDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.StaticConfigPath(device), []byte(body), 0o644))
}

func rootOptions(configPath, format string) *RootOptions {
	return &RootOptions{Format: format, LogFormat: "text", ConfigPath: configPath}
}

// testCommand returns a bare command whose output lands in the returned
// buffer.
func testCommand() (*cobra.Command, *bytes.Buffer) {
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd, out
}

func fakeDialer(fleet *testutil.FakeFleet) engine.Dialer {
	return func(ctx context.Context, dev config.Device) (engine.Device, error) {
		fd, err := fleet.Dial(ctx, dev)
		if err != nil {
			return nil, err
		}
		return fd, nil
	}
}
