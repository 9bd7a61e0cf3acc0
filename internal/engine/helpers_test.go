package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/require"

	"github.com/roach88/switchsync/internal/compiler"
	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/store"
	"github.com/roach88/switchsync/internal/testutil"
)

func quietLogs(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.DiscardHandler))
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

// testConfig returns a defaulted config for the named switches, all
// running the fixture pipeline.
func testConfig(t *testing.T, names ...string) config.Config {
	t.Helper()
	dir := t.TempDir()
	p4info := testutil.WriteP4Info(t, dir)

	cfg := config.Config{}
	for i, n := range names {
		cfg.Devices = append(cfg.Devices, config.Device{
			Name:     n,
			Address:  fmt.Sprintf("127.0.0.1:%d", 50051+i),
			DeviceID: uint64(i),
			P4Info:   p4info,
		})
	}
	cfg.ApplyDefaults()
	cfg.ResolvePaths(dir)
	return cfg
}

func writeStatic(t *testing.T, cfg config.Config, device, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.ConfigDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.StaticConfigPath(device), []byte(body), 0o644))
}

func fakeDialer(fleet *testutil.FakeFleet) Dialer {
	return func(ctx context.Context, dev config.Device) (Device, error) {
		fd, err := fleet.Dial(ctx, dev)
		if err != nil {
			return nil, err
		}
		return fd, nil
	}
}

// storeOpener hands out rules on every open and counts the opens.
type storeOpener struct {
	rules store.Rules
	err   error
	opens int
}

func (o *storeOpener) open(context.Context) (store.Rules, error) {
	o.opens++
	if o.err != nil {
		return nil, o.err
	}
	return o.rules, nil
}

func newTestFleet(t *testing.T, cfg config.Config, rules store.Rules, fakes *testutil.FakeFleet, opts ...FleetOption) *Fleet {
	t.Helper()
	opener := &storeOpener{rules: rules}
	opts = append([]FleetOption{WithNow(testutil.NewStepClock(time.Unix(1700000000, 0), 10*time.Millisecond).Now)}, opts...)
	return NewFleet(cfg, rules, fakeDialer(fakes), opener.open, opts...)
}

// compiled builds the entry a record compiles to against the fixture
// pipeline.
func compiled(t *testing.T, rec ir.IntentRecord) *p4v1.TableEntry {
	t.Helper()
	e, err := compiler.Compile(testutil.Schema(t), rec)
	require.NoError(t, err)
	return e
}

func tagRecord(prefix string, length int64, value int64) ir.IntentRecord {
	return ir.IntentRecord{
		Class:  ir.ClassTag,
		Table:  config.DefaultTagTable,
		Match:  map[string]ir.MatchValue{"hdr.ipv4.srcAddr": {Value: prefix, Aux: length}},
		Action: config.DefaultTagAction,
		Params: map[string]any{config.DefaultTagParam: value},
	}
}

func lpmRecord(prefix string, length int64, port int64) ir.IntentRecord {
	return ir.IntentRecord{
		Class:  ir.ClassStatic,
		Table:  testutil.TableIPv4LPM,
		Match:  map[string]ir.MatchValue{"hdr.ipv4.dstAddr": {Value: prefix, Aux: length}},
		Action: testutil.ActionForward,
		Params: map[string]any{"dstAddr": "08:00:00:00:01:00", "port": port},
	}
}

func paramValue(t *testing.T, e *p4v1.TableEntry) []byte {
	t.Helper()
	params := e.GetAction().GetAction().GetParams()
	require.Len(t, params, 1)
	return params[0].GetValue()
}

func ops(writes []testutil.Write) []string {
	out := make([]string, len(writes))
	for i, w := range writes {
		out[i] = w.Op.String()
	}
	return out
}
