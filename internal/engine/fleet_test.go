package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/device"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/source"
	"github.com/roach88/switchsync/internal/store"
	"github.com/roach88/switchsync/internal/testutil"
)

func addTag(t *testing.T, s *store.Store, device, match string, value int64) {
	t.Helper()
	_, err := s.InsertTagRule(context.Background(), device, match, value)
	require.NoError(t, err)
}

func addFilter(t *testing.T, s *store.Store, device string, value int64) {
	t.Helper()
	_, err := s.InsertFilterRule(context.Background(), device, value)
	require.NoError(t, err)
}

func outcomes(results []Result) map[string]Outcome {
	out := make(map[string]Outcome, len(results))
	for _, r := range results {
		out[r.Device] = r.Outcome
	}
	return out
}

func TestFleet_SyncsEveryDevice(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s11", "s12")
	s := testutil.Store(t)
	addTag(t, s, "s11", `{"hdr.ipv4.srcAddr": ["192.168.11.0", 24]}`, 10)
	addFilter(t, s, "s12", 10)
	fakes := testutil.NewFakeFleet("s11", "s12")
	f := newTestFleet(t, cfg, s, fakes, WithCycleIDs(NewFixedGenerator("cycle-1", "cycle-2")))

	results, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "s11", results[0].Device)
	assert.Equal(t, "s12", results[1].Device)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, OutcomeResynced, r.Outcome)
		assert.Equal(t, "cycle-1", r.Cycle)
	}
	assert.Len(t, fakes.Device("s11").EntriesIn(testutil.TableTagID), 1)
	assert.Empty(t, fakes.Device("s11").EntriesIn(testutil.TableFilterID))
	assert.Len(t, fakes.Device("s12").EntriesIn(testutil.TableFilterID), 1)

	st, ok := f.State("s11")
	require.True(t, ok)
	assert.Equal(t, Synced, st.State)
	assert.Equal(t, results[0].Fingerprint, st.LastFingerprint)

	fakes.Device("s11").ResetWrites()
	fakes.Device("s12").ResetWrites()

	results, err = f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"s11": OutcomeUnchanged, "s12": OutcomeUnchanged}, outcomes(results))
	assert.Equal(t, "cycle-2", results[0].Cycle)
	assert.Empty(t, fakes.Device("s11").Writes())
	assert.Empty(t, fakes.Device("s12").Writes())
	assert.Equal(t, 1, fakes.Dials("s11"), "a healthy device is dialed once")
}

func TestFleet_PicksUpNewRows(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s11")
	s := testutil.Store(t)
	addTag(t, s, "s11", `{"hdr.ipv4.srcAddr": ["192.168.11.0", 24]}`, 10)
	addFilter(t, s, "s11", 12)
	fakes := testutil.NewFakeFleet("s11")
	f := newTestFleet(t, cfg, s, fakes)

	_, err := f.RunCycle(context.Background())
	require.NoError(t, err)

	addFilter(t, s, "s11", 14)
	results, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, OutcomeResynced, results[0].Outcome)
	assert.Equal(t, 2, results[0].Deleted)
	assert.Equal(t, 3, results[0].Installed)
	assert.Len(t, fakes.Device("s11").EntriesIn(testutil.TableFilterID), 2)
}

func TestFleet_BadStaticConfigIsolatesDevice(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1", "s2", "s3")
	writeStatic(t, cfg, "s2", `{"table_entries": [
		{"table": "MyIngress.ipv4_lpm", "match": {"hdr.ipv4.dstAddr": ["10.0.2.0", 24]}, "action_name": "MyIngress.teleport"}
	]}`)
	s := testutil.Store(t)
	for _, name := range []string{"s1", "s2", "s3"} {
		addFilter(t, s, name, 12)
	}
	fakes := testutil.NewFakeFleet("s1", "s2", "s3")
	f := newTestFleet(t, cfg, s, fakes)

	results, err := f.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]Outcome{
		"s1": OutcomeResynced,
		"s2": OutcomeFailed,
		"s3": OutcomeResynced,
	}, outcomes(results))
	assert.True(t, ir.IsCode(results[1].Err, ir.ErrSchemaMismatch))
	assert.True(t, fakes.Device("s2").Closed())
	assert.Empty(t, fakes.Device("s2").Entries())
	assert.Len(t, fakes.Device("s3").Entries(), 1)

	// Not excluded: the device is retried once its file is fixed.
	assert.NoError(t, f.Excluded("s2"))
	writeStatic(t, cfg, "s2", `{"table_entries": []}`)
	results, err = f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeResynced, outcomes(results)["s2"])
	assert.Equal(t, 2, fakes.Dials("s2"))
}

func TestFleet_UnreachableDeviceReconnects(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1", "s2")
	s := testutil.Store(t)
	addFilter(t, s, "s1", 12)
	addFilter(t, s, "s2", 12)
	fakes := testutil.NewFakeFleet("s1", "s2")
	f := newTestFleet(t, cfg, s, fakes)

	_, err := f.RunCycle(context.Background())
	require.NoError(t, err)

	addFilter(t, s, "s1", 14)
	addFilter(t, s, "s2", 14)
	fakes.Device("s1").FailReads(testutil.Unreachable("s1"))

	results, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"s1": OutcomeFailed, "s2": OutcomeResynced}, outcomes(results))
	assert.True(t, ir.IsCode(results[0].Err, ir.ErrDeviceUnreachable))

	_, ok := f.State("s1")
	assert.False(t, ok, "unreachable device state is dropped")
	assert.True(t, fakes.Device("s1").Closed())

	fakes.Device("s1").FailReads(nil)
	results, err = f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"s1": OutcomeResynced, "s2": OutcomeUnchanged}, outcomes(results))
	assert.Equal(t, 2, fakes.Dials("s1"))
	assert.Equal(t, 2, fakes.Device("s1").MastershipRequests())
	assert.Len(t, fakes.Device("s1").EntriesIn(testutil.TableFilterID), 2)
}

func TestFleet_DialFailureRetriesNextCycle(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1", "s2")
	s := testutil.Store(t)
	fakes := testutil.NewFakeFleet("s1", "s2")
	fakes.FailDial("s1", errors.New("connection refused"))
	f := newTestFleet(t, cfg, s, fakes)

	results, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]Outcome{"s1": OutcomeFailed, "s2": OutcomeResynced}, outcomes(results))
	assert.True(t, ir.IsCode(results[0].Err, ir.ErrDeviceUnreachable))

	fakes.FailDial("s1", nil)
	results, err = f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeResynced, outcomes(results)["s1"])
	assert.Equal(t, 2, fakes.Dials("s1"))
}

func TestFleet_MastershipDeniedExcludesDevice(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1", "s2")
	s := testutil.Store(t)
	fakes := testutil.NewFakeFleet("s1", "s2")
	fakes.Device("s1").FailMastership(&ir.Error{Code: ir.ErrMastershipDenied, Message: "not primary"})
	f := newTestFleet(t, cfg, s, fakes)

	results, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, ir.IsCode(results[0].Err, ir.ErrMastershipDenied))
	assert.True(t, ir.IsCode(f.Excluded("s1"), ir.ErrMastershipDenied))

	results, err = f.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "s2", results[0].Device)
	assert.Equal(t, 1, fakes.Dials("s1"), "excluded device is never redialed")
}

func TestFleet_StoreDownSkipsCycle(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1")
	s := testutil.Store(t)
	addFilter(t, s, "s1", 12)
	flaky := testutil.NewFlakyRules(s)
	opener := &storeOpener{rules: flaky}
	fakes := testutil.NewFakeFleet("s1")
	f := NewFleet(cfg, flaky, fakeDialer(fakes), opener.open)

	flaky.Fail(errors.New("connection reset by peer"))
	results, err := f.RunCycle(context.Background())

	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrSourceUnavailable))
	assert.Nil(t, results)
	assert.True(t, flaky.Closed(), "broken store connection is closed")
	assert.Equal(t, 1, opener.opens)
	assert.Equal(t, 0, fakes.Dials("s1"), "no device is touched while the store is down")

	flaky.Fail(nil)
	results, err = f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, opener.opens)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeResynced, results[0].Outcome)
}

func TestFleet_OpensStoreLazily(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1")
	opener := &storeOpener{err: errors.New("no route to host")}
	fakes := testutil.NewFakeFleet("s1")
	f := NewFleet(cfg, nil, fakeDialer(fakes), opener.open)

	_, err := f.RunCycle(context.Background())
	assert.True(t, ir.IsCode(err, ir.ErrSourceUnavailable))
	assert.Contains(t, err.Error(), "no route to host")

	opener.err = nil
	opener.rules = testutil.NewFlakyRules(testutil.Store(t))
	results, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 2, opener.opens)
}

func TestFleet_ReadsCounters(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1")
	cfg.Counters = []config.CounterConfig{
		{Name: testutil.CounterPort, Index: 2},
		{Name: "MyIngress.not_a_counter", Index: 0},
	}
	s := testutil.Store(t)
	fakes := testutil.NewFakeFleet("s1")
	fakes.Device("s1").SetCounter(testutil.CounterPortID, 2, 1500, 3)
	f := newTestFleet(t, cfg, s, fakes)

	buf := captureLogs(t)
	results, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, results[0].OK())

	logs := buf.String()
	assert.Contains(t, logs, "counter="+testutil.CounterPort)
	assert.Contains(t, logs, "bytes=1500")
	assert.Contains(t, logs, "packets=3")
}

func TestFleet_CounterFailureIsNotFatal(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1")
	cfg.Counters = []config.CounterConfig{{Name: testutil.CounterPort, Index: 0}}
	s := testutil.Store(t)
	fakes := testutil.NewFakeFleet("s1")
	fakes.Device("s1").FailCounters(errors.New("counter read timed out"))
	f := newTestFleet(t, cfg, s, fakes)

	results, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, results[0].OK())
	_, ok := f.State("s1")
	assert.True(t, ok)
}

func TestFleet_Parallel(t *testing.T) {
	quietLogs(t)
	names := []string{"s1", "s2", "s3", "s4", "s5"}
	cfg := testConfig(t, names...)
	cfg.Parallelism = 3
	s := testutil.Store(t)
	for _, n := range names {
		addFilter(t, s, n, 12)
	}
	fakes := testutil.NewFakeFleet(names...)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	for _, n := range names {
		fakes.Device(n).OnWrite(func(*p4v1.TableEntry, device.Op) error {
			mu.Lock()
			inFlight++
			peak = max(peak, inFlight)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		})
	}
	f := newTestFleet(t, cfg, s, fakes)

	results, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(names))
	for i, r := range results {
		assert.Equal(t, names[i], r.Device, "results stay in configuration order")
		assert.Equal(t, OutcomeResynced, r.Outcome)
	}
	assert.LessOrEqual(t, peak, 3)
}

func TestFleet_CustomSource(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1")
	s := testutil.Store(t)
	fakes := testutil.NewFakeFleet("s1")
	var built int
	f := newTestFleet(t, cfg, s, fakes, WithSourceFactory(func(r store.Rules, c config.Config) Source {
		built++
		return source.New(r, c)
	}))

	_, err := f.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, built)
}

// signalIDs closes started when the nth cycle begins.
type signalIDs struct {
	n       int
	at      int
	started chan struct{}
}

func (g *signalIDs) Generate() string {
	g.n++
	if g.n == g.at {
		close(g.started)
	}
	return fmt.Sprintf("cycle-%d", g.n)
}

func TestFleet_RunStopsOnCancel(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1")
	cfg.PollInterval = time.Millisecond
	s := testutil.NewFlakyRules(testutil.Store(t))
	fakes := testutil.NewFakeFleet("s1")
	ids := &signalIDs{at: 3, started: make(chan struct{})}
	f := newTestFleet(t, cfg, s, fakes, WithCycleIDs(ids))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case <-ids.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not tick")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.GreaterOrEqual(t, fakes.Dials("s1"), 1)
}

func TestFleet_CloseReleasesEverything(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s1", "s2")
	flaky := testutil.NewFlakyRules(testutil.Store(t))
	fakes := testutil.NewFakeFleet("s1", "s2")
	f := newTestFleet(t, cfg, flaky, fakes)

	_, err := f.RunCycle(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.Close())
	assert.True(t, fakes.Device("s1").Closed())
	assert.True(t, fakes.Device("s2").Closed())
	assert.True(t, flaky.Closed())
	_, ok := f.State("s1")
	assert.False(t, ok)
}
