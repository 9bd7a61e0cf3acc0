package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/device"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/source"
	"github.com/roach88/switchsync/internal/testutil"
)

const s21Static = `{
  "p4info": "switch.p4info.txtpb",
  "bmv2_json": "build/switch.json",
  "table_entries": [
    {"table": "MyIngress.ipv4_lpm", "default_action": true, "action_name": "MyIngress.drop"},
    {
      "table": "MyIngress.ipv4_lpm",
      "match": {"hdr.ipv4.dstAddr": ["10.0.1.0", 24]},
      "action_name": "MyIngress.ipv4_forward",
      "action_params": {"dstAddr": "08:00:00:00:01:00", "port": 1},
    },
  ],
}`

func bringUp(t *testing.T, cfg config.Config, fakes *testutil.FakeFleet, name string) (*DeviceState, error) {
	t.Helper()
	dev, ok := cfg.Device(name)
	require.True(t, ok)
	src := source.New(testutil.Store(t), cfg)
	return BringUp(context.Background(), fakeDialer(fakes), src, cfg, dev)
}

func TestBringUp_WithoutStaticConfig(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s11")
	fakes := testutil.NewFakeFleet("s11")

	st, err := bringUp(t, cfg, fakes, "s11")
	require.NoError(t, err)

	assert.Equal(t, "s11", st.Name)
	assert.Equal(t, Unsynced, st.State)
	assert.True(t, st.LastFingerprint.IsZero())
	assert.Equal(t, map[uint32]string{
		testutil.TableTagID:    testutil.TableTag,
		testutil.TableFilterID: testutil.TableFilter,
	}, st.Managed)
	assert.True(t, st.IsManaged(testutil.TableTagID))
	assert.False(t, st.IsManaged(testutil.TableIPv4LPMID))

	fd := fakes.Device("s11")
	assert.Equal(t, 1, fd.MastershipRequests())
	assert.Empty(t, fd.Pipelines(), "no pipeline configured")
	assert.Empty(t, fd.Writes())
	assert.False(t, fd.Closed())
}

func TestBringUp_InstallsPipelineAndStaticEntries(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s21")
	writeStatic(t, cfg, "s21", s21Static)
	fakes := testutil.NewFakeFleet("s21")

	st, err := bringUp(t, cfg, fakes, "s21")
	require.NoError(t, err)
	require.NotNil(t, st.Schema)

	fd := fakes.Device("s21")
	pipelines := fd.Pipelines()
	require.Len(t, pipelines, 1)
	assert.Equal(t, filepath.Join(cfg.BaseDir, "build/switch.json"), pipelines[0].ArtifactPath)
	assert.Len(t, pipelines[0].P4Info.GetTables(), 4)

	assert.Equal(t, []string{"MODIFY", "INSERT"}, ops(fd.Writes()))

	def, ok := fd.DefaultEntry(testutil.TableIPv4LPMID)
	require.True(t, ok)
	assert.Equal(t, testutil.ActionIngressDropID, def.GetAction().GetAction().GetActionId())

	routes := fd.EntriesIn(testutil.TableIPv4LPMID)
	require.Len(t, routes, 1)
	assert.Equal(t, []byte{10, 0, 1, 0}, routes[0].GetMatch()[0].GetLpm().GetValue())
}

func TestBringUp_StaticEntryAlreadyInstalled(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s21")
	writeStatic(t, cfg, "s21", s21Static)
	fakes := testutil.NewFakeFleet("s21")
	fakes.Device("s21").Seed(compiled(t, lpmRecord("10.0.1.0", 24, 7)))

	_, err := bringUp(t, cfg, fakes, "s21")
	require.NoError(t, err)

	fd := fakes.Device("s21")
	writes := fd.Writes()
	assert.Equal(t, []string{"MODIFY", "INSERT", "MODIFY"}, ops(writes))
	assert.True(t, errors.Is(writes[1].Err, device.ErrAlreadyExists))

	routes := fd.EntriesIn(testutil.TableIPv4LPMID)
	require.Len(t, routes, 1)
	port := routes[0].GetAction().GetAction().GetParams()[1]
	assert.Equal(t, []byte{0, 1}, port.GetValue())
}

func TestBringUp_UnknownStaticActionFails(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s21")
	writeStatic(t, cfg, "s21", `{"table_entries": [
		{"table": "MyIngress.ipv4_lpm", "match": {"hdr.ipv4.dstAddr": ["10.0.1.0", 24]}, "action_name": "MyIngress.teleport"}
	]}`)
	fakes := testutil.NewFakeFleet("s21")

	st, err := bringUp(t, cfg, fakes, "s21")
	require.Error(t, err)
	assert.Nil(t, st)

	var e *ir.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, ir.ErrSchemaMismatch, e.Code)
	assert.Equal(t, "s21", e.Device)
	assert.Equal(t, ir.ClassStatic, e.Class)
	assert.Equal(t, int64(1), e.RowID)
	assert.Contains(t, err.Error(), "MyIngress.teleport")
	assert.True(t, fakes.Device("s21").Closed())
}

func TestBringUp_Failures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, cfg *config.Config, fakes *testutil.FakeFleet)
		code    ir.ErrorCode
		dialed  bool
		message string
	}{
		{
			name: "dial error",
			setup: func(_ *testing.T, _ *config.Config, fakes *testutil.FakeFleet) {
				fakes.FailDial("s1", errors.New("connection refused"))
			},
			code:    ir.ErrDeviceUnreachable,
			message: "connection refused",
		},
		{
			name: "mastership denied",
			setup: func(_ *testing.T, _ *config.Config, fakes *testutil.FakeFleet) {
				fakes.Device("s1").FailMastership(&ir.Error{Code: ir.ErrMastershipDenied, Message: "election id 1 is not primary"})
			},
			code:    ir.ErrMastershipDenied,
			dialed:  true,
			message: "not primary",
		},
		{
			name: "no p4info",
			setup: func(_ *testing.T, cfg *config.Config, _ *testutil.FakeFleet) {
				cfg.Devices[0].P4Info = ""
			},
			code:    ir.ErrSourceUnavailable,
			dialed:  true,
			message: "no p4info configured",
		},
		{
			name: "p4info unreadable",
			setup: func(_ *testing.T, cfg *config.Config, _ *testutil.FakeFleet) {
				cfg.Devices[0].P4Info = filepath.Join(cfg.BaseDir, "missing.p4info.txtpb")
			},
			code:   ir.ErrSourceUnavailable,
			dialed: true,
		},
		{
			name: "p4info malformed",
			setup: func(t *testing.T, cfg *config.Config, _ *testutil.FakeFleet) {
				path := filepath.Join(cfg.BaseDir, "broken.p4info.txtpb")
				require.NoError(t, os.WriteFile(path, []byte("tables { preamble {"), 0o644))
				cfg.Devices[0].P4Info = path
			},
			code:    ir.ErrSchemaMismatch,
			dialed:  true,
			message: "broken.p4info.txtpb: SCHEMA_MISMATCH: parse p4info",
		},
		{
			name: "required static config missing",
			setup: func(_ *testing.T, cfg *config.Config, _ *testutil.FakeFleet) {
				cfg.Devices[0].RequireStaticConfig = true
			},
			code:    ir.ErrSourceUnavailable,
			dialed:  true,
			message: "required but missing",
		},
		{
			name: "malformed static config",
			setup: func(t *testing.T, cfg *config.Config, _ *testutil.FakeFleet) {
				writeStatic(t, *cfg, "s1", `{"table_entries": [{"table": ""}]}`)
			},
			code:   ir.ErrSchemaMismatch,
			dialed: true,
		},
		{
			name: "pipeline rejected",
			setup: func(_ *testing.T, cfg *config.Config, fakes *testutil.FakeFleet) {
				cfg.Devices[0].Pipeline = filepath.Join(cfg.BaseDir, "switch.json")
				fakes.Device("s1").FailPipeline(testutil.Unreachable("s1"))
			},
			code:   ir.ErrDeviceUnreachable,
			dialed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quietLogs(t)
			cfg := testConfig(t, "s1")
			fakes := testutil.NewFakeFleet("s1")
			tt.setup(t, &cfg, fakes)

			st, err := bringUp(t, cfg, fakes, "s1")
			require.Error(t, err)
			assert.Nil(t, st)
			assert.Equal(t, tt.code, ir.CodeOf(err))
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}

			var e *ir.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, "s1", e.Device)
			assert.Contains(t, err.Error(), "device=s1")

			if tt.dialed {
				assert.True(t, fakes.Device("s1").Closed(), "connection must be closed on failure")
			}
		})
	}
}

func TestBringUp_RecoversPanic(t *testing.T) {
	quietLogs(t)
	cfg := testConfig(t, "s21")
	writeStatic(t, cfg, "s21", s21Static)
	fakes := testutil.NewFakeFleet("s21")
	fakes.Device("s21").OnWrite(func(*p4v1.TableEntry, device.Op) error {
		panic("driver bug")
	})

	_, err := bringUp(t, cfg, fakes, "s21")

	require.Error(t, err)
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "bring-up", pe.Stage)
	assert.Equal(t, "s21", pe.Device)
	assert.NotEmpty(t, pe.Stack)
	assert.True(t, fakes.Device("s21").Closed())
}
