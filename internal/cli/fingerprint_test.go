package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/switchsync/internal/ir"
)

func TestFingerprintText(t *testing.T) {
	quietLogs(t)
	path := writeFleet(t, "s1", "s2")
	s := openStore(t, path)
	_, err := s.InsertTagRule(context.Background(), "s1", `{"hdr.ipv4.srcAddr": ["10.0.1.0", 24]}`, 7)
	require.NoError(t, err)

	cmd, out := testCommand()
	require.NoError(t, runFingerprint(rootOptions(path, "text"), nil, cmd))

	tags, err := s.TagRules(context.Background(), "s1")
	require.NoError(t, err)
	want, err := ir.ComputeFingerprint(tags, nil)
	require.NoError(t, err)

	assert.Equal(t,
		"s1\t"+string(want)+"\ttags=1 filters=0\n"+
			"s2\t"+string(ir.EmptyFingerprint())+"\ttags=0 filters=0\n",
		out.String())
}

func TestFingerprintStableAcrossRuns(t *testing.T) {
	quietLogs(t)
	path := writeFleet(t, "s1")
	s := openStore(t, path)
	_, err := s.InsertFilterRule(context.Background(), "s1", 3)
	require.NoError(t, err)

	first, out1 := testCommand()
	require.NoError(t, runFingerprint(rootOptions(path, "text"), []string{"s1"}, first))
	second, out2 := testCommand()
	require.NoError(t, runFingerprint(rootOptions(path, "text"), []string{"s1"}, second))

	assert.Equal(t, out1.String(), out2.String())
}

func TestFingerprintJSON(t *testing.T) {
	quietLogs(t)
	path := writeFleet(t, "s1")

	cmd, out := testCommand()
	require.NoError(t, runFingerprint(rootOptions(path, "json"), []string{"s1"}, cmd))

	var resp struct {
		Status string              `json:"status"`
		Data   []FingerprintReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, string(ir.EmptyFingerprint()), resp.Data[0].Fingerprint)
}

func TestFingerprintUnknownDevice(t *testing.T) {
	quietLogs(t)
	path := writeFleet(t, "s1")

	cmd, _ := testCommand()
	err := runFingerprint(rootOptions(path, "text"), []string{"s9"}, cmd)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
