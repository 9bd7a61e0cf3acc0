package testutil

import (
	_ "embed"
	"os"
	"path/filepath"
	"testing"

	"github.com/roach88/switchsync/internal/schema"
)

//go:embed testdata/switch.p4info.txtpb
var switchP4Info []byte

// Names and ids in the fixture P4Info.
const (
	TableIPv4LPM = "MyIngress.ipv4_lpm"
	TableACL     = "MyIngress.acl"
	TableTag     = "MyEgress.set_dscp_tag"
	TableFilter  = "MyEgress.filter_dscp_tag"

	TableIPv4LPMID uint32 = 37375156
	TableACLID     uint32 = 44506256
	TableTagID     uint32 = 41243186
	TableFilterID  uint32 = 39410520

	ActionNoAction    = "NoAction"
	ActionForward     = "MyIngress.ipv4_forward"
	ActionIngressDrop = "MyIngress.drop"
	ActionModifyDSCP  = "MyEgress.modify_dscp"
	ActionEgressDrop  = "MyEgress.drop"

	ActionNoActionID    uint32 = 21257015
	ActionForwardID     uint32 = 28792405
	ActionIngressDropID uint32 = 25652968
	ActionModifyDSCPID  uint32 = 30001223
	ActionEgressDropID  uint32 = 31761014

	CounterPort          = "MyIngress.port_counter"
	CounterPortID uint32 = 302011205
)

// P4InfoText returns the fixture P4Info in protobuf text format.
func P4InfoText() []byte {
	return append([]byte(nil), switchP4Info...)
}

// Schema parses the fixture P4Info.
func Schema(t testing.TB) *schema.Schema {
	t.Helper()
	s, err := schema.Parse(switchP4Info, schema.FormatText)
	if err != nil {
		t.Fatalf("parse fixture p4info: %v", err)
	}
	return s
}

// WriteP4Info writes the fixture P4Info into dir and returns its path.
func WriteP4Info(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "switch.p4info.txtpb")
	if err := os.WriteFile(path, switchP4Info, 0o644); err != nil {
		t.Fatalf("write fixture p4info: %v", err)
	}
	return path
}
