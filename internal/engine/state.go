package engine

import (
	"context"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/device"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/schema"
	"github.com/roach88/switchsync/internal/source"
)

// Device is the switch surface the engine drives. *device.Conn implements
// it over P4Runtime; tests use an in-memory fake.
type Device interface {
	Name() string
	AcquireMastership(ctx context.Context) error
	InstallPipeline(ctx context.Context, info *p4configv1.P4Info, artifactPath string) error
	ReadEntries(ctx context.Context) ([]*p4v1.TableEntry, error)
	WriteEntry(ctx context.Context, entry *p4v1.TableEntry, op device.Op) error
	ReadCounter(ctx context.Context, counterID uint32, index int64) (*p4v1.CounterData, error)
	Close() error
}

// Source supplies intent. *source.Adapter implements it.
type Source interface {
	Snapshot(ctx context.Context, device string) (*source.Snapshot, error)
	Intents(snap *source.Snapshot) ([]ir.IntentRecord, error)
	FetchStaticConfig(dev config.Device) (*source.StaticConfig, error)
}

// SyncState is where a device stands relative to its intent.
type SyncState int

const (
	// Unsynced: never synced, or the last resync failed.
	Unsynced SyncState = iota
	// Syncing: a resync is in progress.
	Syncing
	// Synced: the device holds the entries of LastFingerprint.
	Synced
)

func (s SyncState) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// DeviceState is everything the fleet knows about one brought-up switch.
//
// Created at bring-up, mutated only by the Reconciler (on resync) and the
// Fleet (on reconnect), released when the fleet closes.
type DeviceState struct {
	Name   string
	Conn   Device
	Schema *schema.Schema

	// LastFingerprint is the fingerprint of the rows last installed in
	// full. Zero until the first successful resync.
	LastFingerprint ir.Fingerprint
	State           SyncState

	// Managed maps the ids of tables the reconciler may rewrite to their
	// names. Entries in any other table are never touched.
	Managed map[uint32]string
}

// IsManaged reports whether entries of the table may be deleted.
func (s *DeviceState) IsManaged(tableID uint32) bool {
	_, ok := s.Managed[tableID]
	return ok
}
