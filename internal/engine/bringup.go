package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/switchsync/internal/config"
	"github.com/roach88/switchsync/internal/ir"
	"github.com/roach88/switchsync/internal/schema"
)

// Dialer opens a connection to a configured switch.
type Dialer func(ctx context.Context, dev config.Device) (Device, error)

// BringUp runs the first-contact sequence for one switch:
//
//  1. connect
//  2. acquire mastership (MASTERSHIP_DENIED is final for the run)
//  3. read the static config, if any, and resolve schema/pipeline paths
//  4. load the schema
//  5. install the pipeline ("already configured" counts as success)
//  6. install static intents (default-action entries are modified)
//
// The returned state is Unsynced with no fingerprint, so the first
// reconcile always resyncs. On error the connection is closed.
func BringUp(ctx context.Context, dial Dialer, src Source, cfg config.Config, dev config.Device) (st *DeviceState, err error) {
	var conn Device
	defer func() {
		if err != nil && conn != nil {
			if cerr := conn.Close(); cerr != nil {
				slog.Warn("close after failed bring-up", "device", dev.Name, "error", cerr)
			}
		}
	}()
	defer recoverDevice(dev.Name, "bring-up", &err)

	conn, err = dial(ctx, dev)
	if err != nil {
		conn = nil
		return nil, ir.WithDevice(asUnreachable("dial "+dev.Address, err), dev.Name)
	}

	if err := conn.AcquireMastership(ctx); err != nil {
		return nil, ir.WithDevice(err, dev.Name)
	}
	slog.Info("mastership acquired", "device", dev.Name, "election_id", cfg.ElectionID)

	schemaPath, pipelinePath := dev.P4Info, dev.Pipeline
	static, err := src.FetchStaticConfig(dev)
	if err != nil {
		return nil, ir.WithDevice(err, dev.Name)
	}
	if static != nil {
		schemaPath, pipelinePath = static.SchemaPath, static.PipelinePath
		slog.Debug("static config loaded", "device", dev.Name, "path", static.Path, "entries", len(static.Intents))
	}
	if schemaPath == "" {
		return nil, &ir.Error{Code: ir.ErrSourceUnavailable, Message: "no p4info configured", Device: dev.Name}
	}

	s, err := schema.Load(schemaPath)
	if err != nil {
		return nil, ir.WithDevice(err, dev.Name)
	}

	if pipelinePath != "" {
		if err := conn.InstallPipeline(ctx, s.P4Info(), pipelinePath); err != nil {
			return nil, ir.WithDevice(err, dev.Name)
		}
		slog.Info("pipeline installed", "device", dev.Name, "pipeline", pipelinePath)
	}

	if static != nil && len(static.Intents) > 0 {
		n, err := installIntents(ctx, conn, s, static.Intents)
		if err != nil {
			return nil, ir.WithDevice(err, dev.Name)
		}
		slog.Info("static entries installed", "device", dev.Name, "entries", n)
	}

	managed, missing := s.TableIDs(cfg.ManagedTables)
	for _, name := range missing {
		slog.Debug("managed table not in pipeline", "device", dev.Name, "table", name)
	}

	return &DeviceState{
		Name:    dev.Name,
		Conn:    conn,
		Schema:  s,
		State:   Unsynced,
		Managed: managed,
	}, nil
}

// asUnreachable classifies an unclassified error as DEVICE_UNREACHABLE.
func asUnreachable(msg string, err error) error {
	if ir.CodeOf(err) != "" {
		return err
	}
	return ir.WrapError(ir.ErrDeviceUnreachable, msg, err)
}
