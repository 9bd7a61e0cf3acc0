package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/switchsync/internal/metrics"
)

// readCounters reads every configured counter cell the device's pipeline
// defines and reports it. Failures are logged and otherwise ignored.
func (f *Fleet) readCounters(ctx context.Context, st *DeviceState) {
	var err error
	defer func() {
		if err != nil {
			slog.Warn("counter read aborted", "device", st.Name, "error", err)
		}
	}()
	defer recoverDevice(st.Name, "counters", &err)

	for _, cc := range f.cfg.Counters {
		c, ok := st.Schema.Counter(cc.Name)
		if !ok {
			slog.Debug("counter not in pipeline", "device", st.Name, "counter", cc.Name)
			continue
		}
		data, rerr := st.Conn.ReadCounter(ctx, c.GetPreamble().GetId(), cc.Index)
		if rerr != nil {
			slog.Warn("counter read failed",
				"device", st.Name,
				"counter", cc.Name,
				"index", cc.Index,
				"error", rerr,
			)
			continue
		}
		slog.Info("counter",
			"device", st.Name,
			"counter", cc.Name,
			"index", cc.Index,
			"bytes", data.GetByteCount(),
			"packets", data.GetPacketCount(),
		)
		metrics.SetCounter(st.Name, cc.Name, cc.Index, data.GetByteCount(), data.GetPacketCount())
	}
}
