// Package metrics exposes reconciliation metrics for Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchsync",
			Subsystem: "reconcile",
			Name:      "cycles_total",
			Help:      "Reconciler cycles by device and outcome.",
		},
		[]string{"device", "outcome"},
	)
	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "switchsync",
			Subsystem: "reconcile",
			Name:      "cycle_duration_seconds",
			Help:      "Reconciler cycle duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"device", "outcome"},
	)
	entryWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchsync",
			Subsystem: "device",
			Name:      "entry_writes_total",
			Help:      "Table entry writes by device, operation and success.",
		},
		[]string{"device", "op", "success"},
	)
	syncState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "switchsync",
			Subsystem: "device",
			Name:      "synced",
			Help:      "1 when the device's installed entries match its policy rows.",
		},
		[]string{"device"},
	)
	bringups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchsync",
			Subsystem: "device",
			Name:      "bringups_total",
			Help:      "Device bring-up attempts by result.",
		},
		[]string{"device", "success"},
	)
	storeReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchsync",
			Subsystem: "store",
			Name:      "reconnects_total",
			Help:      "Policy store redial attempts.",
		},
		[]string{"success"},
	)
	counterBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "switchsync",
			Subsystem: "switch",
			Name:      "counter_bytes",
			Help:      "Last read byte count of a P4 counter cell.",
		},
		[]string{"device", "counter", "index"},
	)
	counterPackets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "switchsync",
			Subsystem: "switch",
			Name:      "counter_packets",
			Help:      "Last read packet count of a P4 counter cell.",
		},
		[]string{"device", "counter", "index"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(cycles, cycleDuration, entryWrites, syncState,
			bringups, storeReconnects, counterBytes, counterPackets)
	})
}

func RecordCycle(device, outcome string, duration time.Duration) {
	RegisterMetrics()
	cycles.WithLabelValues(device, outcome).Inc()
	cycleDuration.WithLabelValues(device, outcome).Observe(duration.Seconds())
}

func RecordEntryWrite(device, op string, success bool) {
	RegisterMetrics()
	entryWrites.WithLabelValues(device, op, strconv.FormatBool(success)).Inc()
}

func SetSynced(device string, synced bool) {
	RegisterMetrics()
	v := 0.0
	if synced {
		v = 1
	}
	syncState.WithLabelValues(device).Set(v)
}

func RecordBringUp(device string, success bool) {
	RegisterMetrics()
	bringups.WithLabelValues(device, strconv.FormatBool(success)).Inc()
}

func RecordStoreReconnect(success bool) {
	RegisterMetrics()
	storeReconnects.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func SetCounter(device, counter string, index, bytes, packets int64) {
	RegisterMetrics()
	idx := strconv.FormatInt(index, 10)
	counterBytes.WithLabelValues(device, counter, idx).Set(float64(bytes))
	counterPackets.WithLabelValues(device, counter, idx).Set(float64(packets))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	RegisterMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
