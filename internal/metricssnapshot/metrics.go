// Package metricssnapshot renders a private Prometheus registry to a
// textfile at a configured interval, for a node-exporter textfile collector
// to scrape, without the bridge opening an HTTP listener of its own.
package metricssnapshot

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	dto "github.com/prometheus/client_model/go"
)

// Registry owns the bridge's metric set and renders it on demand.
type Registry struct {
	reg *prometheus.Registry

	PendingCount     prometheus.Gauge
	HandshakeState   prometheus.Gauge
	HeartbeatValue   prometheus.Gauge
	PLCConnected     prometheus.Gauge
	SQLConnected     prometheus.Gauge
	InsertAttempts   *prometheus.CounterVec
	InsertFailures   *prometheus.CounterVec
	DrainCyclesTotal prometheus.Counter
}

// NewRegistry constructs and registers the bridge's metric set.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		PendingCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_pending_count",
			Help: "Number of batch records currently held in the durable buffer.",
		}),
		HandshakeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_handshake_state",
			Help: "Current handshake coordinator state: 0=Idle, 1=Acknowledged, 2=Fault.",
		}),
		HeartbeatValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_heartbeat_value",
			Help: "Current value of the PLC watchdog heartbeat counter.",
		}),
		PLCConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_plc_connected",
			Help: "1 if the PLC driver is connected, 0 otherwise.",
		}),
		SQLConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_sql_connected",
			Help: "1 if the coordinator's derived status is CONNECTED, 0 otherwise.",
		}),
		InsertAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_db_insert_attempts_total",
			Help: "Total database insert attempts, labelled by outcome.",
		}, []string{"outcome"}),
		InsertFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_db_insert_failures_total",
			Help: "Total failed database insert attempts, labelled by outcome.",
		}, []string{"outcome"}),
		DrainCyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_drain_cycles_total",
			Help: "Total durable-buffer drain cycles run.",
		}),
	}

	reg.MustRegister(
		r.PendingCount,
		r.HandshakeState,
		r.HeartbeatValue,
		r.PLCConnected,
		r.SQLConnected,
		r.InsertAttempts,
		r.InsertFailures,
		r.DrainCyclesTotal,
	)
	return r
}

// RecordInsertAttempt implements dbwriter.MetricsRecorder.
func (r *Registry) RecordInsertAttempt(outcome string) {
	r.InsertAttempts.WithLabelValues(outcome).Inc()
	if outcome != "ok" {
		r.InsertFailures.WithLabelValues(outcome).Inc()
	}
}

// Writer periodically renders a Registry to a textfile.
type Writer struct {
	registry *Registry
	path     string
	interval time.Duration
	logger   *slog.Logger
}

// NewWriter constructs a Writer. interval defaults to 5s if zero.
func NewWriter(registry *Registry, path string, interval time.Duration, logger *slog.Logger) *Writer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{registry: registry, path: path, interval: interval, logger: logger}
}

// Run renders the registry on its own ticker until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.writeOnce(); err != nil {
				w.logger.Error("metricssnapshot: render failed", "error", err)
			}
		}
	}
}

// writeOnce gathers the registry and atomically writes it to path in the
// Prometheus text exposition format.
func (w *Writer) writeOnce() error {
	families, err := w.registry.reg.Gather()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".metrics-*.tmp")
	if err != nil {
		return writeDirect(w.path, families)
	}
	tmpPath := tmp.Name()

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return writeDirect(w.path, families)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return writeDirect(w.path, families)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return writeDirect(w.path, families)
	}
	return nil
}

func writeDirect(path string, families []*dto.MetricFamily) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
