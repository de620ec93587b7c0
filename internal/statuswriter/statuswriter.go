// Package statuswriter publishes the bridge's health as a small JSON
// document at a configurable interval, for out-of-band readers (a tray app,
// a monitoring agent) that poll the filesystem rather than a socket.
package statuswriter

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/plantfloor/batchbridge/internal/handshake"
)

// Document is the status surface's on-disk shape.
type Document struct {
	Status        string  `json:"status"`
	PLCConnected  bool    `json:"plc_connected"`
	SQLConnected  bool    `json:"sql_connected"`
	PendingCount  int     `json:"pending_count"`
	LastUpdate    string  `json:"last_update"`
	Error         *string `json:"error"`
}

// Source supplies the values a Document snapshot is built from.
type Source interface {
	DerivedStatus() handshake.Status
	PLCConnected() bool
	PendingCount(ctx context.Context) (int, error)
	FaultMessage() *string
}

// Writer periodically renders a Source's state to path.
type Writer struct {
	source   Source
	path     string
	interval time.Duration
	logger   *slog.Logger
}

// New constructs a Writer. interval defaults to 1s if zero.
func New(source Source, path string, interval time.Duration, logger *slog.Logger) *Writer {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{source: source, path: path, interval: interval, logger: logger}
}

// Run renders the status document on its own ticker until ctx is cancelled,
// and once more on exit with status "stopped".
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.writeStopped()
			return
		case <-ticker.C:
			w.writeOnce(ctx)
		}
	}
}

func (w *Writer) writeOnce(ctx context.Context) {
	pending, err := w.source.PendingCount(ctx)
	if err != nil {
		w.logger.Warn("statuswriter: pending count unavailable", "error", err)
	}
	doc := Document{
		Status:       statusString(w.source.DerivedStatus()),
		PLCConnected: w.source.PLCConnected(),
		SQLConnected: w.source.DerivedStatus() == handshake.StatusConnected,
		PendingCount: pending,
		LastUpdate:   time.Now().UTC().Format(time.RFC3339),
		Error:        w.source.FaultMessage(),
	}
	if err := w.write(doc); err != nil {
		w.logger.Error("statuswriter: write failed", "error", err)
	}
}

func (w *Writer) writeStopped() {
	doc := Document{
		Status:     "stopped",
		LastUpdate: time.Now().UTC().Format(time.RFC3339),
	}
	if err := w.write(doc); err != nil {
		w.logger.Error("statuswriter: final write failed", "error", err)
	}
}

// write renders doc atomically: write to a temp file in the same directory
// and rename over the target. Falls back to a direct overwrite if the
// rename fails, e.g. because the filesystem doesn't support it.
func (w *Writer) write(doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return os.WriteFile(w.path, data, 0o644)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return os.WriteFile(w.path, data, 0o644)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return os.WriteFile(w.path, data, 0o644)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return os.WriteFile(w.path, data, 0o644)
	}
	return nil
}

func statusString(s handshake.Status) string {
	return s.String()
}
