package metricssnapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteOnceRendersRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.PendingCount.Set(7)
	reg.HandshakeState.Set(2)
	reg.RecordInsertAttempt("ok")
	reg.RecordInsertAttempt("transient_error")

	path := filepath.Join(t.TempDir(), "metrics.prom")
	w := NewWriter(reg, path, 0, nil)

	if err := w.writeOnce(); err != nil {
		t.Fatalf("writeOnce: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(data)

	for _, want := range []string{
		"bridge_pending_count 7",
		"bridge_handshake_state 2",
		`bridge_db_insert_attempts_total{outcome="ok"} 1`,
		`bridge_db_insert_attempts_total{outcome="transient_error"} 1`,
		`bridge_db_insert_failures_total{outcome="transient_error"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered metrics missing %q\ngot:\n%s", want, text)
		}
	}
	if strings.Contains(text, `bridge_db_insert_failures_total{outcome="ok"}`) {
		t.Error("a successful attempt should not increment the failures counter")
	}
}

func TestWriteOnceLeavesNoTempFile(t *testing.T) {
	reg := NewRegistry()
	path := filepath.Join(t.TempDir(), "metrics.prom")
	w := NewWriter(reg, path, 0, nil)

	if err := w.writeOnce(); err != nil {
		t.Fatalf("writeOnce: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "metrics.prom" {
			t.Errorf("leftover temp file after atomic rename: %s", e.Name())
		}
	}
}
