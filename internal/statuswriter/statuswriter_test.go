package statuswriter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/plantfloor/batchbridge/internal/handshake"
)

type fakeSource struct {
	status       handshake.Status
	plcConnected bool
	pending      int
	pendingErr   error
	faultMsg     *string
}

func (f *fakeSource) DerivedStatus() handshake.Status { return f.status }
func (f *fakeSource) PLCConnected() bool              { return f.plcConnected }
func (f *fakeSource) PendingCount(ctx context.Context) (int, error) {
	return f.pending, f.pendingErr
}
func (f *fakeSource) FaultMessage() *string { return f.faultMsg }

func readDoc(t *testing.T, path string) Document {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return doc
}

func TestWriteOnceProducesExpectedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	src := &fakeSource{status: handshake.StatusConnected, plcConnected: true, pending: 3}
	w := New(src, path, time.Second, nil)

	w.writeOnce(context.Background())

	doc := readDoc(t, path)
	if doc.Status != "CONNECTED" {
		t.Errorf("Status = %q, want CONNECTED", doc.Status)
	}
	if !doc.PLCConnected {
		t.Error("PLCConnected = false, want true")
	}
	if !doc.SQLConnected {
		t.Error("SQLConnected = false, want true when CONNECTED")
	}
	if doc.PendingCount != 3 {
		t.Errorf("PendingCount = %d, want 3", doc.PendingCount)
	}
	if doc.Error != nil {
		t.Errorf("Error = %v, want nil", doc.Error)
	}
	if _, err := time.Parse(time.RFC3339, doc.LastUpdate); err != nil {
		t.Errorf("LastUpdate not RFC3339: %v", err)
	}
}

func TestWriteOnceSQLOfflineSetsSQLConnectedFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	src := &fakeSource{status: handshake.StatusSQLOffline, plcConnected: true}
	w := New(src, path, time.Second, nil)

	w.writeOnce(context.Background())

	doc := readDoc(t, path)
	if doc.SQLConnected {
		t.Error("SQLConnected = true, want false when SQL_OFFLINE")
	}
}

func TestWriteOnceReportsFaultMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	msg := "VALIDATION_FAILED"
	src := &fakeSource{status: handshake.StatusFault, faultMsg: &msg}
	w := New(src, path, time.Second, nil)

	w.writeOnce(context.Background())

	doc := readDoc(t, path)
	if doc.Error == nil || *doc.Error != msg {
		t.Errorf("Error = %v, want %q", doc.Error, msg)
	}
	if doc.SQLConnected {
		t.Error("SQLConnected = true, want false when FAULT")
	}
}

func TestWriteOncePLCOfflineSetsSQLConnectedFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	src := &fakeSource{status: handshake.StatusPLCOffline, plcConnected: false}
	w := New(src, path, time.Second, nil)

	w.writeOnce(context.Background())

	doc := readDoc(t, path)
	if doc.SQLConnected {
		t.Error("SQLConnected = true, want false when PLC_OFFLINE")
	}
}

func TestWriteIsAtomicAcrossRepeatedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	src := &fakeSource{status: handshake.StatusConnected}
	w := New(src, path, time.Second, nil)

	for i := 0; i < 5; i++ {
		src.pending = i
		w.writeOnce(context.Background())
		doc := readDoc(t, path)
		if doc.PendingCount != i {
			t.Fatalf("iteration %d: PendingCount = %d, want %d", i, doc.PendingCount, i)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "status.json" {
			t.Errorf("leftover temp file after atomic rename: %s", e.Name())
		}
	}
}

func TestWriteStoppedOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	src := &fakeSource{status: handshake.StatusConnected}
	w := New(src, path, time.Second, nil)

	w.writeStopped()

	doc := readDoc(t, path)
	if doc.Status != "stopped" {
		t.Errorf("Status = %q, want stopped", doc.Status)
	}
}
