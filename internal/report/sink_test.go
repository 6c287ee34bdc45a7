package report

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFilesystemSinkSave(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFilesystemSink(dir, "run-1")
	if err != nil {
		t.Fatalf("NewFilesystemSink: %v", err)
	}

	if err := sink.Save("summary_lifecycle_metrics", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "summary_lifecycle_metrics.json"))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected content: %s", data)
	}
}

func TestFilesystemSinkRejectsPathSeparators(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFilesystemSink(dir, "run-1")
	if err != nil {
		t.Fatalf("NewFilesystemSink: %v", err)
	}
	if err := sink.Save("../escape", []byte("x")); err == nil {
		t.Fatal("expected error for name containing path separators")
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	m := MultiSink{Sinks: []Sink{a, b}}
	if err := m.Save("stage_0_lifecycle_metrics", []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if string(a.Written["stage_0_lifecycle_metrics"]) != "x" || string(b.Written["stage_0_lifecycle_metrics"]) != "x" {
		t.Fatal("expected both sinks to receive the blob")
	}
}
