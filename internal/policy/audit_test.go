package policy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditWriter_WritesOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewAuditWriter(path, 0, 0)
	if err != nil {
		t.Fatalf("NewAuditWriter: %v", err)
	}
	defer w.Close()

	w.Write(Record{SessionID: "s1", CallID: "c1", Tool: "a"})
	w.Write(Record{SessionID: "s1", CallID: "c2", Tool: "b"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := bytes.Count(data, []byte("\n"))
	if lines != 2 {
		t.Fatalf("got %d lines, want 2 (data=%s)", lines, data)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var recs []Record
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal line %q: %v", scanner.Text(), err)
		}
		recs = append(recs, r)
	}
	if len(recs) != 2 || recs[0].CallID != "c1" || recs[1].CallID != "c2" {
		t.Fatalf("recs = %+v", recs)
	}
}

func TestAuditWriter_RotatesWhenOverSizeThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	// A tiny threshold forces rotation on the very first write that
	// crosses it.
	w, err := NewAuditWriter(path, 10, 2)
	if err != nil {
		t.Fatalf("NewAuditWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		w.Write(Record{SessionID: "s1", CallID: "c", Tool: "write_file"})
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("current audit file missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated generation .1 to exist: %v", err)
	}
}

func TestAuditWriter_KeepFilesBoundsGenerations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	w, err := NewAuditWriter(path, 10, 1)
	if err != nil {
		t.Fatalf("NewAuditWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 10; i++ {
		w.Write(Record{SessionID: "s1", CallID: "c", Tool: "write_file"})
	}

	if _, err := os.Stat(path + ".2"); !os.IsNotExist(err) {
		t.Fatalf("generation .2 should not exist with keepFiles=1, stat err = %v", err)
	}
}

func TestAuditWriter_MarshalFailureStillAppendsFallbackLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewAuditWriter(path, 0, 0)
	if err != nil {
		t.Fatalf("NewAuditWriter: %v", err)
	}
	defer w.Close()

	// An invalid RawMessage makes json.Marshal fail for the whole record.
	w.Write(Record{SessionID: "s1", CallID: "c1", ArgsRedacted: json.RawMessage(`{not json`)})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected at least one line written")
	}
	if !bytes.Contains(data, []byte("marshal failed")) {
		t.Fatalf("expected fallback line, got %s", data)
	}
}
