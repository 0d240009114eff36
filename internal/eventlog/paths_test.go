package eventlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseRunIDSplitsOnLastUnderscore(t *testing.T) {
	run, ok := ParseRunID("/logs/abc123_deadbeef.db")
	if !ok || run != "abc123" {
		t.Fatalf("expected run id abc123, got %q ok=%v", run, ok)
	}

	// run ids are hex and never contain underscores, but local ids follow
	// the last one, so a run id rendered with one still splits correctly.
	run, ok = ParseRunID("a_b_c.db")
	if !ok || run != "a_b" {
		t.Fatalf("expected run id a_b, got %q ok=%v", run, ok)
	}

	if _, ok := ParseRunID("nounderscore.db"); ok {
		t.Fatal("a filename without the run/local separator must not parse")
	}
}

func TestRunFilesAndDeleteRunMatchBySubstring(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"run1_a.db", "run1_b.db", "run2_a.db", "ignored.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	files, err := RunFiles(dir, "run1")
	if err != nil {
		t.Fatalf("RunFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected the two run1 databases, got %v", files)
	}

	if err := DeleteRun(dir, "run1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	left, err := RunFiles(dir, "run")
	if err != nil {
		t.Fatalf("RunFiles after delete: %v", err)
	}
	if len(left) != 1 || filepath.Base(left[0]) != "run2_a.db" {
		t.Fatalf("expected only run2_a.db to survive, got %v", left)
	}
}
