package fstore

import (
	"os"
	"path/filepath"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := New(t.TempDir(), "doc")

	in := doc{Name: "alpha", Value: 7}
	if err := fs.Write("d1", in); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var out doc
	if err := fs.Read("d1", &out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out != in {
		t.Errorf("round trip: got %+v, want %+v", out, in)
	}
}

func TestReadMissing(t *testing.T) {
	fs := New(t.TempDir(), "doc")

	var out doc
	if err := fs.Read("nope", &out); err == nil {
		t.Fatal("expected error for missing doc")
	}
}

func TestListAndRemove(t *testing.T) {
	fs := New(t.TempDir(), "doc")

	for _, id := range []string{"a", "b", "c"} {
		if err := fs.Write(id, doc{Name: id}); err != nil {
			t.Fatalf("Write %s: %v", id, err)
		}
	}

	ids, err := fs.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("List: got %d ids, want 3", len(ids))
	}

	if err := fs.Remove("b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if fs.Exists("b") {
		t.Error("b should be gone")
	}
	if err := fs.Remove("b"); err != nil {
		t.Errorf("removing a missing doc must not error: %v", err)
	}
}

func TestListEmptyDir(t *testing.T) {
	fs := New(filepath.Join(t.TempDir(), "does-not-exist"), "doc")

	ids, err := fs.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if ids != nil {
		t.Errorf("expected nil, got %v", ids)
	}
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	fs := New(dir, "doc")

	if err := fs.Write("d1", doc{Name: "x"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestJSONLAppendLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "log.jsonl")

	for i := 0; i < 3; i++ {
		if err := AppendJSONL(path, doc{Name: "n", Value: i}); err != nil {
			t.Fatalf("AppendJSONL: %v", err)
		}
	}

	items, err := LoadJSONL[doc](path)
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if len(items) != 3 || items[2].Value != 2 {
		t.Errorf("items: %+v", items)
	}
}

func TestJSONLSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := AppendJSONL(path, doc{Name: "ok"}); err != nil {
		t.Fatal(err)
	}
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("{not json\n")
	f.Close()
	if err := AppendJSONL(path, doc{Name: "also ok"}); err != nil {
		t.Fatal(err)
	}

	items, err := LoadJSONL[doc](path)
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 valid lines, got %d", len(items))
	}
}
