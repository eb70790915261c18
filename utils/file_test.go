package utils

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b", "c")

	if err := EnsureDirs(a, b); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{a, b} {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			t.Errorf("EnsureDirs did not create %s", d)
		}
	}
}

func TestValidFile(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatalf("write empty: %v", err)
	}
	if ValidFile(empty) {
		t.Error("ValidFile(empty) = true, want false for a zero-byte file")
	}

	nonEmpty := filepath.Join(dir, "nonempty")
	if err := os.WriteFile(nonEmpty, []byte("data"), 0o600); err != nil {
		t.Fatalf("write nonempty: %v", err)
	}
	if !ValidFile(nonEmpty) {
		t.Error("ValidFile(nonempty) = false, want true")
	}

	if ValidFile(filepath.Join(dir, "missing")) {
		t.Error("ValidFile(missing) = true, want false")
	}

	if ValidFile(dir) {
		t.Error("ValidFile(dir) = true, want false for a directory")
	}
}

func TestScanFileStems(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.qcow2", "b.qcow2", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	stems := ScanFileStems(dir, ".qcow2")
	want := map[string]bool{"a": true, "b": true}
	if len(stems) != len(want) {
		t.Fatalf("ScanFileStems = %v, want 2 entries", stems)
	}
	for _, s := range stems {
		if !want[s] {
			t.Errorf("unexpected stem %q", s)
		}
	}
}

func TestScanSubdirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub1"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub2"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notadir"), nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	names := ScanSubdirs(dir)
	if len(names) != 2 { //nolint:mnd
		t.Fatalf("ScanSubdirs = %v, want 2 directory entries", names)
	}
}

func TestFilterUnreferenced(t *testing.T) {
	refs := map[string]struct{}{"keep": {}}
	exclude := map[string]struct{}{"pending": {}}

	got := FilterUnreferenced([]string{"keep", "drop", "pending"}, refs, exclude)
	if len(got) != 1 || got[0] != "drop" {
		t.Errorf("FilterUnreferenced = %v, want [drop]", got)
	}
}

func TestRemoveMatching(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"keep", "stale1", "stale2"} {
		if err := os.Mkdir(filepath.Join(dir, name), 0o750); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
	}

	errs := RemoveMatching(context.Background(), dir, func(e os.DirEntry) bool {
		return e.Name() != "keep"
	})
	if len(errs) != 0 {
		t.Fatalf("RemoveMatching errors = %v, want none", errs)
	}

	remaining := ScanSubdirs(dir)
	if len(remaining) != 1 || remaining[0] != "keep" {
		t.Errorf("remaining dirs = %v, want only keep", remaining)
	}
}

func TestRemoveMatchingMissingDirIsNotAnError(t *testing.T) {
	errs := RemoveMatching(context.Background(), filepath.Join(t.TempDir(), "nope"), func(os.DirEntry) bool {
		return true
	})
	if len(errs) != 0 {
		t.Errorf("RemoveMatching on a missing dir returned errors = %v, want none", errs)
	}
}
