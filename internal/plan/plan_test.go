package plan

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestBuildDirectoryRecursesDeterministically(t *testing.T) {
	root := t.TempDir()
	tree := filepath.Join(root, "a")
	writeFile(t, filepath.Join(tree, "b.txt"), []byte("0123456789"))
	writeFile(t, filepath.Join(tree, "c", "d.txt"), nil)
	writeFile(t, filepath.Join(tree, "z.txt"), []byte("z"))

	entries, err := Build([]string{tree}, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var got []string
	for _, e := range entries {
		got = append(got, e.RelativePath)
	}
	want := []string{"a/b.txt", "a/z.txt", "a/c/d.txt"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got %q, want %q (full order %v)", i, got[i], want[i], got)
		}
	}
}

func TestBuildZeroByteFile(t *testing.T) {
	root := t.TempDir()
	tree := filepath.Join(root, "a")
	writeFile(t, filepath.Join(tree, "c", "d.txt"), nil)
	writeFile(t, filepath.Join(tree, "b.txt"), []byte("0123456789"))

	entries, err := Build([]string{tree}, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var zero *Entry
	for i := range entries {
		if entries[i].RelativePath == "a/c/d.txt" {
			zero = &entries[i]
		}
	}
	if zero == nil {
		t.Fatalf("expected entry a/c/d.txt in %v", entries)
	}
	if zero.Size != 0 {
		t.Fatalf("Size = %d, want 0", zero.Size)
	}
}

func TestBuildFlatCollapsesToBasename(t *testing.T) {
	root := t.TempDir()
	tree := filepath.Join(root, "a")
	writeFile(t, filepath.Join(tree, "sub", "leaf.txt"), []byte("x"))

	entries, err := Build([]string{tree}, Options{Flat: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].RelativePath != "leaf.txt" {
		t.Fatalf("RelativePath = %q, want %q", entries[0].RelativePath, "leaf.txt")
	}
}

func TestBuildMixedFilesAndDirectories(t *testing.T) {
	root := t.TempDir()
	solo := filepath.Join(root, "solo.txt")
	writeFile(t, solo, []byte("solo"))
	dir := filepath.Join(root, "dir")
	writeFile(t, filepath.Join(dir, "inner.txt"), []byte("inner"))

	entries, err := Build([]string{solo, dir}, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].RelativePath != "solo.txt" {
		t.Fatalf("entries[0].RelativePath = %q, want %q", entries[0].RelativePath, "solo.txt")
	}
	if entries[1].RelativePath != "dir/inner.txt" {
		t.Fatalf("entries[1].RelativePath = %q, want %q", entries[1].RelativePath, "dir/inner.txt")
	}
}

func TestBuildMissingPathFails(t *testing.T) {
	if _, err := Build([]string{filepath.Join(t.TempDir(), "missing")}, Options{}); err == nil {
		t.Fatal("expected error for missing path")
	}
}
