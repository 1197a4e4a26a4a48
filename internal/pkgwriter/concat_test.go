package pkgwriter

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
}

func TestDedupeExistingFiltersMissingAndDuplicates(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mp4")
	b := filepath.Join(dir, "b.mp4")
	touch(t, a)
	touch(t, b)

	got := dedupeExisting([]string{a, a, b, filepath.Join(dir, "missing.mp4"), ""})
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestConcatMP4FailsWithFewerThanTwoSegments(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mp4")
	touch(t, a)

	ok := ConcatMP4(filepath.Join(dir, "out.mp4"), []string{a}, testLogger())
	if ok {
		t.Error("expected ConcatMP4 to fail with only one existing segment")
	}
}

func TestWriteConcatList(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mp4")
	touch(t, a)

	listPath := filepath.Join(dir, "list.txt")
	if err := writeConcatList(listPath, []string{a}); err != nil {
		t.Fatalf("writeConcatList failed: %v", err)
	}

	data, err := os.ReadFile(listPath)
	if err != nil {
		t.Fatalf("failed to read list file: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty concat list")
	}
}

func TestMakeBrowserReadyMissingFile(t *testing.T) {
	ok := MakeBrowserReady(filepath.Join(t.TempDir(), "missing.mp4"), testLogger())
	if ok {
		t.Error("expected MakeBrowserReady to fail for a missing file")
	}
}
