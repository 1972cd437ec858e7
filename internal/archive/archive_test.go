package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jesmann/epgmerge/internal/mergeerr"
	"github.com/jesmann/epgmerge/internal/store"
)

type fakeStore struct {
	rows map[string]store.Archive
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string]store.Archive{}} }

func (s *fakeStore) GetArchive(ctx context.Context, filename string) (store.Archive, error) {
	a, ok := s.rows[filename]
	if !ok {
		return store.Archive{}, mergeerr.NotFound
	}
	return a, nil
}

func (s *fakeStore) UpsertArchive(ctx context.Context, a store.Archive) error {
	s.rows[a.Filename] = a
	return nil
}

func (s *fakeStore) ListArchives(ctx context.Context) ([]store.Archive, error) {
	var out []store.Archive
	for _, a := range s.rows {
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeStore) DeleteArchive(ctx context.Context, filename string) error {
	if _, ok := s.rows[filename]; !ok {
		return mergeerr.NotFound
	}
	delete(s.rows, filename)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	root := t.TempDir()
	tmp, cur, arc := filepath.Join(root, "tmp"), filepath.Join(root, "current"), filepath.Join(root, "archive")
	for _, d := range []string{tmp, cur, arc} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	st := newFakeStore()
	return &Manager{
		Store:          st,
		TmpDir:         tmp,
		CurrentDir:     cur,
		ArchiveDir:     arc,
		OutputFilename: "merged.xml.gz",
	}, st
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPromoteFirstRunNoExistingCurrent(t *testing.T) {
	m, st := newTestManager(t)
	writeFile(t, filepath.Join(m.TmpDir, m.OutputFilename), "v1")

	result, err := m.Promote(context.Background(), 10, 20, 3, false)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if result.ArchivedPrevious != "" {
		t.Errorf("expected no archived previous, got %q", result.ArchivedPrevious)
	}
	if _, err := os.Stat(filepath.Join(m.CurrentDir, m.OutputFilename)); err != nil {
		t.Errorf("current file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.TmpDir, m.OutputFilename)); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be moved away")
	}
	if _, ok := st.rows[m.OutputFilename]; !ok {
		t.Errorf("expected Archive row for current file")
	}
}

func TestPromoteRotatesExistingCurrent(t *testing.T) {
	m, st := newTestManager(t)
	writeFile(t, filepath.Join(m.CurrentDir, m.OutputFilename), "old")
	st.rows[m.OutputFilename] = store.Archive{Filename: m.OutputFilename, CreatedAt: time.Now().UTC(), Channels: 5, Programs: 5, DaysIncluded: 3}
	writeFile(t, filepath.Join(m.TmpDir, m.OutputFilename), "new")

	result, err := m.Promote(context.Background(), 10, 20, 3, false)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if result.ArchivedPrevious == "" {
		t.Fatalf("expected previous current file to be archived")
	}
	archivedPath := filepath.Join(m.ArchiveDir, result.ArchivedPrevious)
	data, err := os.ReadFile(archivedPath)
	if err != nil || string(data) != "old" {
		t.Errorf("archived file content = %q, %v", data, err)
	}
	data, err = os.ReadFile(filepath.Join(m.CurrentDir, m.OutputFilename))
	if err != nil || string(data) != "new" {
		t.Errorf("current file content = %q, %v", data, err)
	}
	if _, ok := st.rows[result.ArchivedPrevious]; !ok {
		t.Errorf("expected Archive row for rotated file")
	}
}

func TestPromoteRequiresPendingTempFile(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Promote(context.Background(), 1, 1, 3, false); err == nil {
		t.Fatalf("expected error when no temp output exists")
	}
}

func TestDeleteForbidsCurrentFile(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Delete(context.Background(), m.OutputFilename); err == nil {
		t.Fatalf("expected ConflictDeletion error")
	}
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Delete(context.Background(), "nope.xml.gz.20250101_000000"); err != mergeerr.NotFound {
		t.Fatalf("Delete = %v, want NotFound", err)
	}
}

func TestSweepRemovesExpiredKeepsCurrent(t *testing.T) {
	m, st := newTestManager(t)
	writeFile(t, filepath.Join(m.ArchiveDir, "merged.xml.gz.20200101_000000"), "old")
	writeFile(t, filepath.Join(m.ArchiveDir, "merged.xml.gz.20260101_000000"), "fresh")
	writeFile(t, filepath.Join(m.CurrentDir, m.OutputFilename), "cur")

	st.rows["merged.xml.gz.20200101_000000"] = store.Archive{Filename: "merged.xml.gz.20200101_000000", CreatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), DaysIncluded: 3}
	st.rows["merged.xml.gz.20260101_000000"] = store.Archive{Filename: "merged.xml.gz.20260101_000000", CreatedAt: time.Now().UTC(), DaysIncluded: 3}
	st.rows[m.OutputFilename] = store.Archive{Filename: m.OutputFilename, CreatedAt: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), DaysIncluded: 3}

	n, err := m.Sweep(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep removed %d entries, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(m.ArchiveDir, "merged.xml.gz.20200101_000000")); !os.IsNotExist(err) {
		t.Errorf("expired archive file should have been removed")
	}
	if _, err := os.Stat(filepath.Join(m.ArchiveDir, "merged.xml.gz.20260101_000000")); err != nil {
		t.Errorf("fresh archive file should remain: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.CurrentDir, m.OutputFilename)); err != nil {
		t.Errorf("current file must never be swept: %v", err)
	}
}

func TestClearTempReportsFreedSpace(t *testing.T) {
	m, _ := newTestManager(t)
	writeFile(t, filepath.Join(m.TmpDir, "a.tmp"), "1234")
	writeFile(t, filepath.Join(m.TmpDir, "b.tmp"), "5678")

	deleted, freedMB, err := m.ClearTemp()
	if err != nil {
		t.Fatalf("ClearTemp: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if freedMB <= 0 {
		t.Errorf("freedMB = %f, want > 0", freedMB)
	}
	entries, _ := os.ReadDir(m.TmpDir)
	if len(entries) != 0 {
		t.Errorf("expected tmp dir to be empty, got %d entries", len(entries))
	}
}
