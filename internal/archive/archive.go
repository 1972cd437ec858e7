// Package archive implements promotion of a freshly merged file into the
// current slot, retention-bounded archival of the file it replaces, and
// cleanup of the temp and archive directories (spec §4.D). The atomic
// rename-into-place pattern mirrors internal/dvbdb/dvbdb.go's Save() and
// internal/indexer/fetch/state.go's saveLocked().
package archive

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jesmann/epgmerge/internal/mergeerr"
	"github.com/jesmann/epgmerge/internal/store"
)

// Store is the subset of *store.Store the manager needs.
type Store interface {
	GetArchive(ctx context.Context, filename string) (store.Archive, error)
	UpsertArchive(ctx context.Context, a store.Archive) error
	ListArchives(ctx context.Context) ([]store.Archive, error)
	DeleteArchive(ctx context.Context, filename string) error
}

// Manager promotes merge output into place and manages the archive and temp
// directories.
type Manager struct {
	Store          Store
	TmpDir         string
	CurrentDir     string
	ArchiveDir     string
	OutputFilename string
}

// PromoteResult reports what promote() actually did.
type PromoteResult struct {
	ArchivedPrevious string // empty if there was no previous current file
}

// Promote moves tmp_dir/<output_filename> into current_dir, archiving
// whatever was previously current, and records an Archive row for the new
// current file (spec §4.D steps 1-4).
func (m *Manager) Promote(ctx context.Context, channels, programs, daysIncluded int, cleanupExpired bool) (PromoteResult, error) {
	tmpPath := filepath.Join(m.TmpDir, m.OutputFilename)
	if _, err := os.Stat(tmpPath); err != nil {
		return PromoteResult{}, fmt.Errorf("%w: no pending merge output at %s", mergeerr.ConfigurationError, tmpPath)
	}

	currentPath := filepath.Join(m.CurrentDir, m.OutputFilename)
	var result PromoteResult

	if info, err := os.Stat(currentPath); err == nil {
		stamp := time.Now().UTC().Format("20060102_150405")
		archivedName := m.OutputFilename + "." + stamp
		archivedPath := filepath.Join(m.ArchiveDir, archivedName)
		if err := os.MkdirAll(m.ArchiveDir, 0o755); err != nil {
			return PromoteResult{}, err
		}
		if err := renameOrCopy(currentPath, archivedPath); err != nil {
			return PromoteResult{}, err
		}
		a := m.archiveRowFor(ctx, archivedName, info.Size(), daysIncluded)
		if err := m.Store.UpsertArchive(ctx, a); err != nil {
			return PromoteResult{}, err
		}
		result.ArchivedPrevious = archivedName
		log.Printf("archive: rotated previous current file to %s (%s)", archivedName, humanize.Bytes(uint64(info.Size())))
	}

	if err := os.MkdirAll(m.CurrentDir, 0o755); err != nil {
		return PromoteResult{}, err
	}
	if err := renameOrCopy(tmpPath, currentPath); err != nil {
		return PromoteResult{}, err
	}

	info, err := os.Stat(currentPath)
	if err != nil {
		return PromoteResult{}, err
	}
	if err := m.Store.UpsertArchive(ctx, store.Archive{
		Filename:     m.OutputFilename,
		CreatedAt:    time.Now().UTC(),
		Channels:     channels,
		Programs:     programs,
		DaysIncluded: daysIncluded,
		SizeBytes:    info.Size(),
	}); err != nil {
		return PromoteResult{}, err
	}
	log.Printf("archive: promoted %s to current (%s, %d channels, %d programmes)",
		m.OutputFilename, humanize.Bytes(uint64(info.Size())), channels, programs)

	if cleanupExpired {
		if n, err := m.Sweep(ctx, time.Now().UTC()); err != nil {
			log.Printf("archive: retention sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("archive: retention sweep removed %d expired archive(s)", n)
		}
	}

	return result, nil
}

// archiveRowFor builds an Archive row for a file being rotated out of
// current. It prefers the existing Store row for output_filename (reused as
// the archived file's metadata) and falls back to a synthesized row based on
// a stat() if no row is on file (e.g. the process restarted between merges).
func (m *Manager) archiveRowFor(ctx context.Context, archivedName string, size int64, daysIncluded int) store.Archive {
	if prior, err := m.Store.GetArchive(ctx, m.OutputFilename); err == nil {
		prior.Filename = archivedName
		prior.SizeBytes = size
		return prior
	}
	return store.Archive{
		Filename:     archivedName,
		CreatedAt:    time.Now().UTC(),
		DaysIncluded: daysIncluded,
		SizeBytes:    size,
	}
}

// ClearTemp deletes everything under tmp_dir and reports how much space was
// freed.
func (m *Manager) ClearTemp() (deleted int, freedMB float64, err error) {
	entries, err := os.ReadDir(m.TmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	var freedBytes int64
	for _, entry := range entries {
		path := filepath.Join(m.TmpDir, entry.Name())
		info, statErr := entry.Info()
		if statErr == nil {
			freedBytes += info.Size()
		}
		if err := os.RemoveAll(path); err != nil {
			return deleted, float64(freedBytes) / (1024 * 1024), err
		}
		deleted++
	}
	return deleted, float64(freedBytes) / (1024 * 1024), nil
}

// Sweep deletes every archived file (and its Archive row) whose
// created_at+days_included has passed as of now, except the current file.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	rows, err := m.Store.ListArchives(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range rows {
		if a.Filename == m.OutputFilename {
			continue // current file is exempt
		}
		expiry := a.CreatedAt.AddDate(0, 0, a.DaysIncluded)
		if expiry.After(now) {
			continue
		}
		if err := m.Delete(ctx, a.Filename); err != nil && err != mergeerr.NotFound {
			return n, err
		}
		n++
	}
	return n, nil
}

// Delete removes an archived file and its Store row. Deleting the current
// output file is forbidden; deleting a filename with neither a file nor a
// row is mergeerr.NotFound.
func (m *Manager) Delete(ctx context.Context, filename string) error {
	if filename == m.OutputFilename {
		return fmt.Errorf("%w: cannot delete the current output file", mergeerr.ConflictDeletion)
	}
	path := m.PathFor(filename)
	_, statErr := os.Stat(path)
	_, rowErr := m.Store.GetArchive(ctx, filename)
	if os.IsNotExist(statErr) && rowErr == mergeerr.NotFound {
		return mergeerr.NotFound
	}
	if statErr == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	if rowErr == nil {
		if err := m.Store.DeleteArchive(ctx, filename); err != nil && err != mergeerr.NotFound {
			return err
		}
	}
	return nil
}

// PathFor returns the filesystem path for an archived filename.
func (m *Manager) PathFor(filename string) string {
	return filepath.Join(m.ArchiveDir, filename)
}

// renameOrCopy attempts an atomic rename first (the common case, same
// filesystem) and falls back to copy+fsync+unlink when the rename fails
// because src and dst cross a filesystem boundary.
func renameOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".archive-*.tmp")
	if err != nil {
		return err
	}
	tmpName := out.Name()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpName)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpName)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Remove(src)
}
