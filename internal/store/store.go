// Package store is the durable, process-local key/value and record store.
// It is backed by a single embedded SQLite file opened with exactly one
// connection, serially, mirroring internal/plex/dvr.go's
// sql.Open("sqlite", ...) pattern generalised to the full settings/
// selected-channels/archive/channel-version/job schema this engine needs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jesmann/epgmerge/internal/mergeerr"
)

// Defaults holds the string-typed default for every setting key the engine
// recognises (spec §3). Keys not present here have no declared default and
// GetSetting returns "" for them.
var Defaults = map[string]string{
	"output_filename":                   "merged.xml.gz",
	"channels_filename":                 "channels.json",
	"merge_schedule":                    "daily",
	"merge_time":                        "00:00",
	"merge_days":                        "[0,1,2,3,4,5,6]",
	"merge_timeframe":                   "3",
	"merge_channels_version":            "channels.json",
	"selected_sources":                  "[]",
	"selected_feed_type":                "iptv",
	"download_timeout":                  "120",
	"merge_timeout":                     "300",
	"channel_drop_threshold":            "",
	"archive_retention_cleanup_expired": "true",
	"discord_webhook":                   "",
}

// Store is the single handle through which every other component reads and
// writes durable state. Callers must not open more than one Store against
// the same path; the underlying *sql.DB is capped at one open connection so
// writes are inherently serialised (spec: "exactly one connection is used
// serially").
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and applies the
// schema idempotently. Returns mergeerr.StoreUnavailable if the file cannot
// be opened, mergeerr.SchemaMismatch if migration fails.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mergeerr.StoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", mergeerr.StoreUnavailable, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", mergeerr.SchemaMismatch, err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS selected_channels (
			channel_id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS channel_versions (
			filename TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			sources_count INTEGER NOT NULL DEFAULT 0,
			channels_count INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS archives (
			filename TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			channels INTEGER NOT NULL DEFAULT 0,
			programs INTEGER NOT NULL DEFAULT 0,
			days_included INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			merge_filename TEXT NOT NULL DEFAULT '',
			channels_included INTEGER NOT NULL DEFAULT 0,
			programs_included INTEGER NOT NULL DEFAULT 0,
			file_size TEXT NOT NULL DEFAULT '',
			peak_memory_mb REAL NOT NULL DEFAULT 0,
			days_included INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			execution_time_seconds REAL NOT NULL DEFAULT 0
		)`,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetSetting returns the stored value for key, or its declared default if
// unset. Unknown keys (not in Defaults and not stored) return "".
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return Defaults[key], nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// AllSettings returns every recognised key materialised with its current
// value (stored, or default if never set).
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(Defaults))
	for k, v := range Defaults {
		out[k] = v
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ReplaceSelectedChannels atomically clears and rewrites the selected-
// channel set.
func (s *Store) ReplaceSelectedChannels(ctx context.Context, channels []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM selected_channels`); err != nil {
		tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO selected_channels (channel_id) VALUES (?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	seen := make(map[string]bool, len(channels))
	for _, c := range channels {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		if _, err := stmt.ExecContext(ctx, c); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListSelectedChannels returns the current selected-channel set.
func (s *Store) ListSelectedChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM selected_channels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertArchive inserts or replaces an Archive row.
func (s *Store) UpsertArchive(ctx context.Context, a Archive) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archives (filename, created_at, channels, programs, days_included, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			created_at = excluded.created_at,
			channels = excluded.channels,
			programs = excluded.programs,
			days_included = excluded.days_included,
			size_bytes = excluded.size_bytes`,
		a.Filename, a.CreatedAt.UTC().Format(time.RFC3339), a.Channels, a.Programs, a.DaysIncluded, a.SizeBytes)
	return err
}

// GetArchive returns the Archive row for filename, or mergeerr.NotFound.
func (s *Store) GetArchive(ctx context.Context, filename string) (Archive, error) {
	var a Archive
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT filename, created_at, channels, programs, days_included, size_bytes
		FROM archives WHERE filename = ?`, filename).
		Scan(&a.Filename, &created, &a.Channels, &a.Programs, &a.DaysIncluded, &a.SizeBytes)
	if err == sql.ErrNoRows {
		return Archive{}, mergeerr.NotFound
	}
	if err != nil {
		return Archive{}, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return a, nil
}

// ListArchives returns all Archive rows, most recent first.
func (s *Store) ListArchives(ctx context.Context) ([]Archive, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, created_at, channels, programs, days_included, size_bytes
		FROM archives ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Archive
	for rows.Next() {
		var a Archive
		var created string
		if err := rows.Scan(&a.Filename, &created, &a.Channels, &a.Programs, &a.DaysIncluded, &a.SizeBytes); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArchive removes the Archive row for filename.
func (s *Store) DeleteArchive(ctx context.Context, filename string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM archives WHERE filename = ?`, filename)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mergeerr.NotFound
	}
	return nil
}

// UpsertChannelVersion inserts or replaces a ChannelVersion row.
func (s *Store) UpsertChannelVersion(ctx context.Context, v ChannelVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_versions (filename, created_at, sources_count, channels_count, size_bytes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			created_at = excluded.created_at,
			sources_count = excluded.sources_count,
			channels_count = excluded.channels_count,
			size_bytes = excluded.size_bytes`,
		v.Filename, v.CreatedAt.UTC().Format(time.RFC3339), v.SourcesCount, v.ChannelsCount, v.SizeBytes)
	return err
}

// ListChannelVersions returns all ChannelVersion rows, most recent first.
func (s *Store) ListChannelVersions(ctx context.Context) ([]ChannelVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, created_at, sources_count, channels_count, size_bytes
		FROM channel_versions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChannelVersion
	for rows.Next() {
		var v ChannelVersion
		var created string
		if err := rows.Scan(&v.Filename, &created, &v.SourcesCount, &v.ChannelsCount, &v.SizeBytes); err != nil {
			return nil, err
		}
		v.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteChannelVersion removes a ChannelVersion row.
func (s *Store) DeleteChannelVersion(ctx context.Context, filename string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channel_versions WHERE filename = ?`, filename)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mergeerr.NotFound
	}
	return nil
}

// CreateJob inserts a new Job row in status=pending.
func (s *Store) CreateJob(ctx context.Context, jobID string, startedAt time.Time) (Job, error) {
	j := Job{JobID: jobID, Status: JobPending, StartedAt: startedAt}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, status, started_at) VALUES (?, ?, ?)`,
		j.JobID, j.Status, j.StartedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// SetJobRunning transitions a pending job to running.
func (s *Store) SetJobRunning(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE job_id = ?`, JobRunning, jobID)
	return err
}

// FinishJob transitions a job to a terminal state with its final metrics.
// Jobs never transition after reaching a terminal state; callers are
// responsible for calling this exactly once per job.
func (s *Store) FinishJob(ctx context.Context, jobID string, status JobStatus, completedAt time.Time, fields JobResult) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?,
			completed_at = ?,
			merge_filename = ?,
			channels_included = ?,
			programs_included = ?,
			file_size = ?,
			peak_memory_mb = ?,
			days_included = ?,
			error_message = ?,
			execution_time_seconds = ?
		WHERE job_id = ?`,
		status, completedAt.UTC().Format(time.RFC3339), fields.MergeFilename,
		fields.ChannelsIncluded, fields.ProgramsIncluded, fields.FileSize,
		fields.PeakMemoryMB, fields.DaysIncluded, fields.ErrorMessage,
		fields.ExecutionTimeSeconds, jobID)
	return err
}

// JobResult carries the terminal fields recorded by FinishJob.
type JobResult struct {
	MergeFilename        string
	ChannelsIncluded      int
	ProgramsIncluded      int
	FileSize              string
	PeakMemoryMB          float64
	DaysIncluded          int
	ErrorMessage          string
	ExecutionTimeSeconds  float64
}

// MarkStuckJobsFailed transitions every job in status=running whose
// started_at is older than now-threshold to status=failed with a synthetic
// error_message. Called once, at startup, per spec §4.E.
func (s *Store) MarkStuckJobsFailed(ctx context.Context, now time.Time, threshold time.Duration, message string) (int, error) {
	cutoff := now.Add(-threshold).UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, error_message = ?
		WHERE status = ? AND started_at < ?`,
		JobFailed, now.UTC().Format(time.RFC3339), message, JobRunning, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListJobs returns up to limit jobs, most recent first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, status, started_at, completed_at, merge_filename,
			channels_included, programs_included, file_size, peak_memory_mb,
			days_included, error_message, execution_time_seconds
		FROM jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// LatestJob returns the most recently started job, or mergeerr.NotFound if
// none exists.
func (s *Store) LatestJob(ctx context.Context) (Job, error) {
	jobs, err := s.ListJobs(ctx, 1)
	if err != nil {
		return Job{}, err
	}
	if len(jobs) == 0 {
		return Job{}, mergeerr.NotFound
	}
	return jobs[0], nil
}

// ClearJobs deletes every job row and returns the count deleted.
func (s *Store) ClearJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var j Job
		var started string
		var completed sql.NullString
		if err := rows.Scan(&j.JobID, &j.Status, &started, &completed, &j.MergeFilename,
			&j.ChannelsIncluded, &j.ProgramsIncluded, &j.FileSize, &j.PeakMemoryMB,
			&j.DaysIncluded, &j.ErrorMessage, &j.ExecutionTimeSeconds); err != nil {
			return nil, err
		}
		j.StartedAt, _ = time.Parse(time.RFC3339, started)
		if completed.Valid {
			t, err := time.Parse(time.RFC3339, completed.String)
			if err == nil {
				j.CompletedAt = &t
			}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
