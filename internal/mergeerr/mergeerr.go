// Package mergeerr defines the error kinds raised by the merge engine and
// its surrounding subsystems. Kinds are plain sentinel values compared with
// errors.Is; callers that need the kind (the Scheduler mapping errors to Job
// terminal states, the Facade mapping errors to HTTP status) unwrap with
// errors.Is against the exported sentinels below.
package mergeerr

import "errors"

// Kind is a sentinel error identifying the class of failure. Wrap it with
// fmt.Errorf("...: %w", Kind) to attach detail while preserving errors.Is.
type Kind error

var (
	// ConfigurationError: invalid timeframe/feed_type pair, empty sources or
	// channels, bad output filename, malformed setting value. Raised before
	// any I/O; never retried.
	ConfigurationError Kind = errors.New("configuration error")

	// UpstreamUnavailable: network error or non-2xx HTTP status during a
	// feed fetch. Fails the merge atomically; no partial output remains.
	UpstreamUnavailable Kind = errors.New("upstream unavailable")

	// UpstreamMalformed: HEAD returned no Content-Length; caller should
	// downgrade silently to GET rather than treat this as fatal.
	UpstreamMalformed Kind = errors.New("upstream response malformed")

	// DownloadTimeout: the fetch-phase group deadline (download_timeout)
	// was exceeded before all sources completed.
	DownloadTimeout Kind = errors.New("download timeout")

	// ParseError: an XML well-formedness violation in a specific source.
	ParseError Kind = errors.New("parse error")

	// MergeTimeout: the merge-phase wall-clock deadline was exceeded.
	MergeTimeout Kind = errors.New("merge timeout")

	// BusyError: a merge is already in progress; returned immediately, no
	// queueing.
	BusyError Kind = errors.New("busy")

	// NotFound: an archive or channel-version operation referenced a
	// filename that does not exist.
	NotFound Kind = errors.New("not found")

	// ConflictDeletion: an archive or channel-version operation attempted
	// to delete the current (undeletable) row.
	ConflictDeletion Kind = errors.New("conflict: cannot delete current")

	// StoreUnavailable: the backing store file could not be opened.
	StoreUnavailable Kind = errors.New("store unavailable")

	// SchemaMismatch: a required column could not be added during
	// migration.
	SchemaMismatch Kind = errors.New("schema mismatch")

	// JobCancelled: a running job was cancelled via job_cancel before it
	// completed.
	JobCancelled Kind = errors.New("job cancelled")
)
