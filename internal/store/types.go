package store

import "time"

// JobStatus is one of the terminal or in-flight states a Job may occupy.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
	JobTimeout JobStatus = "timeout"
)

// ChannelVersion records one saved channel-list snapshot. The current
// version is the row whose Filename equals the channels_filename setting;
// archived versions carry a ".YYYYMMDD_HHMMSS" suffix.
type ChannelVersion struct {
	Filename      string
	CreatedAt     time.Time
	SourcesCount  int
	ChannelsCount int
	SizeBytes     int64
}

// Archive records one promoted (or archived) merge output file.
type Archive struct {
	Filename      string
	CreatedAt     time.Time
	Channels      int
	Programs      int
	DaysIncluded  int
	SizeBytes     int64
}

// Job records one invocation of the merge engine, scheduled or manual.
type Job struct {
	JobID                 string
	Status                JobStatus
	StartedAt             time.Time
	CompletedAt           *time.Time
	MergeFilename         string
	ChannelsIncluded      int
	ProgramsIncluded      int
	FileSize              string // human-readable, e.g. "0.04MB"
	PeakMemoryMB          float64
	DaysIncluded          int
	ErrorMessage          string
	ExecutionTimeSeconds  float64
}
