// Package scheduler runs the single long-lived cooperative loop that fires
// scheduled merges (spec §4.E). Cancelling an in-flight merge is purely
// cooperative: Cancel cancels the merge's context and the engine stops at
// its next check of that context. There is no forceful fallback timer; a
// merge that does not observe the cancellation keeps running and holds the
// single-flight lock until it returns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jesmann/epgmerge/internal/archive"
	"github.com/jesmann/epgmerge/internal/merge"
	"github.com/jesmann/epgmerge/internal/mergeerr"
	"github.com/jesmann/epgmerge/internal/notifier"
	"github.com/jesmann/epgmerge/internal/settings"
	"github.com/jesmann/epgmerge/internal/store"
)

// StuckJobThreshold is how long a job may sit in status=running before
// startup recovery considers it stuck (spec §4.A/§4.E).
const StuckJobThreshold = 2 * time.Hour

// pollInterval bounds how long the loop sleeps before rereading settings,
// even when the next scheduled run is further away (spec §4.E step "wake
// every 60s").
const pollInterval = 60 * time.Second

// Scheduler owns the single-flight "merge in progress" lock (I1) and the
// cooperative run loop.
type Scheduler struct {
	Store    *store.Store
	Dirs     settings.DirDefaults
	Engine   *merge.Engine
	Archive  *archive.Manager
	Notifier *notifier.Client
	Location *time.Location

	mu            sync.Mutex
	running       bool
	currentJobID  string
	cancelCurrent context.CancelFunc
}

func (s *Scheduler) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.running = false
	s.currentJobID = ""
	s.cancelCurrent = nil
	s.mu.Unlock()
}

// Cancel requests cancellation of the currently running merge, if any, by
// cancelling its context — every suspension point in the fetch and merge
// phases already polls this (spec's cooperative cancellation), so no
// separate forceful kill timer is needed the way a subprocess supervisor
// would need one. Returns the job id being cancelled and whether a merge
// was actually running.
func (s *Scheduler) Cancel() (string, bool) {
	s.mu.Lock()
	jobID := s.currentJobID
	cancel := s.cancelCurrent
	running := s.running
	s.mu.Unlock()
	if !running || cancel == nil {
		return "", false
	}
	cancel()
	return jobID, true
}

// RunLoop implements the INIT → RECOVERED → LOOP state machine. It blocks
// until ctx is cancelled.
func (s *Scheduler) RunLoop(ctx context.Context) error {
	n, err := s.Store.MarkStuckJobsFailed(ctx, time.Now().UTC(), StuckJobThreshold, "Stuck job recovered on startup")
	if err != nil {
		return fmt.Errorf("recover stuck jobs: %w", err)
	}
	if n > 0 {
		log.Printf("scheduler: recovered %d stuck job(s) at startup", n)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.tick(ctx); err != nil {
			log.Printf("scheduler: tick error: %v", err)
		}
		if sleepOrDone(ctx, pollInterval) {
			return nil
		}
	}
}

// tick evaluates current settings once: if nothing is configured to merge,
// it returns immediately (the 60s poll interval governs the next read); if
// a scheduled run is due, it fires one merge synchronously.
func (s *Scheduler) tick(ctx context.Context) error {
	snap, err := settings.Read(ctx, s.Store, s.Dirs)
	if err != nil {
		return err
	}
	if len(snap.SelectedSources) == 0 {
		return nil
	}
	versions, err := s.Store.ListChannelVersions(ctx)
	if err != nil {
		return err
	}
	if !hasVersion(versions, snap.MergeChannelsVersion) {
		return nil
	}

	sched, err := buildSchedule(snap)
	if err != nil {
		log.Printf("scheduler: invalid schedule configuration: %v", err)
		return nil
	}
	now := time.Now().In(s.location())
	// A run is due when a scheduled instant fell inside the poll window that
	// just elapsed. Ticks are at least pollInterval apart, so no instant is
	// seen by two ticks.
	next := sched.Next(now.Add(-pollInterval))
	if next.After(now) {
		return nil // not due yet; next poll will re-check
	}

	job, err := s.ExecuteMergeNow(ctx)
	if errors.Is(err, mergeerr.BusyError) {
		log.Printf("scheduler: skipping scheduled run at %s: a merge is already in progress", now.Format(time.RFC3339))
		return nil
	}
	if err != nil {
		log.Printf("scheduler: scheduled merge %s failed: %v", job.JobID, err)
	}
	return nil
}

func hasVersion(versions []store.ChannelVersion, filename string) bool {
	for _, v := range versions {
		if v.Filename == filename {
			return true
		}
	}
	return false
}

func (s *Scheduler) location() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

// ExecuteMergeNow runs one merge end to end: acquire the single-flight
// lock (I1), create and transition the Job row, run the engine, promote on
// success, notify, and release the lock. Both the run loop and the contract
// facade's manual "merge now" path call this.
func (s *Scheduler) ExecuteMergeNow(ctx context.Context) (store.Job, error) {
	if !s.tryAcquire() {
		return store.Job{}, mergeerr.BusyError
	}
	defer s.release()
	return s.runMergeJob(ctx)
}

func (s *Scheduler) runMergeJob(ctx context.Context) (store.Job, error) {
	snap, err := settings.Read(ctx, s.Store, s.Dirs)
	if err != nil {
		return store.Job{}, err
	}
	selectedChannels, err := s.Store.ListSelectedChannels(ctx)
	if err != nil {
		return store.Job{}, err
	}
	channels := make(map[string]struct{}, len(selectedChannels))
	for _, c := range selectedChannels {
		channels[c] = struct{}{}
	}

	s.Archive.OutputFilename = snap.OutputFilename
	job, _, err := s.executeAndRecord(ctx, merge.Input{
		Sources:         snap.SelectedSources,
		Channels:        channels,
		Timeframe:       snap.MergeTimeframe,
		FeedType:        snap.SelectedFeedType,
		OutputFilename:  snap.OutputFilename,
		DownloadTimeout: snap.DownloadTimeout,
		MergeTimeout:    snap.MergeTimeout,
		TmpDir:          snap.TmpDir,
	}, true, snap.DiscordWebhook, snap.ArchiveRetentionSweep)
	return job, err
}

// ExecuteAdHoc runs one merge against an explicitly supplied Input rather
// than the Store's current settings — the contract facade's manual
// "merge_execute" entry point (spec §4.G). Unlike the scheduled path it does
// not promote the result into current_dir; callers invoke merge_save for
// that once they've reviewed the output. It still honours I1.
func (s *Scheduler) ExecuteAdHoc(ctx context.Context, in merge.Input) (store.Job, merge.Report, error) {
	if !s.tryAcquire() {
		return store.Job{}, merge.Report{}, mergeerr.BusyError
	}
	defer s.release()

	snap, err := settings.Read(ctx, s.Store, s.Dirs)
	if err != nil {
		return store.Job{}, merge.Report{}, err
	}
	return s.executeAndRecord(ctx, in, false, snap.DiscordWebhook, snap.ArchiveRetentionSweep)
}

// executeAndRecord runs the engine against in, records a Job row across its
// lifecycle, optionally promotes the result, and sends a notification. The
// caller must already hold the single-flight lock.
func (s *Scheduler) executeAndRecord(ctx context.Context, in merge.Input, promote bool, discordWebhook string, archiveRetentionSweep bool) (store.Job, merge.Report, error) {
	startedAt := time.Now().UTC()
	jobID := fmt.Sprintf("scheduled_merge_%s_%s", startedAt.Format("20060102_150405"), uuid.New().String()[:8])
	job, err := s.Store.CreateJob(ctx, jobID, startedAt)
	if err != nil {
		return store.Job{}, merge.Report{}, err
	}
	if err := s.Store.SetJobRunning(ctx, jobID); err != nil {
		return job, merge.Report{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.currentJobID = jobID
	s.cancelCurrent = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.currentJobID = ""
		s.cancelCurrent = nil
		s.mu.Unlock()
	}()

	report, runErr := s.Engine.Run(runCtx, in)
	completedAt := time.Now().UTC()

	if runErr != nil {
		status := store.JobFailed
		if errors.Is(runErr, mergeerr.MergeTimeout) {
			status = store.JobTimeout
		}
		result := store.JobResult{ErrorMessage: runErr.Error()}
		if err := s.Store.FinishJob(ctx, jobID, status, completedAt, result); err != nil {
			log.Printf("scheduler: failed to record job %s outcome: %v", jobID, err)
		}
		s.notifyFailure(ctx, discordWebhook, runErr.Error(), jobID)
		job.Status = status
		job.CompletedAt = &completedAt
		job.ErrorMessage = runErr.Error()
		return job, report, runErr
	}

	if promote {
		if _, err := s.Archive.Promote(ctx, report.ChannelsIncluded, report.ProgramsIncluded, report.DaysIncluded, archiveRetentionSweep); err != nil {
			result := store.JobResult{ErrorMessage: fmt.Sprintf("promote failed: %v", err)}
			if ferr := s.Store.FinishJob(ctx, jobID, store.JobFailed, completedAt, result); ferr != nil {
				log.Printf("scheduler: failed to record job %s outcome: %v", jobID, ferr)
			}
			s.notifyFailure(ctx, discordWebhook, result.ErrorMessage, jobID)
			job.Status = store.JobFailed
			job.CompletedAt = &completedAt
			job.ErrorMessage = result.ErrorMessage
			return job, report, err
		}
	}

	result := store.JobResult{
		MergeFilename:        in.OutputFilename,
		ChannelsIncluded:     report.ChannelsIncluded,
		ProgramsIncluded:     report.ProgramsIncluded,
		FileSize:             report.FileSizeHuman,
		PeakMemoryMB:         report.PeakMemoryMB,
		DaysIncluded:         report.DaysIncluded,
		ExecutionTimeSeconds: report.ExecutionTimeSeconds,
	}
	if err := s.Store.FinishJob(ctx, jobID, store.JobSuccess, completedAt, result); err != nil {
		log.Printf("scheduler: failed to record job %s outcome: %v", jobID, err)
	}
	if promote {
		s.notifySuccess(ctx, discordWebhook, completedAt, report, in.OutputFilename)
	}

	job.Status = store.JobSuccess
	job.CompletedAt = &completedAt
	job.MergeFilename = result.MergeFilename
	job.ChannelsIncluded = result.ChannelsIncluded
	job.ProgramsIncluded = result.ProgramsIncluded
	job.FileSize = result.FileSize
	job.PeakMemoryMB = result.PeakMemoryMB
	job.DaysIncluded = result.DaysIncluded
	job.ExecutionTimeSeconds = result.ExecutionTimeSeconds
	return job, report, nil
}

func (s *Scheduler) notifySuccess(ctx context.Context, webhook string, completedAt time.Time, report merge.Report, filename string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.SendSuccess(ctx, webhook, notifier.SuccessPayload{
		Filename: filename,
		Created:  completedAt,
		Size:     report.FileSizeHuman,
		Channels: report.ChannelsIncluded,
		Programs: report.ProgramsIncluded,
		Days:     report.DaysIncluded,
		MemoryMB: report.PeakMemoryMB,
		Duration: time.Duration(report.ExecutionTimeSeconds * float64(time.Second)),
	}); err != nil {
		log.Printf("scheduler: success notification failed: %v", err)
	}
}

func (s *Scheduler) notifyFailure(ctx context.Context, webhook, message, jobID string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.SendFailure(ctx, webhook, notifier.FailurePayload{ErrorMessage: message, JobID: jobID}); err != nil {
		log.Printf("scheduler: failure notification failed: %v", err)
	}
}

// buildSchedule turns the daily/weekly settings into a cron.Schedule, the
// design note's "cron evaluation as a pure function".
func buildSchedule(snap settings.Snapshot) (cron.Schedule, error) {
	hour, minute, err := settings.ParseHHMM(snap.MergeTime)
	if err != nil {
		return nil, fmt.Errorf("%w: merge_time: %v", mergeerr.ConfigurationError, err)
	}
	var expr string
	switch snap.MergeSchedule {
	case "daily":
		expr = fmt.Sprintf("%d %d * * *", minute, hour)
	case "weekly":
		if len(snap.MergeDays) == 0 {
			return nil, fmt.Errorf("%w: weekly schedule requires at least one merge_days entry", mergeerr.ConfigurationError)
		}
		days := make([]string, len(snap.MergeDays))
		for i, d := range snap.MergeDays {
			days[i] = strconv.Itoa(d)
		}
		expr = fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(days, ","))
	default:
		return nil, fmt.Errorf("%w: merge_schedule must be daily or weekly", mergeerr.ConfigurationError)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron expression %q: %v", mergeerr.ConfigurationError, expr, err)
	}
	return sched, nil
}

// NextFromExpr parses a standard 5-field cron expression and returns its
// next firing time after now. Exposed for the contract facade's job_status
// "next scheduled run" computation (scenario S4), which needs the same pure
// evaluation buildSchedule uses without constructing a full Snapshot.
func NextFromExpr(expr string, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cron expression %q: %v", mergeerr.ConfigurationError, expr, err)
	}
	return sched.Next(now), nil
}

// sleepOrDone waits for d or ctx cancellation, whichever comes first, and
// reports whether ctx ended the wait.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
