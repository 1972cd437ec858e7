// Package facade implements the ContractFacade (spec §5.G): the single
// surface a UI or CLI talks to, wiring together Store, FeedCache,
// MergeEngine, ArchiveManager, Scheduler, Notifier and Enricher. It is the
// "explicit Application context object" held by cmd/epg-merge/main.go in
// place of teacher-style package-level globals.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jesmann/epgmerge/internal/archive"
	"github.com/jesmann/epgmerge/internal/enrich"
	"github.com/jesmann/epgmerge/internal/feedcache"
	"github.com/jesmann/epgmerge/internal/merge"
	"github.com/jesmann/epgmerge/internal/mergeerr"
	"github.com/jesmann/epgmerge/internal/scheduler"
	"github.com/jesmann/epgmerge/internal/settings"
	"github.com/jesmann/epgmerge/internal/store"
)

// knownSources is the catalog of feed filenames this upstream is known to
// serve under every (timeframe, feed_type) folder. There is no upstream
// directory-listing endpoint (spec §6's "Upstream HTTP origin" exposes only
// per-file HEAD/GET), so ListSources offers this fixed catalog rather than
// attempting to enumerate a remote directory — the same embedded-table
// approach internal/dvbdb/dvbdb.go uses for its ONID names.
var knownSources = []string{
	"canada_iptv.xml.gz",
	"us_iptv.xml.gz",
	"uk_iptv.xml.gz",
	"au_iptv.xml.gz",
}

// ChannelListFetcher is the subset of feedcache.Cache the facade depends on
// for LoadChannelsFromSources, so tests can substitute a fake (mirrors
// internal/merge.Fetcher's reason for existing).
type ChannelListFetcher interface {
	Get(ctx context.Context, filename, timeframe, feedType string, timeout time.Duration) (string, feedcache.Status, error)
}

// Facade is the single entry point a UI or CLI drives the engine through.
type Facade struct {
	Store     *store.Store
	FeedCache ChannelListFetcher
	Engine    *merge.Engine
	Archive   *archive.Manager
	Scheduler *scheduler.Scheduler
	Enricher  *enrich.Enricher
	Dirs      settings.DirDefaults
}

// ListSources returns the known source filenames for a (timeframe,
// feed_type) pair, or mergeerr.ConfigurationError if the pair is undefined.
func (f *Facade) ListSources(timeframe, feedType string) ([]string, error) {
	if _, err := feedcache.Folder(timeframe, feedType); err != nil {
		return nil, err
	}
	out := make([]string, len(knownSources))
	copy(out, knownSources)
	return out, nil
}

// SaveSelectedSources persists the operator's chosen source filenames.
func (f *Facade) SaveSelectedSources(ctx context.Context, sources []string) error {
	data, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	return settings.Write(ctx, f.Store, map[string]string{"selected_sources": string(data)})
}

// GetSettings returns every recognised setting, typed and defaulted.
func (f *Facade) GetSettings(ctx context.Context) (settings.Snapshot, error) {
	return settings.Read(ctx, f.Store, f.Dirs)
}

// SetSettings validates and persists a batch of setting updates.
func (f *Facade) SetSettings(ctx context.Context, updates map[string]string) error {
	return settings.Write(ctx, f.Store, updates)
}

// LoadChannelsFromSources fetches each source's sibling *_channel_list.txt
// file (spec §6), canonicalises every line through the Enricher, and returns
// the deduplicated union of channel ids in first-seen order.
func (f *Facade) LoadChannelsFromSources(ctx context.Context, sources []string, timeframe, feedType string) ([]string, error) {
	snap, err := settings.Read(ctx, f.Store, f.Dirs)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, src := range sources {
		listFilename := channelListFilename(src)
		path, _, err := f.FeedCache.Get(ctx, listFilename, timeframe, feedType, snap.DownloadTimeout)
		if err != nil {
			return nil, err
		}
		candidates, err := f.Enricher.LoadChannelList(path)
		if err != nil {
			return nil, err
		}
		for _, c := range candidates {
			if c.ID == "" || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c.ID)
		}
	}
	return out, nil
}

// channelListFilename derives the sibling *_channel_list.txt name for a feed
// filename, e.g. "canada_iptv.xml.gz" -> "canada_iptv_channel_list.txt".
func channelListFilename(source string) string {
	base := strings.TrimSuffix(source, ".xml.gz")
	base = strings.TrimSuffix(base, ".xml")
	return base + "_channel_list.txt"
}

// channelBackup is the on-disk shape of a channel version file (spec §6).
type channelBackup struct {
	Channels   []string  `json:"channels"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
}

// SaveChannelsWithVersioning writes the selected channel set to
// channels_dir/filename, replaces the Store's selected-channel set, and
// records a ChannelVersion row.
func (f *Facade) SaveChannelsWithVersioning(ctx context.Context, channels []string, sourcesCount int, filename string) error {
	snap, err := settings.Read(ctx, f.Store, f.Dirs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(snap.ChannelsDir, 0o755); err != nil {
		return err
	}
	backup := channelBackup{Channels: channels, ExportedAt: time.Now().UTC(), Count: len(channels)}
	data, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(snap.ChannelsDir, filename)
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	if err := f.Store.ReplaceSelectedChannels(ctx, channels); err != nil {
		return err
	}
	return f.Store.UpsertChannelVersion(ctx, store.ChannelVersion{
		Filename:      filename,
		CreatedAt:     time.Now().UTC(),
		SourcesCount:  sourcesCount,
		ChannelsCount: len(channels),
		SizeBytes:     int64(len(data)),
	})
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".channels-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// MergeExecute runs the merge engine synchronously against an explicit
// selection (spec §5.G), writing output to tmp_dir without promoting it.
// Honours I1: concurrent calls receive mergeerr.BusyError immediately.
func (f *Facade) MergeExecute(ctx context.Context, sources []string, channels []string, timeframe, feedType, outputFilename string) (merge.Report, error) {
	snap, err := settings.Read(ctx, f.Store, f.Dirs)
	if err != nil {
		return merge.Report{}, err
	}
	set := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		set[c] = struct{}{}
	}
	in := merge.Input{
		Sources:         sources,
		Channels:        set,
		Timeframe:       timeframe,
		FeedType:        feedType,
		OutputFilename:  outputFilename,
		DownloadTimeout: snap.DownloadTimeout,
		MergeTimeout:    snap.MergeTimeout,
		TmpDir:          snap.TmpDir,
	}
	// merge_save (called later, separately) promotes whatever file this run
	// just wrote, which may not be output_filename's current setting value.
	f.Archive.OutputFilename = outputFilename
	_, report, err := f.Scheduler.ExecuteAdHoc(ctx, in)
	return report, err
}

// MergeSave invokes ArchiveManager.Promote (spec §5.G "merge_save").
func (f *Facade) MergeSave(ctx context.Context, channels, programs, daysIncluded int) error {
	snap, err := settings.Read(ctx, f.Store, f.Dirs)
	if err != nil {
		return err
	}
	_, err = f.Archive.Promote(ctx, channels, programs, daysIncluded, snap.ArchiveRetentionSweep)
	return err
}

// MergeClearTemp empties tmp_dir and reports bytes freed.
func (f *Facade) MergeClearTemp() (deleted int, freedMB float64, err error) {
	return f.Archive.ClearTemp()
}

// MergeDownload resolves filename to its path under current_dir or tmp_dir,
// whichever holds it, preferring current_dir.
func (f *Facade) MergeDownload(ctx context.Context, filename string) (string, error) {
	snap, err := settings.Read(ctx, f.Store, f.Dirs)
	if err != nil {
		return "", err
	}
	currentPath := filepath.Join(snap.CurrentDir, filename)
	if _, err := os.Stat(currentPath); err == nil {
		return currentPath, nil
	}
	tmpPath := filepath.Join(snap.TmpDir, filename)
	if _, err := os.Stat(tmpPath); err == nil {
		return tmpPath, nil
	}
	return "", mergeerr.NotFound
}

// ArchivesList returns every Archive row, most recent first.
func (f *Facade) ArchivesList(ctx context.Context) ([]store.Archive, error) {
	return f.Store.ListArchives(ctx)
}

// ArchivesDownload resolves an archived filename to its on-disk path.
func (f *Facade) ArchivesDownload(filename string) (string, error) {
	path := f.Archive.PathFor(filename)
	if _, err := os.Stat(path); err != nil {
		return "", mergeerr.NotFound
	}
	return path, nil
}

// ArchiveDelete removes one archived file and its row.
func (f *Facade) ArchiveDelete(ctx context.Context, filename string) error {
	return f.Archive.Delete(ctx, filename)
}

// ArchivesCleanup runs the retention sweep on demand.
func (f *Facade) ArchivesCleanup(ctx context.Context) (int, error) {
	return f.Archive.Sweep(ctx, time.Now().UTC())
}

// JobStatusReport holds the latest job plus the next scheduled run time.
type JobStatusReport struct {
	Latest           store.Job
	HasLatest        bool
	NextScheduledRun time.Time
	HasNextScheduled bool
}

// JobStatus returns the latest job (if any) and the next scheduled run
// computed from current settings (scenario S4).
func (f *Facade) JobStatus(ctx context.Context) (JobStatusReport, error) {
	var report JobStatusReport
	latest, err := f.Store.LatestJob(ctx)
	if err == nil {
		report.Latest = latest
		report.HasLatest = true
	} else if err != mergeerr.NotFound {
		return JobStatusReport{}, err
	}

	snap, err := settings.Read(ctx, f.Store, f.Dirs)
	if err != nil {
		return JobStatusReport{}, err
	}
	loc := time.UTC
	if f.Scheduler != nil && f.Scheduler.Location != nil {
		loc = f.Scheduler.Location
	}
	next, err := nextScheduledRun(snap, loc)
	if err == nil {
		report.NextScheduledRun = next
		report.HasNextScheduled = true
	}
	return report, nil
}

func nextScheduledRun(snap settings.Snapshot, loc *time.Location) (time.Time, error) {
	hour, minute, err := settings.ParseHHMM(snap.MergeTime)
	if err != nil {
		return time.Time{}, err
	}
	var expr string
	switch snap.MergeSchedule {
	case "daily":
		expr = fmt.Sprintf("%d %d * * *", minute, hour)
	case "weekly":
		if len(snap.MergeDays) == 0 {
			return time.Time{}, mergeerr.ConfigurationError
		}
		days := make([]string, len(snap.MergeDays))
		for i, d := range snap.MergeDays {
			days[i] = strconv.Itoa(d)
		}
		expr = fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(days, ","))
	default:
		return time.Time{}, mergeerr.ConfigurationError
	}
	return scheduler.NextFromExpr(expr, time.Now().In(loc))
}

// JobHistory returns up to limit jobs, most recent first.
func (f *Facade) JobHistory(ctx context.Context, limit int) ([]store.Job, error) {
	jobs, err := f.Store.ListJobs(ctx, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })
	return jobs, nil
}

// JobLatest returns the most recently started job.
func (f *Facade) JobLatest(ctx context.Context) (store.Job, error) {
	return f.Store.LatestJob(ctx)
}

// JobExecuteNow triggers an immediate scheduled-style merge (spec §5.G),
// honouring I1.
func (f *Facade) JobExecuteNow(ctx context.Context) (store.Job, error) {
	return f.Scheduler.ExecuteMergeNow(ctx)
}

// JobClearHistory deletes every job row.
func (f *Facade) JobClearHistory(ctx context.Context) (int, error) {
	return f.Store.ClearJobs(ctx)
}

// JobCancel requests cancellation of the currently running job, if any
// (scenario S5). Returns the cancelled job id and whether one was running.
func (f *Facade) JobCancel() (string, bool) {
	return f.Scheduler.Cancel()
}
