package facade

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jesmann/epgmerge/internal/archive"
	"github.com/jesmann/epgmerge/internal/enrich"
	"github.com/jesmann/epgmerge/internal/feedcache"
	"github.com/jesmann/epgmerge/internal/merge"
	"github.com/jesmann/epgmerge/internal/mergeerr"
	"github.com/jesmann/epgmerge/internal/notifier"
	"github.com/jesmann/epgmerge/internal/scheduler"
	"github.com/jesmann/epgmerge/internal/settings"
	"github.com/jesmann/epgmerge/internal/store"
)

type fakeChannelListFetcher struct{ paths map[string]string }

func (f *fakeChannelListFetcher) Get(ctx context.Context, filename, timeframe, feedType string, timeout time.Duration) (string, feedcache.Status, error) {
	path, ok := f.paths[filename]
	if !ok {
		return "", "", mergeerr.NotFound
	}
	return path, feedcache.StatusHit, nil
}

type fakeMergeFetcher struct{ path string }

func (f *fakeMergeFetcher) Get(ctx context.Context, filename, timeframe, feedType string, timeout time.Duration) (string, feedcache.Status, error) {
	return f.path, feedcache.StatusHit, nil
}

func newTestFacade(t *testing.T) (*Facade, string) {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "app.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dirs := settings.DirDefaults{
		CurrentDir:  filepath.Join(root, "current"),
		ArchiveDir:  filepath.Join(root, "archive"),
		ChannelsDir: filepath.Join(root, "channels"),
		TmpDir:      filepath.Join(root, "tmp"),
		CacheDir:    filepath.Join(root, "cache"),
	}
	for _, d := range []string{dirs.CurrentDir, dirs.ArchiveDir, dirs.ChannelsDir, dirs.TmpDir, dirs.CacheDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	am := &archive.Manager{
		Store:          st,
		TmpDir:         dirs.TmpDir,
		CurrentDir:     dirs.CurrentDir,
		ArchiveDir:     dirs.ArchiveDir,
		OutputFilename: "merged.xml.gz",
	}
	eng := &merge.Engine{Fetcher: &fakeMergeFetcher{}}
	sched := &scheduler.Scheduler{
		Store:    st,
		Dirs:     dirs,
		Engine:   eng,
		Archive:  am,
		Notifier: notifier.New(),
	}
	enricher := enrich.New()

	return &Facade{
		Store:     st,
		FeedCache: &fakeChannelListFetcher{paths: map[string]string{}},
		Engine:    eng,
		Archive:   am,
		Scheduler: sched,
		Enricher:  enricher,
		Dirs:      dirs,
	}, root
}

func writeSourceFixture(t *testing.T, root string) string {
	t.Helper()
	path := filepath.Join(root, "source.xml")
	content := `<?xml version="1.0"?><tv><channel id="a.tv"><display-name>A</display-name></channel><programme channel="a.tv" start="20250101000000 +0000" stop="20250101010000 +0000"><title>Show</title></programme></tv>`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestListSourcesValidatesTimeframeFeedType(t *testing.T) {
	f, _ := newTestFacade(t)
	sources, err := f.ListSources("3", "iptv")
	if err != nil || len(sources) == 0 {
		t.Fatalf("ListSources(3, iptv) = %v, %v", sources, err)
	}
	if _, err := f.ListSources("14", "gracenote"); err == nil {
		t.Fatalf("expected ConfigurationError for 14+gracenote")
	}
}

func TestSaveSelectedSourcesRoundTrips(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	if err := f.SaveSelectedSources(ctx, []string{"canada_iptv.xml.gz"}); err != nil {
		t.Fatalf("SaveSelectedSources: %v", err)
	}
	snap, err := f.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if len(snap.SelectedSources) != 1 || snap.SelectedSources[0] != "canada_iptv.xml.gz" {
		t.Fatalf("SelectedSources = %v", snap.SelectedSources)
	}
}

func TestSetSettingsRejectsInvalidValue(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	err := f.SetSettings(ctx, map[string]string{"merge_schedule": "biweekly"})
	if err == nil {
		t.Fatalf("expected ConfigurationError for invalid merge_schedule")
	}
}

func TestLoadChannelsFromSourcesDedupesAndCanonicalizes(t *testing.T) {
	f, root := newTestFacade(t)
	ctx := context.Background()

	listPath := filepath.Join(root, "canada_iptv_channel_list.txt")
	content := "cbc.ca\n# comment\n\nabc.us\ncbc.ca\n"
	if err := os.WriteFile(listPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	f.FeedCache = &fakeChannelListFetcher{paths: map[string]string{
		"canada_iptv_channel_list.txt": listPath,
	}}

	channels, err := f.LoadChannelsFromSources(ctx, []string{"canada_iptv.xml.gz"}, "3", "iptv")
	if err != nil {
		t.Fatalf("LoadChannelsFromSources: %v", err)
	}
	if len(channels) != 2 || channels[0] != "cbc.ca" || channels[1] != "abc.us" {
		t.Fatalf("channels = %v, want [cbc.ca abc.us]", channels)
	}
}

func TestSaveChannelsWithVersioningWritesFileAndVersion(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	if err := f.SaveChannelsWithVersioning(ctx, []string{"cbc.ca", "abc.us"}, 2, "channels.json"); err != nil {
		t.Fatalf("SaveChannelsWithVersioning: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(f.Dirs.ChannelsDir, "channels.json"))
	if err != nil {
		t.Fatalf("read channels.json: %v", err)
	}
	var backup channelBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if backup.Count != 2 || len(backup.Channels) != 2 {
		t.Fatalf("backup = %+v", backup)
	}

	selected, err := f.Store.ListSelectedChannels(ctx)
	if err != nil || len(selected) != 2 {
		t.Fatalf("ListSelectedChannels = %v, %v", selected, err)
	}

	versions, err := f.Store.ListChannelVersions(ctx)
	if err != nil || len(versions) != 1 || versions[0].Filename != "channels.json" {
		t.Fatalf("ListChannelVersions = %v, %v", versions, err)
	}
}

func TestMergeExecuteThenMergeSavePromotes(t *testing.T) {
	f, root := newTestFacade(t)
	ctx := context.Background()

	src := writeSourceFixture(t, root)
	f.Engine.Fetcher = &fakeMergeFetcher{path: src}

	if err := f.SetSettings(ctx, map[string]string{
		"download_timeout": "5",
		"merge_timeout":     "5",
	}); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}

	report, err := f.MergeExecute(ctx, []string{"feed.xml"}, []string{"a.tv"}, "3", "iptv", "merged.xml.gz")
	if err != nil {
		t.Fatalf("MergeExecute: %v", err)
	}
	if report.ChannelsIncluded != 1 {
		t.Fatalf("ChannelsIncluded = %d, want 1", report.ChannelsIncluded)
	}
	if _, err := os.Stat(filepath.Join(f.Dirs.CurrentDir, "merged.xml.gz")); err == nil {
		t.Fatalf("merge_execute must not promote; current_dir already has the file")
	}

	if err := f.MergeSave(ctx, report.ChannelsIncluded, report.ProgramsIncluded, report.DaysIncluded); err != nil {
		t.Fatalf("MergeSave: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.Dirs.CurrentDir, "merged.xml.gz")); err != nil {
		t.Fatalf("expected promoted current file after merge_save: %v", err)
	}
}

type blockingFetcher struct {
	release chan struct{}
	path    string
}

func (f *blockingFetcher) Get(ctx context.Context, filename, timeframe, feedType string, timeout time.Duration) (string, feedcache.Status, error) {
	<-f.release
	return f.path, feedcache.StatusHit, nil
}

func TestMergeExecuteHonoursBusyError(t *testing.T) {
	f, root := newTestFacade(t)
	ctx := context.Background()

	src := writeSourceFixture(t, root)
	blocker := &blockingFetcher{release: make(chan struct{}), path: src}
	f.Engine.Fetcher = blocker

	done := make(chan error, 1)
	go func() {
		_, err := f.MergeExecute(ctx, []string{"feed.xml"}, []string{"a.tv"}, "3", "iptv", "merged.xml.gz")
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for {
		_, err := f.MergeExecute(ctx, []string{"feed.xml"}, []string{"a.tv"}, "3", "iptv", "merged.xml.gz")
		if err == mergeerr.BusyError {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected BusyError while the first merge is in flight, got %v", err)
		case <-time.After(time.Millisecond):
		}
	}

	close(blocker.release)
	if err := <-done; err != nil {
		t.Fatalf("first MergeExecute: %v", err)
	}
}

func TestArchivesLifecycle(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	archivedPath := filepath.Join(f.Dirs.ArchiveDir, "merged.xml.gz.20200101_000000")
	if err := os.WriteFile(archivedPath, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Store.UpsertArchive(ctx, store.Archive{
		Filename:     "merged.xml.gz.20200101_000000",
		CreatedAt:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		DaysIncluded: 3,
		SizeBytes:    3,
	}); err != nil {
		t.Fatal(err)
	}

	list, err := f.ArchivesList(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ArchivesList = %v, %v", list, err)
	}

	path, err := f.ArchivesDownload("merged.xml.gz.20200101_000000")
	if err != nil || path != archivedPath {
		t.Fatalf("ArchivesDownload = %q, %v", path, err)
	}

	n, err := f.ArchivesCleanup(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ArchivesCleanup = %d, %v", n, err)
	}
	if _, err := os.Stat(archivedPath); !os.IsNotExist(err) {
		t.Fatalf("expected expired archive file removed")
	}
}

func TestArchiveDeleteForbidsCurrentFile(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	if err := f.ArchiveDelete(ctx, "merged.xml.gz"); !errors.Is(err, mergeerr.ConflictDeletion) {
		t.Fatalf("ArchiveDelete(current) = %v, want ConflictDeletion", err)
	}
}

func TestJobHistoryAndClear(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	if _, err := f.Store.CreateJob(ctx, "job1", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	jobs, err := f.JobHistory(ctx, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("JobHistory = %v, %v", jobs, err)
	}

	latest, err := f.JobLatest(ctx)
	if err != nil || latest.JobID != "job1" {
		t.Fatalf("JobLatest = %+v, %v", latest, err)
	}

	n, err := f.JobClearHistory(ctx)
	if err != nil || n != 1 {
		t.Fatalf("JobClearHistory = %d, %v", n, err)
	}
}

func TestJobStatusReportsNextScheduledRun(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()
	if err := f.SetSettings(ctx, map[string]string{
		"merge_schedule": "daily",
		"merge_time":     "03:30",
	}); err != nil {
		t.Fatal(err)
	}
	status, err := f.JobStatus(ctx)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if !status.HasNextScheduled {
		t.Fatalf("expected a next scheduled run")
	}
	if status.NextScheduledRun.Hour() != 3 || status.NextScheduledRun.Minute() != 30 {
		t.Fatalf("next scheduled run = %v, want 03:30", status.NextScheduledRun)
	}
	if status.HasLatest {
		t.Fatalf("expected no latest job yet")
	}
}

func TestJobCancelReportsNoRunningJob(t *testing.T) {
	f, _ := newTestFacade(t)
	if _, running := f.JobCancel(); running {
		t.Fatalf("expected no job running")
	}
}
