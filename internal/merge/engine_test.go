package merge

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jesmann/epgmerge/internal/feedcache"
)

// fakeFetcher serves pre-written local files without any network access,
// so the engine's fetch/merge phases can be tested deterministically.
type fakeFetcher struct {
	files map[string]string // source filename -> local path
}

func (f *fakeFetcher) Get(ctx context.Context, filename, timeframe, feedType string, timeout time.Duration) (string, feedcache.Status, error) {
	path, ok := f.files[filename]
	if !ok {
		return "", "", os.ErrNotExist
	}
	return path, feedcache.StatusHit, nil
}

func writeGzipXML(t *testing.T, dir, name, xmlBody string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(xmlBody)); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip %s: %v", name, err)
	}
	return path
}

const sourceA = `<?xml version="1.0"?>
<tv>
  <channel id="cbc.ca"><display-name>CBC</display-name></channel>
  <channel id="other.ca"><display-name>Other</display-name></channel>
  <programme start="20250101000000 +0000" stop="20250101010000 +0000" channel="cbc.ca"><title>News</title></programme>
  <programme start="20250101000000 +0000" stop="20250101010000 +0000" channel="other.ca"><title>Unwanted</title></programme>
</tv>`

const sourceB = `<?xml version="1.0"?>
<tv>
  <channel id="abc.us"><display-name>ABC</display-name></channel>
  <channel id="cbc.ca"><display-name>CBC Dup</display-name></channel>
  <programme start="20250101000000 +0000" stop="20250101010000 +0000" channel="cbc.ca"><title>News</title></programme>
  <programme start="20250101020000 +0000" stop="20250101030000 +0000" channel="abc.us"><title>Show</title></programme>
</tv>`

func TestRunHappyPath(t *testing.T) {
	dir := t.TempDir()
	pathA := writeGzipXML(t, dir, "canada_iptv.xml.gz", sourceA)
	pathB := writeGzipXML(t, dir, "us_iptv.xml.gz", sourceB)

	eng := &Engine{Fetcher: &fakeFetcher{files: map[string]string{
		"canada_iptv.xml.gz": pathA,
		"us_iptv.xml.gz":     pathB,
	}}}

	report, err := eng.Run(context.Background(), Input{
		Sources:         []string{"canada_iptv.xml.gz", "us_iptv.xml.gz"},
		Channels:        map[string]struct{}{"cbc.ca": {}, "abc.us": {}},
		Timeframe:       "3",
		FeedType:        "iptv",
		OutputFilename:  "merged.xml.gz",
		DownloadTimeout: 5 * time.Second,
		MergeTimeout:    5 * time.Second,
		TmpDir:          filepath.Join(dir, "tmp"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ChannelsIncluded != 2 {
		t.Errorf("ChannelsIncluded = %d, want 2", report.ChannelsIncluded)
	}
	// "News" on cbc.ca appears identically in both sources -> deduped to 1;
	// "Show" on abc.us is the only other eligible programme -> total 2.
	if report.ProgramsIncluded != 2 {
		t.Errorf("ProgramsIncluded = %d, want 2", report.ProgramsIncluded)
	}
	if report.DaysIncluded != 3 {
		t.Errorf("DaysIncluded = %d, want 3", report.DaysIncluded)
	}

	outPath := filepath.Join(dir, "tmp", "merged.xml.gz")
	data, closeFn, err := openSource(outPath)
	if err != nil {
		t.Fatalf("openSource: %v", err)
	}
	defer closeFn()
	buf := make([]byte, 1<<16)
	n, _ := data.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, `id="cbc.ca"`) || !strings.Contains(body, `id="abc.us"`) {
		t.Errorf("output missing expected channels: %s", body)
	}
	if strings.Contains(body, `id="other.ca"`) {
		t.Errorf("output should not include unselected channel other.ca: %s", body)
	}
}

func TestRunEmptySourcesFailsConfigurationError(t *testing.T) {
	eng := &Engine{Fetcher: &fakeFetcher{files: map[string]string{}}}
	_, err := eng.Run(context.Background(), Input{
		Sources:        nil,
		Channels:       map[string]struct{}{"a": {}},
		Timeframe:      "3",
		FeedType:       "iptv",
		OutputFilename: "merged.xml.gz",
		TmpDir:         t.TempDir(),
	})
	if err == nil {
		t.Fatalf("expected ConfigurationError for empty sources")
	}
}

func TestRunEmptyChannelsFailsConfigurationError(t *testing.T) {
	eng := &Engine{Fetcher: &fakeFetcher{files: map[string]string{}}}
	_, err := eng.Run(context.Background(), Input{
		Sources:        []string{"a.xml.gz"},
		Channels:       map[string]struct{}{},
		Timeframe:      "3",
		FeedType:       "iptv",
		OutputFilename: "merged.xml.gz",
		TmpDir:         t.TempDir(),
	})
	if err == nil {
		t.Fatalf("expected ConfigurationError for empty channels")
	}
}

func TestRunBadTimeframeFeedTypeFailsConfigurationError(t *testing.T) {
	eng := &Engine{Fetcher: &fakeFetcher{files: map[string]string{}}}
	_, err := eng.Run(context.Background(), Input{
		Sources:        []string{"a.xml.gz"},
		Channels:       map[string]struct{}{"a": {}},
		Timeframe:      "14",
		FeedType:       "gracenote",
		OutputFilename: "merged.xml.gz",
		TmpDir:         t.TempDir(),
	})
	if err == nil {
		t.Fatalf("expected ConfigurationError for timeframe 14 + gracenote (B4)")
	}
}

func TestRunZeroProgrammesStillProducesValidDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeGzipXML(t, dir, "empty.xml.gz", `<?xml version="1.0"?><tv></tv>`)
	eng := &Engine{Fetcher: &fakeFetcher{files: map[string]string{"empty.xml.gz": path}}}
	report, err := eng.Run(context.Background(), Input{
		Sources:         []string{"empty.xml.gz"},
		Channels:        map[string]struct{}{"nonexistent.ca": {}},
		Timeframe:       "3",
		FeedType:        "iptv",
		OutputFilename:  "merged.xml.gz",
		DownloadTimeout: 5 * time.Second,
		MergeTimeout:    5 * time.Second,
		TmpDir:          filepath.Join(dir, "tmp"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ChannelsIncluded != 0 || report.ProgramsIncluded != 0 {
		t.Errorf("expected zero channels and programmes, got %+v", report)
	}
	r, closeFn, err := openSource(filepath.Join(dir, "tmp", "merged.xml.gz"))
	if err != nil {
		t.Fatalf("openSource: %v", err)
	}
	defer closeFn()
	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, "<tv>") || !strings.Contains(body, "</tv>") {
		t.Errorf("expected valid <tv> root, got %s", body)
	}
}
