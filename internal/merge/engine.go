// Package merge implements the streaming XMLTV merge pipeline: channel
// filter, programme extraction, dedup, gzip output. Grounded on the token-
// loop shape of internal/tuner/xmltv.go's writeRemappedXMLTVWithPolicy,
// generalised from "remap one feed against a local catalog" to "merge N
// feeds filtered to a user-selected channel set".
package merge

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jesmann/epgmerge/internal/feedcache"
	"github.com/jesmann/epgmerge/internal/mergeerr"
)

// Fetcher is the subset of feedcache.Cache the engine depends on, so tests
// can substitute a fake.
type Fetcher interface {
	Get(ctx context.Context, filename, timeframe, feedType string, timeout time.Duration) (string, feedcache.Status, error)
}

// Input is everything the engine needs for one merge run (spec §4.C).
type Input struct {
	Sources         []string
	Channels        map[string]struct{}
	Timeframe       string
	FeedType        string
	OutputFilename  string
	DownloadTimeout time.Duration
	MergeTimeout    time.Duration
	TmpDir          string
}

// Report summarises the outcome of a successful run.
type Report struct {
	ChannelsIncluded     int
	ProgramsIncluded     int
	FileSizeHuman        string
	PeakMemoryMB         float64
	DaysIncluded         int
	ExecutionTimeSeconds float64
}

// Engine runs the merge pipeline against sources resolved through Fetcher.
type Engine struct {
	Fetcher Fetcher
	// MaxParallelFetch caps concurrent FeedCache calls within one run.
	// 0 means "min(len(sources), 8)" per spec.
	MaxParallelFetch int
}

// Run executes one full merge: plan, fetch, merge, post (spec §4.C). The
// caller is responsible for acquiring the single-flight lock (I1) before
// calling Run.
func (e *Engine) Run(ctx context.Context, in Input) (Report, error) {
	start := time.Now()

	if err := validateInput(in); err != nil {
		return Report{}, err
	}

	outPath := filepath.Join(in.TmpDir, in.OutputFilename)

	sampler := newMemSampler()
	sampleCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	go sampler.run(sampleCtx)

	localPaths, err := e.fetchAll(ctx, in)
	if err != nil {
		return Report{}, err
	}

	mergeCtx, cancelMerge := context.WithTimeout(ctx, in.MergeTimeout)
	defer cancelMerge()

	report, err := runMergePhase(mergeCtx, localPaths, in.Channels, outPath)
	if err != nil {
		os.Remove(outPath)
		if errors.Is(ctx.Err(), context.Canceled) {
			return Report{}, fmt.Errorf("%w: %v", mergeerr.JobCancelled, err)
		}
		if mergeCtx.Err() != nil {
			return Report{}, fmt.Errorf("%w: merge exceeded %s", mergeerr.MergeTimeout, in.MergeTimeout)
		}
		return Report{}, err
	}

	stopSampling()
	info, statErr := os.Stat(outPath)
	var size int64
	if statErr == nil {
		size = info.Size()
	}
	days, _ := strconv.Atoi(in.Timeframe)

	report.FileSizeHuman = humanizeMB(size)
	report.PeakMemoryMB = sampler.peakMB()
	report.DaysIncluded = days
	report.ExecutionTimeSeconds = time.Since(start).Seconds()
	return report, nil
}

func validateInput(in Input) error {
	if len(in.Sources) == 0 {
		return fmt.Errorf("%w: no sources selected", mergeerr.ConfigurationError)
	}
	if len(in.Channels) == 0 {
		return fmt.Errorf("%w: no channels selected", mergeerr.ConfigurationError)
	}
	if !strings.HasSuffix(in.OutputFilename, ".xml") && !strings.HasSuffix(in.OutputFilename, ".xml.gz") {
		return fmt.Errorf("%w: output filename must end in .xml or .xml.gz", mergeerr.ConfigurationError)
	}
	if _, err := feedcache.Folder(in.Timeframe, in.FeedType); err != nil {
		return err
	}
	return nil
}

// fetchAll fetches every source concurrently, bounded by MaxParallelFetch
// (default min(len(sources), 8)), and fails the whole run if any source
// fails, per spec ("none are currently optional").
func (e *Engine) fetchAll(ctx context.Context, in Input) ([]string, error) {
	n := e.MaxParallelFetch
	if n <= 0 {
		n = len(in.Sources)
		if n > 8 {
			n = 8
		}
	}
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	paths := make([]string, len(in.Sources))
	errs := make([]error, len(in.Sources))

	fetchCtx, cancel := context.WithTimeout(ctx, in.DownloadTimeout)
	defer cancel()

	for i, src := range in.Sources {
		wg.Add(1)
		go func(i int, src string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			path, _, err := e.Fetcher.Get(fetchCtx, src, in.Timeframe, in.FeedType, in.DownloadTimeout)
			paths[i] = path
			errs[i] = err
		}(i, src)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("%w: %v", mergeerr.JobCancelled, err)
			}
			if fetchCtx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", mergeerr.DownloadTimeout, err)
			}
			return nil, err
		}
	}
	return paths, nil
}

// runMergePhase performs the two logical scans of spec §4.C.3 over the
// already-fetched local files and streams the result to outPath as gzip.
func runMergePhase(ctx context.Context, localPaths []string, channels map[string]struct{}, outPath string) (Report, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return Report{}, fmt.Errorf("%w: %v", mergeerr.ConfigurationError, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outPath), ".merge-*.tmp")
	if err != nil {
		return Report{}, fmt.Errorf("%w: create temp: %v", mergeerr.ConfigurationError, err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	gz := gzip.NewWriter(tmp)
	enc := xml.NewEncoder(gz)

	if _, err := io.WriteString(gz, xml.Header); err != nil {
		return Report{}, err
	}
	if _, err := io.WriteString(gz, "<tv>\n"); err != nil {
		return Report{}, err
	}

	emitted := make(map[string]bool, len(channels))
	var channelCount int
	for _, path := range localPaths {
		if err := ctxErr(ctx); err != nil {
			return Report{}, err
		}
		n, err := scanChannels(ctx, path, channels, emitted, enc)
		if err != nil {
			return Report{}, fmt.Errorf("%w: %v", mergeerr.ParseError, err)
		}
		channelCount += n
	}

	seen := make(map[string]struct{})
	var programCount int
	for _, path := range localPaths {
		if err := ctxErr(ctx); err != nil {
			return Report{}, err
		}
		n, err := scanProgrammes(ctx, path, emitted, seen, enc)
		if err != nil {
			return Report{}, fmt.Errorf("%w: %v", mergeerr.ParseError, err)
		}
		programCount += n
	}

	if err := enc.Flush(); err != nil {
		return Report{}, err
	}
	if _, err := io.WriteString(gz, "</tv>\n"); err != nil {
		return Report{}, err
	}
	if err := gz.Close(); err != nil {
		return Report{}, err
	}
	if err := tmp.Close(); err != nil {
		return Report{}, err
	}
	if err := os.Rename(tmpName, outPath); err != nil {
		return Report{}, fmt.Errorf("%w: %v", mergeerr.ConfigurationError, err)
	}

	return Report{ChannelsIncluded: channelCount, ProgramsIncluded: programCount}, nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// scanChannels streams <channel> elements from one source, emitting the
// ones whose id is selected and not yet emitted (first-occurrence wins,
// tie-break by source order, per spec §4.C.3.a-b).
func scanChannels(ctx context.Context, path string, channels map[string]struct{}, emitted map[string]bool, enc *xml.Encoder) (int, error) {
	r, closeFn, err := openSource(path)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	dec := xml.NewDecoder(r)
	count := 0
	inRoot := false
	for {
		if err := ctxErr(ctx); err != nil {
			return count, err
		}
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			return count, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !inRoot {
				if t.Name.Local == "tv" {
					inRoot = true
				} else {
					_ = dec.Skip()
				}
				continue
			}
			switch t.Name.Local {
			case "channel":
				var node rawNode
				if err := dec.DecodeElement(&node, &t); err != nil {
					return count, err
				}
				id := strings.TrimSpace(attrValue(node.Attrs, "id"))
				if id == "" {
					continue
				}
				if _, wanted := channels[id]; !wanted || emitted[id] {
					continue
				}
				emitted[id] = true
				node.XMLName = xml.Name{Local: "channel"}
				if err := enc.EncodeElement(node, xml.StartElement{Name: xml.Name{Local: "channel"}}); err != nil {
					return count, err
				}
				count++
			default:
				_ = dec.Skip()
			}
		case xml.EndElement:
			if inRoot && t.Name.Local == "tv" {
				return count, nil
			}
		}
	}
	return count, nil
}

// scanProgrammes streams <programme> elements from one source, emitting
// any whose channel attribute was selected into the channel pass, deduped
// by (channel, start, stop, title text) (spec §4.C.3.c).
func scanProgrammes(ctx context.Context, path string, emittedChannels map[string]bool, seen map[string]struct{}, enc *xml.Encoder) (int, error) {
	r, closeFn, err := openSource(path)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	dec := xml.NewDecoder(r)
	count := 0
	inRoot := false
	for {
		if err := ctxErr(ctx); err != nil {
			return count, err
		}
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			return count, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !inRoot {
				if t.Name.Local == "tv" {
					inRoot = true
				} else {
					_ = dec.Skip()
				}
				continue
			}
			switch t.Name.Local {
			case "programme":
				var node rawNode
				if err := dec.DecodeElement(&node, &t); err != nil {
					return count, err
				}
				ch := strings.TrimSpace(attrValue(node.Attrs, "channel"))
				if !emittedChannels[ch] {
					continue
				}
				startAttr := attrValue(node.Attrs, "start")
				stopAttr := attrValue(node.Attrs, "stop")
				title := firstChildText(node.InnerXML, "title")
				key := ch + "\x00" + startAttr + "\x00" + stopAttr + "\x00" + title
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				node.XMLName = xml.Name{Local: "programme"}
				if err := enc.EncodeElement(node, xml.StartElement{Name: xml.Name{Local: "programme"}}); err != nil {
					return count, err
				}
				count++
			default:
				_ = dec.Skip()
			}
		case xml.EndElement:
			if inRoot && t.Name.Local == "tv" {
				return count, nil
			}
		}
	}
	return count, nil
}

// openSource opens path for reading, transparently gunzipping when the
// filename ends in .gz.
func openSource(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		br := bufio.NewReader(f)
		gr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return gr, func() { gr.Close(); f.Close() }, nil
	}
	return f, func() { f.Close() }, nil
}

// humanizeMB renders size in two-decimal megabytes, e.g. "0.04MB".
func humanizeMB(size int64) string {
	mb := float64(size) / (1024 * 1024)
	return fmt.Sprintf("%.2fMB", mb)
}
