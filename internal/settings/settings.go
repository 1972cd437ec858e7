// Package settings provides a typed view over the Store's string-typed
// settings, per the design note "Dynamic string-typed settings": JSON-
// valued keys (merge_days, selected_sources) are parsed on read and
// serialised on write; string storage remains an implementation detail of
// the Store.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jesmann/epgmerge/internal/mergeerr"
	"github.com/jesmann/epgmerge/internal/store"
)

// Snapshot is a fully materialised, typed view of every recognised
// setting, read in one pass so a Scheduler iteration sees a consistent set.
type Snapshot struct {
	OutputFilename        string
	ChannelsFilename       string
	CurrentDir            string
	ArchiveDir            string
	ChannelsDir            string
	TmpDir                string
	CacheDir               string
	MergeSchedule          string // "daily" | "weekly"
	MergeTime              string // "HH:MM"
	MergeDays              []int  // Sun=0..Sat=6
	MergeTimeframe         string // "3" | "7" | "14"
	MergeChannelsVersion   string
	SelectedSources        []string
	SelectedFeedType       string // "iptv" | "gracenote"
	DownloadTimeout        time.Duration
	MergeTimeout           time.Duration
	ChannelDropThreshold   string // "" disables; else "0".."100"
	ArchiveRetentionSweep  bool
	DiscordWebhook         string
}

// Read materialises a Snapshot from the Store, applying directory defaults
// (current_dir etc.) from dirs when the corresponding setting is unset.
func Read(ctx context.Context, st *store.Store, dirs DirDefaults) (Snapshot, error) {
	all, err := st.AllSettings(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		OutputFilename:       all["output_filename"],
		ChannelsFilename:     all["channels_filename"],
		CurrentDir:           orDefault(all["current_dir"], dirs.CurrentDir),
		ArchiveDir:           orDefault(all["archive_dir"], dirs.ArchiveDir),
		ChannelsDir:          orDefault(all["channels_dir"], dirs.ChannelsDir),
		TmpDir:               orDefault(all["tmp_dir"], dirs.TmpDir),
		CacheDir:             orDefault(all["cache_dir"], dirs.CacheDir),
		MergeSchedule:        all["merge_schedule"],
		MergeTime:            all["merge_time"],
		MergeTimeframe:       all["merge_timeframe"],
		MergeChannelsVersion: all["merge_channels_version"],
		SelectedFeedType:     all["selected_feed_type"],
		ChannelDropThreshold: all["channel_drop_threshold"],
		DiscordWebhook:       all["discord_webhook"],
	}
	if err := json.Unmarshal([]byte(all["merge_days"]), &s.MergeDays); err != nil {
		return Snapshot{}, fmt.Errorf("%w: merge_days: %v", mergeerr.ConfigurationError, err)
	}
	if err := json.Unmarshal([]byte(all["selected_sources"]), &s.SelectedSources); err != nil {
		return Snapshot{}, fmt.Errorf("%w: selected_sources: %v", mergeerr.ConfigurationError, err)
	}
	dlSec, err := strconv.Atoi(all["download_timeout"])
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: download_timeout: %v", mergeerr.ConfigurationError, err)
	}
	s.DownloadTimeout = time.Duration(dlSec) * time.Second
	mgSec, err := strconv.Atoi(all["merge_timeout"])
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: merge_timeout: %v", mergeerr.ConfigurationError, err)
	}
	s.MergeTimeout = time.Duration(mgSec) * time.Second
	s.ArchiveRetentionSweep = strings.EqualFold(all["archive_retention_cleanup_expired"], "true")
	return s, nil
}

// DirDefaults supplies directory fallbacks sourced from Config when a
// setting has never been explicitly written.
type DirDefaults struct {
	CurrentDir, ArchiveDir, ChannelsDir, TmpDir, CacheDir string
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Write validates and persists a map of settings. List-valued keys are
// round-tripped through JSON (invariant I4); validation failures return
// mergeerr.ConfigurationError without partially applying the update.
func Write(ctx context.Context, st *store.Store, updates map[string]string) error {
	for k, v := range updates {
		if err := validate(k, v); err != nil {
			return err
		}
	}
	for k, v := range updates {
		if err := st.SetSetting(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func validate(key, value string) error {
	switch key {
	case "output_filename":
		if !strings.HasSuffix(value, ".xml") && !strings.HasSuffix(value, ".xml.gz") {
			return fmt.Errorf("%w: output_filename must end in .xml or .xml.gz", mergeerr.ConfigurationError)
		}
	case "merge_schedule":
		if value != "daily" && value != "weekly" {
			return fmt.Errorf("%w: merge_schedule must be daily or weekly", mergeerr.ConfigurationError)
		}
	case "merge_time":
		if _, _, err := ParseHHMM(value); err != nil {
			return fmt.Errorf("%w: merge_time: %v", mergeerr.ConfigurationError, err)
		}
	case "merge_days":
		var days []int
		if err := json.Unmarshal([]byte(value), &days); err != nil {
			return fmt.Errorf("%w: merge_days: %v", mergeerr.ConfigurationError, err)
		}
		for _, d := range days {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: merge_days entries must be in [0,6]", mergeerr.ConfigurationError)
			}
		}
	case "merge_timeframe":
		if value != "3" && value != "7" && value != "14" {
			return fmt.Errorf("%w: merge_timeframe must be 3, 7, or 14", mergeerr.ConfigurationError)
		}
	case "selected_sources":
		var sources []string
		if err := json.Unmarshal([]byte(value), &sources); err != nil {
			return fmt.Errorf("%w: selected_sources: %v", mergeerr.ConfigurationError, err)
		}
	case "selected_feed_type":
		if value != "iptv" && value != "gracenote" {
			return fmt.Errorf("%w: selected_feed_type must be iptv or gracenote", mergeerr.ConfigurationError)
		}
	case "download_timeout", "merge_timeout":
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("%w: %s must be an integer number of seconds", mergeerr.ConfigurationError, key)
		}
	case "channel_drop_threshold":
		if value != "" {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 || n > 100 {
				return fmt.Errorf("%w: channel_drop_threshold must be empty or 0..100", mergeerr.ConfigurationError)
			}
		}
	case "archive_retention_cleanup_expired":
		if value != "true" && value != "false" {
			return fmt.Errorf("%w: archive_retention_cleanup_expired must be true or false", mergeerr.ConfigurationError)
		}
	}
	return nil
}

// ParseHHMM parses "HH:MM" into hour, minute.
func ParseHHMM(v string) (hour, minute int, err error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return hour, minute, nil
}
