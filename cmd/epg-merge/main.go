// Command epg-merge runs the scheduled XMLTV merge engine: it opens the
// durable store, wires FeedCache/MergeEngine/ArchiveManager/Scheduler/
// Notifier/Enricher into a ContractFacade, starts the scheduler's run
// loop, and serves that facade over HTTP until signalled to stop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jesmann/epgmerge/internal/archive"
	"github.com/jesmann/epgmerge/internal/config"
	"github.com/jesmann/epgmerge/internal/enrich"
	"github.com/jesmann/epgmerge/internal/facade"
	"github.com/jesmann/epgmerge/internal/feedcache"
	"github.com/jesmann/epgmerge/internal/health"
	"github.com/jesmann/epgmerge/internal/merge"
	"github.com/jesmann/epgmerge/internal/notifier"
	"github.com/jesmann/epgmerge/internal/scheduler"
	"github.com/jesmann/epgmerge/internal/settings"
	"github.com/jesmann/epgmerge/internal/store"
)

func main() {
	addr := flag.String("addr", ":8085", "HTTP listen address for the contract facade")
	flag.Parse()

	cfg := config.Load()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("ensure data directories: %v", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	dirs := settings.DirDefaults{
		CurrentDir:  cfg.CurrentDir(),
		ArchiveDir:  cfg.ArchiveDir(),
		ChannelsDir: cfg.ChannelsDir(),
		TmpDir:      cfg.TmpDir(),
		CacheDir:    cfg.CacheDir(),
	}

	fc := feedcache.New(dirs.CacheDir)
	eng := &merge.Engine{Fetcher: fc}
	am := &archive.Manager{
		Store:      st,
		TmpDir:     dirs.TmpDir,
		CurrentDir: dirs.CurrentDir,
		ArchiveDir: dirs.ArchiveDir,
	}
	nf := notifier.New()
	sched := &scheduler.Scheduler{
		Store:    st,
		Dirs:     dirs,
		Engine:   eng,
		Archive:  am,
		Notifier: nf,
		Location: cfg.Location(),
	}

	enricher := enrich.New()

	fa := &facade.Facade{
		Store:     st,
		FeedCache: fc,
		Engine:    eng,
		Archive:   am,
		Scheduler: sched,
		Enricher:  enricher,
		Dirs:      dirs,
	}

	snap, err := fa.GetSettings(context.Background())
	if err != nil {
		log.Fatalf("read initial settings: %v", err)
	}
	am.OutputFilename = snap.OutputFilename

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := sched.RunLoop(ctx); err != nil {
			log.Printf("scheduler: run loop exited: %v", err)
		}
	}()

	srv := &http.Server{Addr: *addr, Handler: newMux(fa)}
	go func() {
		log.Printf("epg-merge listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

// newMux exposes the ContractFacade's operations over a thin JSON HTTP
// surface (spec §5.G names these as plain method calls; this is the
// transport a UI or CLI script drives them through).
func newMux(fa *facade.Facade) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			snap, err := fa.GetSettings(r.Context())
			writeJSON(w, snap, err)
		case http.MethodPost:
			var updates map[string]string
			if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			err := fa.SetSettings(r.Context(), updates)
			writeJSON(w, map[string]string{"status": "ok"}, err)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/sources", func(w http.ResponseWriter, r *http.Request) {
		timeframe := r.URL.Query().Get("timeframe")
		feedType := r.URL.Query().Get("feed_type")
		sources, err := fa.ListSources(timeframe, feedType)
		writeJSON(w, sources, err)
	})

	mux.HandleFunc("/jobs/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := fa.JobStatus(r.Context())
		writeJSON(w, status, err)
	})

	mux.HandleFunc("/jobs/history", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := fa.JobHistory(r.Context(), limit)
		writeJSON(w, jobs, err)
	})

	mux.HandleFunc("/jobs/execute-now", func(w http.ResponseWriter, r *http.Request) {
		job, err := fa.JobExecuteNow(r.Context())
		writeJSON(w, job, err)
	})

	mux.HandleFunc("/jobs/cancel", func(w http.ResponseWriter, r *http.Request) {
		jobID, running := fa.JobCancel()
		writeJSON(w, map[string]any{"job_id": jobID, "cancelled": running}, nil)
	})

	mux.HandleFunc("/archives", func(w http.ResponseWriter, r *http.Request) {
		archives, err := fa.ArchivesList(r.Context())
		writeJSON(w, archives, err)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		err := health.CheckUpstream(r.Context(), nil, feedcache.UPSTREAM)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"}, nil)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if encErr := json.NewEncoder(w).Encode(v); encErr != nil {
		log.Printf("epg-merge: encode response: %v", encErr)
	}
}
