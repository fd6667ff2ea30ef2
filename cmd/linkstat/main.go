package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/puyujian/xhs-kapian-sub000/internal/analytics"
	"github.com/puyujian/xhs-kapian-sub000/internal/config"
	"github.com/puyujian/xhs-kapian-sub000/internal/ingest"
	"github.com/puyujian/xhs-kapian-sub000/internal/jobs"
	"github.com/puyujian/xhs-kapian-sub000/internal/logging"
	"github.com/puyujian/xhs-kapian-sub000/internal/metrics"
	"github.com/puyujian/xhs-kapian-sub000/internal/rollup"
	"github.com/puyujian/xhs-kapian-sub000/internal/server"
	"github.com/puyujian/xhs-kapian-sub000/internal/sse"
	"github.com/puyujian/xhs-kapian-sub000/internal/storage"
	"github.com/puyujian/xhs-kapian-sub000/internal/validate"
	"github.com/puyujian/xhs-kapian-sub000/internal/version"
)

const usage = `usage:
  linkstat                               run the HTTP service
  linkstat rollup [-date YYYY-MM-DD]     roll up one UTC day (default: yesterday)
  linkstat redirect -key KEY -url URL    create a short link
`

func main() {
	cfg := config.Load()
	_, logCloser := logging.Setup(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer logCloser.Close()

	var err error
	args := os.Args[1:]
	switch {
	case len(args) == 0 || args[0] == "serve":
		err = serve(cfg)
	case args[0] == "rollup":
		err = runRollup(cfg, args[1:])
	case args[0] == "redirect":
		err = addRedirect(cfg, args[1:])
	case args[0] == "version":
		fmt.Printf("linkstat %s (%s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
	default:
		fmt.Fprint(os.Stderr, usage)
		logCloser.Close()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("linkstat failed", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func openStore(cfg config.Config) (*storage.Storage, error) {
	store, err := storage.NewWithOptions(cfg.DBPath, storage.Options{
		MaxConnections: cfg.DBMaxConnections,
		QueryTimeout:   cfg.DBQueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	return store, nil
}

func serve(cfg config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var geo *ingest.GeoLookup
	if cfg.MaxMindDBPath != "" {
		cache := ingest.NewGeoCache(ingest.GeoCacheConfig{Capacity: cfg.GeoCacheSize, TTL: cfg.GeoCacheTTL})
		geo, err = ingest.NewGeo(cfg.MaxMindDBPath, cache)
		if err != nil {
			slog.Warn("geo disabled", "path", cfg.MaxMindDBPath, "error", err)
			geo = nil
		} else {
			defer geo.Close()
		}
	}

	m := metrics.New(
		func() int64 {
			size, err := store.DBFileSize()
			if err != nil {
				return 0
			}
			return size
		},
		func() metrics.DBStats {
			st, err := store.GetDatabaseStats(context.Background())
			if err != nil {
				slog.Debug("failed to read database stats", "error", err)
			}
			return metrics.DBStats(st)
		},
		func() *metrics.GeoCacheStats {
			st := geo.CacheStats()
			if st == nil {
				return nil
			}
			return &metrics.GeoCacheStats{Size: st.Size, Hits: st.Hits, Misses: st.Misses, HitRate: st.HitRate}
		},
	)
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	hub := sse.NewHub(sse.WithDroppedCounter(m))

	sched, err := jobs.NewScheduler(rollup.New(store, m), m, cfg.RollupSchedule)
	if err != nil {
		return err
	}
	sched.SetPublisher(hub)
	if cfg.RollupEnabled {
		sched.Start()
	}
	defer sched.Stop()
	if cfg.RollupOnStart {
		sched.TriggerAsync(sched.Yesterday())
	}

	var resolver ingest.CountryResolver
	if geo != nil {
		resolver = geo
	}
	recorder := ingest.NewRecorder(store, resolver, m, ingest.Options{AnonymizeIP: cfg.PrivacyAnonIP})
	stats := analytics.New(store, analytics.WithMetrics(m))

	handler := server.New(store, hub, stats, sched, recorder, m, cfg)
	defer handler.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr, "version", version.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	// Event streams never end on their own.
	hub.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}

func runRollup(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("rollup", flag.ContinueOnError)
	date := fs.String("date", "", "UTC day to roll up, YYYY-MM-DD (default: yesterday)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sched, err := jobs.NewScheduler(rollup.New(store, nil), nil, cfg.RollupSchedule)
	if err != nil {
		return err
	}
	defer sched.Stop()

	day := sched.Yesterday()
	if *date != "" {
		day, err = time.ParseInLocation("2006-01-02", *date, time.UTC)
		if err != nil {
			return fmt.Errorf("invalid -date %q: %w", *date, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := sched.RunDay(ctx, day)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d groups from %d visits\n", res.Date, res.AggregatedGroups, res.RawEventsProcessed)
	return nil
}

func addRedirect(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("redirect", flag.ContinueOnError)
	key := fs.String("key", "", "short key served at /r/KEY")
	target := fs.String("url", "", "target URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req := validate.Redirect{Key: *key, URL: *target}
	if err := validate.Struct(req); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	red, err := store.CreateRedirect(context.Background(), req.Key, req.URL)
	if err != nil {
		return err
	}
	fmt.Printf("created %s -> %s (id %d)\n", red.Key, red.URL, red.ID)
	return nil
}
