package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audioscribe/internal/api"
	"audioscribe/internal/archive"
	"audioscribe/internal/config"
	"audioscribe/internal/convert"
	"audioscribe/internal/cost"
	"audioscribe/internal/jobs"
	"audioscribe/internal/metrics"
	"audioscribe/internal/notify"
	"audioscribe/internal/redis"
	"audioscribe/internal/storage"
	"audioscribe/internal/tempstore"
	"audioscribe/internal/transcription"
	"audioscribe/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("AUDIOSCRIBE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	basic := cfg.BasicConfig

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := tempstore.New(basic.UploadDir)
	if err != nil {
		log.Fatalf("init upload dir: %v", err)
	}

	var m *metrics.Metrics
	if basic.MetricsEnabled {
		m = metrics.NewMetrics()
	}

	var (
		db     *sql.DB
		ledger *cost.SQLLedger
	)
	if dbType := basic.LedgerDatabase; dbType != "" {
		log.Printf("dbType: %s\n", dbType)
		db, err = storage.Open(dbType, cfg)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		// Create necessary tables: usage_ledger, budget_alerts
		if err := storage.Migrate(db, dbType); err != nil {
			log.Fatalf("migrate database: %v", err)
		}
		ledger = cost.NewSQLLedger(db, dbType)
	}
	budget := cost.Config{
		PerMinuteRate:  cfg.Budget.PerMinuteRate,
		DailyCeiling:   cfg.Budget.DailyCeiling,
		MonthlyCeiling: cfg.Budget.MonthlyCeiling,
	}
	tracker := cost.NewTracker(budget, nil)
	if ledger != nil {
		tracker = cost.NewTracker(budget, ledger)
		if err := ledger.LoadInto(ctx, tracker, time.Now()); err != nil {
			log.Printf("restore usage ledger: %v", err)
		}
	}
	if m != nil {
		tracker.AddObserver(m)
	}

	store := jobs.NewStore()
	defer store.Close()

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	if rdb != nil {
		defer rdb.Close()
		events := jobs.NewRedisObserver(rdb)
		defer events.Close()
		store.Subscribe(events)
	}

	backend, err := newBackend(ctx, cfg.Transcription)
	if err != nil {
		log.Fatalf("init transcription backend: %v", err)
	}
	opts := transcription.DefaultOptions()
	opts.MaxAttempts = cfg.Transcription.MaxAttempts
	opts.RequestTimeout = time.Duration(cfg.Transcription.RequestTimeout) * time.Second
	opts.MaxFileBytes = cfg.Transcription.MaxFileBytes
	client := transcription.NewClient(backend, opts)
	log.Printf("transcription backend: %s (%s)", client.Backend(), cfg.Transcription.Model)

	converter := convert.New(convert.Options{
		FFmpegPath:  cfg.Converter.FFmpegPath,
		FFprobePath: cfg.Converter.FFprobePath,
		Codec:       cfg.Converter.Codec,
		Bitrate:     cfg.Converter.Bitrate,
		Channels:    cfg.Converter.Channels,
		SampleRate:  cfg.Converter.SampleRate,
		Timeout:     time.Duration(cfg.Converter.Timeout) * time.Second,
	}, files)

	deps := worker.PipelineDeps{
		Jobs:      store,
		Files:     files,
		Converter: converter,
		Client:    client,
		Tracker:   tracker,
		Metrics:   m,
	}
	if cfg.Archive.Enabled {
		arch, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			log.Fatalf("init transcript archive: %v", err)
		}
		deps.Archiver = arch
	}
	if cfg.Notify.Enabled {
		pub, err := notify.Dial(cfg.Notify)
		if err != nil {
			log.Fatalf("init completion publisher: %v", err)
		}
		defer pub.Close()
		deps.Notifier = pub
	}
	pipeline := worker.NewPipeline(deps)

	dispatcher := worker.NewDispatcher(pipeline, worker.DispatcherConfig{
		MinWorkers:  basic.MinWorkers,
		MaxWorkers:  basic.MaxWorkers,
		QueueSize:   basic.QueueSize,
		IdleTimeout: time.Duration(basic.WorkerIdleTimeout) * time.Second,
		OnDrop:      pipeline.Abort,
		OnDepth:     m.SetQueueDepth,
	})

	sweeper := worker.NewSweeper(store, files, worker.SweeperConfig{
		Interval:     time.Duration(basic.SweepInterval) * time.Second,
		TempFileTTL:  time.Duration(basic.TempFileTTL) * time.Minute,
		JobRetention: time.Duration(basic.JobRetention) * time.Minute,
	})
	sweeper.Start(ctx)

	handlerDeps := api.Deps{
		Jobs:                 store,
		Files:                files,
		Scheduler:            dispatcher,
		Tracker:              tracker,
		Metrics:              m,
		Abort:                pipeline.Abort,
		MaxConcurrentUploads: basic.MaxConcurrentUploads,
		MaxUploadBytes:       basic.MaxUploadBytes,
		ReleaseOnRead:        basic.ReleaseOnRead,
	}
	if rdb != nil {
		handlerDeps.Cache = rdb
		handlerDeps.CacheTTL = time.Duration(basic.JobRetention) * time.Minute
	}
	if rdb != nil && basic.RateLimitPerMinute > 0 {
		handlerDeps.RateLimit = api.NewRateLimiter(api.RateLimiterConfig{
			Counter: rdb,
			Limit:   basic.RateLimitPerMinute,
			Window:  time.Minute,
		})
	}
	handlers := api.NewHandler(handlerDeps)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              basic.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("listening on %s", basic.ServerAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(basic.ShutdownTimeout)*time.Second)
	defer cancel()

	handlers.Close()
	sweeper.Stop()
	if err := handlers.Throttle().Wait(shutdownCtx); err != nil {
		log.Printf("uploads still in flight at shutdown: %d", handlers.Throttle().InFlight())
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Printf("worker shutdown: %v", err)
	}
	if n, err := files.Drain(); err != nil {
		log.Printf("drain temp files: %v", err)
	} else if n > 0 {
		log.Printf("removed %d temp files", n)
	}
}

func newBackend(ctx context.Context, cfg config.TranscriptionConfig) (transcription.Backend, error) {
	switch cfg.Provider {
	case "gemini":
		b, err := transcription.NewGeminiBackend(ctx, transcription.GeminiConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		}, nil)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return transcription.NewWhisperBackend(transcription.WhisperConfig{
			BaseURL:  cfg.BaseURL,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Language: cfg.Language,
		}, nil), nil
	}
}
