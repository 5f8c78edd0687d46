package worker

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"audioscribe/internal/jobs"
	"audioscribe/internal/tempstore"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultTempFileTTL   = time.Hour
	DefaultJobRetention  = time.Hour
)

// SweeperConfig controls the periodic cleanup.
type SweeperConfig struct {
	Interval     time.Duration
	TempFileTTL  time.Duration
	JobRetention time.Duration
}

// Sweeper periodically drops expired terminal jobs and stale temp files.
type Sweeper struct {
	jobs  *jobs.Store
	files *tempstore.Store
	cfg   SweeperConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(store *jobs.Store, files *tempstore.Store, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.TempFileTTL <= 0 {
		cfg.TempFileTTL = DefaultTempFileTTL
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = DefaultJobRetention
	}
	return &Sweeper{jobs: store, files: files, cfg: cfg}
}

// Start launches the loop. It is stopped by cancelling ctx or calling Stop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.cleanupLoop(ctx, s.done)
}

// Stop cancels the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs a single pass and reports what it removed.
func (s *Sweeper) SweepOnce() (jobsDropped, filesRemoved int) {
	for _, job := range s.jobs.Sweep(s.cfg.JobRetention) {
		jobsDropped++
		if job.FilePath == "" {
			continue
		}
		if a, ok := s.files.Lookup(job.FilePath); ok {
			if err := s.files.Remove(a); err != nil {
				log.Printf("[sweeper] remove file of job %s failed: %v", job.ID, err)
				continue
			}
			filesRemoved++
		} else if err := os.Remove(job.FilePath); err == nil {
			filesRemoved++
		}
	}

	n, err := s.files.Sweep(s.cfg.TempFileTTL, s.jobs.IsLive)
	if err != nil {
		log.Printf("[sweeper] temp file sweep error: %v", err)
	}
	filesRemoved += n
	if jobsDropped > 0 || filesRemoved > 0 {
		log.Printf("[sweeper] dropped %d jobs, removed %d files", jobsDropped, filesRemoved)
	}
	return jobsDropped, filesRemoved
}
