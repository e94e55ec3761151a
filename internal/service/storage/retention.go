package storage

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-co-op/gocron/v2"

	"ppegate/internal/logger"
)

// ImageReferenceClearer drops the image reference of records whose snapshot was pruned.
type ImageReferenceClearer interface {
	ClearImagePath(imagePath string) (int64, error)
}

// RetentionOptions bound the snapshot directory. Zero values disable the respective limit.
type RetentionOptions struct {
	MaxAge   time.Duration
	MaxBytes int64
	Interval time.Duration
}

// Retention periodically deletes snapshots that are too old or exceed the directory budget.
// Records keep their metadata; only the image reference is cleared.
type Retention struct {
	store     *SnapshotStore
	records   ImageReferenceClearer
	opts      RetentionOptions
	clock     clock.Clock
	logger    *logger.Logger
	scheduler gocron.Scheduler
}

// NewRetention creates the pruning job. records may be nil.
func NewRetention(store *SnapshotStore, records ImageReferenceClearer, opts RetentionOptions, clk clock.Clock, logger *logger.Logger) *Retention {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Retention{
		store:   store,
		records: records,
		opts:    opts,
		clock:   clk,
		logger:  logger,
	}
}

// Start schedules Prune every interval, starting immediately.
func (r *Retention) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create retention scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(r.opts.Interval),
		gocron.NewTask(r.prune),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("failed to schedule retention job: %w", err)
	}

	scheduler.Start()
	r.scheduler = scheduler
	r.logger.Info("Snapshot retention scheduled every %v", r.opts.Interval)
	return nil
}

// Stop shuts the scheduler down, waiting for a running prune to finish.
func (r *Retention) Stop() error {
	if r.scheduler == nil {
		return nil
	}
	return r.scheduler.Shutdown()
}

func (r *Retention) prune() {
	removed, err := r.Prune()
	if err != nil {
		r.logger.Error("Snapshot retention failed: %v", err)
		return
	}
	if removed > 0 {
		r.logger.Info("Snapshot retention removed %d files", removed)
	}
}

// Prune deletes expired snapshots, then the oldest ones until the directory fits MaxBytes.
func (r *Retention) Prune() (int, error) {
	files, err := r.store.Files()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}

	var cutoff int64
	if r.opts.MaxAge > 0 {
		cutoff = r.clock.Now().Add(-r.opts.MaxAge).UnixNano()
	}

	removed := 0
	for _, f := range files {
		expired := cutoff != 0 && f.ModTime < cutoff
		oversize := r.opts.MaxBytes > 0 && total > r.opts.MaxBytes
		if !expired && !oversize {
			// Files are sorted oldest first, nothing newer can be expired.
			break
		}

		if err := r.store.Remove(f.Path); err != nil {
			r.logger.Error("%v", err)
			continue
		}
		total -= f.Size
		removed++

		if r.records != nil {
			if _, err := r.records.ClearImagePath(f.Path); err != nil {
				r.logger.Error("Failed to clear image reference %s: %v", f.Path, err)
			}
		}
	}
	return removed, nil
}
