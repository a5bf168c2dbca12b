// Package reconcile re-enqueues uploads whose transcription job never reached
// the broker. The upload path deliberately lets enqueue fail without failing
// the request; rows left pending are swept up here until their enqueue
// attempts run out.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicefit/ingest-be/internal/api/storage"
	"github.com/voicefit/ingest-be/internal/queue"
)

const (
	defaultInterval    = 30 * time.Second
	defaultPendingAge  = 60 * time.Second
	defaultMaxAttempts = 5
	defaultBatchSize   = 50
)

// PendingStore is the ledger surface the reconciler needs.
type PendingStore interface {
	GetPendingOlderThan(ctx context.Context, age time.Duration, maxAttempts, limit int) ([]storage.PendingUpload, error)
	BumpEnqueueAttempts(ctx context.Context, audioFileID int64) error
	MarkQueued(ctx context.Context, audioFileID int64) error
	CountStalled(ctx context.Context, maxAttempts int) (int, error)
}

// JobQueue is the broker adapter surface the reconciler needs.
type JobQueue interface {
	Enqueue(ctx context.Context, payload queue.JobPayload) (queue.EnqueueResult, error)
}

// Config holds reconciler configuration
type Config struct {
	Logger      *slog.Logger
	Store       PendingStore
	Queue       JobQueue
	Interval    time.Duration
	PendingAge  time.Duration
	MaxAttempts int
	BatchSize   int
}

// Reconciler periodically sweeps stale pending uploads back into the queue.
type Reconciler struct {
	logger      *slog.Logger
	store       PendingStore
	queue       JobQueue
	interval    time.Duration
	pendingAge  time.Duration
	maxAttempts int
	batchSize   int
	wg          sync.WaitGroup
	stopChan    chan struct{}
}

// NewReconciler creates a new reconciler instance
func NewReconciler(cfg *Config) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	pendingAge := cfg.PendingAge
	if pendingAge <= 0 {
		pendingAge = defaultPendingAge
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &Reconciler{
		logger:      cfg.Logger,
		store:       cfg.Store,
		queue:       cfg.Queue,
		interval:    interval,
		pendingAge:  pendingAge,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		stopChan:    make(chan struct{}),
	}
}

// Start runs the sweep loop until the context is canceled or Stop is called.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler",
		slog.Duration("interval", r.interval),
		slog.Duration("pending_age", r.pendingAge),
		slog.Int("max_attempts", r.maxAttempts),
	)

	r.wg.Add(1)
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			r.logger.Info("Reconciler stopping - stopChan closed")
			return nil

		case <-ctx.Done():
			r.logger.Info("Reconciler stopping - context canceled")
			return nil

		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Stop gracefully stops the reconciler
func (r *Reconciler) Stop() {
	r.logger.Info("Stopping reconciler...")
	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info("Reconciler stopped")
}

// Sweep runs one reconciliation pass: every stale pending row gets one more
// enqueue attempt, counted against it whether or not the broker took the job.
func (r *Reconciler) Sweep(ctx context.Context) {
	rows, err := r.store.GetPendingOlderThan(ctx, r.pendingAge, r.maxAttempts, r.batchSize)
	if err != nil {
		r.logger.Error("Failed to list stale pending uploads",
			slog.Any("error", err),
		)
		return
	}

	if len(rows) == 0 {
		r.logger.Debug("No stale pending uploads")
		return
	}

	requeued := 0
	for _, row := range rows {
		if err := r.store.BumpEnqueueAttempts(ctx, row.AudioFileID); err != nil {
			r.logger.Error("Failed to count enqueue attempt",
				slog.Int64("audio_file_id", row.AudioFileID),
				slog.Any("error", err),
			)
			continue
		}

		result, err := r.queue.Enqueue(ctx, queue.JobPayload{
			AudioFileID:      row.AudioFileID,
			UserID:           row.UserID,
			FilePath:         row.FilePath,
			OriginalFilename: row.OriginalFilename,
			DeviceUUID:       row.DeviceUUID,
			UploadTimestamp:  row.UploadTimestamp.UnixMilli(),
		})
		if err != nil {
			r.logger.Error("Failed to re-enqueue upload",
				slog.Int64("audio_file_id", row.AudioFileID),
				slog.Any("error", err),
			)
			continue
		}
		if !result.Queued {
			// Broker still down; the attempt stays counted.
			continue
		}

		if err := r.store.MarkQueued(ctx, row.AudioFileID); err != nil {
			r.logger.Error("Failed to mark re-enqueued upload queued",
				slog.Int64("audio_file_id", row.AudioFileID),
				slog.Any("error", err),
			)
		}
		requeued++
	}

	stalled, err := r.store.CountStalled(ctx, r.maxAttempts)
	if err != nil {
		r.logger.Error("Failed to count stalled uploads",
			slog.Any("error", err),
		)
		stalled = -1
	}

	r.logger.Info("Reconciliation sweep complete",
		slog.Int("candidates", len(rows)),
		slog.Int("requeued", requeued),
		slog.Int("stalled", stalled),
	)
}
