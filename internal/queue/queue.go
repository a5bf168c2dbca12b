// Package queue is the job broker adapter. It pairs the RabbitMQ transport
// with a transcription_jobs record table: the message carries the work to the
// worker, the record carries the pollable status back. A broker outage puts
// the adapter into degraded mode where every call returns a safe default
// instead of an error, so ingestion stays available with no broker at all.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/voicefit/ingest-be/internal/api/model"
)

// Job record status values, mirroring the states pollers expect.
const (
	JobStatusWaiting   = "waiting"
	JobStatusActive    = "active"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"

	// StatusUnknown is reported while the broker is unreachable.
	StatusUnknown = "unknown"
	// StatusNotFound is reported for job ids with no record. Distinct from
	// unknown so pollers can tell "never existed" from "broker down".
	StatusNotFound = "not_found"
)

const (
	defaultMaxAttempts    = 3
	defaultBackoffSeconds = 2
	defaultKeepCompleted  = 10
	defaultKeepFailed     = 5
	defaultEnqueueTimeout = 5 * time.Second
)

// ErrInvalidPayload is returned when a job payload is missing required fields.
var ErrInvalidPayload = errors.New("invalid job payload")

// Transport is the broker connection the adapter publishes through.
// *rabbitmq.Client satisfies it.
type Transport interface {
	IsConnected() bool
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Config holds job submission settings.
type Config struct {
	MaxAttempts    int
	BackoffSeconds int
	KeepCompleted  int
	KeepFailed     int
	EnqueueTimeout time.Duration
}

// JobPayload is the fixed message contract consumed by the transcription
// worker. Every field is required.
type JobPayload struct {
	JobID            string `json:"jobId"`
	AudioFileID      int64  `json:"audioFileId"`
	UserID           int64  `json:"userId"`
	FilePath         string `json:"filePath"`
	OriginalFilename string `json:"originalFilename"`
	DeviceUUID       string `json:"deviceUuid"`
	UploadTimestamp  int64  `json:"uploadTimestamp"`
}

// Validate fails fast on missing fields so a malformed payload never reaches
// the worker. JobID is assigned by the adapter and not checked here.
func (p *JobPayload) Validate() error {
	switch {
	case p.AudioFileID <= 0:
		return fmt.Errorf("%w: audioFileId is required", ErrInvalidPayload)
	case p.UserID <= 0:
		return fmt.Errorf("%w: userId is required", ErrInvalidPayload)
	case p.FilePath == "":
		return fmt.Errorf("%w: filePath is required", ErrInvalidPayload)
	case p.OriginalFilename == "":
		return fmt.Errorf("%w: originalFilename is required", ErrInvalidPayload)
	case p.DeviceUUID == "":
		return fmt.Errorf("%w: deviceUuid is required", ErrInvalidPayload)
	case p.UploadTimestamp <= 0:
		return fmt.Errorf("%w: uploadTimestamp is required", ErrInvalidPayload)
	}
	return nil
}

// EnqueueResult is the outcome of one enqueue attempt. Queued false with a nil
// JobID means the job was not handed off and the upload stays pending.
type EnqueueResult struct {
	JobID  *string
	Queued bool
}

// JobStatus is the pollable state of one job.
type JobStatus struct {
	Status       string
	Progress     int
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	FailedReason string
}

// Stats are job-record counts by status. They reflect broker-side health only;
// client-facing counts come from the ledger.
type Stats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

// Adapter submits transcription jobs and answers status queries.
type Adapter struct {
	db        *sqlx.DB
	transport Transport
	config    Config
	logger    *slog.Logger
}

// NewAdapter creates an Adapter. transport may be nil when the broker was
// unreachable at startup; the adapter then runs degraded from the start.
func NewAdapter(db *sqlx.DB, transport Transport, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffSeconds <= 0 {
		cfg.BackoffSeconds = defaultBackoffSeconds
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = defaultKeepCompleted
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = defaultKeepFailed
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}

	return &Adapter{
		db:        db,
		transport: transport,
		config:    cfg,
		logger:    logger,
	}
}

// Degraded reports whether the broker is currently unreachable.
func (a *Adapter) Degraded() bool {
	return a.transport == nil || !a.transport.IsConnected()
}

// Enqueue submits a transcription job: a job record is inserted first, then
// the message is published. Broker and record failures are absorbed into
// {nil, false}; only a malformed payload is an error.
func (a *Adapter) Enqueue(ctx context.Context, payload JobPayload) (EnqueueResult, error) {
	if err := payload.Validate(); err != nil {
		return EnqueueResult{}, err
	}

	if a.Degraded() {
		a.logger.Warn("Broker unavailable, job will be picked up later",
			slog.Int64("audio_file_id", payload.AudioFileID),
		)
		return EnqueueResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.EnqueueTimeout)
	defer cancel()

	payload.JobID = uuid.New().String()

	body, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO transcription_jobs (
			job_id, audio_file_id, payload, status,
			attempts, max_attempts, backoff_seconds
		) VALUES ($1, $2, $3, $4, 0, $5, $6)
	`, payload.JobID, payload.AudioFileID, string(body), JobStatusWaiting,
		a.config.MaxAttempts, a.config.BackoffSeconds)
	if err != nil {
		a.logger.Error("Failed to insert job record",
			slog.Int64("audio_file_id", payload.AudioFileID),
			slog.Any("error", err),
		)
		return EnqueueResult{}, nil
	}

	if err := a.transport.PublishWithRetry(ctx, body, "application/json"); err != nil {
		a.logger.Error("Failed to publish transcription job",
			slog.String("job_id", payload.JobID),
			slog.Int64("audio_file_id", payload.AudioFileID),
			slog.Any("error", err),
		)
		a.deleteJobRecord(payload.JobID)
		return EnqueueResult{}, nil
	}

	a.pruneJobRecords(ctx)

	a.logger.Info("Transcription job enqueued",
		slog.String("job_id", payload.JobID),
		slog.Int64("audio_file_id", payload.AudioFileID),
	)

	return EnqueueResult{JobID: &payload.JobID, Queued: true}, nil
}

// GetJobStatus returns the pollable state of a job. Degraded mode reports
// unknown; an id with no record reports not_found. Neither is an error.
func (a *Adapter) GetJobStatus(ctx context.Context, jobID string) JobStatus {
	if a.Degraded() {
		return JobStatus{Status: StatusUnknown}
	}

	var job model.TranscriptionJob
	err := a.db.GetContext(ctx, &job, `
		SELECT job_id, audio_file_id, payload, status, progress,
		       attempts, max_attempts, backoff_seconds,
		       processed_on, finished_on, failed_reason,
		       created_at, updated_at
		FROM transcription_jobs
		WHERE job_id = $1
	`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return JobStatus{Status: StatusNotFound}
	}
	if err != nil {
		a.logger.Error("Failed to look up job status",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return JobStatus{Status: StatusUnknown}
	}

	status := JobStatus{
		Status:   job.Status,
		Progress: job.Progress,
	}
	if job.ProcessedOn.Valid {
		t := job.ProcessedOn.Time
		status.ProcessedOn = &t
	}
	if job.FinishedOn.Valid {
		t := job.FinishedOn.Time
		status.FinishedOn = &t
	}
	if job.FailedReason.Valid {
		status.FailedReason = job.FailedReason.String
	}

	return status
}

// GetStats counts job records by status. Zeros in degraded mode.
func (a *Adapter) GetStats(ctx context.Context) Stats {
	if a.Degraded() {
		return Stats{}
	}

	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}{}

	err := a.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count
		FROM transcription_jobs
		GROUP BY status
	`)
	if err != nil {
		a.logger.Error("Failed to get job stats",
			slog.Any("error", err),
		)
		return Stats{}
	}

	var stats Stats
	for _, row := range rows {
		switch row.Status {
		case JobStatusWaiting:
			stats.Waiting = row.Count
		case JobStatusActive:
			stats.Active = row.Count
		case JobStatusCompleted:
			stats.Completed = row.Count
		case JobStatusFailed:
			stats.Failed = row.Count
		}
	}

	return stats
}

// deleteJobRecord removes the record of a job that never reached the broker.
// Best-effort: an orphaned waiting record is harmless and the upload itself
// stays pending either way.
func (a *Adapter) deleteJobRecord(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := a.db.ExecContext(ctx,
		`DELETE FROM transcription_jobs WHERE job_id = $1`, jobID); err != nil {
		a.logger.Error("Failed to delete orphaned job record",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

// pruneJobRecords keeps only the newest completed and failed records so the
// job table stays bounded. Best-effort.
func (a *Adapter) pruneJobRecords(ctx context.Context) {
	prune := func(status string, keep int) {
		_, err := a.db.ExecContext(ctx, `
			DELETE FROM transcription_jobs
			WHERE status = $1 AND job_id NOT IN (
				SELECT job_id FROM transcription_jobs
				WHERE status = $1
				ORDER BY updated_at DESC
				LIMIT $2
			)
		`, status, keep)
		if err != nil {
			a.logger.Warn("Failed to prune job records",
				slog.String("status", status),
				slog.Any("error", err),
			)
		}
	}

	prune(JobStatusCompleted, a.config.KeepCompleted)
	prune(JobStatusFailed, a.config.KeepFailed)
}
