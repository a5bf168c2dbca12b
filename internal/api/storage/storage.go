// Package storage is the ledger access layer: users and audio_files are the
// durable source of truth for upload existence and transcription status.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/voicefit/ingest-be/internal/api/model"
	"github.com/voicefit/ingest-be/internal/identity"
	"github.com/voicefit/ingest-be/shared/postgresql"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewStorage(pg *postgresql.Client, logger *slog.Logger) *Storage {
	return &Storage{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// UploadRecord is the committed result of one upload transaction.
type UploadRecord struct {
	AudioFileID     int64
	UserID          int64
	UploadTimestamp time.Time
}

// QueueStats are fleet-wide counts bucketed from transcription statuses.
type QueueStats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

// ActiveFile is one queued or processing upload joined with its device.
type ActiveFile struct {
	AudioFileID int64          `db:"id"`
	Filename    string         `db:"original_filename"`
	Status      string         `db:"transcription_status"`
	Progress    sql.NullInt64  `db:"processing_progress"`
	Stage       sql.NullString `db:"processing_stage"`
	Message     sql.NullString `db:"processing_message"`
	DeviceUUID  string         `db:"device_uuid"`
	CreatedAt   time.Time      `db:"upload_timestamp"`
}

// PendingUpload is a pending row due for an enqueue retry, carrying everything
// the job payload needs.
type PendingUpload struct {
	AudioFileID      int64     `db:"id"`
	UserID           int64     `db:"user_id"`
	OriginalFilename string    `db:"original_filename"`
	FilePath         string    `db:"file_path"`
	DeviceUUID       string    `db:"device_uuid"`
	UploadTimestamp  time.Time `db:"upload_timestamp"`
	EnqueueAttempts  int       `db:"enqueue_attempts"`
}

// CreateUpload records one upload in a single transaction: find or create the
// user, insert the audio_files row as pending, and touch last_seen. Two
// concurrent first uploads from the same device race on the user insert; the
// device_uuid unique constraint fails one of them and that attempt is retried
// as a lookup.
func (s *Storage) CreateUpload(ctx context.Context, id identity.Identity, originalFilename, filePath string, fileSize int64) (*UploadRecord, error) {
	rec, err := s.createUploadTx(ctx, id, originalFilename, filePath, fileSize)
	if err != nil && isUniqueViolation(err) {
		s.logger.Warn("Concurrent device registration, retrying upload transaction",
			slog.String("device_uuid", id.DeviceUUID),
		)
		rec, err = s.createUploadTx(ctx, id, originalFilename, filePath, fileSize)
	}
	return rec, err
}

func (s *Storage) createUploadTx(ctx context.Context, id identity.Identity, originalFilename, filePath string, fileSize int64) (_ *UploadRecord, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("Failed to roll back upload transaction",
					slog.Any("error", rbErr),
				)
			}
		}
	}()

	var userID int64
	err = tx.GetContext(ctx, &userID,
		`SELECT id FROM users WHERE device_uuid = $1`, id.DeviceUUID)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.GetContext(ctx, &userID,
			`INSERT INTO users (device_uuid) VALUES ($1) RETURNING id`, id.DeviceUUID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	rec := &UploadRecord{UserID: userID}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO audio_files (
			user_id, original_filename, file_path, file_size,
			upload_timestamp, transcription_status
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, upload_timestamp
	`, userID, originalFilename, filePath, fileSize, id.TimestampDate, model.StatusPending).
		Scan(&rec.AudioFileID, &rec.UploadTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audio file: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET last_seen = CURRENT_TIMESTAMP WHERE id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update last_seen: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upload transaction: %w", err)
	}

	return rec, nil
}

// MarkQueued flips a pending row to queued after a successful enqueue.
func (s *Storage) MarkQueued(ctx context.Context, audioFileID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audio_files
		SET transcription_status = $1
		WHERE id = $2 AND transcription_status = $3
	`, model.StatusQueued, audioFileID, model.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark audio file queued: %w", err)
	}
	return nil
}

// GetQueueStats aggregates transcription statuses into the four client-facing
// buckets. The ledger, not the broker, is the source here so the counts stay
// accurate through broker outages and job-record eviction.
func (s *Storage) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	rows := []struct {
		Status string `db:"transcription_status"`
		Count  int    `db:"count"`
	}{}

	err := s.db.SelectContext(ctx, &rows, `
		SELECT transcription_status, COUNT(*) AS count
		FROM audio_files
		GROUP BY transcription_status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	stats := &QueueStats{}
	for _, row := range rows {
		switch row.Status {
		case model.StatusPending, model.StatusQueued:
			stats.Waiting += row.Count
		case model.StatusProcessing:
			stats.Active += row.Count
		case model.StatusCompleted:
			stats.Completed += row.Count
		case model.StatusFailed:
			stats.Failed += row.Count
		}
	}

	return stats, nil
}

// GetFileProgress returns an audio file row and its per-stage progress rows.
func (s *Storage) GetFileProgress(ctx context.Context, audioFileID int64) (*model.AudioFile, []model.StageProgress, error) {
	var file model.AudioFile
	err := s.db.GetContext(ctx, &file, `
		SELECT id, user_id, original_filename, file_path, file_size,
		       upload_timestamp, transcription_status, processing_progress,
		       processing_stage, processing_message, enqueue_attempts, created_at
		FROM audio_files
		WHERE id = $1
	`, audioFileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get audio file: %w", err)
	}

	var stages []model.StageProgress
	err = s.db.SelectContext(ctx, &stages, `
		SELECT id, audio_file_id, stage, status, progress_percent,
		       message, started_at, completed_at, created_at
		FROM file_processing_progress
		WHERE audio_file_id = $1
		ORDER BY created_at
	`, audioFileID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get stage progress: %w", err)
	}

	return &file, stages, nil
}

// GetActiveFiles lists uploads currently queued or processing, newest first.
func (s *Storage) GetActiveFiles(ctx context.Context) ([]ActiveFile, error) {
	var files []ActiveFile
	err := s.db.SelectContext(ctx, &files, `
		SELECT af.id, af.original_filename, af.transcription_status,
		       af.processing_progress, af.processing_stage, af.processing_message,
		       af.upload_timestamp, u.device_uuid
		FROM audio_files af
		JOIN users u ON af.user_id = u.id
		WHERE af.transcription_status IN ($1, $2)
		ORDER BY af.upload_timestamp DESC
	`, model.StatusQueued, model.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to get active files: %w", err)
	}

	return files, nil
}

// GetPendingOlderThan returns pending rows older than the given age that still
// have enqueue attempts left, oldest first.
func (s *Storage) GetPendingOlderThan(ctx context.Context, age time.Duration, maxAttempts, limit int) ([]PendingUpload, error) {
	var rows []PendingUpload
	err := s.db.SelectContext(ctx, &rows, `
		SELECT af.id, af.user_id, af.original_filename, af.file_path,
		       u.device_uuid, af.upload_timestamp, af.enqueue_attempts
		FROM audio_files af
		JOIN users u ON af.user_id = u.id
		WHERE af.transcription_status = $1
		  AND af.created_at < NOW() - ($2 * INTERVAL '1 second')
		  AND af.enqueue_attempts < $3
		ORDER BY af.created_at
		LIMIT $4
	`, model.StatusPending, int(age.Seconds()), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending uploads: %w", err)
	}

	return rows, nil
}

// BumpEnqueueAttempts counts one enqueue retry against a pending row.
func (s *Storage) BumpEnqueueAttempts(ctx context.Context, audioFileID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audio_files
		SET enqueue_attempts = enqueue_attempts + 1
		WHERE id = $1
	`, audioFileID)
	if err != nil {
		return fmt.Errorf("failed to bump enqueue attempts: %w", err)
	}
	return nil
}

// CountStalled counts pending rows that have exhausted their enqueue attempts.
func (s *Storage) CountStalled(ctx context.Context, maxAttempts int) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM audio_files
		WHERE transcription_status = $1 AND enqueue_attempts >= $2
	`, model.StatusPending, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to count stalled uploads: %w", err)
	}
	return count, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
