package model

import (
	"database/sql"
	"time"
)

// Transcription status values for audio_files rows. The ingestion side only
// ever writes pending and queued; the transcription worker owns the rest.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// User is one uploading device. device_uuid is the tenant key; rows are
// created lazily on first upload.
type User struct {
	ID         int64     `db:"id"`
	DeviceUUID string    `db:"device_uuid"`
	CreatedAt  time.Time `db:"created_at"`
	LastSeen   time.Time `db:"last_seen"`
}

// AudioFile is one uploaded recording.
type AudioFile struct {
	ID                  int64          `db:"id"`
	UserID              int64          `db:"user_id"`
	OriginalFilename    string         `db:"original_filename"`
	FilePath            string         `db:"file_path"`
	FileSize            int64          `db:"file_size"`
	UploadTimestamp     time.Time      `db:"upload_timestamp"`
	TranscriptionStatus string         `db:"transcription_status"`
	ProcessingProgress  sql.NullInt64  `db:"processing_progress"`
	ProcessingStage     sql.NullString `db:"processing_stage"`
	ProcessingMessage   sql.NullString `db:"processing_message"`
	EnqueueAttempts     int            `db:"enqueue_attempts"`
	CreatedAt           time.Time      `db:"created_at"`
}

// TranscriptionJob is a broker-side job record. Rows are written by the queue
// adapter at enqueue time and updated by the transcription worker as it
// claims, progresses, and finishes the job.
type TranscriptionJob struct {
	JobID        string         `db:"job_id"`
	AudioFileID  int64          `db:"audio_file_id"`
	Payload      string         `db:"payload"`
	Status       string         `db:"status"`
	Progress     int            `db:"progress"`
	Attempts     int            `db:"attempts"`
	MaxAttempts  int            `db:"max_attempts"`
	BackoffSecs  int            `db:"backoff_seconds"`
	ProcessedOn  sql.NullTime   `db:"processed_on"`
	FinishedOn   sql.NullTime   `db:"finished_on"`
	FailedReason sql.NullString `db:"failed_reason"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// StageProgress is one processing stage of one audio file, written by the
// transcription worker and read by polling clients.
type StageProgress struct {
	ID              int64          `db:"id"`
	AudioFileID     int64          `db:"audio_file_id"`
	Stage           string         `db:"stage"`
	Status          string         `db:"status"`
	ProgressPercent int            `db:"progress_percent"`
	Message         sql.NullString `db:"message"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	CreatedAt       time.Time      `db:"created_at"`
}
