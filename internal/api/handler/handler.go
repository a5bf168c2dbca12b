package handler

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/voicefit/ingest-be/internal/api/dto"
	"github.com/voicefit/ingest-be/internal/api/model"
	"github.com/voicefit/ingest-be/internal/api/storage"
	"github.com/voicefit/ingest-be/internal/filestore"
	"github.com/voicefit/ingest-be/internal/identity"
	"github.com/voicefit/ingest-be/internal/queue"
)

// UploadStore is the ledger surface the handlers need.
type UploadStore interface {
	CreateUpload(ctx context.Context, id identity.Identity, originalFilename, filePath string, fileSize int64) (*storage.UploadRecord, error)
	MarkQueued(ctx context.Context, audioFileID int64) error
	GetQueueStats(ctx context.Context) (*storage.QueueStats, error)
	GetFileProgress(ctx context.Context, audioFileID int64) (*model.AudioFile, []model.StageProgress, error)
	GetActiveFiles(ctx context.Context) ([]storage.ActiveFile, error)
}

// JobQueue is the broker adapter surface the handlers need.
type JobQueue interface {
	Enqueue(ctx context.Context, payload queue.JobPayload) (queue.EnqueueResult, error)
	GetJobStatus(ctx context.Context, jobID string) queue.JobStatus
}

// FileStore is the disk store surface the handlers need.
type FileStore interface {
	Save(data []byte, originalFilename string) (*filestore.SavedFile, error)
	Delete(filePath string)
	ValidateType(filename, mimeType string) bool
	ValidateSize(size int64) bool
	MaxSize() int64
}

// Dependencies holds all dependencies needed by handlers.
type Dependencies struct {
	Logger      *slog.Logger
	Store       UploadStore
	Queue       JobQueue
	Files       FileStore
	Environment string
}

// UploadHandler handles the upload and status endpoints.
type UploadHandler struct {
	logger      *slog.Logger
	store       UploadStore
	queue       JobQueue
	files       FileStore
	environment string
}

// NewUploadHandler creates a new UploadHandler instance.
func NewUploadHandler(deps *Dependencies) *UploadHandler {
	return &UploadHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		queue:       deps.Queue,
		files:       deps.Files,
		environment: deps.Environment,
	}
}

// errorJSON writes a terse error body. The underlying error detail is only
// attached outside production.
func (h *UploadHandler) errorJSON(c *gin.Context, status int, message string, err error) {
	body := dto.ErrorResponse{Error: message}
	if err != nil && h.environment != "production" {
		body.Details = err.Error()
	}
	c.JSON(status, body)
}
