package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicefit/ingest-be/internal/api/dto"
	"github.com/voicefit/ingest-be/internal/identity"
	"github.com/voicefit/ingest-be/internal/queue"
)

// Upload handles POST /upload: one multipart field named "audio".
//
// The file is written to disk before the ledger transaction commits, so a
// committed row never points at a missing file; if the transaction fails the
// file is deleted as compensation. The broker enqueue runs after the commit
// and its failure is not an upload failure: the row stays pending and the
// reconciler retries it.
func (h *UploadHandler) Upload(c *gin.Context) {
	ctx := c.Request.Context()

	file, err := c.FormFile("audio")
	if err != nil {
		h.errorJSON(c, http.StatusBadRequest, "No audio file provided", nil)
		return
	}

	if !h.files.ValidateSize(file.Size) {
		h.errorJSON(c, http.StatusBadRequest, "File too large", nil)
		return
	}

	if !h.files.ValidateType(file.Filename, file.Header.Get("Content-Type")) {
		h.errorJSON(c, http.StatusBadRequest, "Invalid file type. Only MP3 and M4A files are allowed.", nil)
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file",
			slog.String("filename", file.Filename),
			slog.Any("error", err),
		)
		h.errorJSON(c, http.StatusInternalServerError, "Failed to process upload", err)
		return
	}
	defer src.Close()

	// The declared size is client-controlled; re-check the actual bytes.
	data, err := io.ReadAll(io.LimitReader(src, h.files.MaxSize()+1))
	if err != nil {
		h.logger.Error("Failed to read uploaded file",
			slog.String("filename", file.Filename),
			slog.Any("error", err),
		)
		h.errorJSON(c, http.StatusInternalServerError, "Failed to process upload", err)
		return
	}
	if !h.files.ValidateSize(int64(len(data))) {
		h.errorJSON(c, http.StatusBadRequest, "File too large", nil)
		return
	}

	id := identity.Parse(file.Filename)

	saved, err := h.files.Save(data, file.Filename)
	if err != nil {
		h.logger.Error("Failed to save uploaded file",
			slog.String("filename", file.Filename),
			slog.String("device_uuid", id.DeviceUUID),
			slog.Any("error", err),
		)
		h.errorJSON(c, http.StatusInternalServerError, "Failed to process upload", err)
		return
	}

	rec, err := h.store.CreateUpload(ctx, id, file.Filename, saved.FilePath, saved.FileSize)
	if err != nil {
		h.logger.Error("Failed to record upload",
			slog.String("filename", file.Filename),
			slog.String("device_uuid", id.DeviceUUID),
			slog.Any("error", err),
		)
		h.files.Delete(saved.FilePath)
		h.errorJSON(c, http.StatusInternalServerError, "Failed to process upload", err)
		return
	}

	result, err := h.queue.Enqueue(ctx, queue.JobPayload{
		AudioFileID:      rec.AudioFileID,
		UserID:           rec.UserID,
		FilePath:         saved.FilePath,
		OriginalFilename: file.Filename,
		DeviceUUID:       id.DeviceUUID,
		UploadTimestamp:  id.Timestamp,
	})
	if err != nil {
		// The upload is durable regardless; respond as not queued.
		h.logger.Error("Failed to enqueue transcription job",
			slog.Int64("audio_file_id", rec.AudioFileID),
			slog.Any("error", err),
		)
	}

	if result.Queued {
		// Best-effort: if this update is lost the row stays pending and the
		// reconciler or stats sweep surfaces it later.
		if err := h.store.MarkQueued(ctx, rec.AudioFileID); err != nil {
			h.logger.Error("Failed to mark upload queued",
				slog.Int64("audio_file_id", rec.AudioFileID),
				slog.Any("error", err),
			)
		}
	}

	c.JSON(http.StatusCreated, dto.UploadResponse{
		Message:         "File uploaded successfully",
		AudioFileID:     rec.AudioFileID,
		Filename:        file.Filename,
		FileSize:        saved.FileSize,
		UploadTimestamp: rec.UploadTimestamp,
		Queued:          result.Queued,
		JobID:           result.JobID,
		DeviceUUID:      id.DeviceUUID,
	})
}
