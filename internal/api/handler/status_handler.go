package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/voicefit/ingest-be/internal/api/dto"
	"github.com/voicefit/ingest-be/internal/api/storage"
)

// GetJobStatus handles GET /upload/status/:jobId.
func (h *UploadHandler) GetJobStatus(c *gin.Context) {
	status := h.queue.GetJobStatus(c.Request.Context(), c.Param("jobId"))

	c.JSON(http.StatusOK, dto.JobStatusResponse{
		Status:       status.Status,
		Progress:     status.Progress,
		ProcessedOn:  status.ProcessedOn,
		FinishedOn:   status.FinishedOn,
		FailedReason: status.FailedReason,
	})
}

// GetQueueStats handles GET /upload/queue/stats. Counts come from the ledger
// so they survive broker outages and job-record eviction.
func (h *UploadHandler) GetQueueStats(c *gin.Context) {
	stats, err := h.store.GetQueueStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get queue stats",
			slog.Any("error", err),
		)
		h.errorJSON(c, http.StatusInternalServerError, "Failed to get queue statistics", err)
		return
	}

	c.JSON(http.StatusOK, dto.QueueStatsResponse{
		Waiting:   stats.Waiting,
		Active:    stats.Active,
		Completed: stats.Completed,
		Failed:    stats.Failed,
	})
}

// GetFileProgress handles GET /upload/progress/:audioFileId with the staged
// progress model polled by upload clients.
func (h *UploadHandler) GetFileProgress(c *gin.Context) {
	audioFileID, err := strconv.ParseInt(c.Param("audioFileId"), 10, 64)
	if err != nil {
		h.errorJSON(c, http.StatusBadRequest, "audioFileId must be an integer", nil)
		return
	}

	file, stages, err := h.store.GetFileProgress(c.Request.Context(), audioFileID)
	if errors.Is(err, storage.ErrNotFound) {
		h.errorJSON(c, http.StatusNotFound, "File not found", nil)
		return
	}
	if err != nil {
		h.logger.Error("Failed to get file progress",
			slog.Int64("audio_file_id", audioFileID),
			slog.Any("error", err),
		)
		h.errorJSON(c, http.StatusInternalServerError, "Failed to get file progress", err)
		return
	}

	overall := 0
	stageDTOs := make([]dto.StageDTO, len(stages))
	for i, stage := range stages {
		overall += stage.ProgressPercent
		stageDTOs[i] = dto.StageDTO{
			Name:     stage.Stage,
			Status:   stage.Status,
			Progress: stage.ProgressPercent,
			Message:  stage.Message.String,
		}
		if stage.StartedAt.Valid {
			t := stage.StartedAt.Time
			stageDTOs[i].StartedAt = &t
		}
		if stage.CompletedAt.Valid {
			t := stage.CompletedAt.Time
			stageDTOs[i].CompletedAt = &t
		}
	}
	if len(stages) > 0 {
		overall = overall / len(stages)
	}

	c.JSON(http.StatusOK, dto.FileProgressResponse{
		AudioFileID:     file.ID,
		Filename:        file.OriginalFilename,
		Status:          file.TranscriptionStatus,
		OverallProgress: overall,
		CurrentStage:    file.ProcessingStage.String,
		CurrentMessage:  file.ProcessingMessage.String,
		Stages:          stageDTOs,
		CreatedAt:       file.UploadTimestamp,
	})
}

// GetActiveFiles handles GET /upload/active-files: uploads currently queued or
// processing, for dashboard display.
func (h *UploadHandler) GetActiveFiles(c *gin.Context) {
	files, err := h.store.GetActiveFiles(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get active files",
			slog.Any("error", err),
		)
		h.errorJSON(c, http.StatusInternalServerError, "Failed to get active files", err)
		return
	}

	out := make([]dto.ActiveFileDTO, len(files))
	for i, file := range files {
		stage := file.Stage.String
		if stage == "" {
			stage = "uploaded"
		}
		out[i] = dto.ActiveFileDTO{
			AudioFileID: file.AudioFileID,
			Filename:    file.Filename,
			Status:      file.Status,
			Progress:    int(file.Progress.Int64),
			Stage:       stage,
			Message:     file.Message.String,
			DeviceUUID:  file.DeviceUUID,
			CreatedAt:   file.CreatedAt,
		}
	}

	c.JSON(http.StatusOK, out)
}
