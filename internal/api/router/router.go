package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicefit/ingest-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "audio-ingest-service",
		})
	})

	uploadHandler := handler.NewUploadHandler(deps)

	upload := r.Group("/upload")
	{
		// POST /upload - Ingest one audio recording
		upload.POST("", uploadHandler.Upload)

		// GET /upload/status/:jobId - Poll one transcription job
		upload.GET("/status/:jobId", uploadHandler.GetJobStatus)

		// GET /upload/queue/stats - Fleet-wide processing counts
		upload.GET("/queue/stats", uploadHandler.GetQueueStats)

		// GET /upload/progress/:audioFileId - Staged progress for one file
		upload.GET("/progress/:audioFileId", uploadHandler.GetFileProgress)

		// GET /upload/active-files - Files currently queued or processing
		upload.GET("/active-files", uploadHandler.GetActiveFiles)
	}

	return r
}
