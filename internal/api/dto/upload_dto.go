package dto

import "time"

// UploadResponse is the 201 body of POST /upload.
type UploadResponse struct {
	Message         string    `json:"message"`
	AudioFileID     int64     `json:"audioFileId"`
	Filename        string    `json:"filename"`
	FileSize        int64     `json:"fileSize"`
	UploadTimestamp time.Time `json:"uploadTimestamp"`
	Queued          bool      `json:"queued"`
	JobID           *string   `json:"jobId"`
	DeviceUUID      string    `json:"deviceUuid"`
}

// JobStatusResponse is the body of GET /upload/status/:jobId.
type JobStatusResponse struct {
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	ProcessedOn  *time.Time `json:"processedOn,omitempty"`
	FinishedOn   *time.Time `json:"finishedOn,omitempty"`
	FailedReason string     `json:"failedReason,omitempty"`
}

// QueueStatsResponse is the body of GET /upload/queue/stats. Counts come from
// the ledger, bucketed by transcription status.
type QueueStatsResponse struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StageDTO is one processing stage in a FileProgressResponse.
type StageDTO struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// FileProgressResponse is the body of GET /upload/progress/:audioFileId.
type FileProgressResponse struct {
	AudioFileID     int64      `json:"audioFileId"`
	Filename        string     `json:"filename"`
	Status          string     `json:"status"`
	OverallProgress int        `json:"overallProgress"`
	CurrentStage    string     `json:"currentStage,omitempty"`
	CurrentMessage  string     `json:"currentMessage,omitempty"`
	Stages          []StageDTO `json:"stages"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// ActiveFileDTO is one entry of GET /upload/active-files.
type ActiveFileDTO struct {
	AudioFileID int64     `json:"audioFileId"`
	Filename    string    `json:"filename"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	Stage       string    `json:"stage"`
	Message     string    `json:"message,omitempty"`
	DeviceUUID  string    `json:"deviceUuid"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ErrorResponse is the body of every non-2xx response. Details are attached
// only outside production.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
