package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicefit/ingest-be/internal/api/dto"
	"github.com/voicefit/ingest-be/internal/api/model"
	"github.com/voicefit/ingest-be/internal/api/storage"
	"github.com/voicefit/ingest-be/internal/filestore"
	"github.com/voicefit/ingest-be/internal/identity"
	"github.com/voicefit/ingest-be/internal/queue"
)

type fakeStore struct {
	rec        *storage.UploadRecord
	createErr  error
	createdIDs []identity.Identity
	queuedIDs  []int64
	markErr    error
	stats      *storage.QueueStats
	statsErr   error
	file       *model.AudioFile
	stages     []model.StageProgress
	fileErr    error
	active     []storage.ActiveFile
}

func (f *fakeStore) CreateUpload(_ context.Context, id identity.Identity, _, _ string, _ int64) (*storage.UploadRecord, error) {
	f.createdIDs = append(f.createdIDs, id)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.rec, nil
}

func (f *fakeStore) MarkQueued(_ context.Context, audioFileID int64) error {
	f.queuedIDs = append(f.queuedIDs, audioFileID)
	return f.markErr
}

func (f *fakeStore) GetQueueStats(context.Context) (*storage.QueueStats, error) {
	return f.stats, f.statsErr
}

func (f *fakeStore) GetFileProgress(context.Context, int64) (*model.AudioFile, []model.StageProgress, error) {
	return f.file, f.stages, f.fileErr
}

func (f *fakeStore) GetActiveFiles(context.Context) ([]storage.ActiveFile, error) {
	return f.active, nil
}

type fakeQueue struct {
	result   queue.EnqueueResult
	err      error
	payloads []queue.JobPayload
	status   queue.JobStatus
}

func (f *fakeQueue) Enqueue(_ context.Context, payload queue.JobPayload) (queue.EnqueueResult, error) {
	f.payloads = append(f.payloads, payload)
	return f.result, f.err
}

func (f *fakeQueue) GetJobStatus(context.Context, string) queue.JobStatus {
	return f.status
}

type fakeFiles struct {
	saved   *filestore.SavedFile
	saveErr error
	savedAs []string
	deleted []string
	maxSize int64
}

func (f *fakeFiles) Save(_ []byte, originalFilename string) (*filestore.SavedFile, error) {
	f.savedAs = append(f.savedAs, originalFilename)
	return f.saved, f.saveErr
}

func (f *fakeFiles) Delete(filePath string) {
	f.deleted = append(f.deleted, filePath)
}

func (f *fakeFiles) ValidateType(filename, mimeType string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".mp3" || ext == ".m4a" || strings.HasPrefix(mimeType, "audio/")
}

func (f *fakeFiles) ValidateSize(size int64) bool {
	return size <= f.MaxSize()
}

func (f *fakeFiles) MaxSize() int64 {
	if f.maxSize > 0 {
		return f.maxSize
	}
	return filestore.DefaultMaxSizeBytes
}

func newTestDeps() (*fakeStore, *fakeQueue, *fakeFiles, *Dependencies) {
	jobID := "9f0d8c7e-1111-2222-3333-444455556666"
	store := &fakeStore{
		rec: &storage.UploadRecord{
			AudioFileID:     101,
			UserID:          7,
			UploadTimestamp: time.UnixMilli(1700000000000).UTC(),
		},
	}
	q := &fakeQueue{
		result: queue.EnqueueResult{JobID: &jobID, Queued: true},
	}
	files := &fakeFiles{
		saved: &filestore.SavedFile{
			FileID:   "8a3b1f40-aaaa-bbbb-cccc-ddddeeee0000",
			FilePath: "/data/uploads/8a3b1f40-aaaa-bbbb-cccc-ddddeeee0000.mp3",
			FileSize: 16,
		},
	}

	deps := &Dependencies{
		Logger:      slog.New(slog.DiscardHandler),
		Store:       store,
		Queue:       q,
		Files:       files,
		Environment: "test",
	}
	return store, q, files, deps
}

func newUploadRouter(deps *Dependencies) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewUploadHandler(deps)
	r.POST("/upload", h.Upload)
	return r
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition",
		`form-data; name="`+field+`"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return &buf, w.FormDataContentType()
}

func doUpload(t *testing.T, r *gin.Engine, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()

	body, formType := multipartBody(t, "audio", filename, contentType, data)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", formType)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestUpload_Success(t *testing.T) {
	store, q, files, deps := newTestDeps()
	r := newUploadRouter(deps)

	rec := doUpload(t, r, "device-abc_1700000000000.mp3", "audio/mpeg", []byte("fake audio bytes"))

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp dto.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "File uploaded successfully", resp.Message)
	assert.Equal(t, int64(101), resp.AudioFileID)
	assert.Equal(t, "device-abc_1700000000000.mp3", resp.Filename)
	assert.Equal(t, int64(16), resp.FileSize)
	assert.True(t, resp.Queued)
	require.NotNil(t, resp.JobID)
	assert.Equal(t, "device-abc", resp.DeviceUUID)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), resp.UploadTimestamp.UTC())

	// Identity parsed from the filename flows into both ledger and payload.
	require.Len(t, store.createdIDs, 1)
	assert.Equal(t, "device-abc", store.createdIDs[0].DeviceUUID)
	assert.Equal(t, int64(1700000000000), store.createdIDs[0].Timestamp)

	require.Len(t, q.payloads, 1)
	payload := q.payloads[0]
	assert.Equal(t, int64(101), payload.AudioFileID)
	assert.Equal(t, int64(7), payload.UserID)
	assert.Equal(t, files.saved.FilePath, payload.FilePath)
	assert.Equal(t, "device-abc_1700000000000.mp3", payload.OriginalFilename)
	assert.Equal(t, "device-abc", payload.DeviceUUID)
	assert.Equal(t, int64(1700000000000), payload.UploadTimestamp)

	assert.Equal(t, []int64{101}, store.queuedIDs)
	assert.Empty(t, files.deleted)
}

func TestUpload_FallbackIdentity(t *testing.T) {
	store, _, _, deps := newTestDeps()
	r := newUploadRouter(deps)

	rec := doUpload(t, r, "myworkout.mp3", "audio/mpeg", []byte("bytes"))

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp dto.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "myworkout", resp.DeviceUUID)

	require.Len(t, store.createdIDs, 1)
	assert.Equal(t, "myworkout", store.createdIDs[0].DeviceUUID)
	assert.InDelta(t, time.Now().UnixMilli(), store.createdIDs[0].Timestamp, float64(5*time.Second/time.Millisecond))
}

func TestUpload_NoFile(t *testing.T) {
	store, _, _, deps := newTestDeps()
	r := newUploadRouter(deps)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("other", "value"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "No audio file provided")
	assert.Empty(t, store.createdIDs)
}

func TestUpload_InvalidType(t *testing.T) {
	store, _, _, deps := newTestDeps()
	r := newUploadRouter(deps)

	rec := doUpload(t, r, "document.pdf", "application/pdf", []byte("%PDF"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid file type")
	assert.Empty(t, store.createdIDs)
}

func TestUpload_TooLarge(t *testing.T) {
	store, _, files, deps := newTestDeps()
	files.maxSize = 64
	r := newUploadRouter(deps)

	rec := doUpload(t, r, "big_1700000000000.mp3", "audio/mpeg", bytes.Repeat([]byte("x"), 65))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "File too large")
	assert.Empty(t, store.createdIDs, "no ledger row for a rejected upload")
	assert.Empty(t, files.savedAs, "no file written for a rejected upload")
}

func TestUpload_BrokerDown(t *testing.T) {
	store, q, _, deps := newTestDeps()
	q.result = queue.EnqueueResult{} // degraded broker: not queued, no job id
	r := newUploadRouter(deps)

	rec := doUpload(t, r, "device-abc_1700000000000.mp3", "audio/mpeg", []byte("bytes"))

	require.Equal(t, http.StatusCreated, rec.Code, "broker outage must not fail the upload")

	var resp dto.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Queued)
	assert.Nil(t, resp.JobID)

	// Row recorded, status left pending for the reconciler.
	require.Len(t, store.createdIDs, 1)
	assert.Empty(t, store.queuedIDs)
}

func TestUpload_PersistFailure(t *testing.T) {
	store, q, files, deps := newTestDeps()
	store.createErr = errors.New("connection refused")
	r := newUploadRouter(deps)

	rec := doUpload(t, r, "device-abc_1700000000000.mp3", "audio/mpeg", []byte("bytes"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to process upload")

	// Compensating delete: the saved file must not outlive the failed row.
	assert.Equal(t, []string{files.saved.FilePath}, files.deleted)
	assert.Empty(t, q.payloads)
}

func TestUpload_PersistFailureHidesDetailsInProduction(t *testing.T) {
	store, _, _, deps := newTestDeps()
	store.createErr = errors.New("connection refused")
	deps.Environment = "production"
	r := newUploadRouter(deps)

	rec := doUpload(t, r, "a.mp3", "audio/mpeg", []byte("bytes"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestUpload_SaveFailure(t *testing.T) {
	store, _, files, deps := newTestDeps()
	files.saveErr = errors.New("disk full")
	r := newUploadRouter(deps)

	rec := doUpload(t, r, "a.mp3", "audio/mpeg", []byte("bytes"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, store.createdIDs, "ledger row must not be created when the file write fails")
}

func TestUpload_MarkQueuedFailureStillSucceeds(t *testing.T) {
	store, _, _, deps := newTestDeps()
	store.markErr = errors.New("connection reset")
	r := newUploadRouter(deps)

	rec := doUpload(t, r, "a.mp3", "audio/mpeg", []byte("bytes"))

	// Status flip is best-effort; the response still reports queued.
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp dto.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
}
