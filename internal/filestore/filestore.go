// Package filestore persists uploaded audio bytes on local disk under
// uuid-generated names.
package filestore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxSizeBytes is the upload size ceiling applied when the config
// leaves it unset.
const DefaultMaxSizeBytes = 50 * 1024 * 1024

var allowedMimeTypes = map[string]bool{
	"audio/mpeg":  true,
	"audio/mp3":   true,
	"audio/mp4":   true,
	"audio/m4a":   true,
	"audio/x-m4a": true,
}

var allowedExtensions = map[string]bool{
	".mp3": true,
	".m4a": true,
}

// Config holds file store settings.
type Config struct {
	UploadDir    string
	MaxSizeBytes int64
}

// SavedFile describes one stored upload.
type SavedFile struct {
	FileID   string
	FilePath string
	FileSize int64
}

// FileInfo is the result of a Stat call.
type FileInfo struct {
	Exists   bool
	Size     int64
	Modified time.Time
}

// Store writes uploads to a single directory on local disk.
type Store struct {
	uploadDir string
	maxSize   int64
	logger    *slog.Logger
}

// NewStore creates a Store, creating the upload directory if it is absent.
func NewStore(cfg *Config, logger *slog.Logger) (*Store, error) {
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeBytes
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	absDir, err := filepath.Abs(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload directory: %w", err)
	}

	logger.Info("File store initialized",
		slog.String("upload_dir", absDir),
		slog.Int64("max_size_bytes", maxSize),
	)

	return &Store{
		uploadDir: absDir,
		maxSize:   maxSize,
		logger:    logger,
	}, nil
}

// Save writes the upload under a fresh uuid name, preserving the original
// extension. The bytes go to a temp file first and are renamed into place, so
// a partially written file is never visible under the final path.
func (s *Store) Save(data []byte, originalFilename string) (*SavedFile, error) {
	fileID := uuid.New().String()
	fileName := fileID + filepath.Ext(originalFilename)
	filePath := filepath.Join(s.uploadDir, fileName)

	tmp, err := os.CreateTemp(s.uploadDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to finalize file: %w", err)
	}

	s.logger.Debug("Saved uploaded file",
		slog.String("file_id", fileID),
		slog.String("path", filePath),
		slog.Int("size", len(data)),
	)

	return &SavedFile{
		FileID:   fileID,
		FilePath: filePath,
		FileSize: int64(len(data)),
	}, nil
}

// Delete removes a stored file. Cleanup is not on the critical path, so
// failures are logged and swallowed.
func (s *Store) Delete(filePath string) {
	if err := os.Remove(filePath); err != nil {
		s.logger.Error("Failed to delete file",
			slog.String("path", filePath),
			slog.Any("error", err),
		)
		return
	}

	s.logger.Info("Deleted file",
		slog.String("path", filePath),
	)
}

// Stat reports whether a stored file exists and its size.
func (s *Store) Stat(filePath string) FileInfo {
	info, err := os.Stat(filePath)
	if err != nil {
		return FileInfo{Exists: false}
	}

	return FileInfo{
		Exists:   true,
		Size:     info.Size(),
		Modified: info.ModTime(),
	}
}

// ValidateType accepts a file when either its declared MIME type is a known
// audio type or its extension is .mp3/.m4a. The OR is deliberate: clients
// routinely send a plausible extension with a generic content type.
func (s *Store) ValidateType(filename, mimeType string) bool {
	if allowedMimeTypes[strings.ToLower(mimeType)] {
		return true
	}
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// ValidateSize reports whether a byte count is within the configured ceiling.
func (s *Store) ValidateSize(size int64) bool {
	return size <= s.maxSize
}

// MaxSize returns the configured upload ceiling in bytes.
func (s *Store) MaxSize() int64 {
	return s.maxSize
}
