package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when an archived object does not exist.
var ErrNotFound = errors.New("archive object not found")

// Archive stores result files of characterization runs
type Archive interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	GenerateDownloadURL(ctx context.Context, key string) (string, error)
	DownloadFile(ctx context.Context, key string) ([]byte, error)
	DeleteFile(ctx context.Context, key string) error
}

// Config holds configuration for an archive backend
type Config struct {
	Backend   string
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// Archive backends
const (
	BackendS3    = "s3"
	BackendMinIO = "minio"
	BackendNone  = "none"
)

// downloadExpiry is how long pre-signed download URLs stay valid
const downloadExpiry = 24 * time.Hour

// New creates the archive selected by cfg.Backend. BackendNone returns nil.
func New(ctx context.Context, cfg Config) (Archive, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendS3:
		return NewS3Service(ctx, cfg)
	case BackendMinIO:
		return NewMinIOArchive(ctx, cfg)
	case BackendNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// RunKey returns the object key of a result file. rel is relative to the
// run's data directory and uses the host path separator.
func RunKey(runID, rel string) string {
	return path.Join("runs", runID, filepath.ToSlash(rel))
}

// ContentType returns the content type for a result file name
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return "text/csv"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return ""
	}
}

// validateContentType validates that the content type is supported
func validateContentType(contentType string) error {
	switch contentType {
	case "text/csv", "image/png", "application/json":
		return nil
	}
	return fmt.Errorf("invalid content type: %q. Supported types: text/csv, image/png, application/json", contentType)
}

// UploadFile uploads a local file under key
func UploadFile(ctx context.Context, a Archive, key, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", filePath, err)
	}
	return a.Upload(ctx, key, f, info.Size(), ContentType(filePath))
}
