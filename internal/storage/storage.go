package storage

import (
	"context"
	"io"
	"time"
)

// Storage holds finished pipeline artifacts (clips, transcripts).
type Storage interface {
	UploadArtifact(ctx context.Context, jobID, filename string, content io.Reader, contentType string) (*UploadResult, error)
	GetPresignedURL(ctx context.Context, key string, expiration time.Duration) (string, error)
	DeleteArtifact(ctx context.Context, key string) error
}

type UploadResult struct {
	Key string
	URL string
}
