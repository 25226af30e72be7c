// Package blob stores uploaded source media and hands back opaque handles
// that are recorded on the video and passed to workers.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrInvalidName is returned for names that would escape the video prefix
var ErrInvalidName = errors.New("invalid blob name")

// Store persists source media
type Store interface {
	// Put writes r under videoID/name and returns the handle workers read from
	Put(ctx context.Context, videoID, name string, r io.Reader) (string, error)
	// DeleteAll removes everything stored for videoID
	DeleteAll(ctx context.Context, videoID string) error
}

// Config selects a blob backend
type Config struct {
	Backend string // "file" or "gcs"
	BaseDir string
	Bucket  string
	Prefix  string
}

// New builds the store named by cfg.Backend
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "file", "":
		if cfg.BaseDir == "" {
			return nil, fmt.Errorf("blob base dir is required")
		}
		return NewFileStore(cfg.BaseDir), nil
	case "gcs":
		s, err := NewGCSStore(ctx, cfg.Bucket, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported blob backend %q", cfg.Backend)
	}
}

// objectKey joins videoID and name, rejecting separators and dot segments
func objectKey(videoID, name string) (string, error) {
	for _, part := range []string{videoID, name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, part)
		}
	}
	return path.Join(videoID, name), nil
}
