package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileStore keeps media on the local filesystem, one directory per video
type FileStore struct {
	baseDir string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

func (fs *FileStore) Put(ctx context.Context, videoID, name string, r io.Reader) (string, error) {
	key, err := objectKey(videoID, name)
	if err != nil {
		return "", err
	}
	videoDir := filepath.Join(fs.baseDir, videoID)
	if err := os.MkdirAll(videoDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	final := filepath.Join(fs.baseDir, filepath.FromSlash(key))
	tmp, err := os.CreateTemp(videoDir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext(ctx, r)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write video file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write video file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("failed to store video file: %w", err)
	}

	abs, err := filepath.Abs(final)
	if err != nil {
		abs = final
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (fs *FileStore) DeleteAll(ctx context.Context, videoID string) error {
	if _, err := objectKey(videoID, "x"); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(fs.baseDir, videoID)); err != nil {
		return fmt.Errorf("failed to delete video directory: %w", err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
