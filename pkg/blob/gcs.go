package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore keeps media in a Google Cloud Storage bucket.
// STORAGE_EMULATOR_HOST redirects it to an emulator.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore opens a client using application default credentials
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) object(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *GCSStore) Put(ctx context.Context, videoID, name string, r io.Reader) (string, error) {
	key, err := objectKey(videoID, name)
	if err != nil {
		return "", err
	}
	obj := s.object(key)
	w := s.client.Bucket(s.bucket).Object(obj).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("upload %s: %w", obj, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", obj, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, obj), nil
}

func (s *GCSStore) DeleteAll(ctx context.Context, videoID string) error {
	key, err := objectKey(videoID, "x")
	if err != nil {
		return err
	}
	prefix := s.object(path.Dir(key)) + "/"
	bkt := s.client.Bucket(s.bucket)
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if err := bkt.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete %s: %w", attrs.Name, err)
		}
	}
}

// Close releases the client
func (s *GCSStore) Close() error {
	return s.client.Close()
}
