package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSAPI defines the subset of the GCS client interface that the GCS engine
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// ListObjects lists objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	// BucketAttrs fails if the bucket is missing or unreachable.
	BucketAttrs(ctx context.Context, bucket string) error
	// Close releases the client.
	Close() error
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size int64
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (c *realGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

func (c *realGCSClient) Close() error { return c.client.Close() }

// GCSEngine stores bucket collections as objects in one upstream Google
// Cloud Storage bucket.
type GCSEngine struct {
	*objectEngine
	// UpstreamBucket is the upstream GCS bucket name.
	UpstreamBucket string
}

// NewGCSEngine creates a GCSEngine using Application Default Credentials.
// A non-empty endpoint targets an emulator and disables authentication.
func NewGCSEngine(ctx context.Context, bucket, prefix, endpoint, database string, chunkSize int) (*GCSEngine, error) {
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	e := NewGCSEngineWithClient(&realGCSClient{client: client}, bucket, prefix, database, chunkSize)
	if err := e.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCS storage engine initialized", "bucket", bucket, "prefix", prefix)
	return e, nil
}

// NewGCSEngineWithClient creates a GCSEngine with a pre-configured GCS
// client. This is primarily used for testing with mock clients.
func NewGCSEngineWithClient(client GCSAPI, bucket, prefix, database string, chunkSize int) *GCSEngine {
	store := &gcsStore{client: client, bucket: bucket}
	return &GCSEngine{
		objectEngine:   newObjectEngine("gcs", prefix, database, chunkSize, store),
		UpstreamBucket: bucket,
	}
}

// gcsStore adapts GCSAPI to objectStore.
type gcsStore struct {
	client GCSAPI
	bucket string
}

func (s *gcsStore) put(ctx context.Context, key string, data []byte) error {
	w := s.client.NewWriter(ctx, s.bucket, key)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("writing to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

func (s *gcsStore) get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.NewReader(ctx, s.bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, errObjectNotFound
		}
		return nil, fmt.Errorf("reading object from GCS: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *gcsStore) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Attrs(ctx, s.bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object in GCS: %w", err)
	}
	return true, nil
}

// deleteKeys deletes one object at a time; GCS has no batch delete in the
// storage client.
func (s *gcsStore) deleteKeys(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := s.client.Delete(ctx, s.bucket, key); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting %s from GCS: %w", key, err)
		}
	}
	return nil
}

func (s *gcsStore) list(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.client.ListObjects(ctx, s.bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing GCS objects: %w", err)
	}
	return names, nil
}

func (s *gcsStore) ping(ctx context.Context) error {
	return s.client.BucketAttrs(ctx, s.bucket)
}

func (s *gcsStore) close() error { return s.client.Close() }

// isGCSNotFound checks if a GCS error indicates a missing object or bucket.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	// Check error message as fallback.
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

// Ensure GCSEngine implements Engine at compile time.
var _ Engine = (*GCSEngine)(nil)
