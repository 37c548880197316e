// Package blobstore implements the upload, download, delete and diagnostics
// pipelines over a chunk bucket obtained from the connection manager.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	gserr "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/metrics"
	"github.com/bleepstore/gridstore/internal/storage"
)

// CheckTimeout bounds CheckConnection.
const CheckTimeout = 5 * time.Second

// maxPrealloc caps the buffer GetFile sizes up front from the record length.
const maxPrealloc = 64 << 20

// ErrChecksumMismatch is wrapped in a StorageReadError when the bytes read
// back do not match the digest recorded at upload.
var ErrChecksumMismatch = errors.New("sha256 checksum mismatch")

// Connector hands out a live storage engine. *connection.Manager implements it.
type Connector interface {
	Acquire(ctx context.Context) (storage.Engine, error)
}

// Options configures a Service.
type Options struct {
	// Bucket is the chunk bucket name. Defaults to "fs".
	Bucket string
	// ChunkSize is reported by diagnostics. The engine applies it to uploads.
	ChunkSize int
	// OperationTimeout bounds upload, buffered download, delete and listing.
	// Zero disables the bound.
	OperationTimeout time.Duration
	// BufferLimit is the largest file GetFile callers should buffer. Larger
	// files should go through OpenFile.
	BufferLimit int64
	Logger      *slog.Logger
}

// Service runs the file pipelines. It is safe for concurrent use.
type Service struct {
	conn        Connector
	bucket      string
	chunkSize   int
	opTimeout   time.Duration
	bufferLimit int64
	logger      *slog.Logger

	ensureMu sync.Mutex
	ensured  bool
}

// NewService creates a Service. No connection is made until first use.
func NewService(conn Connector, opts Options) *Service {
	if opts.Bucket == "" {
		opts.Bucket = storage.DefaultBucketName
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = storage.DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		conn:        conn,
		bucket:      opts.Bucket,
		chunkSize:   opts.ChunkSize,
		opTimeout:   opts.OperationTimeout,
		bufferLimit: opts.BufferLimit,
		logger:      opts.Logger,
	}
}

// BufferLimit returns the configured buffering threshold in bytes.
func (s *Service) BufferLimit() int64 { return s.bufferLimit }

// Bucket returns the chunk bucket name.
func (s *Service) Bucket() string { return s.bucket }

// Ready reports whether a live storage connection can be acquired.
func (s *Service) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	_, err := s.conn.Acquire(ctx)
	return err
}

// File is a fully buffered stored object.
type File struct {
	Record *storage.FileRecord
	Data   []byte
}

// Init connects and ensures the bucket collections exist. Configuration and
// connection failures are logged and returned; the service stays usable and
// retries on first use.
func (s *Service) Init(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	b, err := s.bucketHandle(ctx)
	if err == nil {
		err = s.ensure(ctx, b)
	}
	if err != nil {
		s.logger.Warn("file storage not ready, deferring to first use", "error", err)
		return err
	}
	s.logger.Info("file storage ready", "bucket", s.bucket)
	return nil
}

// Upload stores data as a new object and returns its id. Zero-length data
// produces a record with no chunks.
func (s *Service) Upload(ctx context.Context, data []byte, filename, contentType string) (id primitive.ObjectID, err error) {
	start := time.Now()
	defer func() { s.observe("upload", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	b, err := s.bucketHandle(ctx)
	if err != nil {
		return primitive.NilObjectID, err
	}
	if err := s.ensure(ctx, b); err != nil {
		return primitive.NilObjectID, &gserr.StorageWriteError{Op: "ensure collections", Err: err}
	}

	sum := sha256.Sum256(data)
	meta := storage.FileMetadata{ContentType: contentType, SHA256: hex.EncodeToString(sum[:])}
	stream, err := b.OpenUploadStream(ctx, filename, meta)
	if err != nil {
		return primitive.NilObjectID, &gserr.StorageWriteError{Op: "open upload stream", Err: err}
	}
	if _, err := stream.Write(data); err != nil {
		if abortErr := stream.Abort(); abortErr != nil {
			s.logger.Warn("aborting failed upload", "file_id", stream.FileID().Hex(), "error", abortErr)
		}
		return primitive.NilObjectID, &gserr.StorageWriteError{Op: "write", Err: err}
	}
	if err := stream.Close(); err != nil {
		return primitive.NilObjectID, &gserr.StorageWriteError{Op: "close upload stream", Err: err}
	}

	metrics.BytesStoredTotal.Add(float64(len(data)))
	s.logger.Info("file uploaded",
		"file_id", stream.FileID().Hex(),
		"filename", filename,
		"content_type", contentType,
		"size", len(data),
	)
	return stream.FileID(), nil
}

// GetFile reads a whole object into memory. It returns (nil, nil) when no
// object exists for a well-formed id. A record whose chunks are all missing
// yields an empty buffer; callers decide whether that is suspect.
func (s *Service) GetFile(ctx context.Context, idStr string) (f *File, err error) {
	start := time.Now()
	defer func() { s.observeLookup("download", start, f == nil, err) }()

	id, err := parseID(idStr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	b, err := s.bucketHandle(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := b.FindFile(ctx, id)
	if err != nil {
		return nil, &gserr.StorageReadError{Op: "find", Err: err}
	}
	if rec == nil {
		return nil, nil
	}
	r, err := b.OpenDownloadStream(ctx, id)
	if errors.Is(err, storage.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &gserr.StorageReadError{Op: "open download stream", Err: err}
	}
	defer r.Close()

	var buf bytes.Buffer
	buf.Grow(int(min(rec.Length, maxPrealloc)))
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, &gserr.StorageReadError{Op: "read", Err: err}
	}
	data := buf.Bytes()
	if len(data) > 0 && rec.Metadata.SHA256 != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != rec.Metadata.SHA256 {
			return nil, &gserr.StorageReadError{Op: "verify", Err: ErrChecksumMismatch}
		}
	}

	metrics.BytesServedTotal.Add(float64(len(data)))
	return &File{Record: rec, Data: data}, nil
}

// Stream is an open object read bound to the context it was opened with.
type Stream struct {
	Record *storage.FileRecord
	r      io.ReadCloser
	n      int64
}

// Read reads the next bytes of the object in chunk order.
func (st *Stream) Read(p []byte) (int, error) {
	n, err := st.r.Read(p)
	st.n += int64(n)
	return n, err
}

// Close releases the read stream.
func (st *Stream) Close() error {
	metrics.BytesServedTotal.Add(float64(st.n))
	return st.r.Close()
}

// OpenFile opens a streaming read of an object. The read is cancelled with
// ctx. It returns (nil, nil) when no object exists.
func (s *Service) OpenFile(ctx context.Context, idStr string) (st *Stream, err error) {
	start := time.Now()
	defer func() { s.observeLookup("open", start, st == nil, err) }()

	id, err := parseID(idStr)
	if err != nil {
		return nil, err
	}
	b, err := s.bucketHandle(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := b.FindFile(ctx, id)
	if err != nil {
		return nil, &gserr.StorageReadError{Op: "find", Err: err}
	}
	if rec == nil {
		return nil, nil
	}
	r, err := b.OpenDownloadStream(ctx, id)
	if errors.Is(err, storage.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &gserr.StorageReadError{Op: "open download stream", Err: err}
	}
	return &Stream{Record: rec, r: r}, nil
}

// Stat returns the metadata record of an object, or (nil, nil) if absent.
func (s *Service) Stat(ctx context.Context, idStr string) (rec *storage.FileRecord, err error) {
	start := time.Now()
	defer func() { s.observeLookup("stat", start, rec == nil, err) }()

	id, err := parseID(idStr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	b, err := s.bucketHandle(ctx)
	if err != nil {
		return nil, err
	}
	rec, err = b.FindFile(ctx, id)
	if err != nil {
		return nil, &gserr.StorageReadError{Op: "find", Err: err}
	}
	return rec, nil
}

// DeleteStatus is the outcome of a delete.
type DeleteStatus int

const (
	// Deleted means the object existed and was removed.
	Deleted DeleteStatus = iota
	// NotFound means no object existed; deleting is a no-op.
	NotFound
	// Failed means the engine reported an error. Err holds the cause.
	Failed
)

func (d DeleteStatus) String() string {
	switch d {
	case Deleted:
		return "deleted"
	case NotFound:
		return "not_found"
	default:
		return "failed"
	}
}

// DeleteResult separates an absent object from an engine failure.
type DeleteResult struct {
	Status DeleteStatus
	Err    error
}

// DeleteFile removes an object's record and chunks.
func (s *Service) DeleteFile(ctx context.Context, idStr string) (res DeleteResult) {
	start := time.Now()
	defer func() {
		switch res.Status {
		case NotFound:
			s.record("delete", "not_found", start)
		case Failed:
			s.record("delete", "error", start)
		default:
			s.record("delete", "success", start)
		}
	}()

	id, err := parseID(idStr)
	if err != nil {
		return DeleteResult{Status: Failed, Err: err}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	b, err := s.bucketHandle(ctx)
	if err != nil {
		return DeleteResult{Status: Failed, Err: err}
	}
	rec, err := b.FindFile(ctx, id)
	if err != nil {
		return DeleteResult{Status: Failed, Err: &gserr.StorageReadError{Op: "find", Err: err}}
	}
	if rec == nil {
		return DeleteResult{Status: NotFound}
	}
	err = b.Delete(ctx, id)
	switch {
	case errors.Is(err, storage.ErrFileNotFound):
		return DeleteResult{Status: NotFound}
	case err != nil:
		return DeleteResult{Status: Failed, Err: &gserr.StorageWriteError{Op: "delete", Err: err}}
	}
	s.logger.Info("file deleted", "file_id", idStr, "filename", rec.Filename)
	return DeleteResult{Status: Deleted}
}

// DeleteFileByID reports whether an object was deleted. Failures are logged
// and reported as false.
func (s *Service) DeleteFileByID(ctx context.Context, idStr string) bool {
	res := s.DeleteFile(ctx, idStr)
	if res.Status == Failed {
		s.logger.Error("deleting file", "file_id", idStr, "error", res.Err)
	}
	return res.Status == Deleted
}

// ListFiles returns every metadata record in the bucket, oldest first.
func (s *Service) ListFiles(ctx context.Context) (recs []*storage.FileRecord, err error) {
	start := time.Now()
	defer func() { s.observe("list", start, err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	b, err := s.bucketHandle(ctx)
	if err != nil {
		return nil, err
	}
	recs, err = b.ListFiles(ctx)
	if err != nil {
		return nil, &gserr.StorageReadError{Op: "list", Err: err}
	}
	return recs, nil
}

// DefaultSweepGrace is how old an orphan must be before SweepOrphans
// removes it.
const DefaultSweepGrace = time.Hour

// SweepOrphans removes chunks left behind by interrupted uploads or deletes
// and returns how many parent ids were cleaned. Only parents created more
// than grace ago are considered, so uploads in flight keep their chunks.
func (s *Service) SweepOrphans(ctx context.Context, grace time.Duration) (n int, err error) {
	start := time.Now()
	defer func() { s.observe("sweep", start, err) }()

	b, err := s.bucketHandle(ctx)
	if err != nil {
		return 0, err
	}
	n, err = b.SweepOrphanChunks(ctx, time.Now().Add(-grace))
	if err != nil {
		return n, &gserr.StorageWriteError{Op: "sweep orphan chunks", Err: err}
	}
	if n > 0 {
		s.logger.Info("swept orphan chunks", "files", n, "bucket", s.bucket)
	}
	return n, nil
}

// ConnectionReport is the structured result of CheckConnection.
type ConnectionReport struct {
	Success     bool     `json:"success"`
	Engine      string   `json:"engine,omitempty"`
	Database    string   `json:"database,omitempty"`
	Bucket      string   `json:"bucket,omitempty"`
	ChunkSize   int      `json:"chunkSize,omitempty"`
	Collections []string `json:"collections,omitempty"`
	Error       string   `json:"error,omitempty"`
	// Err is the underlying failure, for callers that need its type.
	Err error `json:"-"`
}

// CheckConnection verifies the bucket is reachable and writable: it ensures
// the collections exist, then writes and deletes a throwaway object. Failures
// are reported in the result, never returned.
func (s *Service) CheckConnection(ctx context.Context) ConnectionReport {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	report, err := s.checkConnection(ctx)
	s.observe("check", start, err)
	if err != nil {
		s.logger.Warn("storage connection check failed", "error", err)
		report.Success = false
		report.Error = err.Error()
		report.Err = err
		return report
	}
	report.Success = true
	return report
}

func (s *Service) checkConnection(ctx context.Context) (ConnectionReport, error) {
	report := ConnectionReport{Bucket: s.bucket, ChunkSize: s.chunkSize}
	eng, err := s.conn.Acquire(ctx)
	if err != nil {
		return report, err
	}
	report.Engine = eng.Name()
	report.Database = eng.Database()

	b, err := eng.Bucket(s.bucket)
	if err != nil {
		return report, err
	}
	if err := b.EnsureCollections(ctx); err != nil {
		return report, fmt.Errorf("ensuring collections: %w", err)
	}
	report.Collections, err = b.CollectionNames(ctx)
	if err != nil {
		return report, fmt.Errorf("listing collections: %w", err)
	}

	stream, err := b.OpenUploadStream(ctx, "gridstore-connection-check.txt", storage.FileMetadata{ContentType: "text/plain"})
	if err != nil {
		return report, fmt.Errorf("opening test upload: %w", err)
	}
	if _, err := stream.Write([]byte("connection check")); err != nil {
		if abortErr := stream.Abort(); abortErr != nil {
			s.logger.Warn("aborting connection check upload", "file_id", stream.FileID().Hex(), "error", abortErr)
		}
		return report, fmt.Errorf("writing test upload: %w", err)
	}
	if err := stream.Close(); err != nil {
		return report, fmt.Errorf("closing test upload: %w", err)
	}
	if err := b.Delete(ctx, stream.FileID()); err != nil {
		return report, fmt.Errorf("deleting test upload: %w", err)
	}
	return report, nil
}

// bucketHandle acquires an engine and opens the configured bucket.
func (s *Service) bucketHandle(ctx context.Context) (storage.ChunkBucket, error) {
	eng, err := s.conn.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	b, err := eng.Bucket(s.bucket)
	if err != nil {
		return nil, fmt.Errorf("opening bucket: %w", err)
	}
	return b, nil
}

// ensure creates the bucket collections once per process.
func (s *Service) ensure(ctx context.Context, b storage.ChunkBucket) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}
	if err := b.EnsureCollections(ctx); err != nil {
		return err
	}
	s.ensured = true
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func parseID(idStr string) (primitive.ObjectID, error) {
	id, err := storage.ParseID(idStr)
	if err != nil {
		return primitive.NilObjectID, &gserr.InvalidIDError{ID: idStr}
	}
	return id, nil
}

func (s *Service) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.record(op, status, start)
}

// observeLookup records a read that may legitimately find nothing.
func (s *Service) observeLookup(op string, start time.Time, missing bool, err error) {
	switch {
	case err != nil:
		s.record(op, "error", start)
	case missing:
		s.record(op, "not_found", start)
	default:
		s.record(op, "success", start)
	}
}

func (s *Service) record(op, status string, start time.Time) {
	metrics.StorageOperationsTotal.WithLabelValues(op, status).Inc()
	metrics.StorageOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
