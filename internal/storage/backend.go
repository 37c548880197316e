// Package storage defines the chunk-bucket abstraction gridstore stores file
// data in, and the engines that implement it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DefaultChunkSize is the number of bytes per chunk (255 KiB, the GridFS default).
const DefaultChunkSize = 255 * 1024

// DefaultBucketName is the bucket used when none is configured.
const DefaultBucketName = "fs"

var (
	// ErrFileNotFound is returned when no metadata record exists for an id.
	ErrFileNotFound = errors.New("file not found")
	// ErrMissingChunk is returned when a chunk expected by the metadata record is absent.
	ErrMissingChunk = errors.New("missing chunk")
	// ErrChunkSize is returned when a stored chunk has an unexpected length.
	ErrChunkSize = errors.New("chunk size does not match expected size")
	// ErrStreamClosed is returned when writing to a closed or aborted upload stream.
	ErrStreamClosed = errors.New("upload stream already closed")
)

// FileMetadata is the metadata sub-document stored with every file.
type FileMetadata struct {
	ContentType string `json:"contentType" bson:"contentType"`
	// SHA256 is the hex digest of the file contents, if known at upload time.
	SHA256 string `json:"sha256,omitempty" bson:"sha256,omitempty"`
}

// FileRecord is the parent metadata record of a stored object.
type FileRecord struct {
	ID         primitive.ObjectID `json:"id" bson:"_id"`
	Filename   string             `json:"filename" bson:"filename"`
	Length     int64              `json:"length" bson:"length"`
	ChunkSize  int32              `json:"chunkSize" bson:"chunkSize"`
	UploadDate time.Time          `json:"uploadDate" bson:"uploadDate"`
	Metadata   FileMetadata       `json:"metadata" bson:"metadata"`
}

// NumChunks returns how many chunks the record's data is split into.
func (f *FileRecord) NumChunks() int {
	if f.Length == 0 || f.ChunkSize <= 0 {
		return 0
	}
	return int((f.Length + int64(f.ChunkSize) - 1) / int64(f.ChunkSize))
}

// expectedChunkLen returns the length chunk n must have.
func (f *FileRecord) expectedChunkLen(n int) int {
	if n < f.NumChunks()-1 {
		return int(f.ChunkSize)
	}
	return int(f.Length - int64(n)*int64(f.ChunkSize))
}

// Engine is a live, reusable handle to a storage backend. Implementations
// must be safe for concurrent use.
type Engine interface {
	// Name returns the engine identifier (mongodb, sqlite, file, memory, s3, gcs, azblob).
	Name() string
	// Database returns the database or namespace the engine is bound to.
	Database() string
	// Ping performs a lightweight liveness probe.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close(ctx context.Context) error
	// Bucket returns the chunk bucket with the given name.
	Bucket(name string) (ChunkBucket, error)
}

// ChunkBucket splits binary objects into sequentially numbered chunks plus
// one parent metadata record, stored in the "<name>.files" and
// "<name>.chunks" collections.
type ChunkBucket interface {
	// Name returns the bucket name.
	Name() string
	// EnsureCollections creates the files and chunks collections if they do
	// not exist. It is idempotent.
	EnsureCollections(ctx context.Context) error
	// CollectionNames returns the bucket collections that currently exist.
	CollectionNames(ctx context.Context) ([]string, error)
	// OpenUploadStream opens a write stream for a new object. The id is
	// assigned here, before any data is written.
	OpenUploadStream(ctx context.Context, filename string, meta FileMetadata) (UploadStream, error)
	// OpenDownloadStream opens a read stream that yields the object's chunks
	// in write order. Returns ErrFileNotFound if no record exists.
	OpenDownloadStream(ctx context.Context, id primitive.ObjectID) (io.ReadCloser, error)
	// FindFile returns the metadata record for id, or (nil, nil) if absent.
	FindFile(ctx context.Context, id primitive.ObjectID) (*FileRecord, error)
	// ListFiles returns every metadata record ordered by upload date.
	ListFiles(ctx context.Context) ([]*FileRecord, error)
	// Delete removes the metadata record and all chunks of id. Returns
	// ErrFileNotFound if no record exists.
	Delete(ctx context.Context, id primitive.ObjectID) error
	// SweepOrphanChunks removes chunks whose parent record does not exist
	// and whose id was assigned at or before cutoff, and returns how many
	// parent ids were cleaned. Newer parents may belong to uploads still in
	// flight, whose record is written only on Close.
	SweepOrphanChunks(ctx context.Context, cutoff time.Time) (int, error)
}

// UploadStream receives the data of one object. The metadata record is
// written on Close, only after every chunk has been stored.
type UploadStream interface {
	io.Writer
	// FileID returns the id assigned to the object.
	FileID() primitive.ObjectID
	// Close flushes the final chunk and registers the metadata record.
	Close() error
	// Abort discards the chunks written so far.
	Abort() error
}

// idRegex matches the textual form of an ObjectID.
var idRegex = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// ValidID reports whether s is syntactically a valid object id.
func ValidID(s string) bool {
	return idRegex.MatchString(s)
}

// ParseID converts the textual form of an object id.
func ParseID(s string) (primitive.ObjectID, error) {
	if !ValidID(s) {
		return primitive.NilObjectID, fmt.Errorf("malformed object id %q", s)
	}
	return primitive.ObjectIDFromHex(s)
}

// bucketNameRegex restricts bucket names to characters safe in table names,
// object keys and file paths.
var bucketNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)

// validateBucketName returns an error if name cannot be used as a bucket name.
func validateBucketName(name string) error {
	if !bucketNameRegex.MatchString(name) {
		return fmt.Errorf("invalid bucket name %q: use 1-64 letters, digits, '-' or '_'", name)
	}
	return nil
}

// filesCollection returns the metadata collection name of a bucket.
func filesCollection(bucket string) string { return bucket + ".files" }

// chunksCollection returns the chunk collection name of a bucket.
func chunksCollection(bucket string) string { return bucket + ".chunks" }
