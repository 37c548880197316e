package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// LocalEngine stores buckets on the local filesystem. Each bucket is two
// directories under {root}/{database}/: "<bucket>.files" holds one JSON
// record per file and "<bucket>.chunks/{id}/" one file per chunk.
type LocalEngine struct {
	// RootDir is the base directory under which all data is stored.
	RootDir   string
	database  string
	chunkSize int
	closed    atomic.Bool
}

// NewLocalEngine creates a LocalEngine rooted at rootDir. It creates the root
// directory and the temp directory if they do not exist.
func NewLocalEngine(rootDir, database string, chunkSize int) (*LocalEngine, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	// Create the .tmp directory for atomic writes.
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalEngine{RootDir: rootDir, database: database, chunkSize: chunkSize}, nil
}

// CleanTempFiles removes all files in the .tmp directory. Any temp files left
// behind indicate writes interrupted by a crash.
func (e *LocalEngine) CleanTempFiles() error {
	tmpDir := filepath.Join(e.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (e *LocalEngine) Name() string     { return "file" }
func (e *LocalEngine) Database() string { return e.database }

// Ping verifies that the storage root directory is accessible.
func (e *LocalEngine) Ping(ctx context.Context) error {
	if e.closed.Load() {
		return errEngineClosed
	}
	_, err := os.Stat(e.RootDir)
	return err
}

// Close marks the engine closed. Files on disk are untouched.
func (e *LocalEngine) Close(ctx context.Context) error {
	e.closed.Store(true)
	return nil
}

// Bucket returns a ChunkedBucket over this engine.
func (e *LocalEngine) Bucket(name string) (ChunkBucket, error) {
	return NewChunkedBucket(e, name, e.chunkSize)
}

func (e *LocalEngine) filesDir(bucket string) string {
	return filepath.Join(e.RootDir, e.database, filesCollection(bucket))
}

func (e *LocalEngine) chunksDir(bucket string) string {
	return filepath.Join(e.RootDir, e.database, chunksCollection(bucket))
}

func (e *LocalEngine) recordPath(bucket string, id primitive.ObjectID) string {
	return filepath.Join(e.filesDir(bucket), id.Hex()+".json")
}

func (e *LocalEngine) chunkDir(bucket string, id primitive.ObjectID) string {
	return filepath.Join(e.chunksDir(bucket), id.Hex())
}

func (e *LocalEngine) chunkPath(bucket string, id primitive.ObjectID, n int) string {
	return filepath.Join(e.chunkDir(bucket, id), fmt.Sprintf("%08d", n))
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (e *LocalEngine) tempPath() string {
	return filepath.Join(e.RootDir, ".tmp", "tmp-"+uuid.NewString())
}

// writeAtomic writes data to path using the crash-only pattern: write to a
// temp file, fsync, rename. It fails if path already exists.
func (e *LocalEngine) writeAtomic(path string, data []byte) error {
	if e.closed.Load() {
		return errEngineClosed
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", filepath.Base(path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directories for %q: %w", path, err)
	}

	tmpPath := e.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	// Fsync before rename to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

func (e *LocalEngine) EnsureCollections(ctx context.Context, bucket string) error {
	if e.closed.Load() {
		return errEngineClosed
	}
	for _, dir := range []string{e.filesDir(bucket), e.chunksDir(bucket)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating collection directory %q: %w", dir, err)
		}
	}
	return nil
}

func (e *LocalEngine) CollectionNames(ctx context.Context, bucket string) ([]string, error) {
	var names []string
	for _, name := range []string{chunksCollection(bucket), filesCollection(bucket)} {
		info, err := os.Stat(filepath.Join(e.RootDir, e.database, name))
		if err == nil && info.IsDir() {
			names = append(names, name)
			continue
		}
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("checking collection %q: %w", name, err)
		}
	}
	return names, nil
}

func (e *LocalEngine) InsertChunk(ctx context.Context, bucket string, id primitive.ObjectID, n int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.writeAtomic(e.chunkPath(bucket, id, n), data); err != nil {
		return fmt.Errorf("inserting chunk %d of %s: %w", n, id.Hex(), err)
	}
	return nil
}

func (e *LocalEngine) Chunk(ctx context.Context, bucket string, id primitive.ObjectID, n int) ([]byte, error) {
	if e.closed.Load() {
		return nil, errEngineClosed
	}
	data, err := os.ReadFile(e.chunkPath(bucket, id, n))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissingChunk
		}
		return nil, fmt.Errorf("reading chunk %d of %s: %w", n, id.Hex(), err)
	}
	return data, nil
}

// DeleteChunks removes the chunk directory of id. Idempotent.
func (e *LocalEngine) DeleteChunks(ctx context.Context, bucket string, id primitive.ObjectID) error {
	err := os.RemoveAll(e.chunkDir(bucket, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting chunks of %s: %w", id.Hex(), err)
	}
	return nil
}

func (e *LocalEngine) ChunkParents(ctx context.Context, bucket string) ([]primitive.ObjectID, error) {
	entries, err := os.ReadDir(e.chunksDir(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing chunk parents: %w", err)
	}
	var ids []primitive.ObjectID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := primitive.ObjectIDFromHex(entry.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *LocalEngine) InsertFile(ctx context.Context, bucket string, rec *FileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding file record %s: %w", rec.ID.Hex(), err)
	}
	if err := e.writeAtomic(e.recordPath(bucket, rec.ID), data); err != nil {
		return fmt.Errorf("inserting file record %s: %w", rec.ID.Hex(), err)
	}
	return nil
}

func (e *LocalEngine) readRecord(path string) (*FileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding file record %q: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

func (e *LocalEngine) FindFile(ctx context.Context, bucket string, id primitive.ObjectID) (*FileRecord, error) {
	if e.closed.Load() {
		return nil, errEngineClosed
	}
	rec, err := e.readRecord(e.recordPath(bucket, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding file record %s: %w", id.Hex(), err)
	}
	return rec, nil
}

func (e *LocalEngine) ListFiles(ctx context.Context, bucket string) ([]*FileRecord, error) {
	if e.closed.Load() {
		return nil, errEngineClosed
	}
	dir := e.filesDir(bucket)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing file records: %w", err)
	}
	var recs []*FileRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := e.readRecord(filepath.Join(dir, entry.Name()))
		if errors.Is(err, os.ErrNotExist) {
			// Deleted between ReadDir and ReadFile.
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (e *LocalEngine) DeleteFile(ctx context.Context, bucket string, id primitive.ObjectID) (bool, error) {
	if e.closed.Load() {
		return false, errEngineClosed
	}
	err := os.Remove(e.recordPath(bucket, id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("deleting file record %s: %w", id.Hex(), err)
}

// Ensure LocalEngine implements Engine and Collections at compile time.
var (
	_ Engine      = (*LocalEngine)(nil)
	_ Collections = (*LocalEngine)(nil)
)
