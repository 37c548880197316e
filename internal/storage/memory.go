package storage

import (
	"context"
	"errors"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// errEngineClosed is returned by engines used after Close.
var errEngineClosed = errors.New("engine is closed")

// memBucket holds the two collections of one bucket.
type memBucket struct {
	files  map[primitive.ObjectID]FileRecord
	chunks map[primitive.ObjectID]map[int][]byte
}

// MemoryEngine keeps files and chunks in process memory. It is intended for
// tests and development; nothing survives a restart.
type MemoryEngine struct {
	mu        sync.RWMutex
	database  string
	chunkSize int
	buckets   map[string]*memBucket
	closed    bool
}

// NewMemoryEngine creates an empty MemoryEngine.
func NewMemoryEngine(database string, chunkSize int) *MemoryEngine {
	return &MemoryEngine{
		database:  database,
		chunkSize: chunkSize,
		buckets:   make(map[string]*memBucket),
	}
}

func (e *MemoryEngine) Name() string     { return "memory" }
func (e *MemoryEngine) Database() string { return e.database }

// Ping fails once the engine has been closed.
func (e *MemoryEngine) Ping(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return errEngineClosed
	}
	return ctx.Err()
}

// Close marks the engine closed. Data is kept so a test can observe it.
func (e *MemoryEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Bucket returns a ChunkedBucket over this engine.
func (e *MemoryEngine) Bucket(name string) (ChunkBucket, error) {
	return NewChunkedBucket(e, name, e.chunkSize)
}

// bucketLocked returns the named bucket, creating it if create is set.
// Collections are created implicitly on first insert, as in MongoDB.
func (e *MemoryEngine) bucketLocked(name string, create bool) *memBucket {
	b, ok := e.buckets[name]
	if !ok && create {
		b = &memBucket{
			files:  make(map[primitive.ObjectID]FileRecord),
			chunks: make(map[primitive.ObjectID]map[int][]byte),
		}
		e.buckets[name] = b
	}
	return b
}

func (e *MemoryEngine) EnsureCollections(ctx context.Context, bucket string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEngineClosed
	}
	e.bucketLocked(bucket, true)
	return nil
}

func (e *MemoryEngine) CollectionNames(ctx context.Context, bucket string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.bucketLocked(bucket, false) == nil {
		return nil, nil
	}
	return []string{filesCollection(bucket), chunksCollection(bucket)}, nil
}

func (e *MemoryEngine) InsertChunk(ctx context.Context, bucket string, id primitive.ObjectID, n int, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEngineClosed
	}
	b := e.bucketLocked(bucket, true)
	byN, ok := b.chunks[id]
	if !ok {
		byN = make(map[int][]byte)
		b.chunks[id] = byN
	}
	if _, dup := byN[n]; dup {
		return errors.New("duplicate chunk")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	byN[n] = cp
	return nil
}

func (e *MemoryEngine) Chunk(ctx context.Context, bucket string, id primitive.ObjectID, n int) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errEngineClosed
	}
	b := e.bucketLocked(bucket, false)
	if b == nil {
		return nil, ErrMissingChunk
	}
	data, ok := b.chunks[id][n]
	if !ok {
		return nil, ErrMissingChunk
	}
	// Return a copy so callers cannot mutate the stored slice.
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (e *MemoryEngine) DeleteChunks(ctx context.Context, bucket string, id primitive.ObjectID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b := e.bucketLocked(bucket, false); b != nil {
		delete(b.chunks, id)
	}
	return nil
}

func (e *MemoryEngine) ChunkParents(ctx context.Context, bucket string) ([]primitive.ObjectID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b := e.bucketLocked(bucket, false)
	if b == nil {
		return nil, nil
	}
	ids := make([]primitive.ObjectID, 0, len(b.chunks))
	for id := range b.chunks {
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *MemoryEngine) InsertFile(ctx context.Context, bucket string, rec *FileRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEngineClosed
	}
	b := e.bucketLocked(bucket, true)
	if _, dup := b.files[rec.ID]; dup {
		return errors.New("duplicate file id")
	}
	b.files[rec.ID] = *rec
	return nil
}

func (e *MemoryEngine) FindFile(ctx context.Context, bucket string, id primitive.ObjectID) (*FileRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errEngineClosed
	}
	b := e.bucketLocked(bucket, false)
	if b == nil {
		return nil, nil
	}
	rec, ok := b.files[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (e *MemoryEngine) ListFiles(ctx context.Context, bucket string) ([]*FileRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errEngineClosed
	}
	b := e.bucketLocked(bucket, false)
	if b == nil {
		return nil, nil
	}
	recs := make([]*FileRecord, 0, len(b.files))
	for _, rec := range b.files {
		rec := rec
		recs = append(recs, &rec)
	}
	return recs, nil
}

func (e *MemoryEngine) DeleteFile(ctx context.Context, bucket string, id primitive.ObjectID) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, errEngineClosed
	}
	b := e.bucketLocked(bucket, false)
	if b == nil {
		return false, nil
	}
	_, ok := b.files[id]
	delete(b.files, id)
	return ok, nil
}

// Ensure MemoryEngine implements Engine and Collections at compile time.
var (
	_ Engine      = (*MemoryEngine)(nil)
	_ Collections = (*MemoryEngine)(nil)
)
