package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// errObjectNotFound is returned by objectStore.get for a missing key.
var errObjectNotFound = errors.New("object not found")

// objectStore is the flat key/value surface of a cloud object store. The
// S3, GCS and Azure engines adapt their SDK clients to it.
type objectStore interface {
	put(ctx context.Context, key string, data []byte) error
	// get returns errObjectNotFound for a missing key.
	get(ctx context.Context, key string) ([]byte, error)
	exists(ctx context.Context, key string) (bool, error)
	// deleteKeys removes keys. Missing keys are not an error.
	deleteKeys(ctx context.Context, keys []string) error
	list(ctx context.Context, prefix string) ([]string, error)
	// ping verifies the upstream bucket or container is reachable.
	ping(ctx context.Context) error
	close() error
}

// keepMarker is the zero-byte object that marks a collection as created.
const keepMarker = ".keep"

// objectEngine lays the two bucket collections out as keys in one upstream
// bucket or container:
//
//	Files:   {prefix}{database}/{bucket}.files/{id}.json
//	Chunks:  {prefix}{database}/{bucket}.chunks/{id}/{n:08d}
type objectEngine struct {
	name      string
	prefix    string
	database  string
	chunkSize int
	store     objectStore
	closed    atomic.Bool
}

func newObjectEngine(name, prefix, database string, chunkSize int, store objectStore) *objectEngine {
	return &objectEngine{
		name:      name,
		prefix:    prefix,
		database:  database,
		chunkSize: chunkSize,
		store:     store,
	}
}

func (e *objectEngine) Name() string     { return e.name }
func (e *objectEngine) Database() string { return e.database }

func (e *objectEngine) Ping(ctx context.Context) error {
	if e.closed.Load() {
		return errEngineClosed
	}
	return e.store.ping(ctx)
}

func (e *objectEngine) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.store.close()
}

func (e *objectEngine) Bucket(name string) (ChunkBucket, error) {
	return NewChunkedBucket(e, name, e.chunkSize)
}

func (e *objectEngine) collectionPrefix(collection string) string {
	return e.prefix + e.database + "/" + collection + "/"
}

func (e *objectEngine) recordKey(bucket string, id primitive.ObjectID) string {
	return e.collectionPrefix(filesCollection(bucket)) + id.Hex() + ".json"
}

func (e *objectEngine) chunkPrefix(bucket string, id primitive.ObjectID) string {
	return e.collectionPrefix(chunksCollection(bucket)) + id.Hex() + "/"
}

func (e *objectEngine) chunkKey(bucket string, id primitive.ObjectID, n int) string {
	return fmt.Sprintf("%s%08d", e.chunkPrefix(bucket, id), n)
}

func (e *objectEngine) checkOpen() error {
	if e.closed.Load() {
		return errEngineClosed
	}
	return nil
}

func (e *objectEngine) EnsureCollections(ctx context.Context, bucket string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	for _, coll := range []string{filesCollection(bucket), chunksCollection(bucket)} {
		key := e.collectionPrefix(coll) + keepMarker
		ok, err := e.store.exists(ctx, key)
		if err != nil {
			return fmt.Errorf("checking collection %q: %w", coll, err)
		}
		if ok {
			continue
		}
		if err := e.store.put(ctx, key, []byte{}); err != nil {
			return fmt.Errorf("creating collection %q: %w", coll, err)
		}
	}
	return nil
}

// CollectionNames reports a collection as present if its marker exists or it
// holds any object.
func (e *objectEngine) CollectionNames(ctx context.Context, bucket string) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	var names []string
	for _, coll := range []string{chunksCollection(bucket), filesCollection(bucket)} {
		keys, err := e.store.list(ctx, e.collectionPrefix(coll))
		if err != nil {
			return nil, fmt.Errorf("listing collection %q: %w", coll, err)
		}
		if len(keys) > 0 {
			names = append(names, coll)
		}
	}
	return names, nil
}

func (e *objectEngine) InsertChunk(ctx context.Context, bucket string, id primitive.ObjectID, n int, data []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.store.put(ctx, e.chunkKey(bucket, id, n), data); err != nil {
		return fmt.Errorf("uploading chunk %d of %s: %w", n, id.Hex(), err)
	}
	return nil
}

func (e *objectEngine) Chunk(ctx context.Context, bucket string, id primitive.ObjectID, n int) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	data, err := e.store.get(ctx, e.chunkKey(bucket, id, n))
	if errors.Is(err, errObjectNotFound) {
		return nil, ErrMissingChunk
	}
	if err != nil {
		return nil, fmt.Errorf("downloading chunk %d of %s: %w", n, id.Hex(), err)
	}
	return data, nil
}

func (e *objectEngine) DeleteChunks(ctx context.Context, bucket string, id primitive.ObjectID) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	keys, err := e.store.list(ctx, e.chunkPrefix(bucket, id))
	if err != nil {
		return fmt.Errorf("listing chunks of %s: %w", id.Hex(), err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := e.store.deleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", id.Hex(), err)
	}
	return nil
}

func (e *objectEngine) ChunkParents(ctx context.Context, bucket string) ([]primitive.ObjectID, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	prefix := e.collectionPrefix(chunksCollection(bucket))
	keys, err := e.store.list(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing chunk parents: %w", err)
	}
	seen := make(map[primitive.ObjectID]bool)
	var ids []primitive.ObjectID
	for _, key := range keys {
		hex, _, ok := strings.Cut(strings.TrimPrefix(key, prefix), "/")
		if !ok {
			continue
		}
		id, err := primitive.ObjectIDFromHex(hex)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *objectEngine) InsertFile(ctx context.Context, bucket string, rec *FileRecord) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding file record %s: %w", rec.ID.Hex(), err)
	}
	if err := e.store.put(ctx, e.recordKey(bucket, rec.ID), data); err != nil {
		return fmt.Errorf("uploading file record %s: %w", rec.ID.Hex(), err)
	}
	return nil
}

func (e *objectEngine) readRecord(ctx context.Context, key string) (*FileRecord, error) {
	data, err := e.store.get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding file record %q: %w", key, err)
	}
	return &rec, nil
}

func (e *objectEngine) FindFile(ctx context.Context, bucket string, id primitive.ObjectID) (*FileRecord, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	rec, err := e.readRecord(ctx, e.recordKey(bucket, id))
	if errors.Is(err, errObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding file record %s: %w", id.Hex(), err)
	}
	return rec, nil
}

func (e *objectEngine) ListFiles(ctx context.Context, bucket string) ([]*FileRecord, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	keys, err := e.store.list(ctx, e.collectionPrefix(filesCollection(bucket)))
	if err != nil {
		return nil, fmt.Errorf("listing file records: %w", err)
	}
	var recs []*FileRecord
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		rec, err := e.readRecord(ctx, key)
		if errors.Is(err, errObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (e *objectEngine) DeleteFile(ctx context.Context, bucket string, id primitive.ObjectID) (bool, error) {
	if err := e.checkOpen(); err != nil {
		return false, err
	}
	key := e.recordKey(bucket, id)
	ok, err := e.store.exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("checking file record %s: %w", id.Hex(), err)
	}
	if !ok {
		return false, nil
	}
	if err := e.store.deleteKeys(ctx, []string{key}); err != nil {
		return false, fmt.Errorf("deleting file record %s: %w", id.Hex(), err)
	}
	return true, nil
}

// Ensure objectEngine implements Engine and Collections at compile time.
var (
	_ Engine      = (*objectEngine)(nil)
	_ Collections = (*objectEngine)(nil)
)
