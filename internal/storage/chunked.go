package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Collections is the raw two-collection layout that ChunkedBucket builds the
// chunk-bucket semantics on. Engines without a native chunk bucket (SQLite,
// local filesystem, memory, object stores) implement it. All methods must be
// safe for concurrent use.
type Collections interface {
	// EnsureCollections creates the files and chunks collections of bucket.
	EnsureCollections(ctx context.Context, bucket string) error
	// CollectionNames lists the bucket collections that exist.
	CollectionNames(ctx context.Context, bucket string) ([]string, error)

	// InsertChunk stores chunk n of file id.
	InsertChunk(ctx context.Context, bucket string, id primitive.ObjectID, n int, data []byte) error
	// Chunk returns chunk n of file id, or ErrMissingChunk.
	Chunk(ctx context.Context, bucket string, id primitive.ObjectID, n int) ([]byte, error)
	// DeleteChunks removes every chunk of file id. Missing chunks are not an error.
	DeleteChunks(ctx context.Context, bucket string, id primitive.ObjectID) error
	// ChunkParents returns the distinct file ids that own at least one chunk.
	ChunkParents(ctx context.Context, bucket string) ([]primitive.ObjectID, error)

	// InsertFile stores a metadata record.
	InsertFile(ctx context.Context, bucket string, rec *FileRecord) error
	// FindFile returns the metadata record for id, or (nil, nil) if absent.
	FindFile(ctx context.Context, bucket string, id primitive.ObjectID) (*FileRecord, error)
	// ListFiles returns every metadata record in the bucket.
	ListFiles(ctx context.Context, bucket string) ([]*FileRecord, error)
	// DeleteFile removes a metadata record and reports whether it existed.
	DeleteFile(ctx context.Context, bucket string, id primitive.ObjectID) (bool, error)
}

// ChunkedBucket implements ChunkBucket on top of a Collections store. It
// owns the chunking, reassembly and two-phase commit logic.
type ChunkedBucket struct {
	name      string
	chunkSize int
	store     Collections
	now       func() time.Time
}

// NewChunkedBucket returns a ChunkBucket named name over store. A chunkSize
// of zero selects DefaultChunkSize.
func NewChunkedBucket(store Collections, name string, chunkSize int) (*ChunkedBucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkedBucket{
		name:      name,
		chunkSize: chunkSize,
		store:     store,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}, nil
}

// Name returns the bucket name.
func (b *ChunkedBucket) Name() string { return b.name }

// EnsureCollections creates the files and chunks collections if missing.
func (b *ChunkedBucket) EnsureCollections(ctx context.Context) error {
	return b.store.EnsureCollections(ctx, b.name)
}

// CollectionNames lists the bucket collections that exist.
func (b *ChunkedBucket) CollectionNames(ctx context.Context) ([]string, error) {
	return b.store.CollectionNames(ctx, b.name)
}

// OpenUploadStream assigns a new id and returns a stream that buffers up to
// one chunk of data at a time.
func (b *ChunkedBucket) OpenUploadStream(ctx context.Context, filename string, meta FileMetadata) (UploadStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &chunkedUpload{
		ctx:      ctx,
		bucket:   b,
		id:       primitive.NewObjectID(),
		filename: filename,
		meta:     meta,
		buf:      make([]byte, 0, b.chunkSize),
	}, nil
}

// OpenDownloadStream returns a reader over the chunks of id in order.
func (b *ChunkedBucket) OpenDownloadStream(ctx context.Context, id primitive.ObjectID) (io.ReadCloser, error) {
	rec, err := b.store.FindFile(ctx, b.name, id)
	if err != nil {
		return nil, fmt.Errorf("finding file %s: %w", id.Hex(), err)
	}
	if rec == nil {
		return nil, ErrFileNotFound
	}
	return &chunkedDownload{
		ctx:    ctx,
		bucket: b,
		rec:    rec,
		total:  rec.NumChunks(),
	}, nil
}

// FindFile returns the metadata record for id, or (nil, nil) if absent.
func (b *ChunkedBucket) FindFile(ctx context.Context, id primitive.ObjectID) (*FileRecord, error) {
	return b.store.FindFile(ctx, b.name, id)
}

// ListFiles returns every metadata record ordered by upload date.
func (b *ChunkedBucket) ListFiles(ctx context.Context) ([]*FileRecord, error) {
	recs, err := b.store.ListFiles(ctx, b.name)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].UploadDate.Equal(recs[j].UploadDate) {
			return recs[i].ID.Hex() < recs[j].ID.Hex()
		}
		return recs[i].UploadDate.Before(recs[j].UploadDate)
	})
	return recs, nil
}

// Delete removes the metadata record first, then the chunks. A failure
// between the two leaves orphan chunks for SweepOrphanChunks, never a
// record without data.
func (b *ChunkedBucket) Delete(ctx context.Context, id primitive.ObjectID) error {
	existed, err := b.store.DeleteFile(ctx, b.name, id)
	if err != nil {
		return fmt.Errorf("deleting file record %s: %w", id.Hex(), err)
	}
	if err := b.store.DeleteChunks(ctx, b.name, id); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", id.Hex(), err)
	}
	if !existed {
		return ErrFileNotFound
	}
	return nil
}

// SweepOrphanChunks removes chunks left behind by interrupted uploads whose
// ids were assigned at or before cutoff.
func (b *ChunkedBucket) SweepOrphanChunks(ctx context.Context, cutoff time.Time) (int, error) {
	parents, err := b.store.ChunkParents(ctx, b.name)
	if err != nil {
		return 0, fmt.Errorf("listing chunk parents: %w", err)
	}
	swept := 0
	for _, id := range parents {
		if id.Timestamp().After(cutoff) {
			continue
		}
		rec, err := b.store.FindFile(ctx, b.name, id)
		if err != nil {
			return swept, fmt.Errorf("finding file %s: %w", id.Hex(), err)
		}
		if rec != nil {
			continue
		}
		if err := b.store.DeleteChunks(ctx, b.name, id); err != nil {
			return swept, fmt.Errorf("deleting orphan chunks of %s: %w", id.Hex(), err)
		}
		swept++
	}
	return swept, nil
}

// chunkedUpload writes full chunks as they fill and the record on Close.
type chunkedUpload struct {
	ctx      context.Context
	bucket   *ChunkedBucket
	id       primitive.ObjectID
	filename string
	meta     FileMetadata
	buf      []byte
	n        int
	length   int64
	done     bool
}

func (u *chunkedUpload) FileID() primitive.ObjectID { return u.id }

func (u *chunkedUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, ErrStreamClosed
	}
	written := 0
	for len(p) > 0 {
		space := u.bucket.chunkSize - len(u.buf)
		take := len(p)
		if take > space {
			take = space
		}
		u.buf = append(u.buf, p[:take]...)
		p = p[take:]
		written += take
		if len(u.buf) == u.bucket.chunkSize {
			if err := u.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// flush stores the buffered bytes as the next chunk.
func (u *chunkedUpload) flush() error {
	if len(u.buf) == 0 {
		return nil
	}
	if err := u.ctx.Err(); err != nil {
		return err
	}
	data := make([]byte, len(u.buf))
	copy(data, u.buf)
	if err := u.bucket.store.InsertChunk(u.ctx, u.bucket.name, u.id, u.n, data); err != nil {
		return fmt.Errorf("writing chunk %d of %s: %w", u.n, u.id.Hex(), err)
	}
	u.n++
	u.length += int64(len(data))
	u.buf = u.buf[:0]
	return nil
}

func (u *chunkedUpload) Close() error {
	if u.done {
		return ErrStreamClosed
	}
	u.done = true
	if err := u.flush(); err != nil {
		return errors.Join(err, u.discard())
	}
	rec := &FileRecord{
		ID:         u.id,
		Filename:   u.filename,
		Length:     u.length,
		ChunkSize:  int32(u.bucket.chunkSize),
		UploadDate: u.bucket.now(),
		Metadata:   u.meta,
	}
	if err := u.bucket.store.InsertFile(u.ctx, u.bucket.name, rec); err != nil {
		return errors.Join(fmt.Errorf("writing file record %s: %w", u.id.Hex(), err), u.discard())
	}
	return nil
}

func (u *chunkedUpload) Abort() error {
	if u.done {
		return ErrStreamClosed
	}
	u.done = true
	return u.bucket.store.DeleteChunks(context.WithoutCancel(u.ctx), u.bucket.name, u.id)
}

// discard removes the chunks of a failed upload. The request context may
// already be cancelled, so cleanup runs detached from it. A failure leaves
// orphan chunks behind until the next sweep.
func (u *chunkedUpload) discard() error {
	if err := u.bucket.store.DeleteChunks(context.WithoutCancel(u.ctx), u.bucket.name, u.id); err != nil {
		return fmt.Errorf("discarding chunks of %s (orphaned until swept): %w", u.id.Hex(), err)
	}
	return nil
}

// chunkedDownload yields the chunks of one record in sequence order.
type chunkedDownload struct {
	ctx    context.Context
	bucket *ChunkedBucket
	rec    *FileRecord
	next   int
	total  int
	cur    []byte
	closed bool
}

func (d *chunkedDownload) Read(p []byte) (int, error) {
	if d.closed {
		return 0, ErrStreamClosed
	}
	for len(d.cur) == 0 {
		if d.next >= d.total {
			return 0, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return 0, err
		}
		data, err := d.bucket.store.Chunk(d.ctx, d.bucket.name, d.rec.ID, d.next)
		if err != nil {
			if errors.Is(err, ErrMissingChunk) {
				// A record whose chunks are all gone reads as empty.
				if d.next == 0 {
					d.total = 0
					return 0, io.EOF
				}
				return 0, fmt.Errorf("chunk %d of %s: %w", d.next, d.rec.ID.Hex(), ErrMissingChunk)
			}
			return 0, fmt.Errorf("reading chunk %d of %s: %w", d.next, d.rec.ID.Hex(), err)
		}
		if len(data) != d.rec.expectedChunkLen(d.next) {
			return 0, fmt.Errorf("chunk %d of %s has %d bytes, want %d: %w",
				d.next, d.rec.ID.Hex(), len(data), d.rec.expectedChunkLen(d.next), ErrChunkSize)
		}
		d.cur = data
		d.next++
	}
	n := copy(p, d.cur)
	d.cur = d.cur[n:]
	return n, nil
}

func (d *chunkedDownload) Close() error {
	d.closed = true
	d.cur = nil
	return nil
}

// Ensure ChunkedBucket implements ChunkBucket at compile time.
var _ ChunkBucket = (*ChunkedBucket)(nil)
