package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// errCodeNamespaceExists is the server error code for creating a collection
// that already exists.
const errCodeNamespaceExists = 48

// MongoEngine stores buckets natively as GridFS buckets in a MongoDB database.
type MongoEngine struct {
	client    *mongo.Client
	db        *mongo.Database
	chunkSize int
}

// NewMongoEngine connects to the deployment at uri and verifies it with a
// ping against the primary.
func NewMongoEngine(ctx context.Context, uri, database string, chunkSize int, connectTimeout time.Duration) (*MongoEngine, error) {
	opts := options.Client().ApplyURI(uri).SetAppName("gridstore")
	if connectTimeout > 0 {
		opts.SetConnectTimeout(connectTimeout).SetServerSelectionTimeout(connectTimeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	slog.Info("MongoDB storage engine initialized", "database", database)
	return &MongoEngine{
		client:    client,
		db:        client.Database(database),
		chunkSize: chunkSize,
	}, nil
}

func (e *MongoEngine) Name() string     { return "mongodb" }
func (e *MongoEngine) Database() string { return e.db.Name() }

// Ping checks the primary is reachable.
func (e *MongoEngine) Ping(ctx context.Context) error {
	return e.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client and its connection pool.
func (e *MongoEngine) Close(ctx context.Context) error {
	return e.client.Disconnect(ctx)
}

// Bucket returns the GridFS bucket with the given name.
func (e *MongoEngine) Bucket(name string) (ChunkBucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	chunkSize := e.chunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &mongoBucket{db: e.db, name: name, chunkSize: int32(chunkSize)}, nil
}

// mongoBucket implements ChunkBucket with the driver's GridFS support.
type mongoBucket struct {
	db        *mongo.Database
	name      string
	chunkSize int32
}

func (b *mongoBucket) Name() string { return b.name }

func (b *mongoBucket) files() *mongo.Collection  { return b.db.Collection(filesCollection(b.name)) }
func (b *mongoBucket) chunks() *mongo.Collection { return b.db.Collection(chunksCollection(b.name)) }

// gridfs returns a fresh GridFS handle with deadlines taken from ctx. The
// driver keeps deadlines on the handle, so handles are not shared between
// operations.
func (b *mongoBucket) gridfs(ctx context.Context) (*gridfs.Bucket, error) {
	gb, err := gridfs.NewBucket(b.db, options.GridFSBucket().SetName(b.name).SetChunkSizeBytes(b.chunkSize))
	if err != nil {
		return nil, fmt.Errorf("opening GridFS bucket %q: %w", b.name, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := gb.SetWriteDeadline(deadline); err != nil {
			return nil, err
		}
		if err := gb.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}
	return gb, nil
}

func (b *mongoBucket) EnsureCollections(ctx context.Context) error {
	existing, err := b.CollectionNames(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}
	for _, name := range []string{filesCollection(b.name), chunksCollection(b.name)} {
		if have[name] {
			continue
		}
		err := b.db.CreateCollection(ctx, name)
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Code == errCodeNamespaceExists {
			err = nil
		}
		if err != nil {
			return fmt.Errorf("creating collection %q: %w", name, err)
		}
	}

	_, err = b.chunks().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "files_id", Value: 1}, {Key: "n", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating chunk index: %w", err)
	}
	_, err = b.files().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "filename", Value: 1}, {Key: "uploadDate", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("creating file index: %w", err)
	}
	return nil
}

func (b *mongoBucket) CollectionNames(ctx context.Context) ([]string, error) {
	names, err := b.db.ListCollectionNames(ctx, bson.M{
		"name": bson.M{"$in": bson.A{chunksCollection(b.name), filesCollection(b.name)}},
	})
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	return names, nil
}

func (b *mongoBucket) OpenUploadStream(ctx context.Context, filename string, meta FileMetadata) (UploadStream, error) {
	gb, err := b.gridfs(ctx)
	if err != nil {
		return nil, err
	}
	opts := options.GridFSUpload().SetMetadata(meta)
	us, err := gb.OpenUploadStream(filename, opts)
	if err != nil {
		return nil, fmt.Errorf("opening upload stream: %w", err)
	}
	id, ok := us.FileID.(primitive.ObjectID)
	if !ok {
		_ = us.Abort()
		return nil, fmt.Errorf("unexpected GridFS file id type %T", us.FileID)
	}
	return &mongoUpload{stream: us, id: id}, nil
}

func (b *mongoBucket) OpenDownloadStream(ctx context.Context, id primitive.ObjectID) (io.ReadCloser, error) {
	gb, err := b.gridfs(ctx)
	if err != nil {
		return nil, err
	}
	ds, err := gb.OpenDownloadStream(id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening download stream for %s: %w", id.Hex(), err)
	}
	return &mongoDownload{ctx: ctx, bucket: b, id: id, stream: ds}, nil
}

func (b *mongoBucket) FindFile(ctx context.Context, id primitive.ObjectID) (*FileRecord, error) {
	var rec FileRecord
	err := b.files().FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding file %s: %w", id.Hex(), err)
	}
	return &rec, nil
}

func (b *mongoBucket) ListFiles(ctx context.Context) ([]*FileRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "uploadDate", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := b.files().Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	var docs []FileRecord
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding files: %w", err)
	}
	recs := make([]*FileRecord, len(docs))
	for i := range docs {
		recs[i] = &docs[i]
	}
	return recs, nil
}

// Delete removes the files document, then the chunks, as GridFS does.
func (b *mongoBucket) Delete(ctx context.Context, id primitive.ObjectID) error {
	gb, err := b.gridfs(ctx)
	if err != nil {
		return err
	}
	err = gb.DeleteContext(ctx, id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return ErrFileNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting file %s: %w", id.Hex(), err)
	}
	return nil
}

func (b *mongoBucket) SweepOrphanChunks(ctx context.Context, cutoff time.Time) (int, error) {
	parents, err := b.chunks().Distinct(ctx, "files_id", bson.D{})
	if err != nil {
		return 0, fmt.Errorf("listing chunk parents: %w", err)
	}
	swept := 0
	for _, parent := range parents {
		// Ids not assigned by gridstore carry no creation time; leave them.
		id, ok := parent.(primitive.ObjectID)
		if !ok || id.Timestamp().After(cutoff) {
			continue
		}
		n, err := b.files().CountDocuments(ctx, bson.M{"_id": parent})
		if err != nil {
			return swept, fmt.Errorf("checking parent %v: %w", parent, err)
		}
		if n > 0 {
			continue
		}
		if _, err := b.chunks().DeleteMany(ctx, bson.M{"files_id": parent}); err != nil {
			return swept, fmt.Errorf("deleting orphan chunks of %v: %w", parent, err)
		}
		swept++
	}
	return swept, nil
}

// mongoUpload adapts *gridfs.UploadStream to UploadStream.
type mongoUpload struct {
	stream *gridfs.UploadStream
	id     primitive.ObjectID
	done   bool
}

func (u *mongoUpload) FileID() primitive.ObjectID { return u.id }

func (u *mongoUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, ErrStreamClosed
	}
	return u.stream.Write(p)
}

func (u *mongoUpload) Close() error {
	if u.done {
		return ErrStreamClosed
	}
	u.done = true
	if err := u.stream.Close(); err != nil {
		// The files document was not written; drop whatever chunks landed.
		if abortErr := u.stream.Abort(); abortErr != nil && !errors.Is(abortErr, gridfs.ErrStreamClosed) {
			return errors.Join(err, fmt.Errorf("discarding chunks of %s (orphaned until swept): %w", u.id.Hex(), abortErr))
		}
		return err
	}
	return nil
}

func (u *mongoUpload) Abort() error {
	if u.done {
		return ErrStreamClosed
	}
	u.done = true
	return u.stream.Abort()
}

// mongoDownload adapts *gridfs.DownloadStream and maps a record whose chunks
// are all missing to an empty file.
type mongoDownload struct {
	ctx    context.Context
	bucket *mongoBucket
	id     primitive.ObjectID
	stream *gridfs.DownloadStream
	read   int64
}

func (d *mongoDownload) Read(p []byte) (int, error) {
	n, err := d.stream.Read(p)
	d.read += int64(n)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	return n, mapDownloadError(d.id, d.read, err, func() (int64, error) {
		return d.bucket.chunks().CountDocuments(d.ctx, bson.M{"files_id": d.id})
	})
}

// mapDownloadError converts a GridFS read error to the storage errors. The
// driver reports an absent chunk as ErrWrongIndex. When nothing has been read
// and the object has no chunks at all, the read ends as an empty file.
func mapDownloadError(id primitive.ObjectID, read int64, err error, countChunks func() (int64, error)) error {
	switch {
	case errors.Is(err, gridfs.ErrWrongIndex):
		if read == 0 {
			if count, cerr := countChunks(); cerr == nil && count == 0 {
				return io.EOF
			}
		}
		return fmt.Errorf("chunk of %s: %w", id.Hex(), ErrMissingChunk)
	case errors.Is(err, gridfs.ErrWrongSize):
		return fmt.Errorf("chunk of %s: %w", id.Hex(), ErrChunkSize)
	default:
		return err
	}
}

func (d *mongoDownload) Close() error { return d.stream.Close() }

// Ensure the GridFS types implement the storage interfaces at compile time.
var (
	_ Engine      = (*MongoEngine)(nil)
	_ ChunkBucket = (*mongoBucket)(nil)
)
