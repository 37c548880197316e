package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// testChunkSize keeps chunk counts high for small payloads.
const testChunkSize = 4

// upload writes data as one object and returns its id.
func upload(t *testing.T, b ChunkBucket, filename, contentType string, data []byte) FileRecord {
	t.Helper()
	ctx := context.Background()
	us, err := b.OpenUploadStream(ctx, filename, FileMetadata{ContentType: contentType})
	if err != nil {
		t.Fatalf("OpenUploadStream failed: %v", err)
	}
	if _, err := us.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := us.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	rec, err := b.FindFile(ctx, us.FileID())
	if err != nil {
		t.Fatalf("FindFile failed: %v", err)
	}
	if rec == nil {
		t.Fatal("FindFile returned nil after a successful upload")
	}
	return *rec
}

func download(t *testing.T, b ChunkBucket, rec FileRecord) []byte {
	t.Helper()
	rc, err := b.OpenDownloadStream(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("OpenDownloadStream failed: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	return data
}

// testEngine runs the chunk-bucket behaviour every engine must share.
func testEngine(t *testing.T, eng Engine) {
	t.Helper()
	ctx := context.Background()

	b, err := eng.Bucket("fs")
	if err != nil {
		t.Fatalf("Bucket failed: %v", err)
	}

	t.Run("EnsureCollections", func(t *testing.T) {
		if err := b.EnsureCollections(ctx); err != nil {
			t.Fatalf("EnsureCollections failed: %v", err)
		}
		// Idempotent.
		if err := b.EnsureCollections(ctx); err != nil {
			t.Fatalf("second EnsureCollections failed: %v", err)
		}
		names, err := b.CollectionNames(ctx)
		if err != nil {
			t.Fatalf("CollectionNames failed: %v", err)
		}
		if len(names) != 2 {
			t.Errorf("CollectionNames = %v, want fs.files and fs.chunks", names)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		for _, size := range []int{0, 1, testChunkSize, testChunkSize + 1, 10*testChunkSize + 3} {
			data := bytes.Repeat([]byte{'x'}, size)
			for i := range data {
				data[i] = byte(i % 251)
			}
			rec := upload(t, b, "blob.bin", "application/octet-stream", data)
			if rec.Length != int64(size) {
				t.Errorf("size %d: Length = %d", size, rec.Length)
			}
			if got := download(t, b, rec); !bytes.Equal(got, data) {
				t.Errorf("size %d: downloaded %d bytes, want %d", size, len(got), len(data))
			}
		}
	})

	t.Run("HelloWorld", func(t *testing.T) {
		rec := upload(t, b, "hello.txt", "text/plain", []byte("hello world"))
		if rec.Filename != "hello.txt" {
			t.Errorf("Filename = %q, want %q", rec.Filename, "hello.txt")
		}
		if rec.Metadata.ContentType != "text/plain" {
			t.Errorf("ContentType = %q, want %q", rec.Metadata.ContentType, "text/plain")
		}
		if rec.Length != 11 {
			t.Errorf("Length = %d, want 11", rec.Length)
		}
		if rec.UploadDate.IsZero() {
			t.Error("UploadDate is zero")
		}
		if got := download(t, b, rec); string(got) != "hello world" {
			t.Errorf("downloaded %q, want %q", got, "hello world")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		id, _ := ParseID("65a1b2c3d4e5f60718293a4b")
		rec, err := b.FindFile(ctx, id)
		if err != nil || rec != nil {
			t.Errorf("FindFile(unknown) = %v, %v; want nil, nil", rec, err)
		}
		if _, err := b.OpenDownloadStream(ctx, id); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("OpenDownloadStream(unknown) error = %v, want ErrFileNotFound", err)
		}
		if err := b.Delete(ctx, id); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("Delete(unknown) error = %v, want ErrFileNotFound", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rec := upload(t, b, "gone.txt", "text/plain", []byte("delete me please"))
		if err := b.Delete(ctx, rec.ID); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		got, err := b.FindFile(ctx, rec.ID)
		if err != nil || got != nil {
			t.Errorf("FindFile after delete = %v, %v; want nil, nil", got, err)
		}
		if err := b.Delete(ctx, rec.ID); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("second Delete error = %v, want ErrFileNotFound", err)
		}
	})

	t.Run("ListFiles", func(t *testing.T) {
		recs, err := b.ListFiles(ctx)
		if err != nil {
			t.Fatalf("ListFiles failed: %v", err)
		}
		if len(recs) == 0 {
			t.Fatal("ListFiles returned no records")
		}
		for i := 1; i < len(recs); i++ {
			if recs[i].UploadDate.Before(recs[i-1].UploadDate) {
				t.Errorf("ListFiles not ordered by upload date at %d", i)
			}
		}
	})

	t.Run("Abort", func(t *testing.T) {
		us, err := b.OpenUploadStream(ctx, "aborted.bin", FileMetadata{ContentType: "application/octet-stream"})
		if err != nil {
			t.Fatalf("OpenUploadStream failed: %v", err)
		}
		if _, err := us.Write(bytes.Repeat([]byte("a"), 3*testChunkSize)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := us.Abort(); err != nil {
			t.Fatalf("Abort failed: %v", err)
		}
		rec, err := b.FindFile(ctx, us.FileID())
		if err != nil || rec != nil {
			t.Errorf("FindFile after abort = %v, %v; want nil, nil", rec, err)
		}
		if _, err := us.Write([]byte("x")); !errors.Is(err, ErrStreamClosed) {
			t.Errorf("Write after abort error = %v, want ErrStreamClosed", err)
		}
	})

	t.Run("ConcurrentUploads", func(t *testing.T) {
		const n = 8
		var wg sync.WaitGroup
		ids := make(chan FileRecord, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				us, err := b.OpenUploadStream(ctx, "c.bin", FileMetadata{ContentType: "application/octet-stream"})
				if err != nil {
					t.Errorf("OpenUploadStream failed: %v", err)
					return
				}
				us.Write(bytes.Repeat([]byte{byte(i)}, 2*testChunkSize+1))
				if err := us.Close(); err != nil {
					t.Errorf("Close failed: %v", err)
					return
				}
				ids <- FileRecord{ID: us.FileID()}
			}(i)
		}
		wg.Wait()
		close(ids)
		seen := make(map[string]bool)
		for rec := range ids {
			if seen[rec.ID.Hex()] {
				t.Errorf("duplicate id %s", rec.ID.Hex())
			}
			seen[rec.ID.Hex()] = true
		}
		if len(seen) != n {
			t.Errorf("got %d distinct ids, want %d", len(seen), n)
		}
	})

	t.Run("SweepSkipsUploadInFlight", func(t *testing.T) {
		us, err := b.OpenUploadStream(ctx, "inflight.txt", FileMetadata{ContentType: "text/plain"})
		if err != nil {
			t.Fatalf("OpenUploadStream failed: %v", err)
		}
		if _, err := us.Write([]byte("helloworld")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if _, err := b.SweepOrphanChunks(ctx, time.Now().Add(-time.Hour)); err != nil {
			t.Fatalf("SweepOrphanChunks failed: %v", err)
		}
		if err := us.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		rec, err := b.FindFile(ctx, us.FileID())
		if err != nil || rec == nil {
			t.Fatalf("FindFile = %v, %v", rec, err)
		}
		if got := download(t, b, *rec); string(got) != "helloworld" {
			t.Errorf("download after sweep = %q, want %q", got, "helloworld")
		}
	})
}

// testCollectionsFaults covers partial states only reachable by editing the
// raw collections of a ChunkedBucket engine.
func testCollectionsFaults(t *testing.T, eng Engine) {
	t.Helper()
	ctx := context.Background()
	store, ok := eng.(Collections)
	if !ok {
		t.Fatalf("%T does not implement Collections", eng)
	}
	b, err := eng.Bucket("faults")
	if err != nil {
		t.Fatalf("Bucket failed: %v", err)
	}
	if err := b.EnsureCollections(ctx); err != nil {
		t.Fatalf("EnsureCollections failed: %v", err)
	}

	t.Run("AllChunksMissingReadsEmpty", func(t *testing.T) {
		rec := upload(t, b, "hollow.bin", "application/octet-stream", []byte("0123456789"))
		if err := store.DeleteChunks(ctx, "faults", rec.ID); err != nil {
			t.Fatalf("DeleteChunks failed: %v", err)
		}
		if got := download(t, b, rec); len(got) != 0 {
			t.Errorf("downloaded %d bytes, want 0", len(got))
		}
	})

	t.Run("LaterChunkMissing", func(t *testing.T) {
		rec := upload(t, b, "gap.bin", "application/octet-stream", []byte("0123456789"))
		// Rewrite the chunks without chunk 1.
		if err := store.DeleteChunks(ctx, "faults", rec.ID); err != nil {
			t.Fatalf("DeleteChunks failed: %v", err)
		}
		if err := store.InsertChunk(ctx, "faults", rec.ID, 0, []byte("0123")); err != nil {
			t.Fatalf("InsertChunk failed: %v", err)
		}
		rc, err := b.OpenDownloadStream(ctx, rec.ID)
		if err != nil {
			t.Fatalf("OpenDownloadStream failed: %v", err)
		}
		defer rc.Close()
		if _, err := io.ReadAll(rc); !errors.Is(err, ErrMissingChunk) {
			t.Errorf("ReadAll error = %v, want ErrMissingChunk", err)
		}
	})

	t.Run("WrongChunkSize", func(t *testing.T) {
		rec := upload(t, b, "short.bin", "application/octet-stream", []byte("01234567"))
		if err := store.DeleteChunks(ctx, "faults", rec.ID); err != nil {
			t.Fatalf("DeleteChunks failed: %v", err)
		}
		if err := store.InsertChunk(ctx, "faults", rec.ID, 0, []byte("01")); err != nil {
			t.Fatalf("InsertChunk failed: %v", err)
		}
		rc, err := b.OpenDownloadStream(ctx, rec.ID)
		if err != nil {
			t.Fatalf("OpenDownloadStream failed: %v", err)
		}
		defer rc.Close()
		if _, err := io.ReadAll(rc); !errors.Is(err, ErrChunkSize) {
			t.Errorf("ReadAll error = %v, want ErrChunkSize", err)
		}
	})

	t.Run("SweepOrphanChunks", func(t *testing.T) {
		kept := upload(t, b, "kept.bin", "application/octet-stream", []byte("keep these bytes"))
		orphan, _ := ParseID("0123456789abcdef01234567")
		for n, chunk := range []string{"orph", "an"} {
			if err := store.InsertChunk(ctx, "faults", orphan, n, []byte(chunk)); err != nil {
				t.Fatalf("InsertChunk failed: %v", err)
			}
		}
		swept, err := b.SweepOrphanChunks(ctx, time.Now())
		if err != nil {
			t.Fatalf("SweepOrphanChunks failed: %v", err)
		}
		if swept != 1 {
			t.Errorf("swept = %d, want 1", swept)
		}
		if _, err := store.Chunk(ctx, "faults", orphan, 0); !errors.Is(err, ErrMissingChunk) {
			t.Errorf("orphan chunk still present: %v", err)
		}
		if got := download(t, b, kept); string(got) != "keep these bytes" {
			t.Errorf("kept file damaged by sweep: %q", got)
		}
	})
}

func TestMemoryEngine(t *testing.T) {
	eng := NewMemoryEngine("gridstore", testChunkSize)
	testEngine(t, eng)
	testCollectionsFaults(t, eng)
}

func TestMemoryEngineClosed(t *testing.T) {
	ctx := context.Background()
	eng := NewMemoryEngine("gridstore", testChunkSize)
	if err := eng.Ping(ctx); err != nil {
		t.Fatalf("Ping on open engine failed: %v", err)
	}
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := eng.Ping(ctx); err == nil {
		t.Error("Ping after Close should fail")
	}
}

func TestChunkedUploadWritesChunksBeforeRecord(t *testing.T) {
	ctx := context.Background()
	eng := NewMemoryEngine("gridstore", testChunkSize)
	b, err := eng.Bucket("fs")
	if err != nil {
		t.Fatalf("Bucket failed: %v", err)
	}
	us, err := b.OpenUploadStream(ctx, "two-phase.bin", FileMetadata{})
	if err != nil {
		t.Fatalf("OpenUploadStream failed: %v", err)
	}
	if _, err := us.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Full chunks are stored, the record is not.
	if _, err := eng.Chunk(ctx, "fs", us.FileID(), 0); err != nil {
		t.Errorf("chunk 0 not written before Close: %v", err)
	}
	if rec, _ := eng.FindFile(ctx, "fs", us.FileID()); rec != nil {
		t.Error("record visible before Close")
	}

	if err := us.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := us.Close(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("second Close error = %v, want ErrStreamClosed", err)
	}
	rec, _ := eng.FindFile(ctx, "fs", us.FileID())
	if rec == nil {
		t.Fatal("record missing after Close")
	}
	if rec.NumChunks() != 3 {
		t.Errorf("NumChunks = %d, want 3", rec.NumChunks())
	}
}

func TestChunkedUploadCancelledContext(t *testing.T) {
	eng := NewMemoryEngine("gridstore", testChunkSize)
	b, _ := eng.Bucket("fs")
	ctx, cancel := context.WithCancel(context.Background())
	us, err := b.OpenUploadStream(ctx, "cancelled.bin", FileMetadata{})
	if err != nil {
		t.Fatalf("OpenUploadStream failed: %v", err)
	}
	us.Write([]byte("01"))
	cancel()
	if err := us.Close(); !errors.Is(err, context.Canceled) {
		t.Errorf("Close error = %v, want context.Canceled", err)
	}
	if rec, _ := eng.FindFile(context.Background(), "fs", us.FileID()); rec != nil {
		t.Error("record written for a cancelled upload")
	}
}

func TestInvalidBucketName(t *testing.T) {
	eng := NewMemoryEngine("gridstore", 0)
	for _, name := range []string{"", "has space", "../etc", "dots.not.allowed"} {
		if _, err := eng.Bucket(name); err == nil {
			t.Errorf("Bucket(%q) should fail", name)
		}
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"65a1b2c3d4e5f60718293a4b", true},
		{"65A1B2C3D4E5F60718293A4B", true},
		{"65a1b2c3d4e5f60718293a4", false},
		{"not-an-id", false},
		{"", false},
		{"zza1b2c3d4e5f60718293a4b", false},
	}
	for _, tt := range tests {
		_, err := ParseID(tt.in)
		if (err == nil) != tt.want {
			t.Errorf("ParseID(%q) error = %v, want valid=%v", tt.in, err, tt.want)
		}
		if ValidID(tt.in) != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.in, !tt.want, tt.want)
		}
	}
}

func TestFileRecordChunks(t *testing.T) {
	tests := []struct {
		length    int64
		chunkSize int32
		want      int
	}{
		{0, 4, 0},
		{1, 4, 1},
		{4, 4, 1},
		{5, 4, 2},
		{DefaultChunkSize * 3, DefaultChunkSize, 3},
	}
	for _, tt := range tests {
		rec := FileRecord{Length: tt.length, ChunkSize: tt.chunkSize}
		if got := rec.NumChunks(); got != tt.want {
			t.Errorf("NumChunks(%d/%d) = %d, want %d", tt.length, tt.chunkSize, got, tt.want)
		}
	}
	rec := FileRecord{Length: 10, ChunkSize: 4}
	if got := rec.expectedChunkLen(2); got != 2 {
		t.Errorf("expectedChunkLen(last) = %d, want 2", got)
	}
}

// failingCollections fails record inserts and, optionally, chunk deletes.
type failingCollections struct {
	*MemoryEngine
	insertErr error
	deleteErr error
}

func (f *failingCollections) InsertFile(ctx context.Context, bucket string, rec *FileRecord) error {
	return f.insertErr
}

func (f *failingCollections) DeleteChunks(ctx context.Context, bucket string, id primitive.ObjectID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.MemoryEngine.DeleteChunks(ctx, bucket, id)
}

func TestChunkedUploadCleanupFailure(t *testing.T) {
	ctx := context.Background()
	insertErr := errors.New("record write refused")
	deleteErr := errors.New("chunk delete refused")

	tests := []struct {
		name        string
		deleteErr   error
		wantCleanup bool
	}{
		{"cleanup succeeds", nil, false},
		{"cleanup fails", deleteErr, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &failingCollections{
				MemoryEngine: NewMemoryEngine("gridstore", testChunkSize),
				insertErr:    insertErr,
				deleteErr:    tc.deleteErr,
			}
			b, err := NewChunkedBucket(store, "fs", testChunkSize)
			if err != nil {
				t.Fatal(err)
			}
			us, err := b.OpenUploadStream(ctx, "x.bin", FileMetadata{})
			if err != nil {
				t.Fatalf("OpenUploadStream failed: %v", err)
			}
			us.Write([]byte("0123456789"))

			err = us.Close()
			if !errors.Is(err, insertErr) {
				t.Errorf("Close error = %v, want the insert error", err)
			}
			if got := errors.Is(err, deleteErr); got != tc.wantCleanup {
				t.Errorf("Close error reports cleanup failure = %v, want %v (err: %v)", got, tc.wantCleanup, err)
			}
			_, chunkErr := store.Chunk(ctx, "fs", us.FileID(), 0)
			if left := chunkErr == nil; left != tc.wantCleanup {
				t.Errorf("chunks left behind = %v, want %v", left, tc.wantCleanup)
			}
		})
	}
}
