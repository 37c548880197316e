package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteEngine stores each bucket as two tables, "<bucket>.files" and
// "<bucket>.chunks", in a single SQLite database file. Chunk data is stored
// as BLOBs, making this suitable for single-node or embedded deployments.
type SQLiteEngine struct {
	db        *sql.DB
	path      string
	database  string
	chunkSize int

	mu      sync.Mutex
	ensured map[string]bool
}

// NewSQLiteEngine opens (or creates) the database file at dbPath and applies
// performance PRAGMAs. Bucket tables are created by EnsureCollections.
func NewSQLiteEngine(dbPath, database string, chunkSize int) (*SQLiteEngine, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	e := &SQLiteEngine{
		db:        db,
		path:      dbPath,
		database:  database,
		chunkSize: chunkSize,
		ensured:   make(map[string]bool),
	}
	if err := e.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return e, nil
}

// sqliteDSN sets busy_timeout on every pooled connection, not only the first.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)"
}

// initDB applies PRAGMAs.
func (e *SQLiteEngine) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}
	return nil
}

func (e *SQLiteEngine) Name() string     { return "sqlite" }
func (e *SQLiteEngine) Database() string { return e.database }

// Ping runs a trivial query, which also fails once the database is closed.
func (e *SQLiteEngine) Ping(ctx context.Context) error {
	var one int
	return e.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Close closes the underlying SQLite database connection.
func (e *SQLiteEngine) Close(ctx context.Context) error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

// Bucket returns a ChunkedBucket over this engine.
func (e *SQLiteEngine) Bucket(name string) (ChunkBucket, error) {
	return NewChunkedBucket(e, name, e.chunkSize)
}

// quoteIdent quotes a table name. Bucket names are validated before they
// reach SQL, so only the double quote needs escaping.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// EnsureCollections creates the bucket tables and the chunk primary key,
// which rejects a duplicate (files_id, n) pair.
func (e *SQLiteEngine) EnsureCollections(ctx context.Context, bucket string) error {
	files := quoteIdent(filesCollection(bucket))
	chunks := quoteIdent(chunksCollection(bucket))
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id           TEXT    NOT NULL PRIMARY KEY,
			filename     TEXT    NOT NULL,
			length       INTEGER NOT NULL,
			chunk_size   INTEGER NOT NULL,
			upload_date  INTEGER NOT NULL,
			content_type TEXT    NOT NULL DEFAULT '',
			sha256       TEXT    NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS %s (
			files_id TEXT    NOT NULL,
			n        INTEGER NOT NULL,
			data     BLOB    NOT NULL,
			PRIMARY KEY (files_id, n)
		);
	`, files, chunks)
	if _, err := e.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating tables for bucket %q: %w", bucket, err)
	}

	e.mu.Lock()
	e.ensured[bucket] = true
	e.mu.Unlock()
	return nil
}

// ensure creates the bucket tables lazily, so inserts work without an
// explicit EnsureCollections call, as they do in MongoDB.
func (e *SQLiteEngine) ensure(ctx context.Context, bucket string) error {
	e.mu.Lock()
	done := e.ensured[bucket]
	e.mu.Unlock()
	if done {
		return nil
	}
	return e.EnsureCollections(ctx, bucket)
}

// hasTables reports whether the bucket tables exist, for read paths that
// must not create them.
func (e *SQLiteEngine) hasTables(ctx context.Context, bucket string) (bool, error) {
	names, err := e.CollectionNames(ctx, bucket)
	if err != nil {
		return false, err
	}
	return len(names) == 2, nil
}

func (e *SQLiteEngine) CollectionNames(ctx context.Context, bucket string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name IN (?, ?) ORDER BY name`,
		chunksCollection(bucket), filesCollection(bucket),
	)
	if err != nil {
		return nil, fmt.Errorf("listing tables of bucket %q: %w", bucket, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (e *SQLiteEngine) InsertChunk(ctx context.Context, bucket string, id primitive.ObjectID, n int, data []byte) error {
	if err := e.ensure(ctx, bucket); err != nil {
		return err
	}
	_, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (files_id, n, data) VALUES (?, ?, ?)`, quoteIdent(chunksCollection(bucket))),
		id.Hex(), n, data,
	)
	if err != nil {
		return fmt.Errorf("inserting chunk %d of %s: %w", n, id.Hex(), err)
	}
	return nil
}

func (e *SQLiteEngine) Chunk(ctx context.Context, bucket string, id primitive.ObjectID, n int) ([]byte, error) {
	var data []byte
	err := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE files_id = ? AND n = ?`, quoteIdent(chunksCollection(bucket))),
		id.Hex(), n,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrMissingChunk
	}
	if err != nil {
		if ok, herr := e.hasTables(ctx, bucket); herr == nil && !ok {
			return nil, ErrMissingChunk
		}
		return nil, fmt.Errorf("reading chunk %d of %s: %w", n, id.Hex(), err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (e *SQLiteEngine) DeleteChunks(ctx context.Context, bucket string, id primitive.ObjectID) error {
	if ok, err := e.hasTables(ctx, bucket); err != nil || !ok {
		return err
	}
	_, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE files_id = ?`, quoteIdent(chunksCollection(bucket))),
		id.Hex(),
	)
	if err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", id.Hex(), err)
	}
	return nil
}

func (e *SQLiteEngine) ChunkParents(ctx context.Context, bucket string) ([]primitive.ObjectID, error) {
	if ok, err := e.hasTables(ctx, bucket); err != nil || !ok {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT files_id FROM %s`, quoteIdent(chunksCollection(bucket))),
	)
	if err != nil {
		return nil, fmt.Errorf("listing chunk parents: %w", err)
	}
	defer rows.Close()

	var ids []primitive.ObjectID
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("scanning chunk parent: %w", err)
		}
		id, err := primitive.ObjectIDFromHex(hex)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (e *SQLiteEngine) InsertFile(ctx context.Context, bucket string, rec *FileRecord) error {
	if err := e.ensure(ctx, bucket); err != nil {
		return err
	}
	_, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, filename, length, chunk_size, upload_date, content_type, sha256)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, quoteIdent(filesCollection(bucket))),
		rec.ID.Hex(), rec.Filename, rec.Length, rec.ChunkSize,
		rec.UploadDate.UnixMilli(), rec.Metadata.ContentType, rec.Metadata.SHA256,
	)
	if err != nil {
		return fmt.Errorf("inserting file record %s: %w", rec.ID.Hex(), err)
	}
	return nil
}

const fileColumns = `id, filename, length, chunk_size, upload_date, content_type, sha256`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(row rowScanner) (*FileRecord, error) {
	var (
		rec      FileRecord
		hex      string
		uploaded int64
	)
	if err := row.Scan(&hex, &rec.Filename, &rec.Length, &rec.ChunkSize, &uploaded,
		&rec.Metadata.ContentType, &rec.Metadata.SHA256); err != nil {
		return nil, err
	}
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return nil, fmt.Errorf("stored file id %q: %w", hex, err)
	}
	rec.ID = id
	rec.UploadDate = time.UnixMilli(uploaded).UTC()
	return &rec, nil
}

func (e *SQLiteEngine) FindFile(ctx context.Context, bucket string, id primitive.ObjectID) (*FileRecord, error) {
	row := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, fileColumns, quoteIdent(filesCollection(bucket))),
		id.Hex(),
	)
	rec, err := scanFileRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if ok, herr := e.hasTables(ctx, bucket); herr == nil && !ok {
			return nil, nil
		}
		return nil, fmt.Errorf("finding file record %s: %w", id.Hex(), err)
	}
	return rec, nil
}

func (e *SQLiteEngine) ListFiles(ctx context.Context, bucket string) ([]*FileRecord, error) {
	if ok, err := e.hasTables(ctx, bucket); err != nil || !ok {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY upload_date, id`, fileColumns, quoteIdent(filesCollection(bucket))),
	)
	if err != nil {
		return nil, fmt.Errorf("listing file records: %w", err)
	}
	defer rows.Close()

	var recs []*FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (e *SQLiteEngine) DeleteFile(ctx context.Context, bucket string, id primitive.ObjectID) (bool, error) {
	if ok, err := e.hasTables(ctx, bucket); err != nil || !ok {
		return false, err
	}
	res, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(filesCollection(bucket))),
		id.Hex(),
	)
	if err != nil {
		return false, fmt.Errorf("deleting file record %s: %w", id.Hex(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting file record %s: %w", id.Hex(), err)
	}
	return n > 0, nil
}

// Ensure SQLiteEngine implements Engine and Collections at compile time.
var (
	_ Engine      = (*SQLiteEngine)(nil)
	_ Collections = (*SQLiteEngine)(nil)
)
