// Package archive exports the files of a bucket to a portable JSON-lines
// archive and imports such an archive into another bucket, possibly on a
// different storage engine.
package archive

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bleepstore/gridstore/internal/blobstore"
	"github.com/bleepstore/gridstore/internal/storage"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// maxLine bounds a single archive line. Data is base64 encoded, so this
// allows files of roughly 190 MiB.
const maxLine = 256 << 20

// Header is the first line of an archive.
type Header struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	Source     string    `json:"source"`
	Engine     string    `json:"engine,omitempty"`
	Bucket     string    `json:"bucket"`
	Count      int       `json:"count"`
}

type envelope struct {
	Header *Header `json:"gridstore_export"`
}

// Entry is one archived file.
type Entry struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Length      int64     `json:"length"`
	UploadDate  time.Time `json:"uploadDate"`
	SHA256      string    `json:"sha256"`
	Data        []byte    `json:"data"`
}

// Source is the read side of a file service.
type Source interface {
	Bucket() string
	ListFiles(ctx context.Context) ([]*storage.FileRecord, error)
	OpenFile(ctx context.Context, id string) (*blobstore.Stream, error)
}

// Sink is the write side of a file service.
type Sink interface {
	ListFiles(ctx context.Context) ([]*storage.FileRecord, error)
	Upload(ctx context.Context, data []byte, filename, contentType string) (primitive.ObjectID, error)
}

// ExportOptions configures an export.
type ExportOptions struct {
	// Engine is recorded in the header for reference.
	Engine string
	// IDs limits the export to these files. Empty exports everything.
	IDs []string
}

// ImportOptions configures an import.
type ImportOptions struct {
	// SkipExisting skips entries whose filename and digest already exist in
	// the target bucket.
	SkipExisting bool
}

// ImportResult holds the result of an import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	// IDs maps archived ids to the ids assigned by the target bucket.
	IDs      map[string]string `json:"ids"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Export writes every selected file of src to w and returns how many were
// written. Files that vanish during the export are skipped.
func Export(ctx context.Context, src Source, w io.Writer, opts ExportOptions) (int, error) {
	recs, err := src.ListFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing files: %w", err)
	}
	if len(opts.IDs) > 0 {
		recs = selectIDs(recs, opts.IDs)
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	hdr := &Header{
		Version:    ExportVersion,
		ExportedAt: time.Now().UTC(),
		Source:     "go/" + Version,
		Engine:     opts.Engine,
		Bucket:     src.Bucket(),
		Count:      len(recs),
	}
	if err := enc.Encode(envelope{Header: hdr}); err != nil {
		return 0, fmt.Errorf("writing header: %w", err)
	}

	n := 0
	for _, rec := range recs {
		entry, err := readEntry(ctx, src, rec)
		if err != nil {
			return n, err
		}
		if entry == nil {
			continue
		}
		if err := enc.Encode(entry); err != nil {
			return n, fmt.Errorf("writing %s: %w", rec.ID.Hex(), err)
		}
		n++
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flushing archive: %w", err)
	}
	return n, nil
}

func readEntry(ctx context.Context, src Source, rec *storage.FileRecord) (*Entry, error) {
	id := rec.ID.Hex()
	st, err := src.OpenFile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", id, err)
	}
	if st == nil {
		return nil, nil
	}
	defer st.Close()

	data, err := io.ReadAll(st)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", id, err)
	}
	return &Entry{
		ID:          id,
		Filename:    rec.Filename,
		ContentType: rec.Metadata.ContentType,
		Length:      int64(len(data)),
		UploadDate:  rec.UploadDate,
		SHA256:      digest(data),
		Data:        data,
	}, nil
}

func selectIDs(recs []*storage.FileRecord, ids []string) []*storage.FileRecord {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := recs[:0:0]
	for _, rec := range recs {
		if want[rec.ID.Hex()] {
			out = append(out, rec)
		}
	}
	return out
}

// ReadHeader parses and validates the first line of an archive.
func ReadHeader(line []byte) (*Header, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if env.Header == nil {
		return nil, errors.New("not a gridstore archive")
	}
	if env.Header.Version < 1 || env.Header.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %d", env.Header.Version)
	}
	return env.Header, nil
}

// Import reads an archive from r and uploads each entry into dst. Entries
// that fail verification are skipped with a warning. Storage failures stop
// the import.
func Import(ctx context.Context, dst Sink, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reading header: %w", err)
		}
		return nil, errors.New("empty archive")
	}
	if _, err := ReadHeader(sc.Bytes()); err != nil {
		return nil, err
	}

	existing := map[string]bool{}
	if opts.SkipExisting {
		recs, err := dst.ListFiles(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing target files: %w", err)
		}
		for _, rec := range recs {
			existing[rec.Filename+"\x00"+rec.Metadata.SHA256] = true
		}
	}

	result := &ImportResult{IDs: make(map[string]string)}
	line := 1
	for sc.Scan() {
		line++
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("line %d: %v", line, err))
			result.Skipped++
			continue
		}
		if e.SHA256 != "" && digest(e.Data) != e.SHA256 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("line %d: %s: checksum mismatch", line, e.ID))
			result.Skipped++
			continue
		}
		if existing[e.Filename+"\x00"+digest(e.Data)] {
			result.Skipped++
			continue
		}
		id, err := dst.Upload(ctx, e.Data, e.Filename, e.ContentType)
		if err != nil {
			return result, fmt.Errorf("importing %s: %w", e.ID, err)
		}
		result.IDs[e.ID] = id.Hex()
		result.Imported++
	}
	if err := sc.Err(); err != nil {
		return result, fmt.Errorf("reading archive: %w", err)
	}
	return result, nil
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
