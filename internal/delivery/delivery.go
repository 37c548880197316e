// Package delivery turns stored objects into HTTP responses: content headers,
// caching, CORS, and buffered or streamed bodies.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bleepstore/gridstore/internal/blobstore"
	gserr "github.com/bleepstore/gridstore/internal/errors"
	"github.com/bleepstore/gridstore/internal/storage"
)

const (
	// DefaultContentType is used when a record carries no content type.
	DefaultContentType = "application/octet-stream"
	// CacheControl marks objects as immutable for a year. Ids never get new content.
	CacheControl = "public, max-age=31536000, immutable"

	streamBufferSize = 32 * 1024
)

// Source is the read side of the blob store.
type Source interface {
	Stat(ctx context.Context, id string) (*storage.FileRecord, error)
	GetFile(ctx context.Context, id string) (*blobstore.File, error)
	OpenFile(ctx context.Context, id string) (*blobstore.Stream, error)
	BufferLimit() int64
}

// StreamError is returned by Serve when a failure happens after the status
// line was sent. Only the connection can signal it to the client.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return "streaming file: " + e.Err.Error() }

func (e *StreamError) Unwrap() error { return e.Err }

// ContentType returns the record's content type or the default.
func ContentType(rec *storage.FileRecord) string {
	if ct := strings.TrimSpace(rec.Metadata.ContentType); ct != "" {
		return ct
	}
	return DefaultContentType
}

// Disposition returns the Content-Disposition value: inline for images and
// PDFs, attachment for everything else.
func Disposition(contentType, filename string) string {
	ct := strings.ToLower(contentType)
	kind := "attachment"
	if strings.HasPrefix(ct, "image/") || ct == "application/pdf" || strings.HasPrefix(ct, "application/pdf;") {
		kind = "inline"
	}
	return fmt.Sprintf("%s; filename=\"%s\"", kind, EncodeURIComponent(filename))
}

// EncodeURIComponent percent-encodes s the way JavaScript's
// encodeURIComponent does: every byte outside A-Z a-z 0-9 and - _ . ! ~ * ' ( )
// becomes %XX of its UTF-8 encoding.
func EncodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

// ETag returns the strong entity tag of a record.
func ETag(rec *storage.FileRecord) string {
	return `"` + rec.ID.Hex() + `"`
}

// SetCORS allows any origin to read files.
func SetCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range, If-None-Match, If-Modified-Since")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Disposition, Content-Range, ETag")
}

// SetHeaders writes the delivery headers for rec, except Content-Length.
func SetHeaders(h http.Header, rec *storage.FileRecord) {
	filename := rec.Filename
	if filename == "" {
		filename = rec.ID.Hex()
	}
	ct := ContentType(rec)
	h.Set("Content-Type", ct)
	h.Set("Content-Disposition", Disposition(ct, filename))
	h.Set("Cache-Control", CacheControl)
	h.Set("ETag", ETag(rec))
	h.Set("Accept-Ranges", "bytes")
	if !rec.UploadDate.IsZero() {
		h.Set("Last-Modified", rec.UploadDate.UTC().Format(http.TimeFormat))
	}
	h.Set("X-Content-Type-Options", "nosniff")
	SetCORS(h)
}

// Serve writes object id to w for GET and HEAD requests. Errors returned
// before the response starts are API errors or storage errors for the caller
// to render; failures after that are *StreamError.
//
// Objects up to the source's buffer limit are read whole and served with
// http.ServeContent, which handles ranges and conditional requests. Larger
// objects are streamed chunk by chunk.
func Serve(w http.ResponseWriter, r *http.Request, src Source, id string) error {
	if !storage.ValidID(id) {
		return gserr.ErrInvalidID
	}
	ctx := r.Context()

	rec, err := src.Stat(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return gserr.ErrNotFound
	}

	if r.Method == http.MethodHead {
		SetHeaders(w.Header(), rec)
		if notModified(r, ETag(rec)) {
			w.WriteHeader(http.StatusNotModified)
			return nil
		}
		w.Header().Set("Content-Length", strconv.FormatInt(rec.Length, 10))
		w.WriteHeader(http.StatusOK)
		return nil
	}

	if rec.Length <= src.BufferLimit() {
		return serveBuffered(w, r, src, id)
	}
	return serveStream(w, r, src, id)
}

func serveBuffered(w http.ResponseWriter, r *http.Request, src Source, id string) error {
	f, err := src.GetFile(r.Context(), id)
	if err != nil {
		return err
	}
	if f == nil {
		return gserr.ErrNotFound
	}
	if f.Record.Length > 0 && len(f.Data) == 0 {
		return gserr.ErrEmptyContent
	}
	SetHeaders(w.Header(), f.Record)
	// ServeContent sets Last-Modified and Content-Length itself.
	w.Header().Del("Last-Modified")
	http.ServeContent(w, r, "", f.Record.UploadDate, bytes.NewReader(f.Data))
	return nil
}

func serveStream(w http.ResponseWriter, r *http.Request, src Source, id string) error {
	st, err := src.OpenFile(r.Context(), id)
	if err != nil {
		return err
	}
	if st == nil {
		return gserr.ErrNotFound
	}
	defer st.Close()

	rec := st.Record
	if notModified(r, ETag(rec)) {
		SetHeaders(w.Header(), rec)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	// Read ahead before committing to a 200 so an empty stream can still
	// be reported as an error.
	buf := make([]byte, streamBufferSize)
	n, err := io.ReadAtLeast(st, buf, 1)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			if rec.Length > 0 {
				return gserr.ErrEmptyContent
			}
		} else {
			return &gserr.StorageReadError{Op: "read", Err: err}
		}
	}

	SetHeaders(w.Header(), rec)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Length, 10))
	w.WriteHeader(http.StatusOK)
	if n == 0 {
		return nil
	}
	if _, err := w.Write(buf[:n]); err != nil {
		return &StreamError{Err: err}
	}
	if _, err := io.CopyBuffer(w, st, buf); err != nil {
		return &StreamError{Err: err}
	}
	return nil
}

// notModified reports whether If-None-Match matches etag.
func notModified(r *http.Request, etag string) bool {
	inm := r.Header.Get("If-None-Match")
	if inm == "" {
		return false
	}
	for _, tag := range strings.Split(inm, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || strings.TrimPrefix(tag, "W/") == etag {
			return true
		}
	}
	return false
}
