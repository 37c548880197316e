package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"

	"github.com/bleepstore/gridstore/internal/blobstore"
	gserr "github.com/bleepstore/gridstore/internal/errors"
)

// ConnectionOutput is the Huma output for GET /diagnostics/connection.
type ConnectionOutput struct {
	Status int
	Body   blobstore.ConnectionReport
}

// FileInfo is one entry of the diagnostics file listing.
type FileInfo struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	Length      int64     `json:"length"`
	Size        string    `json:"size" doc:"Human-readable length" example:"1.2 MB"`
	ChunkSize   int32     `json:"chunkSize"`
	UploadDate  time.Time `json:"uploadDate"`
	URL         string    `json:"url"`
}

// FileListBody is the JSON body of GET /diagnostics/files.
type FileListBody struct {
	Success bool       `json:"success"`
	Count   int        `json:"count"`
	Files   []FileInfo `json:"files"`
	Error   string     `json:"error,omitempty"`
	Code    string     `json:"code,omitempty"`
	Stack   string     `json:"stack,omitempty"`
}

// FileListOutput is the Huma output for GET /diagnostics/files.
type FileListOutput struct {
	Status int
	Body   FileListBody
}

// TestUploadBody is the JSON body of POST /diagnostics/test-upload.
type TestUploadBody struct {
	Success   bool   `json:"success"`
	FileID    string `json:"fileId,omitempty"`
	FileURL   string `json:"fileUrl,omitempty"`
	Size      int    `json:"size,omitempty"`
	Retrieved bool   `json:"retrieved" doc:"Whether the uploaded bytes were read back intact"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	Stack     string `json:"stack,omitempty"`
}

// TestUploadOutput is the Huma output for POST /diagnostics/test-upload.
type TestUploadOutput struct {
	Status int
	Body   TestUploadBody
}

// stack returns the current goroutine stack when debug output is enabled.
func (s *Server) stack() string {
	if !s.cfg.Server.Debug {
		return ""
	}
	return string(debug.Stack())
}

func (s *Server) registerDiagnostics() {
	huma.Register(s.api, huma.Operation{
		OperationID: "check-connection",
		Method:      http.MethodGet,
		Path:        "/diagnostics/connection",
		Summary:     "Check storage connectivity",
		Description: "Ensures the bucket collections exist and performs a throwaway write and delete.",
		Tags:        []string{"Diagnostics"},
	}, func(ctx context.Context, input *struct{}) (*ConnectionOutput, error) {
		report := s.files.CheckConnection(ctx)
		status := http.StatusOK
		if !report.Success {
			status = http.StatusServiceUnavailable
		}
		return &ConnectionOutput{Status: status, Body: report}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-files",
		Method:      http.MethodGet,
		Path:        "/diagnostics/files",
		Summary:     "List stored files",
		Description: "Returns every metadata record in the bucket, oldest first. Not paginated.",
		Tags:        []string{"Diagnostics"},
	}, func(ctx context.Context, input *struct{}) (*FileListOutput, error) {
		recs, err := s.files.ListFiles(ctx)
		if err != nil {
			apiErr := gserr.FromError(err)
			s.logger.Error("listing files", "error", err)
			return &FileListOutput{Status: apiErr.HTTPStatus, Body: FileListBody{
				Files: []FileInfo{},
				Error: err.Error(),
				Code:  apiErr.Code,
				Stack: s.stack(),
			}}, nil
		}
		files := make([]FileInfo, 0, len(recs))
		for _, rec := range recs {
			files = append(files, FileInfo{
				ID:          rec.ID.Hex(),
				Filename:    rec.Filename,
				ContentType: rec.Metadata.ContentType,
				Length:      rec.Length,
				Size:        humanize.Bytes(uint64(rec.Length)),
				ChunkSize:   rec.ChunkSize,
				UploadDate:  rec.UploadDate,
				URL:         s.fileURL(rec.ID.Hex()),
			})
		}
		return &FileListOutput{Status: http.StatusOK, Body: FileListBody{
			Success: true,
			Count:   len(files),
			Files:   files,
		}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "test-upload",
		Method:      http.MethodPost,
		Path:        "/diagnostics/test-upload",
		Summary:     "Upload and read back a test file",
		Description: "Stores a small text file, reads it back and verifies the bytes. The file is kept so its URL can be tried.",
		Tags:        []string{"Diagnostics"},
	}, func(ctx context.Context, input *struct{}) (*TestUploadOutput, error) {
		data := []byte(fmt.Sprintf("gridstore diagnostics test upload\nat: %s\n", time.Now().UTC().Format(time.RFC3339Nano)))
		fail := func(err error) *TestUploadOutput {
			apiErr := gserr.FromError(err)
			s.logger.Error("diagnostics test upload", "error", err)
			return &TestUploadOutput{Status: apiErr.HTTPStatus, Body: TestUploadBody{
				Error: err.Error(),
				Code:  apiErr.Code,
				Stack: s.stack(),
			}}
		}

		id, err := s.files.Upload(ctx, data, "diagnostics-test.txt", "text/plain")
		if err != nil {
			return fail(err), nil
		}
		f, err := s.files.GetFile(ctx, id.Hex())
		if err != nil {
			return fail(err), nil
		}
		return &TestUploadOutput{Status: http.StatusOK, Body: TestUploadBody{
			Success:   true,
			FileID:    id.Hex(),
			FileURL:   s.fileURL(id.Hex()),
			Size:      len(data),
			Retrieved: f != nil && string(f.Data) == string(data),
		}}, nil
	})
}
