package server

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/bleepstore/gridstore/internal/blobstore"
	"github.com/bleepstore/gridstore/internal/delivery"
	gserr "github.com/bleepstore/gridstore/internal/errors"
)

const (
	uploadField = "file"
	// multipartOverhead allows for part headers and boundaries on top of
	// the file size limit.
	multipartOverhead = 64 * 1024
	defaultFilename   = "upload"
)

// UploadResponse is the JSON body returned by POST /upload.
type UploadResponse struct {
	Success     bool   `json:"success"`
	FileID      string `json:"fileId"`
	FileURL     string `json:"fileUrl"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// fileURL returns the public delivery URL of id.
func (s *Server) fileURL(id string) string {
	return strings.TrimRight(s.cfg.Server.PublicBaseURL, "/") + "/files/" + id
}

// handleUpload stores the "file" part of a multipart form.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Upload.MaxSizeBytes
	if maxSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)
	}

	part, err := findFilePart(r)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	defer part.Close()

	data, err := readLimited(part, maxSize)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}

	contentType := detectContentType(part.Header.Get("Content-Type"), data)
	if !s.cfg.Upload.Allows(contentType) {
		writeError(w, r, gserr.ErrDisallowedType.WithMessage("File type "+contentType+" is not allowed"), s.logger)
		return
	}
	filename := part.FileName()
	if filename == "" {
		filename = defaultFilename
	}

	id, err := s.files.Upload(r.Context(), data, filename, contentType)
	if err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{
		Success:     true,
		FileID:      id.Hex(),
		FileURL:     s.fileURL(id.Hex()),
		FileName:    filename,
		ContentType: contentType,
		Size:        len(data),
	})
}

// findFilePart advances the multipart reader to the upload field.
func findFilePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, gserr.ErrMalformedForm
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, gserr.ErrNoFile
		}
		if err != nil {
			return nil, bodyError(err)
		}
		if part.FormName() == uploadField && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// readLimited reads the part, failing with ErrFileTooLarge beyond limit bytes.
// A limit of zero or less disables the check.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, bodyError(err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, gserr.ErrFileTooLarge
	}
	return data, nil
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return gserr.ErrFileTooLarge
	}
	return gserr.ErrMalformedForm
}

// detectContentType keeps a specific declared type and sniffs the content
// when the client sent none or the generic octet-stream.
func detectContentType(declared string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.HasPrefix(strings.ToLower(declared), delivery.DefaultContentType) {
		return declared
	}
	if len(data) == 0 {
		return delivery.DefaultContentType
	}
	return mimetype.Detect(data).String()
}

// handleGetFile serves GET and HEAD /files/{id}.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := delivery.Serve(w, r, s.files, id); err != nil {
		writeError(w, r, err, s.logger)
	}
}

// handlePreflight answers CORS preflight requests for file delivery.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	delivery.SetCORS(w.Header())
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// deny renders a rejected admin request.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, err *gserr.APIError) {
	writeError(w, r, err, s.logger)
}

// DeleteInput is the Huma input for DELETE /files/{id}.
type DeleteInput struct {
	ID string `path:"id" doc:"24-character hex file id"`
}

// DeleteBody is the JSON body of a delete response.
type DeleteBody struct {
	Success bool   `json:"success"`
	FileID  string `json:"fileId,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// DeleteOutput is the Huma output for DELETE /files/{id}.
type DeleteOutput struct {
	Status int
	Body   DeleteBody
}

func (s *Server) registerDeleteRoute() {
	huma.Register(s.api, huma.Operation{
		OperationID: "delete-file",
		Method:      http.MethodDelete,
		Path:        "/files/{id}",
		Summary:     "Delete a file",
		Description: "Removes a file and its chunks. Deleting an unknown id returns 404 and is otherwise a no-op.",
		Tags:        []string{"Files"},
	}, func(ctx context.Context, input *DeleteInput) (*DeleteOutput, error) {
		res := s.files.DeleteFile(ctx, input.ID)
		switch res.Status {
		case blobstore.Deleted:
			return &DeleteOutput{Status: http.StatusOK, Body: DeleteBody{Success: true, FileID: input.ID}}, nil
		case blobstore.NotFound:
			return deleteFailure(gserr.ErrNotFound), nil
		default:
			apiErr := gserr.FromError(res.Err)
			if apiErr.HTTPStatus >= http.StatusInternalServerError {
				s.logger.Error("deleting file", "file_id", input.ID, "error", res.Err)
			}
			return deleteFailure(apiErr), nil
		}
	})
}

func deleteFailure(apiErr *gserr.APIError) *DeleteOutput {
	return &DeleteOutput{
		Status: apiErr.HTTPStatus,
		Body:   DeleteBody{Success: false, Error: apiErr.Message, Code: apiErr.Code},
	}
}
