package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/kiranshivaraju/imagetagger/internal/api/response"
	"github.com/kiranshivaraju/imagetagger/internal/scheduler"
	"github.com/kiranshivaraju/imagetagger/pkg/models"
)

const (
	uploadField       = "file"
	maxMultipartInRAM = 32 << 20

	detailTokenNotFound = "there is no tasks with this token or it has expired"
	processingErrPrefix = "error in processing: "
)

// Submitter defines the scheduler interface the tagging handlers depend on.
type Submitter interface {
	SubmitSync(ctx context.Context, image []byte) ([]models.Tag, error)
	SubmitAsync(ctx context.Context, image []byte) (string, error)
}

// JobReader defines the job store interface the poll handler depends on.
type JobReader interface {
	Get(token string) (models.Job, bool)
}

type resultResponse struct {
	Result []models.Tag `json:"result"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// NewCheckImageHandler returns an http.HandlerFunc for POST /api/check-image.
func NewCheckImageHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		image, ok := readUpload(w, r)
		if !ok {
			return
		}

		tags, err := svc.SubmitSync(r.Context(), image)
		if err != nil {
			if errors.Is(err, scheduler.ErrInferenceTimeout) {
				response.Error(w, http.StatusGatewayTimeout, processingErrPrefix+err.Error())
				return
			}
			response.Error(w, http.StatusInternalServerError, processingErrPrefix+err.Error())
			return
		}

		response.JSON(w, resultResponse{Result: nonNil(tags)})
	}
}

// NewSubmitAsyncHandler returns an http.HandlerFunc for POST /api/check-image-async.
func NewSubmitAsyncHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		image, ok := readUpload(w, r)
		if !ok {
			return
		}

		token, err := svc.SubmitAsync(r.Context(), image)
		if err != nil {
			if errors.Is(err, scheduler.ErrClosed) {
				response.Error(w, http.StatusServiceUnavailable, "server is shutting down")
				return
			}
			response.Error(w, http.StatusInternalServerError, processingErrPrefix+err.Error())
			return
		}

		response.Created(w, tokenResponse{Token: token})
	}
}

// NewPollHandler returns an http.HandlerFunc for GET /api/check-image-async.
// A missing token is treated like an unknown one.
func NewPollHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			response.Error(w, http.StatusNotFound, detailTokenNotFound)
			return
		}

		job, ok := jobs.Get(token)
		if !ok {
			response.Error(w, http.StatusNotFound, detailTokenNotFound)
			return
		}

		switch job.Status {
		case models.JobStatusSucceeded:
			response.JSON(w, resultResponse{Result: nonNil(job.Tags)})
		case models.JobStatusFailed:
			response.Error(w, http.StatusInternalServerError, processingErrPrefix+job.Error)
		default:
			response.NoContent(w)
		}
	}
}

// readUpload reads the "file" part of a multipart body. On failure it writes
// the error response and returns false.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if err := r.ParseMultipartForm(maxMultipartInRAM); err != nil {
		writeUploadError(w, err)
		return nil, false
	}

	file, _, err := r.FormFile(uploadField)
	if err != nil {
		writeUploadError(w, err)
		return nil, false
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		writeUploadError(w, err)
		return nil, false
	}
	return image, true
}

func writeUploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		response.Error(w, http.StatusRequestEntityTooLarge, "upload is too large")
	case errors.Is(err, http.ErrMissingFile):
		response.Error(w, http.StatusBadRequest, "field 'file' is required")
	default:
		response.Error(w, http.StatusBadRequest, "invalid multipart form")
	}
}

func nonNil(tags []models.Tag) []models.Tag {
	if tags == nil {
		return []models.Tag{}
	}
	return tags
}
