package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trialops/sdvlink-backend/internal/http/response"
	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/normalizer"
	"github.com/trialops/sdvlink-backend/internal/repos"
	"github.com/trialops/sdvlink-backend/internal/requestdata"
	"github.com/trialops/sdvlink-backend/internal/services"
	"github.com/trialops/sdvlink-backend/internal/utils"
)

type UploadHandler struct {
	log          *logger.Logger
	uploads      *services.UploadService
	maxUploadMiB int64
}

func NewUploadHandler(log *logger.Logger, uploads *services.UploadService) *UploadHandler {
	return &UploadHandler{
		log:          log.With("handler", "UploadHandler"),
		uploads:      uploads,
		maxUploadMiB: int64(utils.GetEnvAsInt("MAX_UPLOAD_MIB", 100, log)),
	}
}

// POST /api/uploads
// Multipart form: file (the CSV export), job_type (site_data_entry or
// sdv_data), linked_upload_id (optional, SDV uploads only).
func (h *UploadHandler) CreateUpload(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("not authenticated"))
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}
	if fileHeader.Size > h.maxUploadMiB<<20 {
		response.RespondError(c, http.StatusRequestEntityTooLarge, "file_too_large",
			errors.New("upload exceeds the size limit"))
		return
	}

	jobType := c.PostForm("job_type")

	var linkedUploadID *uuid.UUID
	if raw := c.PostForm("linked_upload_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_linked_upload_id", err)
			return
		}
		linkedUploadID = &id
	}

	f, err := fileHeader.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "unreadable_file", err)
		return
	}
	content, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "unreadable_file", err)
		return
	}

	job, err := h.uploads.CreateUpload(c.Request.Context(), rd, services.UploadParams{
		JobType:        jobType,
		FileName:       fileHeader.Filename,
		Content:        content,
		LinkedUploadID: linkedUploadID,
	})
	if err != nil {
		var schemaErr *normalizer.SchemaMismatchError
		switch {
		case errors.Is(err, services.ErrUnknownDatasetKind):
			response.RespondError(c, http.StatusBadRequest, "invalid_job_type", err)
		case errors.As(err, &schemaErr):
			response.RespondError(c, http.StatusUnprocessableEntity, "schema_mismatch", err)
		case errors.Is(err, normalizer.ErrMalformedInput):
			response.RespondError(c, http.StatusUnprocessableEntity, "malformed_csv", err)
		default:
			response.RespondError(c, http.StatusInternalServerError, "upload_failed", err)
		}
		return
	}

	response.RespondAccepted(c, gin.H{"job": job})
}

// POST /api/uploads/:id/merge
func (h *UploadHandler) TriggerMerge(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("not authenticated"))
		return
	}
	uploadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_upload_id", err)
		return
	}

	if err := h.uploads.TriggerMerge(c.Request.Context(), rd, uploadID); err != nil {
		switch {
		case errors.Is(err, repos.ErrNotFound):
			response.RespondError(c, http.StatusNotFound, "upload_not_found", err)
		case errors.Is(err, services.ErrNotPrimaryDataset):
			response.RespondError(c, http.StatusBadRequest, "not_primary_dataset", err)
		default:
			response.RespondError(c, http.StatusInternalServerError, "merge_trigger_failed", err)
		}
		return
	}
	response.RespondAccepted(c, gin.H{"upload_id": uploadID, "merge": "queued"})
}
