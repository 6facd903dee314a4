package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"geodelivery/api/internal/models"
	"geodelivery/api/internal/storage"
	"geodelivery/api/internal/validation"
)

// Handler contains the REST API handlers.
type Handler struct {
	jobs  *validation.JobService
	local *storage.LocalBackend
	log   zerolog.Logger
}

// NewHandler creates the API handler. local may be nil when the local storage
// backend is not configured; the upload endpoint then rejects all tokens.
func NewHandler(jobs *validation.JobService, local *storage.LocalBackend, logger zerolog.Logger) *Handler {
	return &Handler{
		jobs:  jobs,
		local: local,
		log:   logger.With().Str("component", "api").Logger(),
	}
}

// CreateJobRequest starts a new validation job with an initial file set.
type CreateJobRequest struct {
	FileNames []string `json:"fileNames" binding:"required"`
}

type fileUploadResponse struct {
	FileID    uint   `json:"fileId"`
	FileName  string `json:"fileName"`
	UploadURL string `json:"uploadUrl"`
}

// CreateJob allocates a job, registers the requested files and returns one
// presigned upload URL per file.
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.CreateJob(c.Request.Context())
	if err != nil {
		h.serviceError(c, err)
		return
	}
	uploads, err := h.jobs.AddFiles(c.Request.Context(), job.ID, req.FileNames)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"jobId": job.ID,
		"files": toUploadResponses(uploads),
	})
}

// AddFilesRequest registers additional files on a pending job.
type AddFilesRequest struct {
	FileNames []string `json:"fileNames" binding:"required"`
}

// AddFiles registers more files on an existing Pending job.
func (h *Handler) AddFiles(c *gin.Context) {
	var req AddFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	uploads, err := h.jobs.AddFiles(c.Request.Context(), c.Param("jobId"), req.FileNames)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": toUploadResponses(uploads)})
}

// StartJobRequest queues a job for validation under a mandate.
type StartJobRequest struct {
	MandateID uint `json:"mandateId" binding:"required"`
}

// StartJob moves a Pending job to Queued.
func (h *Handler) StartJob(c *gin.Context) {
	var req StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.jobs.Start(c.Request.Context(), c.Param("jobId"), req.MandateID); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.JobQueued})
}

type logResponse struct {
	ID      string `json:"id"`
	LogName string `json:"logName"`
}

type fileStatusResponse struct {
	FileName      string            `json:"fileName"`
	Status        models.FileStatus `json:"status"`
	Result        string            `json:"result,omitempty"`
	UploadedAt    *time.Time        `json:"uploadedAt,omitempty"`
	FileSizeBytes *int64            `json:"fileSizeBytes,omitempty"`
	Logs          []logResponse     `json:"logs,omitempty"`
}

// GetJob returns a job's status with its per-file detail.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.jobs.Status(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.serviceError(c, err)
		return
	}

	files := make([]fileStatusResponse, 0, len(job.Files))
	for i := range job.Files {
		f := &job.Files[i]
		logs := make([]logResponse, 0, len(f.Logs))
		for _, l := range f.Logs {
			logs = append(logs, logResponse{ID: l.ID, LogName: l.LogName})
		}
		files = append(files, fileStatusResponse{
			FileName:      f.OriginalFileName,
			Status:        f.Status,
			Result:        f.ValidationResult,
			UploadedAt:    f.UploadedAt,
			FileSizeBytes: f.FileSizeBytes,
			Logs:          logs,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":         job.ID,
		"status":        job.Status,
		"mandateId":     job.MandateID,
		"failureReason": job.FailureReason,
		"completedAt":   job.CompletedAt,
		"files":         files,
	})
}

// DownloadLog streams a validation log with a human-meaningful filename.
func (h *Handler) DownloadLog(c *gin.Context) {
	reader, name, err := h.jobs.LogContent(c.Request.Context(), c.Param("logId"))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		h.log.Warn().Err(err).Str("log_id", c.Param("logId")).Msg("log download aborted")
	}
}

// ListMandates returns the known mandates.
func (h *Handler) ListMandates(c *gin.Context) {
	mandates, err := h.jobs.Mandates(c.Request.Context())
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mandates": mandates})
}

// Upload accepts a presigned upload for the local storage backend. The token
// in the path carries the signed target location.
func (h *Handler) Upload(c *gin.Context) {
	if h.local == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "local uploads are not enabled"})
		return
	}
	location, err := h.local.VerifyUploadToken(c.Param("token"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired upload token"})
		return
	}
	if err := h.local.Upload(c.Request.Context(), location, c.Request.Body); err != nil {
		h.log.Error().Err(err).Str("location", location).Msg("upload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}
	c.Status(http.StatusCreated)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func toUploadResponses(uploads []validation.FileUpload) []fileUploadResponse {
	out := make([]fileUploadResponse, 0, len(uploads))
	for _, u := range uploads {
		out = append(out, fileUploadResponse{
			FileID:    u.File.ID,
			FileName:  u.File.OriginalFileName,
			UploadURL: u.UploadURL,
		})
	}
	return out
}

// serviceError maps service errors to HTTP status codes.
func (h *Handler) serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, validation.ErrJobNotFound), errors.Is(err, validation.ErrLogNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, validation.ErrInvalidState), errors.Is(err, validation.ErrEmptyJob):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, validation.ErrEmptyFileList),
		errors.Is(err, validation.ErrUnknownMandate),
		errors.Is(err, validation.ErrUnsupportedFileType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Msg("internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
