// Package validation implements the validation job pipeline: the job/file
// entry service, the virus-scan reconciler, the validation dispatcher and the
// background runner that drives them.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"geodelivery/api/internal/models"
	"geodelivery/api/internal/storage"
)

var (
	ErrJobNotFound    = errors.New("validation job not found")
	ErrLogNotFound    = errors.New("validation log not found")
	ErrInvalidState   = errors.New("job is not in a startable state")
	ErrEmptyJob       = errors.New("job has no files")
	ErrEmptyFileList  = errors.New("no file names provided")
	ErrUnknownMandate      = errors.New("unknown mandate")
	ErrUnsupportedFileType = errors.New("file type not accepted by mandate")
)

// JobService creates jobs, registers files with presigned upload URLs and
// serves job status and log downloads.
type JobService struct {
	db          *gorm.DB
	storages    *storage.Registry
	defaultKind storage.Kind
	presignTTL  time.Duration
	log         zerolog.Logger
}

func NewJobService(db *gorm.DB, storages *storage.Registry, defaultKind storage.Kind, presignTTL time.Duration, logger zerolog.Logger) *JobService {
	return &JobService{
		db:          db,
		storages:    storages,
		defaultKind: defaultKind,
		presignTTL:  presignTTL,
		log:         logger.With().Str("component", "job-service").Logger(),
	}
}

// CreateJob allocates a new empty job in Pending status.
func (s *JobService) CreateJob(ctx context.Context) (*models.ValidationJob, error) {
	job := &models.ValidationJob{
		ID:     uuid.NewString(),
		Status: models.JobPending,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.log.Info().Str("job_id", job.ID).Msg("created validation job")
	return job, nil
}

// FileUpload pairs a registered file with its presigned upload URL.
type FileUpload struct {
	File      *models.ValidationJobFile
	UploadURL string
}

// AddFiles registers the given file names on a Pending job and returns one
// presigned upload URL per file. Duplicate names within the request are
// collapsed to a single file.
func (s *JobService) AddFiles(ctx context.Context, jobID string, fileNames []string) ([]FileUpload, error) {
	names := dedupeNames(fileNames)
	if len(names) == 0 {
		return nil, ErrEmptyFileList
	}

	var job models.ValidationJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != models.JobPending {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, job.Status)
	}

	backend, err := s.storages.Get(s.defaultKind)
	if err != nil {
		return nil, err
	}

	uploads := make([]FileUpload, 0, len(names))
	for _, name := range names {
		clean := sanitizeFileName(name)
		if clean == "" {
			return nil, fmt.Errorf("%w: invalid file name %q", ErrEmptyFileList, name)
		}
		file := &models.ValidationJobFile{
			JobID:            job.ID,
			OriginalFileName: clean,
			Location:         fileLocation(job.ID, clean),
			StorageKind:      string(backend.Kind()),
			Status:           models.FilePending,
		}
		if err := s.db.WithContext(ctx).Create(file).Error; err != nil {
			return nil, fmt.Errorf("failed to create file row: %w", err)
		}
		url, err := backend.PresignUpload(ctx, file.Location, s.presignTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to presign upload for %s: %w", clean, err)
		}
		uploads = append(uploads, FileUpload{File: file, UploadURL: url})
	}
	return uploads, nil
}

// Start moves a Pending job with at least one file to Queued under the given
// mandate. The background runner picks it up from there.
func (s *JobService) Start(ctx context.Context, jobID string, mandateID uint) error {
	var job models.ValidationJob
	if err := s.db.WithContext(ctx).Preload("Files").First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != models.JobPending {
		return fmt.Errorf("%w: status is %s", ErrInvalidState, job.Status)
	}
	if len(job.Files) == 0 {
		return ErrEmptyJob
	}

	var mandate models.Mandate
	if err := s.db.WithContext(ctx).First(&mandate, "id = ?", mandateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %d", ErrUnknownMandate, mandateID)
		}
		return fmt.Errorf("failed to check mandate: %w", err)
	}

	// A mandate with an extension list only accepts matching files. An empty
	// list accepts everything.
	if accepted := MandateExtensions(&mandate); len(accepted) > 0 {
		for i := range job.Files {
			ext := strings.ToLower(filepath.Ext(job.Files[i].OriginalFileName))
			if !containsFold(accepted, ext) {
				return fmt.Errorf("%w: %s", ErrUnsupportedFileType, job.Files[i].OriginalFileName)
			}
		}
	}

	if err := s.queueJob(ctx, jobID, mandateID); err != nil {
		return err
	}
	s.log.Info().Str("job_id", jobID).Uint("mandate_id", mandateID).Msg("job queued for validation")
	return nil
}

// queueJob performs the Pending -> Queued compare-and-set. A concurrent Start
// that wins the race leaves zero rows for the loser, which must not report
// success.
func (s *JobService) queueJob(ctx context.Context, jobID string, mandateID uint) error {
	res := s.db.WithContext(ctx).Model(&models.ValidationJob{}).
		Where("id = ? AND status = ?", jobID, models.JobPending).
		Updates(map[string]any{
			"status":     models.JobQueued,
			"mandate_id": mandateID,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to queue job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job was started concurrently", ErrInvalidState)
	}
	return nil
}

// Status returns the job with its files and their logs as one snapshot.
func (s *JobService) Status(ctx context.Context, jobID string) (*models.ValidationJob, error) {
	var job models.ValidationJob
	err := s.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Files.Logs").
		First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// LogContent returns the log content stream and a download file name of the
// form {originalFileName}_{logName}.log. The caller closes the reader.
func (s *JobService) LogContent(ctx context.Context, logID string) (io.ReadCloser, string, error) {
	var log models.ValidationJobLog
	if err := s.db.WithContext(ctx).First(&log, "id = ?", logID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrLogNotFound
		}
		return nil, "", fmt.Errorf("failed to load log: %w", err)
	}
	var file models.ValidationJobFile
	if err := s.db.WithContext(ctx).First(&file, "id = ?", log.FileID).Error; err != nil {
		return nil, "", fmt.Errorf("failed to load log file row: %w", err)
	}

	backend, err := s.storages.Get(storage.Kind(log.StorageKind))
	if err != nil {
		return nil, "", err
	}
	reader, err := backend.Download(ctx, log.Location)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrLogNotFound
		}
		return nil, "", fmt.Errorf("failed to download log: %w", err)
	}

	name := fmt.Sprintf("%s_%s.log", file.OriginalFileName, log.LogName)
	return reader, name, nil
}

// Mandates lists the known mandates with their accepted file extensions.
func (s *JobService) Mandates(ctx context.Context) ([]models.Mandate, error) {
	var mandates []models.Mandate
	if err := s.db.WithContext(ctx).Order("id").Find(&mandates).Error; err != nil {
		return nil, fmt.Errorf("failed to list mandates: %w", err)
	}
	return mandates, nil
}

// MandateExtensions decodes the JSON extensions array stored on a mandate.
func MandateExtensions(m *models.Mandate) []string {
	if m == nil || m.FileExtensions == "" {
		return nil
	}
	var extensions []string
	if err := json.Unmarshal([]byte(m.FileExtensions), &extensions); err != nil {
		return nil
	}
	return extensions
}

// fileLocation builds a collision-resistant storage location for an uploaded
// file, keeping the original name visible for operators browsing the store.
func fileLocation(jobID, fileName string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("validation-jobs/%s/%s_%s", jobID, suffix, fileName)
}

// logLocation builds the storage location for a validation log. The uuid
// suffix keeps repeated validator runs from overwriting earlier logs.
func logLocation(jobID string, fileID uint, logName string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("validation-logs/%s/%d/%s_%s.log", jobID, fileID, logName, suffix)
}

func dedupeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

// sanitizeFileName strips any path components from a user-supplied name.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
