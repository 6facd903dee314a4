package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"geodelivery/api/internal/models"
	"geodelivery/api/internal/storage"
)

// ScanReconciler synchronizes file and job status with external malware-scan
// results. It only reads scan tags, never file content.
type ScanReconciler struct {
	db       *gorm.DB
	storages *storage.Registry
	log      zerolog.Logger
}

func NewScanReconciler(db *gorm.DB, storages *storage.Registry, logger zerolog.Logger) *ScanReconciler {
	return &ScanReconciler{
		db:       db,
		storages: storages,
		log:      logger.With().Str("component", "scan-reconciler").Logger(),
	}
}

// ProcessJob advances a Queued or AwaitingVirusScanResults job based on the
// scan verdicts of its files. Safe to call repeatedly; a job whose files are
// all still waiting stays put until the next cycle.
func (r *ScanReconciler) ProcessJob(ctx context.Context, jobID string) error {
	var job models.ValidationJob
	err := r.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	if job.Status != models.JobQueued && job.Status != models.JobAwaitingVirusScanResults {
		return nil
	}

	if job.Status == models.JobQueued {
		if err := r.setJobStatus(ctx, &job, models.JobAwaitingVirusScanResults); err != nil {
			return err
		}
	}

	var pending []*models.ValidationJobFile
	for i := range job.Files {
		f := &job.Files[i]
		if f.Status == models.FilePending || f.Status == models.FileAwaitingVirusScanResult {
			pending = append(pending, f)
		}
	}

	if len(pending) == 0 {
		return r.settle(ctx, &job)
	}

	var sawInfected, sawError, stillWaiting bool
	for _, file := range pending {
		switch r.reconcileFile(ctx, file) {
		case models.FileInfected:
			sawInfected = true
		case models.FileErrorProcessing:
			sawError = true
		case models.FileAwaitingVirusScanResult:
			stillWaiting = true
		}
	}

	switch {
	case sawInfected:
		return r.failJob(ctx, &job, "one or more files are infected: "+badFileList(ctx, r.db, job.ID, models.FileInfected))
	case sawError:
		return r.failJob(ctx, &job, "one or more files could not be processed: "+badFileList(ctx, r.db, job.ID, models.FileErrorProcessing))
	case stillWaiting:
		return nil
	default:
		return r.setJobStatus(ctx, &job, models.JobAwaitingValidation)
	}
}

// reconcileFile queries the scan verdict for one file, persists the resulting
// status and returns it. Transient tag-read failures keep the file in
// AwaitingVirusScanResult for the next cycle.
func (r *ScanReconciler) reconcileFile(ctx context.Context, file *models.ValidationJobFile) models.FileStatus {
	backend, err := r.storages.Get(storage.Kind(file.StorageKind))
	if err != nil {
		r.setFileStatus(ctx, file, models.FileErrorProcessing, err.Error())
		return file.Status
	}

	exists, err := backend.Exists(ctx, file.Location)
	if err != nil {
		r.log.Warn().Err(err).Str("location", file.Location).Msg("existence check failed, retrying next cycle")
		r.setFileStatus(ctx, file, models.FileAwaitingVirusScanResult, "")
		return file.Status
	}
	if !exists {
		r.setFileStatus(ctx, file, models.FileErrorProcessing, "file was never uploaded")
		return file.Status
	}

	r.backfillProperties(ctx, backend, file)

	verdict, err := backend.GetScanTag(ctx, file.Location)
	if err != nil {
		if errors.Is(err, storage.ErrScanUnsupported) {
			// Scanning is a backend capability, not a requirement; backends
			// without a scanner pass files through optimistically.
			r.setFileStatus(ctx, file, models.FileClean, "")
			return file.Status
		}
		r.log.Warn().Err(err).Str("location", file.Location).Msg("scan tag read failed, retrying next cycle")
		r.setFileStatus(ctx, file, models.FileAwaitingVirusScanResult, "")
		return file.Status
	}

	switch verdict {
	case storage.ScanClean:
		r.setFileStatus(ctx, file, models.FileClean, "")
	case storage.ScanInfected:
		r.setFileStatus(ctx, file, models.FileInfected, "malware detected by storage scanner")
	case storage.ScanPending, storage.ScanUnknown:
		r.setFileStatus(ctx, file, models.FileAwaitingVirusScanResult, "")
	}
	return file.Status
}

// settle decides the job outcome once no file is waiting for a scan verdict.
func (r *ScanReconciler) settle(ctx context.Context, job *models.ValidationJob) error {
	if len(job.Files) == 0 {
		return r.failJob(ctx, job, "no files provided")
	}
	var infected, errored []string
	for i := range job.Files {
		switch job.Files[i].Status {
		case models.FileInfected:
			infected = append(infected, job.Files[i].OriginalFileName)
		case models.FileErrorProcessing:
			errored = append(errored, job.Files[i].OriginalFileName)
		}
	}
	if len(infected) > 0 {
		return r.failJob(ctx, job, "one or more files are infected: "+strings.Join(infected, ", "))
	}
	if len(errored) > 0 {
		return r.failJob(ctx, job, "one or more files could not be processed: "+strings.Join(errored, ", "))
	}
	return r.setJobStatus(ctx, job, models.JobAwaitingValidation)
}

// backfillProperties records upload time and size on the first cycle that
// observes the uploaded blob.
func (r *ScanReconciler) backfillProperties(ctx context.Context, backend storage.Backend, file *models.ValidationJobFile) {
	if file.UploadedAt != nil && file.FileSizeBytes != nil {
		return
	}
	props, err := backend.GetProperties(ctx, file.Location)
	if err != nil {
		r.log.Debug().Err(err).Str("location", file.Location).Msg("could not read blob properties")
		return
	}
	updates := map[string]any{}
	if file.UploadedAt == nil {
		uploadedAt := props.CreatedAt
		file.UploadedAt = &uploadedAt
		updates["uploaded_at"] = uploadedAt
	}
	if file.FileSizeBytes == nil {
		size := props.SizeBytes
		file.FileSizeBytes = &size
		updates["file_size_bytes"] = size
	}
	if len(updates) == 0 {
		return
	}
	if err := r.db.WithContext(ctx).Model(file).Updates(updates).Error; err != nil {
		r.log.Warn().Err(err).Uint("file_id", file.ID).Msg("failed to backfill file properties")
	}
}

func (r *ScanReconciler) setFileStatus(ctx context.Context, file *models.ValidationJobFile, next models.FileStatus, result string) {
	if file.Status == next {
		return
	}
	if !file.Status.CanTransition(next) {
		r.log.Error().Uint("file_id", file.ID).
			Str("from", string(file.Status)).Str("to", string(next)).
			Msg("illegal file status transition rejected")
		return
	}
	updates := map[string]any{"status": next}
	if result != "" {
		updates["validation_result"] = result
	}
	if err := r.db.WithContext(ctx).Model(file).Updates(updates).Error; err != nil {
		r.log.Error().Err(err).Uint("file_id", file.ID).Msg("failed to persist file status")
		return
	}
	file.Status = next
	if result != "" {
		file.ValidationResult = result
	}
}

func (r *ScanReconciler) setJobStatus(ctx context.Context, job *models.ValidationJob, next models.JobStatus) error {
	if !job.Status.CanTransition(next) {
		return fmt.Errorf("illegal job transition %s -> %s", job.Status, next)
	}
	if err := r.db.WithContext(ctx).Model(job).Update("status", next).Error; err != nil {
		return fmt.Errorf("failed to persist job status: %w", err)
	}
	job.Status = next
	return nil
}

func (r *ScanReconciler) failJob(ctx context.Context, job *models.ValidationJob, reason string) error {
	return markJobFailed(ctx, r.db, job, reason)
}

// markJobFailed persists the terminal Failed state with its reason and
// completion time. The write is detached from cancellation so failure
// reasons are not lost during shutdown.
func markJobFailed(ctx context.Context, db *gorm.DB, job *models.ValidationJob, reason string) error {
	if job.Status.Terminal() {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	updates := map[string]any{
		"status":         models.JobFailed,
		"failure_reason": reason,
		"completed_at":   now,
	}
	if err := db.WithContext(ctx).Model(job).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to persist job failure: %w", err)
	}
	job.Status = models.JobFailed
	job.FailureReason = reason
	job.CompletedAt = &now
	return nil
}

// badFileList names the job's files currently in the given status.
func badFileList(ctx context.Context, db *gorm.DB, jobID string, status models.FileStatus) string {
	var names []string
	db.WithContext(ctx).Model(&models.ValidationJobFile{}).
		Where("job_id = ? AND status = ?", jobID, status).
		Order("id").
		Pluck("original_file_name", &names)
	return strings.Join(names, ", ")
}
