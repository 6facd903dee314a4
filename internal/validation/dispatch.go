package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"geodelivery/api/internal/models"
	"geodelivery/api/internal/storage"
	"geodelivery/api/internal/validator"
)

// Dispatcher runs format validation on scan-clean files and aggregates the
// per-file verdicts into the job verdict.
type Dispatcher struct {
	db         *gorm.DB
	storages   *storage.Registry
	validators *validator.Registry
	log        zerolog.Logger
}

func NewDispatcher(db *gorm.DB, storages *storage.Registry, validators *validator.Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		db:         db,
		storages:   storages,
		validators: validators,
		log:        logger.With().Str("component", "dispatcher").Logger(),
	}
}

// ProcessJob validates every Clean file of an AwaitingValidation job and
// computes the terminal job status. One file failing never stops the rest of
// the batch.
func (d *Dispatcher) ProcessJob(ctx context.Context, jobID string) error {
	var job models.ValidationJob
	err := d.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to load job: %w", err)
	}
	// Validating is accepted again so a job interrupted mid-batch resumes
	// after a restart instead of staying stuck.
	if job.Status != models.JobAwaitingValidation && job.Status != models.JobValidating {
		return nil
	}

	if job.Status == models.JobAwaitingValidation {
		if err := d.db.WithContext(ctx).Model(&job).Update("status", models.JobValidating).Error; err != nil {
			return fmt.Errorf("failed to mark job validating: %w", err)
		}
		job.Status = models.JobValidating
	}

	var failures []string
	for i := range job.Files {
		if ctx.Err() != nil {
			// Shutdown mid-batch. Files not yet touched stay Clean and the
			// job stays Validating; the next run picks it up where it left.
			d.log.Info().Str("job_id", job.ID).Msg("validation interrupted, leaving job resumable")
			return nil
		}
		file := &job.Files[i]
		if file.Status != models.FileClean {
			continue
		}
		if reason := d.validateFile(ctx, &job, file); reason != "" {
			failures = append(failures, fmt.Sprintf("%s: %s", file.OriginalFileName, reason))
		}
	}

	if len(failures) > 0 {
		return markJobFailed(ctx, d.db, &job, "validation failed for "+strings.Join(failures, "; "))
	}
	return d.finalize(ctx, &job)
}

// validateFile runs one file through its validator plugin. Returns an empty
// string when the file ends Valid, otherwise a human-readable reason. All
// errors are converted to file status; nothing propagates to the job loop.
func (d *Dispatcher) validateFile(ctx context.Context, job *models.ValidationJob, file *models.ValidationJobFile) string {
	plugin, err := d.validators.ForFile(ctx, file.OriginalFileName, job.MandateID)
	if err != nil {
		msg := "no validator available for this file type"
		if !errors.Is(err, validator.ErrNoMatch) {
			msg = fmt.Sprintf("validator selection failed: %v", err)
		}
		d.setFileStatus(ctx, file, models.FileErrorProcessing, msg)
		return msg
	}

	backend, err := d.storages.Get(storage.Kind(file.StorageKind))
	if err != nil {
		d.setFileStatus(ctx, file, models.FileErrorProcessing, err.Error())
		return err.Error()
	}
	content, err := backend.Download(ctx, file.Location)
	if err != nil {
		msg := fmt.Sprintf("failed to download file content: %v", err)
		d.setFileStatus(ctx, file, models.FileErrorProcessing, msg)
		return msg
	}
	defer content.Close()

	d.setFileStatus(ctx, file, models.FileValidating, "")
	d.log.Info().Str("job_id", job.ID).Str("file", file.OriginalFileName).
		Str("plugin", plugin.Name()).Msg("validating file")

	outcome, err := plugin.Execute(ctx, content, file.OriginalFileName)
	if err != nil {
		msg := fmt.Sprintf("validator %s failed: %v", plugin.Name(), err)
		d.setFileStatus(ctx, file, models.FileErrorProcessing, msg)
		return msg
	}

	d.storeLogs(ctx, job, file, outcome)

	if outcome.Status == validator.StatusCompleted {
		d.setFileStatus(ctx, file, models.FileValid, outcome.Message)
		return ""
	}
	d.setFileStatus(ctx, file, models.FileInvalid, outcome.Message)
	if outcome.Message != "" {
		return outcome.Message
	}
	return fmt.Sprintf("validator %s reported %s", plugin.Name(), outcome.Status)
}

// storeLogs uploads each named log from the outcome and records a log row.
// A log that fails to store is skipped; it never fails the file. Writes are
// detached from cancellation so a shutdown arriving during the validator run
// does not lose the logs of a finished execution.
func (d *Dispatcher) storeLogs(ctx context.Context, job *models.ValidationJob, file *models.ValidationJobFile, outcome *validator.Outcome) {
	if len(outcome.Logs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	backend, err := d.storages.Get(storage.Kind(file.StorageKind))
	if err != nil {
		d.log.Warn().Err(err).Uint("file_id", file.ID).Msg("cannot store validation logs")
		return
	}
	for name, content := range outcome.Logs {
		location := logLocation(job.ID, file.ID, name)
		if err := backend.Upload(ctx, location, strings.NewReader(content)); err != nil {
			d.log.Warn().Err(err).Str("log", name).Uint("file_id", file.ID).Msg("failed to upload validation log")
			continue
		}
		row := &models.ValidationJobLog{
			ID:          uuid.NewString(),
			FileID:      file.ID,
			LogName:     name,
			Location:    location,
			StorageKind: file.StorageKind,
		}
		if err := d.db.WithContext(ctx).Create(row).Error; err != nil {
			d.log.Warn().Err(err).Str("log", name).Uint("file_id", file.ID).Msg("failed to record validation log")
		}
	}
}

// finalize re-reads the files and sets the terminal job status. The fresh
// read guards against state changed underneath while validators ran.
func (d *Dispatcher) finalize(ctx context.Context, job *models.ValidationJob) error {
	ctx = context.WithoutCancel(ctx)
	var files []models.ValidationJobFile
	if err := d.db.WithContext(ctx).Where("job_id = ?", job.ID).Order("id").Find(&files).Error; err != nil {
		return fmt.Errorf("failed to re-read job files: %w", err)
	}

	var failing []string
	for i := range files {
		if files[i].Status != models.FileValid {
			failing = append(failing, fmt.Sprintf("%s (%s)", files[i].OriginalFileName, files[i].Status))
		}
	}
	if len(failing) > 0 {
		return markJobFailed(ctx, d.db, job, "not all files are valid: "+strings.Join(failing, ", "))
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":       models.JobCompleted,
		"completed_at": now,
	}
	if err := d.db.WithContext(ctx).Model(job).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	d.log.Info().Str("job_id", job.ID).Msg("job completed")
	return nil
}

// setFileStatus persists a file transition. The write is detached from
// cancellation: once a validator run produced a verdict, that verdict must
// land in the database even while shutting down.
func (d *Dispatcher) setFileStatus(ctx context.Context, file *models.ValidationJobFile, next models.FileStatus, result string) {
	if file.Status == next {
		return
	}
	if !file.Status.CanTransition(next) {
		d.log.Error().Uint("file_id", file.ID).
			Str("from", string(file.Status)).Str("to", string(next)).
			Msg("illegal file status transition rejected")
		return
	}
	ctx = context.WithoutCancel(ctx)
	updates := map[string]any{"status": next}
	if result != "" {
		updates["validation_result"] = result
	}
	if err := d.db.WithContext(ctx).Model(file).Updates(updates).Error; err != nil {
		d.log.Error().Err(err).Uint("file_id", file.ID).Msg("failed to persist file status")
		return
	}
	file.Status = next
	if result != "" {
		file.ValidationResult = result
	}
}
