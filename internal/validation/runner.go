package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"geodelivery/api/internal/metrics"
	"geodelivery/api/internal/models"
)

// Notifier receives job status change events, e.g. for pushing updates to
// connected websocket clients.
type Notifier interface {
	NotifyJobStatus(jobID string, status models.JobStatus)
}

type noopNotifier struct{}

func (noopNotifier) NotifyJobStatus(string, models.JobStatus) {}

// Runner is the background loop driving the validation pipeline. One runner
// instance per deployment; concurrent runners against the same database would
// double-process jobs.
type Runner struct {
	db         *gorm.DB
	reconciler *ScanReconciler
	dispatcher *Dispatcher
	notifier   Notifier
	interval   time.Duration
	log        zerolog.Logger
}

func NewRunner(db *gorm.DB, reconciler *ScanReconciler, dispatcher *Dispatcher, notifier Notifier, interval time.Duration, logger zerolog.Logger) *Runner {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Runner{
		db:         db,
		reconciler: reconciler,
		dispatcher: dispatcher,
		notifier:   notifier,
		interval:   interval,
		log:        logger.With().Str("component", "runner").Logger(),
	}
}

// Run polls for actionable jobs until ctx is cancelled. Each cycle processes
// jobs sequentially, oldest first, one job end-to-end before the next.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info().Dur("interval", r.interval).Msg("validation runner started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("validation runner stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle lists all actionable jobs and processes each one. Exposed for
// tests and for triggering an immediate pass.
func (r *Runner) RunCycle(ctx context.Context) {
	start := time.Now()

	var jobs []models.ValidationJob
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.JobStatus{
			models.JobQueued,
			models.JobAwaitingVirusScanResults,
			models.JobAwaitingValidation,
			models.JobValidating,
		}).
		Order("created_at").
		Find(&jobs).Error
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list actionable jobs")
		return
	}
	metrics.JobsActive.Set(float64(len(jobs)))

	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		r.processJob(ctx, &jobs[i])
	}

	metrics.RunnerCycles.Inc()
	metrics.RunnerCycleDuration.Observe(time.Since(start).Seconds())
}

// processJob runs one job through reconciliation and, if eligible, dispatch.
// Any error or panic fails this job only; the loop moves on.
func (r *Runner) processJob(ctx context.Context, job *models.ValidationJob) {
	before := job.Status

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("job_id", job.ID).Interface("panic", rec).Msg("panic while processing job")
			r.failJob(ctx, job, fmt.Sprintf("internal error: %v", rec))
		}
		r.observe(ctx, job, before)
	}()

	if job.MandateID == nil {
		r.failJob(ctx, job, "job has no mandate assigned")
		return
	}

	if job.Status == models.JobQueued || job.Status == models.JobAwaitingVirusScanResults {
		if err := r.reconciler.ProcessJob(ctx, job.ID); err != nil {
			r.log.Error().Err(err).Str("job_id", job.ID).Msg("scan reconciliation failed")
			r.failJob(ctx, job, fmt.Sprintf("scan reconciliation failed: %v", err))
			return
		}
		r.refresh(ctx, job)
	}

	if job.Status == models.JobAwaitingValidation || job.Status == models.JobValidating {
		if err := r.dispatcher.ProcessJob(ctx, job.ID); err != nil {
			r.log.Error().Err(err).Str("job_id", job.ID).Msg("validation dispatch failed")
			r.failJob(ctx, job, fmt.Sprintf("validation dispatch failed: %v", err))
			return
		}
		r.refresh(ctx, job)
	}
}

// observe publishes status-change notifications and terminal-outcome metrics.
func (r *Runner) observe(ctx context.Context, job *models.ValidationJob, before models.JobStatus) {
	r.refresh(ctx, job)
	if job.Status == before {
		return
	}
	r.notifier.NotifyJobStatus(job.ID, job.Status)
	if job.Status.Terminal() {
		metrics.JobsProcessed.WithLabelValues(string(job.Status)).Inc()
		r.countFiles(ctx, job.ID)
	}
}

func (r *Runner) countFiles(ctx context.Context, jobID string) {
	type row struct {
		Status models.FileStatus
		N      int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.ValidationJobFile{}).
		Select("status, count(*) as n").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return
	}
	for _, rw := range rows {
		metrics.FilesValidated.WithLabelValues(string(rw.Status)).Add(float64(rw.N))
	}
}

func (r *Runner) refresh(ctx context.Context, job *models.ValidationJob) {
	var fresh models.ValidationJob
	if err := r.db.WithContext(ctx).First(&fresh, "id = ?", job.ID).Error; err != nil {
		r.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to refresh job")
		return
	}
	*job = fresh
}

func (r *Runner) failJob(ctx context.Context, job *models.ValidationJob, reason string) {
	if err := markJobFailed(ctx, r.db, job, reason); err != nil {
		r.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job failed")
	}
}
