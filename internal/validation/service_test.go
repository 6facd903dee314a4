package validation

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"geodelivery/api/internal/models"
	"geodelivery/api/internal/storage"
)

func newTestService(t *testing.T) (*JobService, *pipeline) {
	t.Helper()
	p := newPipeline(t)
	registry := storage.NewRegistry(p.backend)
	svc := NewJobService(p.db, registry, storage.KindAzure, time.Hour, zerolog.Nop())
	return svc, p
}

func seedMandate(t *testing.T, p *pipeline) *models.Mandate {
	t.Helper()
	mandate := &models.Mandate{Name: "cadastre", FileExtensions: `[".xtf"]`}
	if err := p.db.Create(mandate).Error; err != nil {
		t.Fatalf("failed to create mandate: %v", err)
	}
	return mandate
}

func TestCreateJobAndAddFiles(t *testing.T) {
	svc, p := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Status != models.JobPending {
		t.Errorf("expected new job Pending, got %s", job.Status)
	}

	uploads, err := svc.AddFiles(ctx, job.ID, []string{"a.xtf", "b.xtf", "a.xtf", " "})
	if err != nil {
		t.Fatalf("AddFiles failed: %v", err)
	}
	if len(uploads) != 2 {
		t.Fatalf("expected duplicates and blanks dropped, got %d uploads", len(uploads))
	}
	for _, u := range uploads {
		if u.UploadURL == "" {
			t.Errorf("expected presigned URL for %s", u.File.OriginalFileName)
		}
		if !strings.HasPrefix(u.File.Location, "validation-jobs/"+job.ID+"/") {
			t.Errorf("unexpected location %q", u.File.Location)
		}
	}

	got := p.reloadJob(t, job.ID)
	if len(got.Files) != 2 {
		t.Errorf("expected 2 file rows, got %d", len(got.Files))
	}
}

func TestAddFilesSanitizesPaths(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	uploads, err := svc.AddFiles(ctx, job.ID, []string{"../../etc/passwd", `C:\temp\evil.xtf`})
	if err != nil {
		t.Fatalf("AddFiles failed: %v", err)
	}
	for _, u := range uploads {
		if strings.Contains(u.File.OriginalFileName, "/") || strings.Contains(u.File.OriginalFileName, "\\") {
			t.Errorf("file name %q still contains path separators", u.File.OriginalFileName)
		}
	}
}

func TestAddFilesUnknownJob(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.AddFiles(context.Background(), uuid.NewString(), []string{"a.xtf"})
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStartValidations(t *testing.T) {
	svc, p := newTestService(t)
	ctx := context.Background()
	mandate := seedMandate(t, p)

	t.Run("unknown job", func(t *testing.T) {
		err := svc.Start(ctx, uuid.NewString(), mandate.ID)
		if !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("empty job stays pending", func(t *testing.T) {
		job, err := svc.CreateJob(ctx)
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if err := svc.Start(ctx, job.ID, mandate.ID); !errors.Is(err, ErrEmptyJob) {
			t.Fatalf("expected ErrEmptyJob, got %v", err)
		}
		got := p.reloadJob(t, job.ID)
		if got.Status != models.JobPending {
			t.Errorf("expected job to stay Pending, got %s", got.Status)
		}
	})

	t.Run("unknown mandate", func(t *testing.T) {
		job, err := svc.CreateJob(ctx)
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if _, err := svc.AddFiles(ctx, job.ID, []string{"a.xtf"}); err != nil {
			t.Fatalf("AddFiles failed: %v", err)
		}
		if err := svc.Start(ctx, job.ID, 9999); !errors.Is(err, ErrUnknownMandate) {
			t.Fatalf("expected ErrUnknownMandate, got %v", err)
		}
	})

	t.Run("mandate rejects extension", func(t *testing.T) {
		job, err := svc.CreateJob(ctx)
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if _, err := svc.AddFiles(ctx, job.ID, []string{"picture.png"}); err != nil {
			t.Fatalf("AddFiles failed: %v", err)
		}
		if err := svc.Start(ctx, job.ID, mandate.ID); !errors.Is(err, ErrUnsupportedFileType) {
			t.Fatalf("expected ErrUnsupportedFileType, got %v", err)
		}
		got := p.reloadJob(t, job.ID)
		if got.Status != models.JobPending {
			t.Errorf("expected job to stay Pending, got %s", got.Status)
		}
	})

	t.Run("success then not restartable", func(t *testing.T) {
		job, err := svc.CreateJob(ctx)
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if _, err := svc.AddFiles(ctx, job.ID, []string{"a.xtf"}); err != nil {
			t.Fatalf("AddFiles failed: %v", err)
		}
		if err := svc.Start(ctx, job.ID, mandate.ID); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		got := p.reloadJob(t, job.ID)
		if got.Status != models.JobQueued {
			t.Fatalf("expected job Queued, got %s", got.Status)
		}
		if got.MandateID == nil || *got.MandateID != mandate.ID {
			t.Errorf("expected mandate %d on job, got %v", mandate.ID, got.MandateID)
		}
		if err := svc.Start(ctx, job.ID, mandate.ID); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState on second start, got %v", err)
		}
		if _, err := svc.AddFiles(ctx, job.ID, []string{"late.xtf"}); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState adding files after start, got %v", err)
		}
	})
}

func TestStartLosingCompareAndSetFails(t *testing.T) {
	svc, p := newTestService(t)
	ctx := context.Background()
	mandate := seedMandate(t, p)

	job, err := svc.CreateJob(ctx)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := svc.AddFiles(ctx, job.ID, []string{"a.xtf"}); err != nil {
		t.Fatalf("AddFiles failed: %v", err)
	}

	// Another instance queued the job between this instance's status check
	// and its conditional update.
	if err := p.db.Model(&models.ValidationJob{}).Where("id = ?", job.ID).
		Update("status", models.JobQueued).Error; err != nil {
		t.Fatalf("failed to steal the job: %v", err)
	}

	if err := svc.queueJob(ctx, job.ID, mandate.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for lost compare-and-set, got %v", err)
	}
}

func TestLogContentDownload(t *testing.T) {
	svc, p := newTestService(t)
	ctx := context.Background()

	job := p.seedJob(t, "parcels.xtf")
	got := p.reloadJob(t, job.ID)
	file := got.Files[0]

	location := logLocation(job.ID, file.ID, "xtf-log")
	if err := p.backend.Upload(ctx, location, strings.NewReader("log body")); err != nil {
		t.Fatalf("failed to store log: %v", err)
	}
	logRow := &models.ValidationJobLog{
		ID: uuid.NewString(), FileID: file.ID,
		LogName: "xtf-log", Location: location, StorageKind: file.StorageKind,
	}
	if err := p.db.Create(logRow).Error; err != nil {
		t.Fatalf("failed to create log row: %v", err)
	}

	reader, name, err := svc.LogContent(ctx, logRow.ID)
	if err != nil {
		t.Fatalf("LogContent failed: %v", err)
	}
	defer reader.Close()

	// The download name keeps the full original file name, extension included.
	if name != "parcels.xtf_xtf-log.log" {
		t.Errorf("unexpected download name %q", name)
	}
	data, _ := io.ReadAll(reader)
	if string(data) != "log body" {
		t.Errorf("unexpected log content %q", data)
	}

	if _, _, err := svc.LogContent(ctx, uuid.NewString()); !errors.Is(err, ErrLogNotFound) {
		t.Fatalf("expected ErrLogNotFound, got %v", err)
	}
}
