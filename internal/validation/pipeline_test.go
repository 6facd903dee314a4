package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"geodelivery/api/internal/models"
	"geodelivery/api/internal/storage"
	"geodelivery/api/internal/validator"
)

func newTestDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		tb.Fatalf("failed to open test database: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		tb.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// fakeBackend is an in-memory storage.Backend with scriptable scan verdicts.
type fakeBackend struct {
	kind storage.Kind

	mu          sync.Mutex
	objects     map[string][]byte
	scans       map[string]storage.ScanResult
	scanErr     error
	downloadErr error
	uploadErr   error
}

func newFakeBackend(kind storage.Kind) *fakeBackend {
	return &fakeBackend{
		kind:    kind,
		objects: make(map[string][]byte),
		scans:   make(map[string]storage.ScanResult),
	}
}

func (f *fakeBackend) put(location string, content []byte, scan storage.ScanResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[location] = content
	f.scans[location] = scan
}

func (f *fakeBackend) Kind() storage.Kind { return f.kind }

func (f *fakeBackend) PresignUpload(_ context.Context, location string, _ time.Duration) (string, error) {
	return "https://uploads.example/" + location, nil
}

func (f *fakeBackend) Exists(_ context.Context, location string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[location]
	return ok, nil
}

func (f *fakeBackend) Download(_ context.Context, location string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	content, ok := f.objects[location]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (f *fakeBackend) Upload(_ context.Context, location string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[location] = content
	return nil
}

func (f *fakeBackend) GetProperties(_ context.Context, location string) (*storage.Properties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.objects[location]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.Properties{CreatedAt: time.Now().UTC(), SizeBytes: int64(len(content))}, nil
}

func (f *fakeBackend) GetScanTag(_ context.Context, location string) (storage.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return storage.ScanUnknown, f.scanErr
	}
	verdict, ok := f.scans[location]
	if !ok {
		return storage.ScanPending, nil
	}
	return verdict, nil
}

// fakePlugin is a scriptable validator.Plugin.
type fakePlugin struct {
	name       string
	extensions []string
	extErr     error
	execute    func(fileName string) (*validator.Outcome, error)

	mu       sync.Mutex
	executed []string
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) SupportedExtensions(context.Context) ([]string, error) {
	return p.extensions, p.extErr
}

func (p *fakePlugin) Execute(_ context.Context, _ io.Reader, fileName string) (*validator.Outcome, error) {
	p.mu.Lock()
	p.executed = append(p.executed, fileName)
	p.mu.Unlock()
	if p.execute != nil {
		return p.execute(fileName)
	}
	return &validator.Outcome{Status: validator.StatusCompleted, Message: "ok"}, nil
}

func (p *fakePlugin) executedFiles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.executed...)
}

type pipeline struct {
	db         *gorm.DB
	backend    *fakeBackend
	plugin     *fakePlugin
	reconciler *ScanReconciler
	dispatcher *Dispatcher
	runner     *Runner
}

func newPipeline(tb testing.TB) *pipeline {
	tb.Helper()
	db := newTestDB(tb)
	backend := newFakeBackend(storage.KindAzure)
	registry := storage.NewRegistry(backend)
	plugin := &fakePlugin{name: "fake", extensions: []string{".xtf", ".itf"}}

	validators := validator.NewRegistry(zerolog.Nop())
	validators.Register(plugin)

	reconciler := NewScanReconciler(db, registry, zerolog.Nop())
	dispatcher := NewDispatcher(db, registry, validators, zerolog.Nop())
	runner := NewRunner(db, reconciler, dispatcher, nil, time.Second, zerolog.Nop())
	return &pipeline{db: db, backend: backend, plugin: plugin, reconciler: reconciler, dispatcher: dispatcher, runner: runner}
}

// seedJob creates a Queued job under a fresh mandate with one file per name.
func (p *pipeline) seedJob(tb testing.TB, fileNames ...string) *models.ValidationJob {
	tb.Helper()
	mandate := &models.Mandate{Name: "test", FileExtensions: `[".xtf"]`}
	if err := p.db.Create(mandate).Error; err != nil {
		tb.Fatalf("failed to create mandate: %v", err)
	}
	job := &models.ValidationJob{ID: uuid.NewString(), Status: models.JobQueued, MandateID: &mandate.ID}
	if err := p.db.Create(job).Error; err != nil {
		tb.Fatalf("failed to create job: %v", err)
	}
	for _, name := range fileNames {
		file := &models.ValidationJobFile{
			JobID:            job.ID,
			OriginalFileName: name,
			Location:         fileLocation(job.ID, name),
			StorageKind:      string(storage.KindAzure),
			Status:           models.FilePending,
		}
		if err := p.db.Create(file).Error; err != nil {
			tb.Fatalf("failed to create file: %v", err)
		}
	}
	return job
}

func (p *pipeline) reloadJob(tb testing.TB, id string) *models.ValidationJob {
	tb.Helper()
	var job models.ValidationJob
	if err := p.db.Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Files.Logs").First(&job, "id = ?", id).Error; err != nil {
		tb.Fatalf("failed to reload job: %v", err)
	}
	return &job
}

func (p *pipeline) uploadAll(tb testing.TB, jobID string, scan storage.ScanResult) {
	tb.Helper()
	job := p.reloadJob(tb, jobID)
	for _, f := range job.Files {
		p.backend.put(f.Location, []byte("content of "+f.OriginalFileName), scan)
	}
}

func TestHappyPath(t *testing.T) {
	p := newPipeline(t)
	p.plugin.execute = func(string) (*validator.Outcome, error) {
		return &validator.Outcome{
			Status:  validator.StatusCompleted,
			Message: "all good",
			Logs:    map[string]string{"xtf-log": "log content"},
		}, nil
	}

	job := p.seedJob(t, "a.xtf")
	p.uploadAll(t, job.ID, storage.ScanClean)

	p.runner.RunCycle(context.Background())

	got := p.reloadJob(t, job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("expected job Completed, got %s (%s)", got.Status, got.FailureReason)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if got.Files[0].Status != models.FileValid {
		t.Errorf("expected file Valid, got %s", got.Files[0].Status)
	}
	if got.Files[0].UploadedAt == nil || got.Files[0].FileSizeBytes == nil {
		t.Error("expected uploadedAt and fileSizeBytes to be backfilled")
	}
	if len(got.Files[0].Logs) != 1 || got.Files[0].Logs[0].LogName != "xtf-log" {
		t.Fatalf("expected one xtf-log entry, got %+v", got.Files[0].Logs)
	}
	logContent, err := p.backend.Download(context.Background(), got.Files[0].Logs[0].Location)
	if err != nil {
		t.Fatalf("expected log content to be stored: %v", err)
	}
	defer logContent.Close()
	data, _ := io.ReadAll(logContent)
	if string(data) != "log content" {
		t.Errorf("unexpected stored log content %q", data)
	}
}

func TestInfectedFileFailsJobWithoutValidation(t *testing.T) {
	p := newPipeline(t)
	job := p.seedJob(t, "b.xtf")
	p.uploadAll(t, job.ID, storage.ScanInfected)

	p.runner.RunCycle(context.Background())

	got := p.reloadJob(t, job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("expected job Failed, got %s", got.Status)
	}
	if !strings.Contains(got.FailureReason, "infected") {
		t.Errorf("expected failure reason to mention infection, got %q", got.FailureReason)
	}
	if got.Files[0].Status != models.FileInfected {
		t.Errorf("expected file Infected, got %s", got.Files[0].Status)
	}
	if len(p.plugin.executedFiles()) != 0 {
		t.Error("validator must not run for infected files")
	}
}

func TestReconciliationIsIdempotentWhileScanPending(t *testing.T) {
	p := newPipeline(t)
	job := p.seedJob(t, "a.xtf")
	p.uploadAll(t, job.ID, storage.ScanPending)

	ctx := context.Background()
	if err := p.reconciler.ProcessJob(ctx, job.ID); err != nil {
		t.Fatalf("first reconciliation failed: %v", err)
	}
	first := p.reloadJob(t, job.ID)
	if first.Status != models.JobAwaitingVirusScanResults {
		t.Fatalf("expected AwaitingVirusScanResults, got %s", first.Status)
	}
	if first.Files[0].Status != models.FileAwaitingVirusScanResult {
		t.Fatalf("expected file AwaitingVirusScanResult, got %s", first.Files[0].Status)
	}

	if err := p.reconciler.ProcessJob(ctx, job.ID); err != nil {
		t.Fatalf("second reconciliation failed: %v", err)
	}
	second := p.reloadJob(t, job.ID)
	if second.Status != first.Status || second.Files[0].Status != first.Files[0].Status {
		t.Errorf("repeated reconciliation changed state: %s/%s -> %s/%s",
			first.Status, first.Files[0].Status, second.Status, second.Files[0].Status)
	}
	if !second.Files[0].UpdatedAt.Equal(first.Files[0].UpdatedAt) {
		t.Error("repeated reconciliation rewrote an unchanged file row")
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	p := newPipeline(t)
	p.plugin.execute = func(fileName string) (*validator.Outcome, error) {
		if fileName == "two.xtf" {
			return nil, errors.New("validator crashed")
		}
		return &validator.Outcome{Status: validator.StatusCompleted}, nil
	}

	job := p.seedJob(t, "one.xtf", "two.xtf", "three.xtf")
	p.uploadAll(t, job.ID, storage.ScanClean)

	ctx := context.Background()
	p.runner.RunCycle(ctx)

	got := p.reloadJob(t, job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("expected job Failed, got %s", got.Status)
	}
	byName := map[string]models.FileStatus{}
	for _, f := range got.Files {
		byName[f.OriginalFileName] = f.Status
	}
	if byName["one.xtf"] != models.FileValid || byName["three.xtf"] != models.FileValid {
		t.Errorf("expected files one and three Valid, got %v", byName)
	}
	if byName["two.xtf"] != models.FileErrorProcessing {
		t.Errorf("expected file two ErrorProcessing, got %v", byName)
	}
	if !strings.Contains(got.FailureReason, "two.xtf") {
		t.Errorf("expected failure reason to name two.xtf, got %q", got.FailureReason)
	}
	if strings.Contains(got.FailureReason, "one.xtf") || strings.Contains(got.FailureReason, "three.xtf") {
		t.Errorf("failure reason must only name failing files, got %q", got.FailureReason)
	}
}

func TestNoValidatorForExtension(t *testing.T) {
	p := newPipeline(t)
	job := p.seedJob(t, "c.zzz")
	p.uploadAll(t, job.ID, storage.ScanClean)

	p.runner.RunCycle(context.Background())

	got := p.reloadJob(t, job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("expected job Failed, got %s", got.Status)
	}
	if got.Files[0].Status != models.FileErrorProcessing {
		t.Errorf("expected file ErrorProcessing, got %s", got.Files[0].Status)
	}
	if !strings.Contains(got.Files[0].ValidationResult, "no validator") {
		t.Errorf("expected result to mention missing validator, got %q", got.Files[0].ValidationResult)
	}
}

func TestInvalidOutcomeFailsJob(t *testing.T) {
	p := newPipeline(t)
	p.plugin.execute = func(string) (*validator.Outcome, error) {
		return &validator.Outcome{Status: validator.StatusFailed, Message: "did not finish in time"}, nil
	}

	job := p.seedJob(t, "a.xtf")
	p.uploadAll(t, job.ID, storage.ScanClean)

	p.runner.RunCycle(context.Background())

	got := p.reloadJob(t, job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("expected job Failed, got %s", got.Status)
	}
	if got.Files[0].Status != models.FileInvalid {
		t.Errorf("expected file Invalid, got %s", got.Files[0].Status)
	}
	if !strings.Contains(got.FailureReason, "did not finish in time") {
		t.Errorf("expected failure reason to carry the outcome message, got %q", got.FailureReason)
	}
}

func TestDispatchInterruptedMidBatchResumes(t *testing.T) {
	p := newPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.plugin.execute = func(fileName string) (*validator.Outcome, error) {
		if fileName == "one.xtf" {
			// Shutdown arrives while the first file is being validated.
			cancel()
		}
		return &validator.Outcome{Status: validator.StatusCompleted}, nil
	}

	job := p.seedJob(t, "one.xtf", "two.xtf", "three.xtf")
	p.uploadAll(t, job.ID, storage.ScanClean)
	if err := p.reconciler.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}

	if err := p.dispatcher.ProcessJob(ctx, job.ID); err != nil {
		t.Fatalf("interrupted dispatch returned error: %v", err)
	}

	got := p.reloadJob(t, job.ID)
	if got.Status != models.JobValidating {
		t.Fatalf("expected interrupted job to stay Validating, got %s (%s)", got.Status, got.FailureReason)
	}
	byName := map[string]models.FileStatus{}
	for _, f := range got.Files {
		byName[f.OriginalFileName] = f.Status
	}
	if byName["one.xtf"] != models.FileValid {
		t.Errorf("expected finished file to keep its verdict, got %s", byName["one.xtf"])
	}
	if byName["two.xtf"] != models.FileClean || byName["three.xtf"] != models.FileClean {
		t.Errorf("untouched files must stay Clean for the next run, got %v", byName)
	}

	// Restart: the runner picks the Validating job back up and finishes it.
	p.plugin.execute = nil
	p.runner.RunCycle(context.Background())

	got = p.reloadJob(t, job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("expected resumed job Completed, got %s (%s)", got.Status, got.FailureReason)
	}
	for _, f := range got.Files {
		if f.Status != models.FileValid {
			t.Errorf("expected %s Valid after resume, got %s", f.OriginalFileName, f.Status)
		}
	}
}

func TestMissingUploadFailsFile(t *testing.T) {
	p := newPipeline(t)
	job := p.seedJob(t, "never-uploaded.xtf")

	p.runner.RunCycle(context.Background())

	got := p.reloadJob(t, job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("expected job Failed, got %s", got.Status)
	}
	if got.Files[0].Status != models.FileErrorProcessing {
		t.Errorf("expected file ErrorProcessing, got %s", got.Files[0].Status)
	}
}

func TestNonScannableBackendIsOptimisticallyClean(t *testing.T) {
	db := newTestDB(t)
	backend := newFakeBackend(storage.KindLocal)
	registry := storage.NewRegistry(&unscannableBackend{backend})
	reconciler := NewScanReconciler(db, registry, zerolog.Nop())

	mandate := &models.Mandate{Name: "test"}
	if err := db.Create(mandate).Error; err != nil {
		t.Fatalf("failed to create mandate: %v", err)
	}
	job := &models.ValidationJob{ID: uuid.NewString(), Status: models.JobQueued, MandateID: &mandate.ID}
	if err := db.Create(job).Error; err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	file := &models.ValidationJobFile{
		JobID: job.ID, OriginalFileName: "a.xtf",
		Location: "validation-jobs/a.xtf", StorageKind: string(storage.KindLocal),
		Status: models.FilePending,
	}
	if err := db.Create(file).Error; err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	backend.put(file.Location, []byte("data"), storage.ScanPending)

	if err := reconciler.ProcessJob(context.Background(), job.ID); err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}

	var got models.ValidationJobFile
	if err := db.First(&got, "id = ?", file.ID).Error; err != nil {
		t.Fatalf("failed to reload file: %v", err)
	}
	if got.Status != models.FileClean {
		t.Errorf("expected file Clean on non-scannable backend, got %s", got.Status)
	}
}

// unscannableBackend wraps a fakeBackend but reports no scanner support.
type unscannableBackend struct {
	*fakeBackend
}

func (u *unscannableBackend) GetScanTag(context.Context, string) (storage.ScanResult, error) {
	return storage.ScanUnknown, storage.ErrScanUnsupported
}

func TestRunnerFailsJobWithoutMandate(t *testing.T) {
	p := newPipeline(t)
	job := &models.ValidationJob{ID: uuid.NewString(), Status: models.JobQueued}
	if err := p.db.Create(job).Error; err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	p.runner.RunCycle(context.Background())

	got := p.reloadJob(t, job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("expected job Failed, got %s", got.Status)
	}
	if !strings.Contains(got.FailureReason, "mandate") {
		t.Errorf("expected failure reason to mention mandate, got %q", got.FailureReason)
	}
}

func TestRunnerNotifiesStatusChanges(t *testing.T) {
	p := newPipeline(t)
	notifier := &recordingNotifier{}
	p.runner.notifier = notifier

	job := p.seedJob(t, "a.xtf")
	p.uploadAll(t, job.ID, storage.ScanClean)

	p.runner.RunCycle(context.Background())

	events := notifier.events()
	if len(events) == 0 {
		t.Fatal("expected at least one notification")
	}
	last := events[len(events)-1]
	if last.jobID != job.ID || last.status != models.JobCompleted {
		t.Errorf("expected final notification Completed for %s, got %+v", job.ID, last)
	}
}

type notifierEvent struct {
	jobID  string
	status models.JobStatus
}

type recordingNotifier struct {
	mu     sync.Mutex
	record []notifierEvent
}

func (r *recordingNotifier) NotifyJobStatus(jobID string, status models.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record = append(r.record, notifierEvent{jobID: jobID, status: status})
}

func (r *recordingNotifier) events() []notifierEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifierEvent(nil), r.record...)
}
