package models

import (
	"time"

	"gorm.io/gorm"
)

// ValidationJob represents one user-initiated request to validate a batch of
// uploaded files. Status transitions are driven by the background runner.
type ValidationJob struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Status        JobStatus  `gorm:"not null;type:varchar(50);default:'Pending';index" json:"status"`
	MandateID     *uint      `gorm:"index" json:"mandate_id"`
	FailureReason string     `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at"`

	Mandate *Mandate            `gorm:"foreignKey:MandateID" json:"mandate,omitempty"`
	Files   []ValidationJobFile `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"files,omitempty"`
}

func (ValidationJob) TableName() string {
	return "validation_jobs"
}

// ValidationJobFile represents a single uploaded artifact belonging to a job.
// The Location is a storage-backend-specific opaque string; StorageKind names
// the backend that holds the content.
type ValidationJobFile struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	JobID            string     `gorm:"not null;type:varchar(36);index;index:idx_job_files_job_status,priority:1" json:"job_id"`
	OriginalFileName string     `gorm:"not null;type:varchar(255)" json:"original_file_name"`
	Location         string     `gorm:"not null;type:varchar(1000)" json:"location"`
	StorageKind      string     `gorm:"not null;type:varchar(50)" json:"storage_kind"`
	Status           FileStatus `gorm:"not null;type:varchar(50);default:'Pending';index:idx_job_files_job_status,priority:2" json:"status"`
	ValidationResult string     `gorm:"type:text" json:"validation_result,omitempty"`
	UploadedAt       *time.Time `json:"uploaded_at"`
	FileSizeBytes    *int64     `json:"file_size_bytes"`
	CreatedAt        time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	Logs []ValidationJobLog `gorm:"foreignKey:FileID;constraint:OnDelete:CASCADE" json:"logs,omitempty"`
}

func (ValidationJobFile) TableName() string {
	return "validation_job_files"
}

// ValidationJobLog is a named log artifact produced by a validator run.
// Immutable once created; retrieved by id for download.
type ValidationJobLog struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	FileID      uint      `gorm:"not null;index" json:"file_id"`
	LogName     string    `gorm:"not null;type:varchar(100)" json:"log_name"`
	Location    string    `gorm:"not null;type:varchar(1000)" json:"location"`
	StorageKind string    `gorm:"not null;type:varchar(50)" json:"storage_kind"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

func (ValidationJobLog) TableName() string {
	return "validation_job_logs"
}

// Mandate is the policy context a job is validated under. Authoring and
// administration of mandates happen outside this service; the pipeline only
// needs existence checks and the extension hint for validator selection.
type Mandate struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"not null;type:varchar(255)" json:"name"`
	FileExtensions string    `gorm:"type:jsonb" json:"file_extensions"` // JSON array
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Mandate) TableName() string {
	return "mandates"
}

// Migrate runs database migrations.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Mandate{},
		&ValidationJob{},
		&ValidationJobFile{},
		&ValidationJobLog{},
	)
}
