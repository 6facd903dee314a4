package models

// JobStatus describes the lifecycle of a whole validation job, i.e. the
// state of the entire collection of files.
type JobStatus string

const (
	// JobPending accepts file additions; the client has not called start yet.
	JobPending JobStatus = "Pending"
	// JobQueued means start was called and the job waits for the background runner.
	JobQueued JobStatus = "Queued"
	// JobAwaitingVirusScanResults means at least one file still waits for a scan verdict.
	JobAwaitingVirusScanResults JobStatus = "AwaitingVirusScanResults"
	// JobAwaitingValidation means every file was scanned clean and format validation can begin.
	JobAwaitingValidation JobStatus = "AwaitingValidation"
	// JobValidating means format validation is running on one or more files.
	JobValidating JobStatus = "Validating"
	// JobCompleted means every file ended up Valid.
	JobCompleted JobStatus = "Completed"
	// JobFailed means at least one file was infected, invalid or errored,
	// or a processing error aborted the job. See ValidationJob.FailureReason.
	JobFailed JobStatus = "Failed"
)

// FileStatus describes the lifecycle of a single file within a job.
type FileStatus string

const (
	FilePending                 FileStatus = "Pending"
	FileAwaitingVirusScanResult FileStatus = "AwaitingVirusScanResult"
	FileClean                   FileStatus = "Clean"
	FileValidating              FileStatus = "Validating"
	FileValid                   FileStatus = "Valid"
	FileInvalid                 FileStatus = "Invalid"
	FileInfected                FileStatus = "Infected"
	FileErrorProcessing         FileStatus = "ErrorProcessing"
)

// jobTransitions lists the allowed forward transitions for a job. JobFailed is
// additionally reachable from every non-terminal state as a fail-safe escape
// hatch, handled in JobStatus.CanTransition.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:                  {JobQueued},
	JobQueued:                   {JobAwaitingVirusScanResults},
	JobAwaitingVirusScanResults: {JobAwaitingValidation},
	JobAwaitingValidation:       {JobValidating},
	JobValidating:               {JobCompleted},
}

var fileTransitions = map[FileStatus][]FileStatus{
	FilePending:                 {FileAwaitingVirusScanResult, FileClean},
	FileAwaitingVirusScanResult: {FileClean},
	FileClean:                   {FileValidating},
	FileValidating:              {FileValid, FileInvalid},
}

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == JobFailed {
		return true
	}
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the file status is final.
func (s FileStatus) Terminal() bool {
	switch s {
	case FileValid, FileInvalid, FileInfected, FileErrorProcessing:
		return true
	}
	return false
}

// CanTransition reports whether a file may move from s to next. Infected and
// ErrorProcessing absorb from any non-terminal state; all other transitions
// only move forward through the lattice.
func (s FileStatus) CanTransition(next FileStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == FileInfected || next == FileErrorProcessing {
		return true
	}
	for _, allowed := range fileTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
