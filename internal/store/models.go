package store

import "time"

// Run kinds.
const (
	KindSync   = "sync"
	KindVerify = "verify"
	KindUpdate = "update"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Run records one reconciliation or update execution
type Run struct {
	ID               int64
	Kind             string // "sync", "verify", "update"
	Label            string // release label the run reconciled against
	CDN              string
	RootDir          string
	DryRun           bool
	StartTime        time.Time
	EndTime          time.Time
	FilesTotal       int
	FilesVerified    int // already correct on disk
	FilesRepaired    int // transferred and verified
	FilesFailed      int
	FilesSkipped     int
	BytesTransferred int64
	Status           string // "running", "success", "partial", "failed"
	ErrorMessage     string
}

// FileRecord is the last verified state of one file under a root
type FileRecord struct {
	ID           int64
	RootDir      string
	Path         string // manifest key, relative to RootDir
	Digest       string
	Size         int64
	LastVerified time.Time
	RunID        int64
}

// FailedFileRecord is a dead letter queue entry for a file that ended a
// run unverified
type FailedFileRecord struct {
	ID             int64
	RootDir        string
	FilePath       string
	URL            string
	ExpectedDigest string
	Error          string
	Attempts       int // transfer attempts in the most recent failing run
	RetryCount     int // runs that failed this file again after the first
	FirstFailure   time.Time
	LastFailure    time.Time
	Resolved       bool
}
