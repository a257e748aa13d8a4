package engine

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/BadgerOps/gamesync/internal/metrics"
	"github.com/BadgerOps/gamesync/internal/store"
)

// recorder writes run history and metrics. History is informational: store
// errors are logged and never change the outcome of a run. A nil store
// records metrics only, and so do dry runs, which never write to disk.
type recorder struct {
	store  *store.Store
	logger *slog.Logger
}

func (h recorder) begin(kind, label, cdn, rootDir string, dryRun bool) *store.Run {
	run := &store.Run{
		Kind:      kind,
		Label:     label,
		CDN:       cdn,
		RootDir:   rootDir,
		DryRun:    dryRun,
		StartTime: time.Now(),
		Status:    store.StatusRunning,
	}
	if h.store == nil || dryRun {
		return run
	}
	if err := h.store.CreateRun(run); err != nil {
		h.logger.Warn("failed to record run start", "kind", kind, "root", rootDir, "error", err)
	}
	return run
}

// finish closes run with the counts from files (nil when no per-file pass
// happened). extraBytes covers transfers outside the per-file pass.
func (h recorder) finish(run *store.Run, files *Report, extraBytes int64, runErr error) {
	if run == nil {
		return
	}
	run.EndTime = time.Now()
	run.BytesTransferred = extraBytes
	if files != nil {
		if files.Label != "" {
			run.Label = files.Label
		}
		run.FilesTotal = len(files.Files)
		run.FilesVerified = files.Count(FileVerified)
		run.FilesRepaired = files.Count(FileRepaired)
		run.FilesSkipped = files.Count(FileSkipped)
		run.FilesFailed = run.FilesTotal - run.FilesVerified - run.FilesRepaired - run.FilesSkipped
		run.BytesTransferred += files.BytesTransferred()
	}
	run.Status = runStatus(run, runErr)
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	} else if run.FilesFailed > 0 {
		run.ErrorMessage = pluralFiles(run.FilesFailed) + " unverified"
	}

	metrics.Runs.WithLabelValues(run.Kind, run.Status).Inc()
	metrics.RunDuration.WithLabelValues(run.Kind).Observe(run.EndTime.Sub(run.StartTime).Seconds())

	if h.store == nil || run.ID == 0 {
		return
	}
	if err := h.store.UpdateRun(run); err != nil {
		h.logger.Warn("failed to record run result", "run_id", run.ID, "error", err)
	}
}

func runStatus(run *store.Run, runErr error) string {
	switch {
	case runErr != nil:
		return store.StatusFailed
	case run.FilesFailed == 0:
		return store.StatusSuccess
	case run.FilesVerified+run.FilesRepaired > 0:
		return store.StatusPartial
	default:
		return store.StatusFailed
	}
}

func pluralFiles(n int) string {
	if n == 1 {
		return "1 file"
	}
	return strconv.Itoa(n) + " files"
}

func (h recorder) fileVerified(runID int64, rootDir, path, digest string, size int64) {
	rec := &store.FileRecord{
		RootDir:      rootDir,
		Path:         path,
		Digest:       digest,
		Size:         size,
		LastVerified: time.Now(),
		RunID:        runID,
	}
	if err := h.store.UpsertFileRecord(rec); err != nil {
		h.logger.Warn("failed to record verified file", "path", path, "error", err)
	}
	closed, err := h.store.ResolveFailedPath(rootDir, path)
	if err != nil {
		h.logger.Warn("failed to resolve dead-letter entry", "path", path, "error", err)
	} else if closed {
		h.logger.Info("previously failed file now verified", "path", path)
	}
}

func (h recorder) fileFailed(rootDir, path, url, digest string, attempts int, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	rec := &store.FailedFileRecord{
		RootDir:        rootDir,
		FilePath:       path,
		URL:            url,
		ExpectedDigest: digest,
		Error:          msg,
		Attempts:       attempts,
		LastFailure:    time.Now(),
	}
	if err := h.store.AddFailedFile(rec); err != nil {
		h.logger.Warn("failed to record dead-letter entry", "path", path, "error", err)
	}
}

func fileMetric(status FileStatus) {
	metrics.Files.WithLabelValues(string(status)).Inc()
}
