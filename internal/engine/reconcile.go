// Package engine reconciles a local tree against a release manifest and runs
// the full-bundle update flow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/BadgerOps/gamesync/internal/checksum"
	"github.com/BadgerOps/gamesync/internal/download"
	"github.com/BadgerOps/gamesync/internal/manifest"
	"github.com/BadgerOps/gamesync/internal/progress"
	"github.com/BadgerOps/gamesync/internal/rootlock"
	"github.com/BadgerOps/gamesync/internal/safety"
	"github.com/BadgerOps/gamesync/internal/store"
)

// FileStatus is the final state of one manifest entry in a run.
type FileStatus string

const (
	FileVerified   FileStatus = "verified"   // already correct on disk
	FileRepaired   FileStatus = "repaired"   // transferred and verified
	FileMissing    FileStatus = "missing"    // dry run: absent locally
	FileMismatched FileStatus = "mismatched" // dry run: present with another digest
	FileFailed     FileStatus = "failed"
	FileSkipped    FileStatus = "skipped"
)

// Status lines printed for each file.
const (
	msgVerified    = "File exists and is verified"
	msgNotVerified = "File not verified"
	msgDownloading = "Downloading"
	msgDownloaded  = "Downloaded"
	msgError       = "Error downloading"
)

// FileResult is the outcome for one manifest entry.
type FileResult struct {
	Path     string
	Status   FileStatus
	Attempts int
	Bytes    int64 // size on disk after a transfer
	Digest   string
	Err      error
}

// OK reports whether the file ended verified, repaired or skipped.
func (f FileResult) OK() bool {
	switch f.Status {
	case FileVerified, FileRepaired, FileSkipped:
		return true
	}
	return false
}

// Report summarises one reconciliation pass.
type Report struct {
	RunID     int64
	Label     string
	RootDir   string
	DryRun    bool
	Files     []FileResult
	StartTime time.Time
	Duration  time.Duration
}

// AllVerified is true when every file ends verified or repaired. Skipped
// entries do not count against it.
func (r *Report) AllVerified() bool {
	for _, f := range r.Files {
		if !f.OK() {
			return false
		}
	}
	return true
}

// Count returns how many files ended with status s.
func (r *Report) Count(s FileStatus) int {
	n := 0
	for _, f := range r.Files {
		if f.Status == s {
			n++
		}
	}
	return n
}

// Unverified lists the files that did not end verified or repaired.
func (r *Report) Unverified() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if !f.OK() {
			out = append(out, f)
		}
	}
	return out
}

// BytesTransferred sums the on-disk size of repaired files.
func (r *Report) BytesTransferred() int64 {
	var n int64
	for _, f := range r.Files {
		if f.Status == FileRepaired {
			n += f.Bytes
		}
	}
	return n
}

// Deps are the collaborators a Reconciler drives. Store and Observer are
// optional.
type Deps struct {
	Hasher   *checksum.Hasher
	Client   *download.Client
	Store    *store.Store
	Observer progress.Observer
}

// Options tune a single Reconcile call.
type Options struct {
	DryRun      bool
	MaxAttempts int      // per-file cap, 0 uses the client default
	Workers     int      // >1 transfers distinct files concurrently
	SkipFiles   []string // exact paths or base-name patterns never reconciled
	Kind        string   // run kind recorded in history
	Label       string
	CDN         string

	// RunID attaches file history to a run owned by the caller. When zero
	// the Reconciler records its own run.
	RunID int64
	// LockHeld means the caller already holds the root lock.
	LockHeld bool
}

// Reconciler compares a local tree with a manifest and repairs it.
type Reconciler struct {
	hasher   *checksum.Hasher
	client   *download.Client
	observer progress.Observer
	history  recorder
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler. A nil Hasher falls back to the
// client's hasher.
func NewReconciler(deps Deps, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = progress.Discard
	}
	if deps.Hasher == nil && deps.Client != nil {
		deps.Hasher = deps.Client.Hasher()
	}
	if deps.Hasher == nil {
		deps.Hasher = checksum.New(checksum.MD5)
	}
	return &Reconciler{
		hasher:   deps.Hasher,
		client:   deps.Client,
		observer: deps.Observer,
		history:  recorder{store: deps.Store, logger: logger},
		logger:   logger,
	}
}

// task is a file that needs a transfer.
type task struct {
	index int
	entry manifest.Entry
	dest  string
	url   string
}

// Reconcile walks m in order and repairs every missing or mismatched file
// under rootDir from baseURL. Per-file failures are reported in the Report
// and never stop the walk. The error is non-nil only when the run could not
// start (root lock) or was cancelled; the Report is returned either way.
func (r *Reconciler) Reconcile(ctx context.Context, m manifest.Manifest, baseURL, rootDir string, opts Options) (report *Report, err error) {
	if opts.Kind == "" {
		opts.Kind = store.KindSync
	}
	report = &Report{
		RunID:     opts.RunID,
		Label:     opts.Label,
		RootDir:   rootDir,
		DryRun:    opts.DryRun,
		Files:     make([]FileResult, 0, len(m.Entries)),
		StartTime: time.Now(),
	}

	ownRun := opts.RunID == 0
	if ownRun {
		run := r.history.begin(opts.Kind, opts.Label, opts.CDN, rootDir, opts.DryRun)
		if run != nil {
			report.RunID = run.ID
		}
		defer func() {
			report.Duration = time.Since(report.StartTime)
			r.history.finish(run, report, 0, err)
		}()
	}

	if !opts.DryRun && !opts.LockHeld {
		lock, err := rootlock.Acquire(rootDir)
		if err != nil {
			return report, err
		}
		defer lock.Release()
	}

	if !opts.DryRun && r.client == nil {
		return report, fmt.Errorf("reconcile %s: no transfer client configured", rootDir)
	}

	r.logger.Info("reconciling", "root", rootDir, "base", baseURL, "entries", m.Len(), "dry_run", opts.DryRun)

	concurrent := opts.Workers > 1 && !opts.DryRun
	var queued []task
	var cancelErr error

	for i, entry := range m.Entries {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			for _, rest := range m.Entries[i:] {
				report.Files = append(report.Files, FileResult{Path: rest.Path, Status: FileFailed, Err: err})
			}
			break
		}

		res, t := r.check(entry, baseURL, rootDir, opts)
		report.Files = append(report.Files, res)
		if t == nil {
			r.settle(report.RunID, rootDir, res, "", entry.Digest)
			continue
		}
		t.index = i
		if concurrent {
			queued = append(queued, *t)
			continue
		}
		report.Files[i] = r.transfer(ctx, *t, opts)
		r.settle(report.RunID, rootDir, report.Files[i], t.url, entry.Digest)
	}

	if len(queued) > 0 {
		r.transferAll(ctx, queued, report, opts)
	}

	if cancelErr == nil {
		cancelErr = ctx.Err()
	}
	report.Duration = time.Since(report.StartTime)
	r.logger.Info("reconcile finished",
		"root", rootDir,
		"verified", report.Count(FileVerified),
		"repaired", report.Count(FileRepaired),
		"failed", report.Count(FileFailed),
		"all_verified", report.AllVerified(),
		"duration", report.Duration,
	)
	if cancelErr != nil {
		return report, fmt.Errorf("reconcile %s: %w", rootDir, cancelErr)
	}
	return report, nil
}

// check decides what to do with one entry. A nil task means the entry is
// settled without a transfer.
func (r *Reconciler) check(entry manifest.Entry, baseURL, rootDir string, opts Options) (FileResult, *task) {
	res := FileResult{Path: entry.Path}

	if skipped(entry.Path, opts.SkipFiles) {
		res.Status = FileSkipped
		r.logger.Debug("skipping manifest entry", "path", entry.Path)
		return res, nil
	}

	var dest string
	clean, err := safety.CleanRelativePath(entry.Path)
	if err == nil {
		dest, err = safety.SafeJoinUnder(rootDir, clean)
	}
	if err != nil {
		res.Status = FileFailed
		res.Err = fmt.Errorf("manifest entry %q: %w", entry.Path, err)
		r.logger.Warn("rejecting unsafe manifest path", "path", entry.Path, "error", err)
		r.notify(progress.Event{Phase: progress.PhaseFileFailed, Path: entry.Path, Message: msgNotVerified})
		return res, nil
	}

	r.notify(progress.Event{Phase: progress.PhaseChecking, Path: entry.Path})
	status, actual, err := r.hasher.Check(dest, entry.Digest)
	if err != nil {
		r.logger.Warn("cannot digest local file", "path", entry.Path, "error", err)
	}
	res.Digest = actual

	if status == checksum.StatusVerified {
		res.Status = FileVerified
		r.notify(progress.Event{Phase: progress.PhaseFileDone, Path: entry.Path, Message: msgVerified})
		return res, nil
	}

	if opts.DryRun {
		res.Status = FileMismatched
		if status == checksum.StatusMissing {
			res.Status = FileMissing
		}
		res.Err = err
		r.notify(progress.Event{Phase: progress.PhaseFileFailed, Path: entry.Path, Message: msgNotVerified})
		return res, nil
	}

	fileURL, err := safety.JoinURL(baseURL, clean)
	if err != nil {
		res.Status = FileFailed
		res.Err = err
		r.notify(progress.Event{Phase: progress.PhaseFileFailed, Path: entry.Path, Message: msgError})
		return res, nil
	}
	return res, &task{entry: entry, dest: dest, url: fileURL}
}

// request builds the transfer request for t, forwarding progress to the
// observer.
func (r *Reconciler) request(t task, opts Options) download.Request {
	p := t.entry.Path
	return download.Request{
		URL:            t.url,
		DestPath:       t.dest,
		ExpectedDigest: t.entry.Digest,
		MaxAttempts:    opts.MaxAttempts,
		OnProgress: func(attempt int, done, total int64) {
			r.notify(progress.Event{
				Phase:      progress.PhaseDownloading,
				Path:       p,
				BytesDone:  done,
				BytesTotal: total,
				Attempt:    attempt,
			})
		},
	}
}

func (r *Reconciler) transfer(ctx context.Context, t task, opts Options) FileResult {
	r.notify(progress.Event{Phase: progress.PhaseDownloading, Path: t.entry.Path, Attempt: 1, Message: msgDownloading})
	res, err := r.client.Fetch(ctx, r.request(t, opts))
	return r.outcome(t, res, err)
}

// transferAll runs queued transfers through the worker pool. Results land
// at their manifest index.
func (r *Reconciler) transferAll(ctx context.Context, queued []task, report *Report, opts Options) {
	jobs := make([]download.Job, len(queued))
	for i, t := range queued {
		r.notify(progress.Event{Phase: progress.PhaseDownloading, Path: t.entry.Path, Attempt: 1, Message: msgDownloading})
		jobs[i] = download.Job{Key: t.entry.Path, Request: r.request(t, opts)}
	}

	pool := download.NewPool(r.client, opts.Workers, r.logger)
	for i, jr := range pool.Execute(ctx, jobs) {
		t := queued[i]
		report.Files[t.index] = r.outcome(t, jr.Result, jr.Err)
		r.settle(report.RunID, report.RootDir, report.Files[t.index], t.url, t.entry.Digest)
	}
}

// outcome converts a transfer result into a FileResult and emits the
// terminal event for the file.
func (r *Reconciler) outcome(t task, res *download.Result, err error) FileResult {
	fr := FileResult{Path: t.entry.Path, Status: FileFailed, Err: err}
	if res != nil {
		fr.Attempts = res.Attempts
		fr.Bytes = res.Bytes
		fr.Digest = res.Digest
		if res.Outcome == download.OutcomeSuccess {
			fr.Status = FileRepaired
			fr.Err = nil
		}
	}
	if fr.Status == FileFailed && fr.Err == nil {
		fr.Err = fmt.Errorf("transfer of %s did not complete", t.entry.Path)
	}

	if fr.Status == FileRepaired {
		r.logger.Info("file repaired", "path", t.entry.Path, "attempts", fr.Attempts, "bytes", fr.Bytes)
		r.notify(progress.Event{Phase: progress.PhaseFileDone, Path: t.entry.Path, Attempt: fr.Attempts, BytesDone: fr.Bytes, Message: msgDownloaded})
	} else {
		r.logger.Error("file not repaired", "path", t.entry.Path, "attempts", fr.Attempts, "error", fr.Err)
		r.notify(progress.Event{Phase: progress.PhaseFileFailed, Path: t.entry.Path, Attempt: fr.Attempts, Message: msgError})
	}
	return fr
}

// settle writes history for a finished file. Dry runs leave no file history.
func (r *Reconciler) settle(runID int64, rootDir string, fr FileResult, url, expected string) {
	fileMetric(fr.Status)
	if r.history.store == nil || fr.Status == FileSkipped {
		return
	}
	switch fr.Status {
	case FileVerified, FileRepaired:
		size := fr.Bytes
		if size == 0 {
			if dest, err := safety.SafeJoinUnder(rootDir, fr.Path); err == nil {
				if info, err := os.Stat(dest); err == nil {
					size = info.Size()
				}
			}
		}
		r.history.fileVerified(runID, rootDir, fr.Path, expected, size)
	case FileFailed:
		if errors.Is(fr.Err, context.Canceled) || errors.Is(fr.Err, context.DeadlineExceeded) {
			return
		}
		r.history.fileFailed(rootDir, fr.Path, url, expected, fr.Attempts, fr.Err)
	}
}

func (r *Reconciler) notify(e progress.Event) {
	r.observer.Notify(e)
}

// skipped matches p against the skip list by full path or base name.
func skipped(p string, patterns []string) bool {
	if p == rootlock.FileName {
		return true
	}
	base := path.Base(p)
	for _, pat := range patterns {
		if pat == p {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}
