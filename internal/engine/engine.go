package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/gamesync/internal/archive"
	"github.com/BadgerOps/gamesync/internal/checksum"
	"github.com/BadgerOps/gamesync/internal/config"
	"github.com/BadgerOps/gamesync/internal/download"
	"github.com/BadgerOps/gamesync/internal/failure"
	"github.com/BadgerOps/gamesync/internal/install"
	"github.com/BadgerOps/gamesync/internal/manifest"
	"github.com/BadgerOps/gamesync/internal/progress"
	"github.com/BadgerOps/gamesync/internal/rootlock"
	"github.com/BadgerOps/gamesync/internal/safety"
	"github.com/BadgerOps/gamesync/internal/store"
)

// Settings are the parts of the configuration a run needs.
type Settings struct {
	RootDir       string
	ReleaseGlob   string
	Executable    string // relative to the release directory
	InstallRecord string // empty disables the install record
	MaxAttempts   int
	Workers       int
	SkipFiles     []string
}

// SettingsFromConfig extracts run settings from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		RootDir:       cfg.Updater.RootDir,
		ReleaseGlob:   cfg.Updater.ReleaseGlob,
		Executable:    cfg.Updater.Executable,
		InstallRecord: cfg.Install.RecordPath,
		MaxAttempts:   cfg.Updater.MaxAttempts,
		Workers:       cfg.Updater.Workers,
		SkipFiles:     cfg.Updater.SkipFiles,
	}
}

// RunOptions are per-invocation switches.
type RunOptions struct {
	DryRun   bool
	Force    bool // remove entries matching ReleaseGlob first
	LockHeld bool // the caller already holds the root lock
}

// Engine drives whole runs: pointer and manifest fetch, reconciliation and
// the bundle update flow.
type Engine struct {
	settings   Settings
	manifests  *manifest.Client
	transfers  *download.Client
	hasher     *checksum.Hasher
	reconciler *Reconciler
	extractor  *archive.Extractor
	observer   progress.Observer
	history    recorder
	logger     *slog.Logger
}

// New creates an Engine. deps.Client is required for non-dry runs.
func New(settings Settings, manifests *manifest.Client, deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = progress.Discard
	}
	r := NewReconciler(deps, logger)
	return &Engine{
		settings:   settings,
		manifests:  manifests,
		transfers:  deps.Client,
		hasher:     r.hasher,
		reconciler: r,
		extractor:  archive.NewExtractor(logger, deps.Observer),
		observer:   deps.Observer,
		history:    r.history,
		logger:     logger,
	}
}

// Settings returns the engine's run settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Reconciler exposes the per-file reconciler.
func (e *Engine) Reconciler() *Reconciler {
	return e.reconciler
}

// Sync fetches the current release and reconciles RootDir against it.
func (e *Engine) Sync(ctx context.Context, opts RunOptions) (*Report, error) {
	return e.sync(ctx, store.KindSync, opts)
}

// Verify checks RootDir against the current release without changing it.
func (e *Engine) Verify(ctx context.Context) (*Report, error) {
	return e.sync(ctx, store.KindVerify, RunOptions{DryRun: true})
}

func (e *Engine) sync(ctx context.Context, kind string, opts RunOptions) (report *Report, err error) {
	root := e.settings.RootDir
	run := e.history.begin(kind, "", e.manifests.CDN(), root, opts.DryRun)
	defer func() {
		e.history.finish(run, report, 0, err)
		e.finishEvent(report, err)
	}()

	unlock, err := e.lock(root, opts)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if opts.Force {
		if _, err := RemoveReleases(root, e.settings.ReleaseGlob, opts.DryRun, e.logger); err != nil {
			return nil, err
		}
	}

	e.notify(progress.Event{Phase: progress.PhaseManifest, Message: "Fetching release manifest"})
	rel, err := e.manifests.FetchRelease(ctx)
	if err != nil {
		return nil, err
	}
	run.Label = rel.Label

	return e.reconciler.Reconcile(ctx, *rel.Manifest, rel.BaseURL, root, e.reconcileOptions(run, rel, kind, opts.DryRun))
}

func (e *Engine) reconcileOptions(run *store.Run, rel *manifest.Release, kind string, dryRun bool) Options {
	return Options{
		DryRun:      dryRun,
		MaxAttempts: e.settings.MaxAttempts,
		Workers:     e.settings.Workers,
		SkipFiles:   e.settings.SkipFiles,
		Kind:        kind,
		Label:       rel.Label,
		CDN:         e.manifests.CDN(),
		RunID:       run.ID,
		LockHeld:    true,
	}
}

// UpdateReport describes a bundle update.
type UpdateReport struct {
	Release    *manifest.Release
	Removed    []string         // entries deleted (or listed, in dry run) by Force
	Bundle     *download.Result // nil when the bundle was already verified
	BundlePath string
	Extract    *archive.Report // nil in dry run
	Files      *Report         // nil when the release publishes no manifest
	Executable string          // written to the install record
}

// OK reports whether the bundle landed and every file verified.
func (r *UpdateReport) OK() bool {
	if r == nil {
		return false
	}
	if r.Bundle != nil && r.Bundle.Outcome != download.OutcomeSuccess && r.Bundle.Outcome != download.OutcomePlanned {
		return false
	}
	return r.Files == nil || r.Files.AllVerified()
}

// Update runs the full-bundle flow: fetch the pointer, transfer and verify
// the bundle, extract it into a directory named after the release label,
// reconcile that tree against the release manifest when one is published,
// then record the executable in the install record.
func (e *Engine) Update(ctx context.Context, opts RunOptions) (report *UpdateReport, err error) {
	root := e.settings.RootDir
	report = &UpdateReport{}
	run := e.history.begin(store.KindUpdate, "", e.manifests.CDN(), root, opts.DryRun)
	defer func() {
		var extra int64
		if report.Bundle != nil && report.Bundle.Outcome == download.OutcomeSuccess {
			extra = report.Bundle.Bytes
		}
		e.history.finish(run, report.Files, extra, err)
		e.finishEvent(report.Files, err)
	}()

	unlock, err := e.lock(root, opts)
	if err != nil {
		return report, err
	}
	defer unlock()

	if opts.Force {
		report.Removed, err = RemoveReleases(root, e.settings.ReleaseGlob, opts.DryRun, e.logger)
		if err != nil {
			return report, err
		}
	}

	e.notify(progress.Event{Phase: progress.PhaseManifest, Message: "Fetching release pointer"})
	rel, err := e.manifests.FetchPointer(ctx)
	if err != nil {
		return report, err
	}
	report.Release = rel
	run.Label = rel.Label

	labelDir, err := rel.Dir()
	if err != nil {
		return report, &failure.ManifestFormatError{URL: e.manifests.CDN(), Err: fmt.Errorf("release label: %w", err)}
	}
	releaseRoot, err := safety.SafeJoinUnder(root, labelDir)
	if err != nil {
		return report, &failure.ManifestFormatError{URL: e.manifests.CDN(), Err: err}
	}

	bundlePath, res, err := e.fetchBundle(ctx, rel, root, opts.DryRun)
	report.BundlePath = bundlePath
	report.Bundle = res
	if err != nil {
		return report, err
	}

	if !opts.DryRun {
		ext, err := e.extractor.Extract(ctx, bundlePath, releaseRoot)
		if err != nil {
			return report, err
		}
		report.Extract = ext
	}

	e.notify(progress.Event{Phase: progress.PhaseVerifying, Message: "Verifying release files"})
	m, err := e.manifests.FetchManifest(ctx, rel)
	switch {
	case isNotFound(err):
		e.logger.Info("release publishes no manifest, skipping per-file pass", "label", rel.Label)
	case err != nil:
		return report, err
	default:
		rel.Manifest = m
		report.Files, err = e.reconciler.Reconcile(ctx, *m, rel.BaseURL, releaseRoot,
			e.reconcileOptions(run, rel, store.KindUpdate, opts.DryRun))
		if err != nil {
			return report, err
		}
	}

	if opts.DryRun || !report.OK() {
		return report, nil
	}
	if err := e.recordInstall(releaseRoot, report); err != nil {
		return report, err
	}
	return report, nil
}

// fetchBundle transfers the bundle to {root}/{bundle}. A local copy that
// already matches the published digest is reused without a request. Without
// a published digest a local copy cannot be trusted, so it is replaced.
func (e *Engine) fetchBundle(ctx context.Context, rel *manifest.Release, root string, dryRun bool) (string, *download.Result, error) {
	bundleURL, err := e.manifests.BundleURL(rel)
	if err != nil {
		return "", nil, &failure.ManifestFormatError{URL: e.manifests.CDN(), Err: err}
	}
	bundlePath, err := safety.SafeJoinUnder(root, rel.Bundle)
	if err != nil {
		return "", nil, &failure.ManifestFormatError{URL: bundleURL, Err: fmt.Errorf("bundle name: %w", err)}
	}

	e.notify(progress.Event{Phase: progress.PhaseChecking, Path: rel.Bundle})
	if rel.BundleDigest != "" {
		if status, _, _ := e.hasher.Check(bundlePath, rel.BundleDigest); status == checksum.StatusVerified {
			e.logger.Info("bundle already verified", "path", bundlePath)
			e.notify(progress.Event{Phase: progress.PhaseFileDone, Path: rel.Bundle, Message: msgVerified})
			return bundlePath, nil, nil
		}
	}
	if e.transfers == nil {
		return bundlePath, nil, errors.New("no transfer client configured")
	}

	e.notify(progress.Event{Phase: progress.PhaseDownloading, Path: rel.Bundle, Attempt: 1, Message: msgDownloading})
	res, err := e.transfers.Fetch(ctx, download.Request{
		URL:            bundleURL,
		DestPath:       bundlePath,
		ExpectedDigest: rel.BundleDigest,
		MaxAttempts:    e.settings.MaxAttempts,
		DryRun:         dryRun,
		Fresh:          rel.BundleDigest == "",
		OnProgress: func(attempt int, done, total int64) {
			e.notify(progress.Event{Phase: progress.PhaseDownloading, Path: rel.Bundle, Attempt: attempt, BytesDone: done, BytesTotal: total})
		},
	})
	if err != nil {
		e.notify(progress.Event{Phase: progress.PhaseFileFailed, Path: rel.Bundle, Message: msgError})
		return bundlePath, res, err
	}
	if res.Outcome == download.OutcomePlanned {
		e.notify(progress.Event{Phase: progress.PhaseFileFailed, Path: rel.Bundle, Message: msgNotVerified})
		return bundlePath, res, nil
	}
	e.notify(progress.Event{Phase: progress.PhaseFileDone, Path: rel.Bundle, BytesDone: res.Bytes, Message: msgDownloaded})
	return bundlePath, res, nil
}

func (e *Engine) recordInstall(releaseRoot string, report *UpdateReport) error {
	if e.settings.Executable == "" {
		return nil
	}
	exe, err := safety.SafeJoinUnder(releaseRoot, e.settings.Executable)
	if err != nil {
		return fmt.Errorf("executable path: %w", err)
	}
	report.Executable = exe
	if e.settings.InstallRecord == "" {
		return nil
	}
	if err := install.Write(e.settings.InstallRecord, exe); err != nil {
		return &failure.LocalIOError{Op: "write install record", Path: e.settings.InstallRecord, Err: err}
	}
	e.logger.Info("install record updated", "record", e.settings.InstallRecord, "executable", exe)
	return nil
}

// lock takes the root lock for mutating runs. Dry runs touch nothing, not
// even the lock file.
func (e *Engine) lock(root string, opts RunOptions) (func(), error) {
	if opts.DryRun || opts.LockHeld {
		return func() {}, nil
	}
	l, err := rootlock.Acquire(root)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := l.Release(); err != nil {
			e.logger.Warn("failed to release root lock", "path", l.Path(), "error", err)
		}
	}, nil
}

func (e *Engine) finishEvent(files *Report, err error) {
	switch {
	case err != nil:
		e.notify(progress.Event{Phase: progress.PhaseFailed, Message: failure.Describe(err, false)})
	case files != nil && !files.AllVerified():
		e.notify(progress.Event{Phase: progress.PhaseFailed, Message: pluralFiles(len(files.Unverified())) + " not verified"})
	default:
		e.notify(progress.Event{Phase: progress.PhaseComplete, Message: "All files verified"})
	}
}

func (e *Engine) notify(ev progress.Event) {
	e.observer.Notify(ev)
}

func isNotFound(err error) bool {
	var netErr *failure.NetworkError
	return errors.As(err, &netErr) && netErr.StatusCode == http.StatusNotFound
}

// RemoveReleases deletes the entries directly under root whose names match
// glob. In dry run the matches are only returned. The root lock file is
// never removed.
func RemoveReleases(root, glob string, dryRun bool, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if glob == "" {
		return nil, nil
	}
	if strings.ContainsAny(glob, `/\`) {
		return nil, fmt.Errorf("release glob %q must name entries directly under the root", glob)
	}
	if _, err := filepath.Match(glob, ""); err != nil {
		return nil, fmt.Errorf("release glob %q: %w", glob, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &failure.LocalIOError{Op: "list", Path: root, Err: err}
	}

	var removed []string
	for _, entry := range entries {
		name := entry.Name()
		if name == rootlock.FileName {
			continue
		}
		if ok, _ := filepath.Match(glob, name); !ok {
			continue
		}
		target := filepath.Join(root, name)
		removed = append(removed, target)
		if dryRun {
			logger.Info("would remove", "path", target)
			continue
		}
		start := time.Now()
		if err := os.RemoveAll(target); err != nil {
			return removed, &failure.LocalIOError{Op: "remove", Path: target, Err: err}
		}
		logger.Info("removed", "path", target, "duration", time.Since(start))
	}
	return removed, nil
}
