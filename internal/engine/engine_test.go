package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/gamesync/internal/download"
	"github.com/BadgerOps/gamesync/internal/failure"
	"github.com/BadgerOps/gamesync/internal/install"
	"github.com/BadgerOps/gamesync/internal/manifest"
	"github.com/BadgerOps/gamesync/internal/progress"
	"github.com/BadgerOps/gamesync/internal/rootlock"
	"github.com/BadgerOps/gamesync/internal/store"
)

type engineFixture struct {
	cdn     *fakeCDN
	root    string
	record  string
	store   *store.Store
	tracker *progress.Tracker
	engine  *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		cdn:     newFakeCDN(t),
		root:    filepath.Join(t.TempDir(), "YandereSim"),
		record:  filepath.Join(t.TempDir(), "gamesync", "install"),
		store:   newTestStore(t),
		tracker: progress.NewTracker(),
	}
	manifests := manifest.NewClient(manifest.Options{CDN: f.cdn.URL(), DigestLen: 32}, testLogger())
	client := download.NewClient(testLogger(), download.Options{ReadTimeout: 2 * time.Second})
	settings := Settings{
		RootDir:       f.root,
		ReleaseGlob:   "YandereSim*",
		Executable:    "YandereSimulator.exe",
		InstallRecord: f.record,
		MaxAttempts:   3,
		Workers:       1,
		SkipFiles:     []string{"checksums.json"},
	}
	f.engine = New(settings, manifests, Deps{Client: client, Store: f.store, Observer: f.tracker}, testLogger())
	return f
}

func manifestJSON(files map[string]string, order ...string) []byte {
	var b strings.Builder
	b.WriteString("{")
	for i, name := range order {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`"` + name + `": "` + md5Hex([]byte(files[name])) + `"`)
	}
	b.WriteString("}")
	return []byte(b.String())
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestEngineSync(t *testing.T) {
	f := newEngineFixture(t)
	files := map[string]string{
		"YandereSimulator.exe":         "MZ",
		"YandereSimulator_Data/level0": "level",
	}
	f.cdn.put("/latest", []byte("  Rel1/\n"))
	f.cdn.put("/Rel1/checksums.json", manifestJSON(files, "YandereSimulator.exe", "YandereSimulator_Data/level0"))
	for name, body := range files {
		f.cdn.put("/Rel1/"+name, []byte(body))
	}

	report, err := f.engine.Sync(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if !report.AllVerified() || report.Count(FileRepaired) != 2 {
		t.Fatalf("unexpected report %+v", report.Files)
	}
	if got := readFile(t, filepath.Join(f.root, "YandereSimulator_Data", "level0")); got != "level" {
		t.Errorf("level0 = %q", got)
	}

	snap := f.tracker.Snapshot()
	if snap.Running || snap.Phase != progress.PhaseComplete || snap.CompletedFiles != 2 {
		t.Errorf("tracker snapshot = %+v", snap)
	}

	runs, err := f.store.ListRuns(f.root, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns = %v, %v", runs, err)
	}
	if runs[0].Label != "Rel1/" || runs[0].Status != store.StatusSuccess || runs[0].FilesRepaired != 2 {
		t.Errorf("run record = %+v", runs[0])
	}

	// A second run finds everything verified and only fetches the manifest.
	before := f.cdn.totalHits()
	if _, err := f.engine.Sync(context.Background(), RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if extra := f.cdn.totalHits() - before; extra != 2 {
		t.Errorf("second run made %d requests, want 2 (pointer and manifest)", extra)
	}
}

func TestEngineSyncManifestErrorsAreFatal(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *fakeCDN)
		check func(t *testing.T, err error)
	}{
		{
			name:  "missing pointer",
			setup: func(c *fakeCDN) {},
			check: func(t *testing.T, err error) {
				var netErr *failure.NetworkError
				if !errors.As(err, &netErr) || netErr.StatusCode != 404 {
					t.Errorf("expected 404 NetworkError, got %v", err)
				}
			},
		},
		{
			name: "garbage manifest",
			setup: func(c *fakeCDN) {
				c.put("/latest", []byte("Rel1/"))
				c.put("/Rel1/checksums.json", []byte("<html>oops</html>"))
			},
			check: func(t *testing.T, err error) {
				var fmtErr *failure.ManifestFormatError
				if !errors.As(err, &fmtErr) {
					t.Errorf("expected ManifestFormatError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t)
			tt.setup(f.cdn)

			report, err := f.engine.Sync(context.Background(), RunOptions{})
			if report != nil {
				t.Errorf("expected no report, got %+v", report)
			}
			tt.check(t, err)

			runs, _ := f.store.ListRuns(f.root, 0)
			if len(runs) != 1 || runs[0].Status != store.StatusFailed || runs[0].ErrorMessage == "" {
				t.Errorf("failed run not recorded: %+v", runs)
			}
			if snap := f.tracker.Snapshot(); snap.Phase != progress.PhaseFailed {
				t.Errorf("tracker phase = %s", snap.Phase)
			}
		})
	}
}

func TestEngineVerifyIsDryRun(t *testing.T) {
	f := newEngineFixture(t)
	files := map[string]string{"a.txt": "alpha"}
	f.cdn.put("/latest", []byte("Rel1/"))
	f.cdn.put("/Rel1/checksums.json", manifestJSON(files, "a.txt"))
	f.cdn.put("/Rel1/a.txt", []byte("alpha"))

	report, err := f.engine.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if report.AllVerified() || report.Count(FileMissing) != 1 {
		t.Errorf("unexpected report %+v", report.Files)
	}
	if _, err := os.Stat(f.root); !os.IsNotExist(err) {
		t.Error("verify created the root directory")
	}
	if f.cdn.hitCount("/Rel1/a.txt") != 0 {
		t.Error("verify downloaded a file")
	}
	if runs, _ := f.store.ListRuns(f.root, 0); len(runs) != 0 {
		t.Errorf("verify recorded runs %+v", runs)
	}
}

func TestEngineSyncForce(t *testing.T) {
	f := newEngineFixture(t)
	writeFile(t, filepath.Join(f.root, "YandereSimOld", "stale.txt"), "stale")
	writeFile(t, filepath.Join(f.root, "notes.txt"), "keep")
	f.cdn.put("/latest", []byte("Rel1/"))
	f.cdn.put("/Rel1/checksums.json", []byte("{}"))

	if _, err := f.engine.Sync(context.Background(), RunOptions{Force: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "YandereSimOld")); !os.IsNotExist(err) {
		t.Error("forced run kept a release directory")
	}
	if got := readFile(t, filepath.Join(f.root, "notes.txt")); got != "keep" {
		t.Error("forced run removed a non-matching entry")
	}
}

func TestRemoveReleases(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "YandereSimApril", "a.txt"), "a")
	writeFile(t, filepath.Join(root, "YandereSimApril.zip"), "zip")
	writeFile(t, filepath.Join(root, "other.txt"), "other")
	lock, err := rootlock.Acquire(root)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	listed, err := RemoveReleases(root, "YandereSim*", true, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 {
		t.Fatalf("dry run listed %v", listed)
	}
	if _, err := os.Stat(listed[0]); err != nil {
		t.Error("dry run removed an entry")
	}

	removed, err := RemoveReleases(root, "YandereSim*", false, testLogger())
	if err != nil || len(removed) != 2 {
		t.Fatalf("RemoveReleases = %v, %v", removed, err)
	}
	for _, p := range removed {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "other.txt")); err != nil {
		t.Error("non-matching entry removed")
	}
	if _, err := os.Stat(lock.Path()); err != nil {
		t.Error("lock file removed")
	}

	if _, err := RemoveReleases(root, "../*", false, nil); err == nil {
		t.Error("expected error for glob with a separator")
	}
	if got, err := RemoveReleases(filepath.Join(root, "missing"), "*", false, nil); err != nil || len(got) != 0 {
		t.Errorf("missing root = %v, %v", got, err)
	}
}

func publishBundle(t *testing.T, c *fakeCDN, bundle []byte, withManifest map[string]string, order ...string) {
	t.Helper()
	c.put("/latest", []byte("YandereSimApril15th/ YandereSimApril15th.zip "+md5Hex(bundle)))
	c.put("/YandereSimApril15th.zip", bundle)
	if withManifest != nil {
		c.put("/YandereSimApril15th/checksums.json", manifestJSON(withManifest, order...))
		for name, body := range withManifest {
			c.put("/YandereSimApril15th/"+name, []byte(body))
		}
	}
}

func TestEngineUpdate(t *testing.T) {
	f := newEngineFixture(t)
	bundled := map[string]string{
		"YandereSimulator.exe":         "MZ",
		"YandereSimulator_Data/level0": "level",
	}
	published := map[string]string{
		"YandereSimulator.exe":         "MZ",
		"YandereSimulator_Data/level0": "level",
		"YandereSimulator_Data/patch":  "hotfix",
	}
	publishBundle(t, f.cdn, zipBytes(t, bundled), published,
		"YandereSimulator.exe", "YandereSimulator_Data/level0", "YandereSimulator_Data/patch")

	report, err := f.engine.Update(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if !report.OK() {
		t.Fatalf("update not OK: %+v", report)
	}
	if report.Bundle == nil || report.Bundle.Outcome != download.OutcomeSuccess {
		t.Errorf("bundle result = %+v", report.Bundle)
	}
	if report.Extract == nil || report.Extract.Files != 2 {
		t.Errorf("extract report = %+v", report.Extract)
	}
	if report.Files == nil || report.Files.Count(FileVerified) != 2 || report.Files.Count(FileRepaired) != 1 {
		t.Errorf("per-file report = %+v", report.Files)
	}

	releaseRoot := filepath.Join(f.root, "YandereSimApril15th")
	if got := readFile(t, filepath.Join(releaseRoot, "YandereSimulator_Data", "patch")); got != "hotfix" {
		t.Errorf("patch = %q", got)
	}
	if f.cdn.hitCount("/YandereSimApril15th/YandereSimulator.exe") != 0 {
		t.Error("bundled file was downloaded again")
	}

	exe, ok, err := install.Read(f.record)
	if err != nil || !ok {
		t.Fatalf("install record missing: %v", err)
	}
	if want := filepath.Join(releaseRoot, "YandereSimulator.exe"); exe != want {
		t.Errorf("install record = %q, want %q", exe, want)
	}
	if report.Executable != exe {
		t.Errorf("report executable = %q", report.Executable)
	}

	runs, _ := f.store.ListRuns(f.root, 0)
	if len(runs) != 1 || runs[0].Kind != store.KindUpdate || runs[0].Status != store.StatusSuccess {
		t.Errorf("update run record = %+v", runs)
	}
}

func TestEngineUpdateWithoutManifest(t *testing.T) {
	f := newEngineFixture(t)
	publishBundle(t, f.cdn, zipBytes(t, map[string]string{"YandereSimulator.exe": "MZ"}), nil)

	report, err := f.engine.Update(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if report.Files != nil {
		t.Errorf("expected no per-file pass, got %+v", report.Files)
	}
	if !report.OK() {
		t.Error("update without manifest should succeed")
	}
	if _, ok, _ := install.Read(f.record); !ok {
		t.Error("install record not written")
	}
}

func TestEngineUpdateReusesVerifiedBundle(t *testing.T) {
	f := newEngineFixture(t)
	bundle := zipBytes(t, map[string]string{"YandereSimulator.exe": "MZ"})
	publishBundle(t, f.cdn, bundle, nil)
	writeFile(t, filepath.Join(f.root, "YandereSimApril15th.zip"), string(bundle))

	report, err := f.engine.Update(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Bundle != nil || f.cdn.hitCount("/YandereSimApril15th.zip") != 0 {
		t.Error("verified bundle was downloaded again")
	}
	if got := readFile(t, filepath.Join(f.root, "YandereSimApril15th", "YandereSimulator.exe")); got != "MZ" {
		t.Errorf("extracted exe = %q", got)
	}
}

func TestEngineUpdateReplacesUndigestedStaleBundle(t *testing.T) {
	f := newEngineFixture(t)
	stale := zipBytes(t, map[string]string{"YandereSimulator.exe": "MZ-old"})
	fresh := zipBytes(t, map[string]string{
		"YandereSimulator.exe":         "MZ-new",
		"YandereSimulator_Data/level0": "level",
	})
	if len(stale) >= len(fresh) {
		t.Fatalf("stale bundle must be shorter to look like a partial: %d >= %d", len(stale), len(fresh))
	}
	f.cdn.put("/latest", []byte("YandereSimApril15th/ YandereSimApril15th.zip"))
	f.cdn.put("/YandereSimApril15th.zip", fresh)
	writeFile(t, filepath.Join(f.root, "YandereSimApril15th.zip"), string(stale))

	report, err := f.engine.Update(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if report.Bundle == nil || report.Bundle.Resumed || report.Bundle.Bytes != int64(len(fresh)) {
		t.Errorf("bundle result = %+v", report.Bundle)
	}
	if got := readFile(t, filepath.Join(f.root, "YandereSimApril15th", "YandereSimulator.exe")); got != "MZ-new" {
		t.Errorf("extracted exe = %q", got)
	}
	if got := readFile(t, filepath.Join(f.root, "YandereSimApril15th.zip")); got != string(fresh) {
		t.Error("bundle on disk is not the published one")
	}
}

func TestEngineUpdateCorruptBundle(t *testing.T) {
	f := newEngineFixture(t)
	publishBundle(t, f.cdn, []byte("definitely not a zip archive"), nil)

	_, err := f.engine.Update(context.Background(), RunOptions{})
	var arcErr *failure.CorruptArchiveError
	if !errors.As(err, &arcErr) {
		t.Fatalf("expected CorruptArchiveError, got %v", err)
	}
	if _, ok, _ := install.Read(f.record); ok {
		t.Error("install record written after a failed update")
	}
	if _, err := os.Stat(filepath.Join(f.root, "YandereSimApril15th")); !os.IsNotExist(err) {
		t.Error("failed extraction left a release directory")
	}
}

func TestEngineUpdateRequiresBundle(t *testing.T) {
	f := newEngineFixture(t)
	f.cdn.put("/latest", []byte("Rel1/"))

	_, err := f.engine.Update(context.Background(), RunOptions{})
	var fmtErr *failure.ManifestFormatError
	if !errors.As(err, &fmtErr) {
		t.Fatalf("expected ManifestFormatError for pointer without bundle, got %v", err)
	}
}

func TestEngineUpdateDryRun(t *testing.T) {
	f := newEngineFixture(t)
	publishBundle(t, f.cdn, zipBytes(t, map[string]string{"YandereSimulator.exe": "MZ"}),
		map[string]string{"YandereSimulator.exe": "MZ"}, "YandereSimulator.exe")

	report, err := f.engine.Update(context.Background(), RunOptions{DryRun: true, Force: true})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if report.Bundle == nil || report.Bundle.Outcome != download.OutcomePlanned {
		t.Errorf("bundle result = %+v", report.Bundle)
	}
	if report.Files == nil || report.Files.Count(FileMissing) != 1 {
		t.Errorf("per-file report = %+v", report.Files)
	}
	if _, err := os.Stat(f.root); !os.IsNotExist(err) {
		t.Error("dry run created the root directory")
	}
	if f.cdn.hitCount("/YandereSimApril15th.zip") != 0 {
		t.Error("dry run downloaded the bundle")
	}
	if _, ok, _ := install.Read(f.record); ok {
		t.Error("dry run wrote the install record")
	}
	if runs, _ := f.store.ListRuns(f.root, 0); len(runs) != 0 {
		t.Errorf("dry run recorded runs %+v", runs)
	}
}

func TestEngineRunInProgress(t *testing.T) {
	f := newEngineFixture(t)
	lock, err := rootlock.Acquire(f.root)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	if _, err := f.engine.Sync(context.Background(), RunOptions{}); !errors.Is(err, failure.ErrRunInProgress) {
		t.Errorf("Sync: expected ErrRunInProgress, got %v", err)
	}
	if _, err := f.engine.Update(context.Background(), RunOptions{}); !errors.Is(err, failure.ErrRunInProgress) {
		t.Errorf("Update: expected ErrRunInProgress, got %v", err)
	}
	if f.cdn.totalHits() != 0 {
		t.Error("locked runs made requests")
	}
}

func TestEngineSyncUnderCallerLock(t *testing.T) {
	f := newEngineFixture(t)
	files := map[string]string{"a.txt": "alpha"}
	f.cdn.put("/latest", []byte("Rel1/"))
	f.cdn.put("/Rel1/checksums.json", manifestJSON(files, "a.txt"))
	f.cdn.put("/Rel1/a.txt", []byte("alpha"))

	lock, err := rootlock.Acquire(f.root)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	report, err := f.engine.Sync(context.Background(), RunOptions{LockHeld: true})
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if !report.AllVerified() {
		t.Errorf("unexpected report %+v", report.Files)
	}
}
