package main

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/gamesync/internal/config"
	"github.com/BadgerOps/gamesync/internal/download"
	"github.com/BadgerOps/gamesync/internal/engine"
	"github.com/BadgerOps/gamesync/internal/manifest"
)

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// newCDN publishes release Rel1/ with two files.
func newCDN(t *testing.T) *httptest.Server {
	t.Helper()
	files := map[string][]byte{
		"/latest":       []byte("Rel1/\n"),
		"/Rel1/a.txt":   []byte("alpha"),
		"/Rel1/d/b.txt": []byte("bravo"),
	}
	files["/Rel1/checksums.json"] = []byte(fmt.Sprintf(`{"a.txt": %q, "d/b.txt": %q}`,
		md5Hex(files["/Rel1/a.txt"]), md5Hex(files["/Rel1/d/b.txt"])))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type cliEnv struct {
	dir    string
	root   string
	config string
}

// newCLIEnv writes a config file pointing at cdn with history enabled.
func newCLIEnv(t *testing.T, cdn string, withStore bool) cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := cliEnv{
		dir:    dir,
		root:   filepath.Join(dir, "YandereSim"),
		config: filepath.Join(dir, "gamesync.yaml"),
	}
	storePath := ""
	if withStore {
		storePath = filepath.Join(dir, "data", "history.db")
	}
	cfg := fmt.Sprintf(`updater:
  cdn: %s
  root_dir: %s
  read_timeout: 5s
store:
  path: %q
install:
  record_path: %s
`, cdn, env.root, storePath, filepath.Join(dir, "data", "install"))
	if err := os.WriteFile(env.config, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return env
}

// runCLI executes the root command and returns everything written to
// stdout.
func runCLI(t *testing.T, env cliEnv, args ...string) (string, error) {
	t.Helper()
	var err error
	out := captureStdout(t, func() {
		cmd := NewRootCmd()
		cmd.SetArgs(append([]string{"--config", env.config, "--log-level", "error"}, args...))
		cmd.SetOut(os.Stdout)
		err = cmd.Execute()
		closeStore()
	})
	return out, err
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}

func TestSyncVerifyStatus(t *testing.T) {
	cdn := newCDN(t)
	env := newCLIEnv(t, cdn.URL, true)

	out, err := runCLI(t, env, "sync")
	if err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}
	for _, want := range []string{
		"Fetching release manifest",
		"Downloading: a.txt",
		"Downloaded: d/b.txt",
		"All files verified",
		"0 verified, 2 repaired, 0 unverified",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("sync output missing %q:\n%s", want, out)
		}
	}
	data, err := os.ReadFile(filepath.Join(env.root, "d", "b.txt"))
	if err != nil || string(data) != "bravo" {
		t.Fatalf("d/b.txt = %q, %v", data, err)
	}

	out, err = runCLI(t, env, "verify")
	if err != nil {
		t.Fatalf("verify failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "File exists and is verified: a.txt") || !strings.Contains(out, "2 verified, 0 repaired") {
		t.Errorf("unexpected verify output:\n%s", out)
	}

	out, err = runCLI(t, env, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"Root:      " + env.root, "Verified:  2 files", "Recent Runs", "sync", "success", "No unverified files."} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "verify") {
		t.Errorf("verify recorded a run:\n%s", out)
	}
}

func TestVerifyReportsMissingFiles(t *testing.T) {
	cdn := newCDN(t)
	env := newCLIEnv(t, cdn.URL, true)

	out, err := runCLI(t, env, "verify")
	if err == nil || err.Error() != "2 files not verified" {
		t.Fatalf("expected unverified error, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "File not verified: a.txt") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if _, err := os.Stat(env.root); !os.IsNotExist(err) {
		t.Error("verify created the root directory")
	}
	if _, err := os.Stat(filepath.Join(env.dir, "data")); !os.IsNotExist(err) {
		t.Error("verify created the store directory")
	}
}

func TestDryRunsLeaveNoFilesystemEntries(t *testing.T) {
	for _, args := range [][]string{{"sync", "--dry-run"}, {"update", "--dry-run", "--force"}} {
		t.Run(args[0], func(t *testing.T) {
			cdn := newCDN(t)
			env := newCLIEnv(t, cdn.URL, true)
			before, _ := os.ReadDir(env.dir)

			out, err := runCLI(t, env, args...)
			if args[0] == "sync" {
				if err != nil {
					t.Fatalf("dry run should not fail: %v", err)
				}
				if !strings.Contains(out, "0 repaired, 2 unverified") {
					t.Errorf("unexpected output:\n%s", out)
				}
			}

			after, _ := os.ReadDir(env.dir)
			if len(after) != len(before) {
				t.Errorf("dry run changed %s: %d entries before, %d after", env.dir, len(before), len(after))
			}
			if _, err := os.Stat(filepath.Join(env.dir, "data")); !os.IsNotExist(err) {
				t.Error("dry run created the store directory")
			}
			if _, err := os.Stat(env.root); !os.IsNotExist(err) {
				t.Error("dry run created the root directory")
			}
		})
	}
}

func TestSyncQuiet(t *testing.T) {
	cdn := newCDN(t)
	env := newCLIEnv(t, cdn.URL, false)

	out, err := runCLI(t, env, "sync", "--quiet", "--workers", "2")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("quiet sync printed %q", out)
	}
}

func TestManifestErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	env := newCLIEnv(t, srv.URL, false)

	_, err := runCLI(t, env, "sync")
	if err == nil {
		t.Fatal("expected an error when the pointer is missing")
	}
}

func TestConfigShowAppliesOverrides(t *testing.T) {
	env := newCLIEnv(t, "https://cdn.example", false)
	root := filepath.Join(env.dir, "Other")

	out, err := runCLI(t, env, "config", "show", "--root", root, "--cdn", "https://mirror.example/game")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "cdn: https://mirror.example/game/") || !strings.Contains(out, "root_dir: "+root) {
		t.Errorf("overrides not applied:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "data", "history.db")); !os.IsNotExist(err) {
		t.Error("config show should not open the store")
	}
}

func TestConfigInit(t *testing.T) {
	env := newCLIEnv(t, "https://cdn.example", false)
	path := filepath.Join(env.dir, "new", "gamesync.yaml")

	if _, err := runCLI(t, env, "config", "init", path); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Updater.MaxAttempts != 3 || cfg.Updater.CDN != config.DefaultConfig().Updater.CDN {
		t.Errorf("unexpected defaults %+v", cfg.Updater)
	}

	if _, err := runCLI(t, env, "config", "init", path); err == nil {
		t.Error("expected refusal to overwrite")
	}
	if _, err := runCLI(t, env, "config", "init", path, "--force"); err != nil {
		t.Errorf("--force should overwrite: %v", err)
	}
}

func TestLaunchWithoutInstall(t *testing.T) {
	env := newCLIEnv(t, "https://cdn.example", false)
	_, err := runCLI(t, env, "launch")
	if err == nil || !strings.Contains(err.Error(), "run gamesync update first") {
		t.Fatalf("expected missing install error, got %v", err)
	}
}

func TestStatusWithoutStore(t *testing.T) {
	env := newCLIEnv(t, "https://cdn.example", false)
	out, err := runCLI(t, env, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Run history is disabled") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestDescribeUpdate(t *testing.T) {
	rep := &engine.UpdateReport{
		Release:    &manifest.Release{Label: "Rel1/", Bundle: "Rel1.zip"},
		Removed:    []string{"YandereSimOld"},
		Bundle:     &download.Result{Outcome: download.OutcomePlanned},
		Executable: "",
	}
	got := describeUpdate(rep, true)
	for _, want := range []string{"Release: Rel1/", "Would remove: YandereSimOld", "Bundle: would download Rel1.zip"} {
		if !strings.Contains(got, want) {
			t.Errorf("describeUpdate missing %q:\n%s", want, got)
		}
	}

	rep.Bundle = nil
	rep.Executable = "/games/Rel1/Game.exe"
	got = describeUpdate(rep, false)
	if !strings.Contains(got, "Bundle: already verified") || !strings.Contains(got, "Removed: YandereSimOld") || !strings.Contains(got, "Executable: /games/Rel1/Game.exe") {
		t.Errorf("unexpected summary:\n%s", got)
	}

	if describeUpdate(nil, false) != "" {
		t.Error("nil report should render nothing")
	}
}
