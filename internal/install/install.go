// Package install reads and writes the install record: a single line
// holding the path of the launchable executable of the last verified
// bundle update.
package install

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Read returns the recorded executable path. A missing, unreadable or empty
// record is reported as ok=false with a nil error: it only means no
// verified install exists yet. err is reserved for a record that exists
// but names a path that cannot be used.
func Read(recordPath string) (exe string, ok bool, err error) {
	data, readErr := os.ReadFile(recordPath)
	if readErr != nil {
		return "", false, nil
	}

	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, nil
	}
	if !filepath.IsAbs(line) {
		return "", false, fmt.Errorf("install record %s holds a relative path %q", recordPath, line)
	}
	return line, true, nil
}

// Write atomically replaces the record with exe.
func Write(recordPath, exe string) error {
	if strings.ContainsAny(exe, "\r\n") {
		return fmt.Errorf("executable path must be a single line: %q", exe)
	}

	dir := filepath.Dir(recordPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating record directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(recordPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.WriteString(exe + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("writing record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing record: %w", err)
	}
	if err := os.Rename(tmpName, recordPath); err != nil {
		return fmt.Errorf("replacing record: %w", err)
	}
	return nil
}

// Command builds the command that launches exe from its own directory.
func Command(exe string, args ...string) (*exec.Cmd, error) {
	fi, err := os.Stat(exe)
	if err != nil {
		return nil, fmt.Errorf("executable %s: %w", exe, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("executable %s is a directory", exe)
	}
	cmd := exec.Command(exe, args...)
	cmd.Dir = filepath.Dir(exe)
	return cmd, nil
}

// Launch starts exe detached from the current process and returns once it
// has started.
func Launch(exe string, args ...string) (int, error) {
	cmd, err := Command(exe, args...)
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", exe, err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
