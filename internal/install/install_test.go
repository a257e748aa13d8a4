package install

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestReadMissingRecord(t *testing.T) {
	exe, ok, err := Read(filepath.Join(t.TempDir(), "install"))
	if err != nil || ok || exe != "" {
		t.Fatalf("Read() = %q, %v, %v; want no install", exe, ok, err)
	}
}

func TestWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	record := filepath.Join(dir, "config", "install")
	exe := filepath.Join(dir, "YandereSim", "Rel1", "YandereSimulator.exe")

	if err := Write(record, exe); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	got, ok, err := Read(record)
	if err != nil || !ok || got != exe {
		t.Fatalf("Read() = %q, %v, %v", got, ok, err)
	}

	exe2 := filepath.Join(dir, "YandereSim", "Rel2", "YandereSimulator.exe")
	if err := Write(record, exe2); err != nil {
		t.Fatalf("second Write() failed: %v", err)
	}
	got, _, _ = Read(record)
	if got != exe2 {
		t.Errorf("record not replaced, got %q", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(record))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestReadEmptyAndRelative(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := Read(empty); ok || err != nil {
		t.Errorf("empty record: ok=%v err=%v", ok, err)
	}

	rel := filepath.Join(dir, "rel")
	if err := os.WriteFile(rel, []byte("game/YandereSimulator.exe\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := Read(rel); ok || err == nil {
		t.Errorf("relative record: ok=%v err=%v", ok, err)
	}
}

func TestWriteRejectsMultiline(t *testing.T) {
	if err := Write(filepath.Join(t.TempDir(), "install"), "/a\n/b"); err == nil {
		t.Error("expected error for multi-line path")
	}
}

func TestCommand(t *testing.T) {
	dir := t.TempDir()
	if _, err := Command(filepath.Join(dir, "missing.exe")); err == nil {
		t.Error("expected error for missing executable")
	}
	if _, err := Command(dir); err == nil {
		t.Error("expected error for directory")
	}

	exe := filepath.Join(dir, "game.exe")
	if err := os.WriteFile(exe, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}
	cmd, err := Command(exe, "-windowed")
	if err != nil {
		t.Fatalf("Command() failed: %v", err)
	}
	if cmd.Dir != dir {
		t.Errorf("Dir = %q, want %q", cmd.Dir, dir)
	}
	if len(cmd.Args) != 2 || cmd.Args[1] != "-windowed" {
		t.Errorf("Args = %v", cmd.Args)
	}
}

func TestLaunch(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script launch is unix only")
	}
	dir := t.TempDir()
	exe := filepath.Join(dir, "game.sh")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	pid, err := Launch(exe)
	if err != nil {
		t.Fatalf("Launch() failed: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
}
