package tui

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/BadgerOps/gamesync/internal/progress"
)

func send(t *testing.T, m Model, msgs ...tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, msg := range msgs {
		var next tea.Model
		next, cmd = m.Update(msg)
		m = next.(Model)
	}
	return m, cmd
}

func TestModelRendersFileStatus(t *testing.T) {
	m, _ := send(t, NewModel("gamesync sync", nil),
		eventMsg{Phase: progress.PhaseManifest, Message: "Fetching release manifest"},
		eventMsg{Phase: progress.PhaseFileDone, Path: "a.txt", Message: "File exists and is verified"},
		eventMsg{Phase: progress.PhaseDownloading, Path: "b.txt", Attempt: 1, Message: "Downloading"},
		eventMsg{Phase: progress.PhaseDownloading, Path: "b.txt", Attempt: 2, BytesDone: 512, BytesTotal: 1024},
	)

	view := m.View()
	for _, want := range []string{
		"gamesync sync",
		"Fetching release manifest",
		"File exists and is verified: a.txt",
		"Downloading: b.txt",
		"(attempt 2)",
		"512 B / 1.0 KiB",
		"q: cancel",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	m, _ = send(t, m, eventMsg{Phase: progress.PhaseFileFailed, Path: "b.txt", Message: "Error downloading"})
	view = m.View()
	if !strings.Contains(view, "Error downloading: b.txt") {
		t.Errorf("view missing failure line:\n%s", view)
	}
	if strings.Contains(view, "512 B / 1.0 KiB") {
		t.Errorf("finished file should leave the progress area:\n%s", view)
	}
}

func TestModelStatusLinesCapped(t *testing.T) {
	m := NewModel("t", nil)
	for i := 0; i < maxStatusLines+5; i++ {
		m, _ = send(t, m, eventMsg{Phase: progress.PhaseFileDone, Path: "f", Message: "Downloaded"})
	}
	if len(m.lines) != maxStatusLines {
		t.Errorf("lines = %d, want %d", len(m.lines), maxStatusLines)
	}
}

func TestModelQuitCancelsRun(t *testing.T) {
	cancelled := 0
	m := NewModel("t", func() { cancelled++ })

	m, cmd := send(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if cancelled != 1 || cmd != nil {
		t.Fatalf("ctrl+c should cancel once and keep running, cancelled=%d cmd=%v", cancelled, cmd)
	}
	if !strings.Contains(m.View(), "cancelling...") {
		t.Errorf("expected cancelling hint:\n%s", m.View())
	}
	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cancelled != 1 {
		t.Errorf("cancel called %d times", cancelled)
	}

	m, cmd = send(t, m, doneMsg{Err: context.Canceled})
	if !m.Finished() || cmd == nil {
		t.Fatal("done after cancel should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.Quit")
	}
}

func TestModelStaysOpenAfterRun(t *testing.T) {
	m := NewModel("t", nil)
	m, cmd := send(t, m, doneMsg{Summary: "All files verified"})
	if cmd != nil {
		t.Fatal("a finished run should wait for the user")
	}
	if view := m.View(); !strings.Contains(view, "All files verified") || !strings.Contains(view, "q: quit") {
		t.Errorf("unexpected view:\n%s", view)
	}
	m, _ = send(t, m, doneMsg{Err: errors.New("manifest unavailable")})
	if !strings.Contains(m.View(), "manifest unavailable") {
		t.Errorf("error should be shown when there is no summary:\n%s", m.View())
	}
	if _, cmd := send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}); cmd == nil {
		t.Error("q should quit a finished run")
	}
}

func TestModelShowsLogRecords(t *testing.T) {
	m := NewModel("t", nil)
	for i := 0; i < maxLogLines+2; i++ {
		m, _ = send(t, m, logRecordMsg{Summary: "transfer attempt failed", Level: slog.LevelWarn})
	}
	if len(m.logs) != maxLogLines {
		t.Errorf("logs = %d, want %d", len(m.logs), maxLogLines)
	}
	if !strings.Contains(m.View(), "transfer attempt failed") {
		t.Error("log record not rendered")
	}
}

func TestLogHandlerWithoutProgram(t *testing.T) {
	h := NewLogHandler(slog.LevelInfo)
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be filtered at info level")
	}
	logger := slog.New(h).With("path", "a.txt")
	logger.Info("dropped before SetProgram")
}

func TestUIRun(t *testing.T) {
	ui := New("gamesync", nil, slog.LevelInfo,
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
		tea.WithoutRenderer(),
		tea.WithoutSignalHandler(),
	)

	type result struct {
		m   Model
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := ui.Run()
		done <- result{m, err}
	}()

	logger := slog.New(ui.LogHandler()).WithGroup("transfer")
	ui.Notify(progress.Event{Phase: progress.PhaseFileDone, Path: "a.txt", Message: "Downloaded"})
	logger.Warn("retrying", "attempt", 2)
	ui.Done("All files verified", nil)
	ui.program.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if !r.m.Finished() || len(r.m.lines) != 1 || r.m.lines[0].text != "Downloaded: a.txt" {
			t.Errorf("unexpected final model %+v", r.m.lines)
		}
		if len(r.m.logs) != 1 || r.m.logs[0].Summary != "retrying (transfer.attempt=2)" {
			t.Errorf("logs = %+v", r.m.logs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("program did not exit")
	}
}
