package tui

import (
	"fmt"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/BadgerOps/gamesync/internal/progress"
)

// UI owns the bubbletea program. It is a progress.Observer. Run must be
// called on the main goroutine while the updater runs elsewhere.
type UI struct {
	program *tea.Program
	logs    *LogHandler
}

// New creates the UI. cancel stops the run when the user quits early.
func New(title string, cancel func(), level slog.Leveler, opts ...tea.ProgramOption) *UI {
	logs := NewLogHandler(level)
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	program := tea.NewProgram(NewModel(title, cancel), opts...)
	logs.SetProgram(program)
	return &UI{program: program, logs: logs}
}

// Notify forwards a progress event to the model.
func (u *UI) Notify(e progress.Event) {
	u.program.Send(eventMsg(e))
}

// LogHandler returns a slog handler that writes into the view.
func (u *UI) LogHandler() slog.Handler {
	return u.logs
}

// Done reports the end of the run. The view stays up until the user quits.
func (u *UI) Done(summary string, err error) {
	u.program.Send(doneMsg{Summary: summary, Err: err})
}

// Run blocks until the user quits and returns the final model.
func (u *UI) Run() (Model, error) {
	final, err := u.program.Run()
	if err != nil {
		return Model{}, fmt.Errorf("running terminal UI: %w", err)
	}
	m, _ := final.(Model)
	return m, nil
}
