// Package tui is the full-screen renderer used with --gui. Progress events
// and log records reach the bubbletea program as messages.
package tui

import (
	"fmt"
	"log/slog"
	"strings"

	progressbar "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/gamesync/internal/progress"
)

const (
	maxStatusLines = 12
	maxLogLines    = 4
	defaultWidth   = 60
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
	summaryStyle = lipgloss.NewStyle().Bold(true).MarginTop(1)
)

// eventMsg carries one progress event into the model.
type eventMsg progress.Event

// doneMsg reports that the run has returned.
type doneMsg struct {
	Summary string
	Err     error
}

// statusLine is one rendered per-file line.
type statusLine struct {
	text string
	ok   bool
}

// Model is the bubbletea model for a single run.
type Model struct {
	title  string
	cancel func()
	bar    progressbar.Model
	width  int

	phase   string
	current string
	done    int64
	total   int64
	attempt int

	lines []statusLine
	logs  []logRecordMsg

	cancelling bool
	finished   bool
	summary    string
	err        error
}

// NewModel creates a model. cancel is called when the user quits before
// the run has finished.
func NewModel(title string, cancel func()) Model {
	if cancel == nil {
		cancel = func() {}
	}
	return Model{
		title:  title,
		cancel: cancel,
		bar:    progressbar.New(progressbar.WithDefaultGradient(), progressbar.WithWidth(defaultWidth)),
		width:  defaultWidth,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(msg.Width-4, 100))
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if m.finished {
				return m, tea.Quit
			}
			if !m.cancelling {
				m.cancelling = true
				m.cancel()
			}
		}
		return m, nil

	case eventMsg:
		m.apply(progress.Event(msg))
		return m, nil

	case logRecordMsg:
		m.logs = append(m.logs, msg)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		return m, nil

	case doneMsg:
		m.finished = true
		m.summary = msg.Summary
		m.err = msg.Err
		if m.cancelling {
			return m, tea.Quit
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) apply(e progress.Event) {
	switch e.Phase {
	case progress.PhaseManifest, progress.PhaseVerifying:
		m.phase = e.Message
	case progress.PhaseExtracting:
		m.phase = "Extracting " + e.Path
	case progress.PhaseDownloading:
		if m.current != e.Path {
			m.done, m.total = 0, 0
		}
		m.current = e.Path
		m.attempt = e.Attempt
		if e.Message != "" {
			m.push(fmt.Sprintf("%s: %s", e.Message, e.Path), true)
			return
		}
		m.done, m.total = e.BytesDone, e.BytesTotal
	case progress.PhaseFileDone:
		m.push(fmt.Sprintf("%s: %s", e.Message, e.Path), true)
		m.clearCurrent(e.Path)
	case progress.PhaseFileFailed:
		m.push(fmt.Sprintf("%s: %s", e.Message, e.Path), false)
		m.clearCurrent(e.Path)
	case progress.PhaseComplete, progress.PhaseFailed:
		m.phase = e.Message
		m.current = ""
	}
}

func (m *Model) push(text string, ok bool) {
	m.lines = append(m.lines, statusLine{text: text, ok: ok})
	if len(m.lines) > maxStatusLines {
		m.lines = m.lines[len(m.lines)-maxStatusLines:]
	}
}

func (m *Model) clearCurrent(path string) {
	if m.current == path {
		m.current = ""
		m.done, m.total = 0, 0
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n")
	if m.phase != "" {
		b.WriteString(m.phase)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for _, l := range m.lines {
		if l.ok {
			b.WriteString(okStyle.Render(l.text))
		} else {
			b.WriteString(errStyle.Render(l.text))
		}
		b.WriteString("\n")
	}

	if m.current != "" {
		b.WriteString("\n")
		b.WriteString(m.current)
		if m.attempt > 1 {
			b.WriteString(warnStyle.Render(fmt.Sprintf(" (attempt %d)", m.attempt)))
		}
		b.WriteString("\n")
		if m.total > 0 {
			b.WriteString(m.bar.ViewAs(float64(m.done) / float64(m.total)))
			b.WriteString("\n")
		}
		b.WriteString(dimStyle.Render(byteProgress(m.done, m.total)))
		b.WriteString("\n")
	}

	if m.finished {
		style := summaryStyle.Foreground(lipgloss.Color("10"))
		text := m.summary
		if m.err != nil {
			style = summaryStyle.Foreground(lipgloss.Color("9"))
			if text == "" {
				text = m.err.Error()
			}
		}
		b.WriteString(style.Render(text))
		b.WriteString("\n")
	}

	if len(m.logs) > 0 {
		b.WriteString("\n")
		for _, l := range m.logs {
			style := dimStyle
			if l.Level >= slog.LevelError {
				style = errStyle
			} else if l.Level >= slog.LevelWarn {
				style = warnStyle
			}
			b.WriteString(style.Render(l.Summary))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	switch {
	case m.finished:
		b.WriteString(dimStyle.Render("q: quit"))
	case m.cancelling:
		b.WriteString(dimStyle.Render("cancelling..."))
	default:
		b.WriteString(dimStyle.Render("q: cancel"))
	}
	b.WriteString("\n")
	return b.String()
}

// Finished reports whether the run has returned.
func (m Model) Finished() bool {
	return m.finished
}

func byteProgress(done, total int64) string {
	if total <= 0 {
		return humanize.IBytes(uint64(done))
	}
	return fmt.Sprintf("%s / %s", humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
}
