// Package console renders progress events as status lines and a progress
// line on a terminal or a plain stream.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/BadgerOps/gamesync/internal/progress"
)

// stepPercent is how far a transfer must advance before a non-live
// renderer prints another progress line.
const stepPercent = 10

// Options controls rendering.
type Options struct {
	// Live rewrites the progress line in place with a carriage return.
	Live bool
	// Color enables ANSI colours.
	Color bool
}

// Renderer is a progress.Observer writing human-readable output.
type Renderer struct {
	mu   sync.Mutex
	out  io.Writer
	live bool

	// open is true while a live progress line is on screen without a
	// trailing newline.
	open    bool
	lastLen int
	buckets map[string]int

	success *color.Color
	info    *color.Color
	warn    *color.Color
	error   *color.Color
}

// New creates a Renderer writing to w.
func New(w io.Writer, opts Options) *Renderer {
	r := &Renderer{
		out:     w,
		live:    opts.Live,
		buckets: make(map[string]int),
		success: color.New(color.FgGreen, color.Bold),
		info:    color.New(color.FgBlue, color.Bold),
		warn:    color.New(color.FgYellow),
		error:   color.New(color.FgRed, color.Bold),
	}
	if opts.Color {
		for _, c := range []*color.Color{r.success, r.info, r.warn, r.error} {
			c.EnableColor()
		}
	} else {
		for _, c := range []*color.Color{r.success, r.info, r.warn, r.error} {
			c.DisableColor()
		}
	}
	return r
}

// ForFile creates a Renderer for f with live progress and colour enabled
// when f is a terminal. NO_COLOR disables colour.
func ForFile(f *os.File) *Renderer {
	tty := isTerminal(f)
	return New(f, Options{
		Live:  tty,
		Color: tty && os.Getenv("NO_COLOR") == "",
	})
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Notify renders one event.
func (r *Renderer) Notify(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Phase {
	case progress.PhaseManifest, progress.PhaseVerifying:
		if e.Message != "" {
			r.line(r.info.Sprint(e.Message))
		}
	case progress.PhaseChecking:
		// Silent; the terminal event for the file carries the status line.
	case progress.PhaseDownloading:
		if e.Message != "" {
			delete(r.buckets, e.Path)
			r.line(fmt.Sprintf("%s: %s", e.Message, e.Path))
			return
		}
		r.progress(e)
	case progress.PhaseExtracting:
		msg := "Extracting " + e.Path
		if e.Message != "" {
			msg += " (" + e.Message + ")"
		}
		r.line(r.info.Sprint(msg))
	case progress.PhaseFileDone:
		delete(r.buckets, e.Path)
		r.line(fmt.Sprintf("%s: %s", r.success.Sprint(e.Message), e.Path))
	case progress.PhaseFileFailed:
		delete(r.buckets, e.Path)
		r.line(fmt.Sprintf("%s: %s", r.error.Sprint(e.Message), e.Path))
	case progress.PhaseComplete:
		r.line(r.success.Sprint(e.Message))
	case progress.PhaseFailed:
		r.line(r.error.Sprint(e.Message))
	}
}

// Successf prints a highlighted success line.
func (r *Renderer) Successf(format string, args ...interface{}) {
	r.printf(r.success, format, args...)
}

// Infof prints an informational line.
func (r *Renderer) Infof(format string, args ...interface{}) {
	r.printf(nil, format, args...)
}

// Warnf prints a warning line.
func (r *Renderer) Warnf(format string, args ...interface{}) {
	r.printf(r.warn, format, args...)
}

// Errorf prints an error line.
func (r *Renderer) Errorf(format string, args ...interface{}) {
	r.printf(r.error, format, args...)
}

func (r *Renderer) printf(c *color.Color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if c != nil {
		msg = c.Sprint(msg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.line(msg)
}

// line writes a full line, terminating any open progress line first.
func (r *Renderer) line(s string) {
	r.closeProgress()
	fmt.Fprintln(r.out, s)
}

func (r *Renderer) closeProgress() {
	if r.open {
		fmt.Fprintln(r.out)
		r.open = false
		r.lastLen = 0
	}
}

func (r *Renderer) progress(e progress.Event) {
	text := FormatProgress(e.BytesDone, e.BytesTotal)
	if e.Attempt > 1 {
		text = fmt.Sprintf("%s [attempt %d]", text, e.Attempt)
	}

	if r.live {
		pad := ""
		if n := r.lastLen - len(text); n > 0 {
			pad = strings.Repeat(" ", n)
		}
		fmt.Fprintf(r.out, "\r%s%s", text, pad)
		r.open = true
		r.lastLen = len(text)
		return
	}

	// Plain streams get a line per step so logs stay readable.
	pct := e.Percent()
	if pct < 0 {
		return
	}
	bucket := int(pct) / stepPercent
	if last, ok := r.buckets[e.Path]; ok && bucket <= last {
		return
	}
	r.buckets[e.Path] = bucket
	fmt.Fprintln(r.out, text)
}

// FormatProgress renders "<pct>% (<done>) of <total>", or just "<done>"
// when the total is unknown.
func FormatProgress(done, total int64) string {
	if total <= 0 {
		return humanize.IBytes(uint64(done))
	}
	pct := float64(done) / float64(total) * 100
	return fmt.Sprintf("%.2f%% (%s) of %s", pct, humanize.IBytes(uint64(done)), humanize.IBytes(uint64(total)))
}
