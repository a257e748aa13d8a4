// Package progress carries structured progress events from the updater core
// to whatever renders them (console, TUI, status API).
package progress

import "sync"

// Phase is the stage a run or a single file is in.
type Phase string

const (
	PhaseManifest    Phase = "manifest"
	PhaseChecking    Phase = "checking"
	PhaseDownloading Phase = "downloading"
	PhaseVerifying   Phase = "verifying"
	PhaseExtracting  Phase = "extracting"
	PhaseFileDone    Phase = "file_done"
	PhaseFileFailed  Phase = "file_failed"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

// Event is one progress update. BytesTotal is 0 when the size is unknown.
type Event struct {
	Phase      Phase
	Path       string
	BytesDone  int64
	BytesTotal int64
	Attempt    int
	Message    string
}

// Percent returns the completion percentage, or -1 when the total is unknown.
func (e Event) Percent() float64 {
	if e.BytesTotal <= 0 {
		return -1
	}
	return float64(e.BytesDone) / float64(e.BytesTotal) * 100
}

// Observer receives events. Implementations must be safe for concurrent use
// when the worker pool is enabled.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Discard drops every event.
var Discard Observer = ObserverFunc(func(Event) {})

// Multi fans events out to several observers.
type Multi struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewMulti creates a fan-out observer. Nil observers are skipped.
func NewMulti(observers ...Observer) *Multi {
	m := &Multi{}
	for _, o := range observers {
		m.Add(o)
	}
	return m
}

// Add registers another observer.
func (m *Multi) Add(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Multi) Notify(e Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.observers {
		o.Notify(e)
	}
}
