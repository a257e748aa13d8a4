package progress

import (
	"sort"
	"sync"
	"time"
)

// FileEvent records a completed or failed file for the recent activity log.
type FileEvent struct {
	Path   string `json:"path"`
	Status string `json:"status"` // "completed", "failed"
	Error  string `json:"error,omitempty"`
}

// FileProgress tracks the download state of an individual file.
type FileProgress struct {
	Path            string `json:"path"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	TotalBytes      int64  `json:"total_bytes"`
	Attempt         int    `json:"attempt"`
}

// Snapshot is a copy of the current run state, safe for JSON serialization.
type Snapshot struct {
	Phase           Phase          `json:"phase"`
	Running         bool           `json:"running"`
	CheckedFiles    int            `json:"checked_files"`
	CompletedFiles  int            `json:"completed_files"`
	FailedFiles     int            `json:"failed_files"`
	BytesDownloaded int64          `json:"bytes_downloaded"`
	TotalRetries    int            `json:"total_retries"`
	CurrentFiles    []FileProgress `json:"current_files,omitempty"`
	RecentEvents    []FileEvent    `json:"recent_events,omitempty"`
	BytesPerSecond  int64          `json:"bytes_per_second"`
	StartTime       time.Time      `json:"start_time"`
	Elapsed         string         `json:"elapsed"`
	Message         string         `json:"message,omitempty"`
}

// Tracker folds events into a snapshot for pollers. It is an Observer.
type Tracker struct {
	mu sync.Mutex

	phase           Phase
	running         bool
	checkedFiles    int
	completedFiles  int
	failedFiles     int
	bytesDownloaded int64
	totalRetries    int
	startTime       time.Time
	message         string

	// Per-file progress keyed by path, removed when the file finishes.
	files map[string]*FileProgress

	// Rolling log of recent completed/failed files (capped at 20)
	recentEvents []FileEvent

	// Close-and-replace notification channel; see Wait.
	notify chan struct{}
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{
		files:  make(map[string]*FileProgress),
		notify: make(chan struct{}),
	}
}

// Notify implements Observer.
func (t *Tracker) Notify(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Phase {
	case PhaseManifest:
		t.reset()
		t.running = true
		t.phase = e.Phase
	case PhaseChecking:
		t.checkedFiles++
	case PhaseDownloading:
		t.phase = e.Phase
		fp, ok := t.files[e.Path]
		if !ok {
			fp = &FileProgress{Path: e.Path}
			t.files[e.Path] = fp
		}
		if e.Attempt > fp.Attempt && fp.Attempt > 0 {
			t.totalRetries += e.Attempt - fp.Attempt
		}
		if e.BytesDone > fp.BytesDownloaded {
			t.bytesDownloaded += e.BytesDone - fp.BytesDownloaded
		}
		fp.BytesDownloaded = e.BytesDone
		fp.TotalBytes = e.BytesTotal
		fp.Attempt = e.Attempt
	case PhaseVerifying, PhaseExtracting:
		t.phase = e.Phase
	case PhaseFileDone:
		delete(t.files, e.Path)
		t.completedFiles++
		t.addRecentEvent(FileEvent{Path: e.Path, Status: "completed"})
	case PhaseFileFailed:
		delete(t.files, e.Path)
		t.failedFiles++
		t.addRecentEvent(FileEvent{Path: e.Path, Status: "failed", Error: e.Message})
	case PhaseComplete, PhaseFailed:
		t.phase = e.Phase
		t.running = false
	}
	if e.Message != "" {
		t.message = e.Message
	}
	t.signal()
}

// reset clears counters for a new run. Must be called with t.mu held.
func (t *Tracker) reset() {
	t.checkedFiles = 0
	t.completedFiles = 0
	t.failedFiles = 0
	t.bytesDownloaded = 0
	t.totalRetries = 0
	t.files = make(map[string]*FileProgress)
	t.recentEvents = nil
	t.startTime = time.Now()
	t.message = ""
}

// Snapshot returns a copy of the current progress state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	currentFiles := make([]FileProgress, 0, len(t.files))
	for _, fp := range t.files {
		currentFiles = append(currentFiles, *fp)
	}
	sort.Slice(currentFiles, func(i, j int) bool {
		return currentFiles[i].Path < currentFiles[j].Path
	})

	recentEvents := make([]FileEvent, len(t.recentEvents))
	copy(recentEvents, t.recentEvents)

	var elapsed time.Duration
	if !t.startTime.IsZero() {
		elapsed = time.Since(t.startTime)
	}
	var bytesPerSecond int64
	if elapsed > time.Second && t.bytesDownloaded > 0 {
		bytesPerSecond = int64(float64(t.bytesDownloaded) / elapsed.Seconds())
	}

	return Snapshot{
		Phase:           t.phase,
		Running:         t.running,
		CheckedFiles:    t.checkedFiles,
		CompletedFiles:  t.completedFiles,
		FailedFiles:     t.failedFiles,
		BytesDownloaded: t.bytesDownloaded,
		TotalRetries:    t.totalRetries,
		CurrentFiles:    currentFiles,
		RecentEvents:    recentEvents,
		BytesPerSecond:  bytesPerSecond,
		StartTime:       t.startTime,
		Elapsed:         elapsed.Truncate(time.Second).String(),
		Message:         t.message,
	}
}

// Wait returns a channel that will be closed when the next update occurs.
// Callers should select on this channel alongside a timeout for heartbeats.
func (t *Tracker) Wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

// signal closes the current notify channel and replaces it with a new one.
// Must be called with t.mu held.
func (t *Tracker) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// addRecentEvent prepends an event to the rolling log, capping at 20. Must be called with t.mu held.
func (t *Tracker) addRecentEvent(ev FileEvent) {
	t.recentEvents = append([]FileEvent{ev}, t.recentEvents...)
	if len(t.recentEvents) > 20 {
		t.recentEvents = t.recentEvents[:20]
	}
}
