package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/gamesync/internal/engine"
	"github.com/BadgerOps/gamesync/internal/failure"
	"github.com/BadgerOps/gamesync/internal/store"
)

const defaultRunLimit = 20

// RunJSON is the JSON representation of a recorded run.
type RunJSON struct {
	ID               int64     `json:"id"`
	Kind             string    `json:"kind"`
	Label            string    `json:"label"`
	CDN              string    `json:"cdn"`
	DryRun           bool      `json:"dry_run"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time,omitempty"`
	FilesTotal       int       `json:"files_total"`
	FilesVerified    int       `json:"files_verified"`
	FilesRepaired    int       `json:"files_repaired"`
	FilesFailed      int       `json:"files_failed"`
	FilesSkipped     int       `json:"files_skipped"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
}

// StatusJSON is the response of GET /api/status.
type StatusJSON struct {
	RootDir      string         `json:"root_dir"`
	Running      bool           `json:"running"`
	TrackedFiles int            `json:"tracked_files"`
	TrackedBytes int64          `json:"tracked_bytes"`
	FailedFiles  int            `json:"failed_files"`
	LastRun      *RunResultJSON `json:"last_run,omitempty"`
	Runs         []RunJSON      `json:"runs"`
}

// RunResultJSON summarises a background run started through the API.
type RunResultJSON struct {
	Kind       string    `json:"kind"`
	DryRun     bool      `json:"dry_run"`
	Label      string    `json:"label,omitempty"`
	Success    bool      `json:"success"`
	Verified   int       `json:"verified"`
	Repaired   int       `json:"repaired"`
	Failed     int       `json:"failed"`
	Unverified []string  `json:"unverified,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Error      string    `json:"error,omitempty"`
}

// FailedFileJSON is one open dead-letter entry.
type FailedFileJSON struct {
	ID             int64     `json:"id"`
	Path           string    `json:"path"`
	URL            string    `json:"url"`
	ExpectedDigest string    `json:"expected_digest"`
	Error          string    `json:"error"`
	Attempts       int       `json:"attempts"`
	RetryCount     int       `json:"retry_count"`
	FirstFailure   time.Time `json:"first_failure"`
	LastFailure    time.Time `json:"last_failure"`
}

func runToJSON(r store.Run) RunJSON {
	return RunJSON{
		ID:               r.ID,
		Kind:             r.Kind,
		Label:            r.Label,
		CDN:              r.CDN,
		DryRun:           r.DryRun,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		FilesTotal:       r.FilesTotal,
		FilesVerified:    r.FilesVerified,
		FilesRepaired:    r.FilesRepaired,
		FilesFailed:      r.FilesFailed,
		FilesSkipped:     r.FilesSkipped,
		BytesTransferred: r.BytesTransferred,
		Status:           r.Status,
		Error:            r.ErrorMessage,
	}
}

func reportToJSON(rep *engine.Report) *RunResultJSON {
	res := &RunResultJSON{}
	if rep == nil {
		return res
	}
	res.Label = rep.Label
	res.Success = rep.AllVerified()
	res.Verified = rep.Count(engine.FileVerified)
	res.Repaired = rep.Count(engine.FileRepaired)
	for _, f := range rep.Unverified() {
		res.Unverified = append(res.Unverified, f.Path)
	}
	res.Failed = len(res.Unverified)
	return res
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIStatus returns recent runs and history totals for the root.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	root := s.engine.Settings().RootDir
	resp := StatusJSON{
		RootDir: root,
		Running: s.Running(),
		LastRun: s.LastRun(),
		Runs:    []RunJSON{},
	}

	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			jsonError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if s.store != nil {
		runs, err := s.store.ListRuns(root, limit)
		if err != nil {
			s.logger.Error("failed to list runs", "error", err)
			jsonError(w, http.StatusInternalServerError, "failed to read run history")
			return
		}
		for _, run := range runs {
			resp.Runs = append(resp.Runs, runToJSON(run))
		}
		if n, err := s.store.CountFileRecords(root); err == nil {
			resp.TrackedFiles = n
		}
		if n, err := s.store.SumFileSize(root); err == nil {
			resp.TrackedBytes = n
		}
		if failed, err := s.store.ListFailedFiles(root); err == nil {
			resp.FailedFiles = len(failed)
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIProgress returns the tracker snapshot.
func (s *Server) handleAPIProgress(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

// handleAPIProgressStream pushes a snapshot every time the tracker changes
// until the run ends or the client goes away.
func (s *Server) handleAPIProgressStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	throttle := time.NewTicker(250 * time.Millisecond)
	defer throttle.Stop()

	for {
		wait := s.tracker.Wait()
		snap := s.tracker.Snapshot()
		if !snap.Running && !s.Running() {
			sendEvent("done", snap)
			return
		}
		sendEvent("progress", snap)

		select {
		case <-r.Context().Done():
			return
		case <-wait:
		}
		select {
		case <-r.Context().Done():
			return
		case <-throttle.C:
		}
	}
}

// handleAPIFailures lists open dead-letter entries for the root.
func (s *Server) handleAPIFailures(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	records, err := s.store.ListFailedFiles(s.engine.Settings().RootDir)
	if err != nil {
		s.logger.Error("failed to list failed files", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to read failed files")
		return
	}

	resp := make([]FailedFileJSON, 0, len(records))
	for _, rec := range records {
		resp = append(resp, FailedFileJSON{
			ID:             rec.ID,
			Path:           rec.FilePath,
			URL:            rec.URL,
			ExpectedDigest: rec.ExpectedDigest,
			Error:          rec.Error,
			Attempts:       rec.Attempts,
			RetryCount:     rec.RetryCount,
			FirstFailure:   rec.FirstFailure,
			LastFailure:    rec.LastFailure,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIFailureResolve marks one dead-letter entry resolved.
func (s *Server) handleAPIFailureResolve(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		jsonError(w, http.StatusBadRequest, "invalid failure id")
		return
	}
	if err := s.store.ResolveFailedFile(id); err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAPIMirrors probes the configured CDN bases.
func (s *Server) handleAPIMirrors(w http.ResponseWriter, r *http.Request) {
	if s.selector == nil || len(s.mirrors) == 0 {
		jsonError(w, http.StatusNotFound, "no mirrors configured")
		return
	}
	if r.URL.Query().Get("refresh") == "1" {
		s.selector.Invalidate()
	}
	s.writeJSON(w, http.StatusOK, s.selector.SpeedTest(r.Context(), s.mirrors))
}

func (s *Server) handleAPISync(w http.ResponseWriter, r *http.Request) {
	dryRun := queryBool(r, "dry_run")
	opts := engine.RunOptions{DryRun: dryRun, Force: queryBool(r, "force")}
	s.dispatch(w, store.KindSync, dryRun, func(ctx context.Context, lockHeld bool) (*RunResultJSON, error) {
		opts.LockHeld = lockHeld
		rep, err := s.engine.Sync(ctx, opts)
		return reportToJSON(rep), err
	})
}

func (s *Server) handleAPIVerify(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, store.KindVerify, true, func(ctx context.Context, _ bool) (*RunResultJSON, error) {
		rep, err := s.engine.Verify(ctx)
		return reportToJSON(rep), err
	})
}

func (s *Server) handleAPIUpdate(w http.ResponseWriter, r *http.Request) {
	dryRun := queryBool(r, "dry_run")
	opts := engine.RunOptions{DryRun: dryRun, Force: queryBool(r, "force")}
	s.dispatch(w, store.KindUpdate, dryRun, func(ctx context.Context, lockHeld bool) (*RunResultJSON, error) {
		opts.LockHeld = lockHeld
		rep, err := s.engine.Update(ctx, opts)
		if rep == nil {
			return nil, err
		}
		res := reportToJSON(rep.Files)
		if rep.Release != nil {
			res.Label = rep.Release.Label
		}
		res.Success = err == nil && rep.OK()
		return res, err
	})
}

// dispatch starts a background run and answers 202, or 409 when busy.
func (s *Server) dispatch(w http.ResponseWriter, kind string, dryRun bool, fn func(ctx context.Context, lockHeld bool) (*RunResultJSON, error)) {
	err := s.startRun(kind, dryRun, fn)
	switch {
	case errors.Is(err, errBusy), errors.Is(err, failure.ErrRunInProgress):
		jsonError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("failed to start run", "kind", kind, "error", err)
		jsonError(w, http.StatusInternalServerError, failure.Describe(err, false))
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"started": true,
			"kind":    kind,
			"dry_run": dryRun,
		})
	}
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func jsonError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
