// Package download fetches single remote files to disk with byte-range
// resume, digest verification and a bounded attempt count.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/gamesync/internal/checksum"
	"github.com/BadgerOps/gamesync/internal/failure"
	"github.com/BadgerOps/gamesync/internal/metrics"
	"github.com/BadgerOps/gamesync/internal/safety"
)

// DefaultMaxAttempts caps attempts per file when neither the request nor the
// client sets a limit.
const DefaultMaxAttempts = 3

const copyBufferSize = 32 * 1024

// Outcome is the final state of one Fetch call.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFailed           Outcome = "failed"
	OutcomeExhaustedRetries Outcome = "exhausted_retries"
	OutcomePlanned          Outcome = "planned"
)

// ProgressFunc is called after every chunk written to disk. bytesTotal is 0
// when the server did not report a size.
type ProgressFunc func(attempt int, bytesDone, bytesTotal int64)

// Request describes one file transfer.
type Request struct {
	URL            string
	DestPath       string
	ExpectedDigest string // hex digest, empty to skip verification
	MaxAttempts    int    // 0 uses the client default
	DryRun         bool
	Fresh          bool // discard any existing file instead of resuming it
	OnProgress     ProgressFunc
}

// Result reports what Fetch did. It is returned for every outcome.
type Result struct {
	Outcome  Outcome
	Attempts int
	Bytes    int64 // size of the file on disk when the transfer ended
	Resumed  bool  // the final attempt continued from a non-zero offset
	Digest   string
	Duration time.Duration
	Err      error
}

// Options configures a Client.
type Options struct {
	HTTPClient     *http.Client
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // a body read idle for this long fails the attempt
	Hasher         *checksum.Hasher
	MaxAttempts    int
	RetryBackoff   bool
	UserAgent      string
}

// Client performs HTTP transfers with resume, retries and validation.
type Client struct {
	httpClient   *http.Client
	logger       *slog.Logger
	userAgent    string
	hasher       *checksum.Hasher
	maxAttempts  int
	stallTimeout time.Duration
	backoffFunc  func(attempt int) time.Duration
}

// NewClient creates a transfer client.
func NewClient(logger *slog.Logger, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.HTTPClient == nil {
		// No overall Timeout: large bodies take as long as they take. The
		// stall timer and the context bound each attempt instead.
		opts.HTTPClient = &http.Client{
			Transport: safety.NewTransport(opts.ConnectTimeout, opts.ReadTimeout),
		}
	}
	if opts.Hasher == nil {
		opts.Hasher = checksum.New(checksum.MD5)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "gamesync/1.0"
	}

	c := &Client{
		httpClient:   opts.HTTPClient,
		logger:       logger,
		userAgent:    opts.UserAgent,
		hasher:       opts.Hasher,
		maxAttempts:  opts.MaxAttempts,
		stallTimeout: opts.ReadTimeout,
	}
	if opts.RetryBackoff {
		c.backoffFunc = calculateBackoffDelay
	}
	return c
}

// Hasher returns the digest function used for verification.
func (c *Client) Hasher() *checksum.Hasher {
	return c.hasher
}

// Fetch transfers req.URL to req.DestPath. A partial file left by an
// interrupted transfer is resumed from its length. A file that cannot be
// verified against a digest is never resumed: without ExpectedDigest, or with
// Fresh set, any existing file is discarded first. A resumed transfer that
// fails verification is restarted from zero within the same attempt; a
// from-zero transfer with the wrong digest is discarded and consumes the
// attempt. Network and verification failures consume one attempt each; local
// IO failures and cancellation end the transfer immediately.
//
// The returned error is nil only for OutcomeSuccess and OutcomePlanned, and
// is always the same value as Result.Err.
func (c *Client) Fetch(ctx context.Context, req Request) (*Result, error) {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}

	start := time.Now()
	res := &Result{}

	fresh := req.Fresh || req.ExpectedDigest == ""

	if req.DryRun {
		offset, err := existingSize(req.DestPath)
		if err != nil {
			res.Outcome = OutcomeFailed
			res.Err = err
			return res, err
		}
		if fresh {
			offset = 0
		}
		res.Outcome = OutcomePlanned
		res.Bytes = offset
		res.Resumed = offset > 0
		c.logger.Info("would download", "url", req.URL, "path", req.DestPath, "offset", offset)
		return res, nil
	}

	// Partials written by earlier attempts of this call belong to the same
	// resource, so only files from before the call are discarded.
	if fresh {
		if err := removeFile(req.DestPath); err != nil {
			return c.finish(res, start, OutcomeFailed, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return c.finish(res, start, OutcomeFailed, fmt.Errorf("transfer cancelled: %w", err))
		}
		res.Attempts = attempt

		a, err := c.attempt(ctx, req, attempt)
		res.Bytes = a.bytes
		res.Resumed = a.offset > 0
		if err == nil {
			metrics.TransferAttempts.WithLabelValues("success").Inc()
			res.Digest = a.digest
			c.logger.Debug("transfer complete", "url", req.URL, "path", req.DestPath, "attempt", attempt, "bytes", a.bytes)
			return c.finish(res, start, OutcomeSuccess, nil)
		}

		lastErr = err
		metrics.TransferAttempts.WithLabelValues(attemptLabel(ctx, err)).Inc()

		// Cancellation keeps the partial file so the next run resumes it.
		if ctx.Err() != nil {
			return c.finish(res, start, OutcomeFailed, fmt.Errorf("transfer cancelled: %w", ctx.Err()))
		}
		if !failure.IsTransient(err) {
			c.logger.Error("transfer failed", "url", req.URL, "path", req.DestPath, "attempt", attempt, "error", err)
			return c.finish(res, start, OutcomeFailed, err)
		}

		var verErr *failure.VerificationError
		if errors.As(err, &verErr) {
			res.Digest = verErr.Actual
			if rmErr := removeFile(req.DestPath); rmErr != nil {
				return c.finish(res, start, OutcomeFailed, rmErr)
			}
			res.Bytes = 0
		}
		c.logger.Warn("transfer attempt failed", "url", req.URL, "attempt", attempt, "max_attempts", maxAttempts, "error", err)

		if attempt < maxAttempts && c.backoffFunc != nil {
			delay := c.backoffFunc(attempt)
			c.logger.Debug("retrying transfer", "url", req.URL, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return c.finish(res, start, OutcomeFailed, fmt.Errorf("transfer cancelled during retry: %w", ctx.Err()))
			}
		}
	}

	err := fmt.Errorf("%s after %d attempts: %w: %w", req.URL, res.Attempts, failure.ErrExhaustedRetries, lastErr)
	c.logger.Error("transfer gave up", "url", req.URL, "path", req.DestPath, "attempts", res.Attempts, "error", lastErr)
	return c.finish(res, start, OutcomeExhaustedRetries, err)
}

func (c *Client) finish(res *Result, start time.Time, outcome Outcome, err error) (*Result, error) {
	res.Outcome = outcome
	res.Err = err
	res.Duration = time.Since(start)
	return res, err
}

type attemptState struct {
	offset int64
	bytes  int64
	digest string
}

// errRestart asks attempt to drop the local file and start from zero.
var errRestart = errors.New("local file is larger than the remote resource")

// attempt performs one transfer attempt. It restarts from zero at most once
// when the local file cannot belong to the remote resource, either because
// it is larger than the remote or because the resumed result failed
// verification. Only a from-zero transfer reports a VerificationError.
func (c *Client) attempt(ctx context.Context, req Request, attempt int) (attemptState, error) {
	offset, err := existingSize(req.DestPath)
	if err != nil {
		return attemptState{}, err
	}
	if dir := filepath.Dir(req.DestPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return attemptState{offset: offset, bytes: offset}, &failure.LocalIOError{Op: "create directory", Path: dir, Err: err}
		}
	}

	st, err := c.transferOnce(ctx, req, offset, attempt)
	if errors.Is(err, errRestart) {
		c.logger.Warn("partial file exceeds remote size, restarting from zero", "path", req.DestPath, "offset", offset)
		return c.restart(ctx, req, attempt)
	}
	if err != nil {
		return st, err
	}

	sum, err := c.verify(req)
	var verErr *failure.VerificationError
	if st.offset > 0 && errors.As(err, &verErr) {
		c.logger.Warn("resumed file failed verification, restarting from zero", "path", req.DestPath, "offset", st.offset)
		return c.restart(ctx, req, attempt)
	}
	st.digest = sum
	return st, err
}

// restart discards the local file and transfers the resource from zero.
func (c *Client) restart(ctx context.Context, req Request, attempt int) (attemptState, error) {
	if err := removeFile(req.DestPath); err != nil {
		return attemptState{}, err
	}
	st, err := c.transferOnce(ctx, req, 0, attempt)
	if errors.Is(err, errRestart) {
		err = &failure.NetworkError{Op: "transfer", URL: req.URL, Err: err}
	}
	if err != nil {
		return st, err
	}
	st.digest, err = c.verify(req)
	return st, err
}

// verify checks the file on disk against req.ExpectedDigest and returns the
// matching digest, or "" when there is nothing to check.
func (c *Client) verify(req Request) (string, error) {
	if req.ExpectedDigest == "" {
		return "", nil
	}
	sum, present, err := c.hasher.Digest(req.DestPath)
	if err != nil {
		return "", &failure.LocalIOError{Op: "hash", Path: req.DestPath, Err: err}
	}
	if !present || !checksum.Equal(sum, req.ExpectedDigest) {
		return "", &failure.VerificationError{Path: req.DestPath, Expected: req.ExpectedDigest, Actual: sum}
	}
	return sum, nil
}

// transferOnce issues one GET from offset and streams the body to disk.
func (c *Client) transferOnce(ctx context.Context, req Request, offset int64, attempt int) (attemptState, error) {
	st := attemptState{offset: offset, bytes: offset}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return st, &failure.NetworkError{Op: "transfer", URL: req.URL, Err: err}
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return st, &failure.NetworkError{Op: "transfer", URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	var total int64
	appendMode := false
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_, _, remoteTotal, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok && remoteTotal >= 0 && offset > remoteTotal {
			return st, errRestart
		}
		c.logger.Debug("range not satisfiable, file already complete", "url", req.URL, "offset", offset)
		return st, nil

	case resp.StatusCode == http.StatusPartialContent:
		start, _, remoteTotal, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			return st, &failure.NetworkError{Op: "transfer", URL: req.URL,
				Err: fmt.Errorf("unexpected Content-Range %q for offset %d", resp.Header.Get("Content-Range"), offset)}
		}
		if remoteTotal >= 0 {
			if offset > remoteTotal {
				return st, errRestart
			}
			total = remoteTotal
		} else if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
		appendMode = true

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Full body: the server ignored or was not sent a range.
		if offset > 0 {
			c.logger.Debug("server ignored range, restarting", "url", req.URL, "offset", offset)
		}
		offset = 0
		st.offset = 0
		if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return st, &failure.NetworkError{Op: "transfer", URL: req.URL, StatusCode: resp.StatusCode}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(req.DestPath, flags, 0644)
	if err != nil {
		return st, &failure.LocalIOError{Op: "open", Path: req.DestPath, Err: err}
	}

	body := newStallReader(resp.Body, c.stallTimeout, cancel)
	defer body.stop()

	reader := &progressReader{
		reader:   body,
		callback: req.OnProgress,
		attempt:  attempt,
		current:  offset,
		total:    total,
	}

	written, copyErr := copyBody(file, reader)
	closeErr := file.Close()
	st.bytes = offset + written

	if copyErr != nil {
		var ioErr *failure.LocalIOError
		if errors.As(copyErr, &ioErr) {
			ioErr.Path = req.DestPath
			return st, ioErr
		}
		if body.stalled() {
			copyErr = fmt.Errorf("no data for %s: %w", c.stallTimeout, copyErr)
		}
		return st, &failure.NetworkError{Op: "transfer", URL: req.URL, Err: copyErr}
	}
	if closeErr != nil {
		return st, &failure.LocalIOError{Op: "close", Path: req.DestPath, Err: closeErr}
	}

	if total > 0 {
		switch {
		case st.bytes < total:
			return st, &failure.NetworkError{Op: "transfer", URL: req.URL,
				Err: fmt.Errorf("stream ended at %d of %d bytes", st.bytes, total)}
		case st.bytes > total:
			return st, errRestart
		}
	}
	return st, nil
}

// copyBody copies src into dst, separating local write failures from
// network read failures.
func copyBody(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			metrics.TransferBytes.Add(float64(w))
			if werr != nil {
				return written, &failure.LocalIOError{Op: "write", Err: werr}
			}
			if w != n {
				return written, &failure.LocalIOError{Op: "write", Err: io.ErrShortWrite}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// removeFile deletes path, treating an absent file as success.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &failure.LocalIOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// existingSize returns the length of a partial file, 0 when absent.
func existingSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 0, nil
	case err != nil:
		return 0, &failure.LocalIOError{Op: "stat", Path: path, Err: err}
	case fi.IsDir():
		return 0, &failure.LocalIOError{Op: "stat", Path: path, Err: fmt.Errorf("is a directory")}
	}
	return fi.Size(), nil
}

// parseContentRange parses "bytes start-end/total" and "bytes */total".
// total is -1 when the server sends "*".
func parseContentRange(h string) (start, end, total int64, ok bool) {
	h = strings.TrimSpace(h)
	rest, found := strings.CutPrefix(h, "bytes ")
	if !found {
		return 0, 0, 0, false
	}
	rng, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, 0, false
	}

	total = -1
	if size != "*" {
		v, err := strconv.ParseInt(size, 10, 64)
		if err != nil || v < 0 {
			return 0, 0, 0, false
		}
		total = v
	}

	if rng == "*" {
		return -1, -1, total, true
	}
	s, e, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, 0, false
	}
	var err error
	if start, err = strconv.ParseInt(s, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if end, err = strconv.ParseInt(e, 10, 64); err != nil || end < start {
		return 0, 0, 0, false
	}
	return start, end, total, true
}

func attemptLabel(ctx context.Context, err error) string {
	var verErr *failure.VerificationError
	var ioErr *failure.LocalIOError
	switch {
	case ctx.Err() != nil:
		return "cancelled"
	case errors.As(err, &verErr):
		return "checksum_mismatch"
	case errors.As(err, &ioErr):
		return "io_error"
	default:
		return "network_error"
	}
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	attempt  int
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if pr.callback != nil {
			pr.callback(pr.attempt, pr.current, pr.total)
		}
	}
	return n, err
}

// stallReader cancels the request when no bytes arrive for timeout.
type stallReader struct {
	reader  io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newStallReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *stallReader {
	sr := &stallReader{reader: r, timeout: timeout}
	sr.timer = time.AfterFunc(timeout, func() {
		sr.fired.Store(true)
		cancel()
	})
	return sr
}

func (sr *stallReader) Read(p []byte) (int, error) {
	n, err := sr.reader.Read(p)
	if n > 0 {
		sr.timer.Reset(sr.timeout)
	}
	return n, err
}

func (sr *stallReader) stalled() bool {
	return sr.fired.Load()
}

func (sr *stallReader) stop() {
	sr.timer.Stop()
}
