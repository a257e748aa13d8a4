package failure

import (
	"errors"
	"fmt"
	"strings"
)

// ErrExhaustedRetries is wrapped around the last cause once a file has used
// up its attempt cap.
var ErrExhaustedRetries = errors.New("exhausted retries")

// ErrRunInProgress is returned when another run already holds the root directory.
var ErrRunInProgress = errors.New("another run is active for this root directory")

// NetworkError covers connection failures, timeouts and non-2xx responses.
type NetworkError struct {
	Op         string // "fetch pointer", "fetch manifest", "transfer", ...
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: http status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ManifestFormatError means a manifest or pointer body could not be parsed.
type ManifestFormatError struct {
	URL string
	Err error
}

func (e *ManifestFormatError) Error() string {
	return fmt.Sprintf("malformed manifest %s: %v", e.URL, e.Err)
}

func (e *ManifestFormatError) Unwrap() error { return e.Err }

// VerificationError is a digest mismatch after a complete transfer.
type VerificationError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: got %s, expected %s", e.Path, e.Actual, e.Expected)
}

// CorruptArchiveError means a bundle could not be opened or unpacked.
type CorruptArchiveError struct {
	Path string
	Err  error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("corrupt archive %s: %v", e.Path, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// LocalIOError is a failure to create directories or write files.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// IsTransient reports whether err should count as a retryable attempt.
// Network and verification failures are transient; local IO failures are not.
func IsTransient(err error) bool {
	var netErr *NetworkError
	var verErr *VerificationError
	return errors.As(err, &netErr) || errors.As(err, &verErr)
}

// Describe renders err as a status line. Without verbose only the
// outermost classification is shown.
func Describe(err error, verbose bool) string {
	if err == nil {
		return ""
	}
	if verbose {
		return err.Error()
	}

	var (
		netErr  *NetworkError
		fmtErr  *ManifestFormatError
		verErr  *VerificationError
		arcErr  *CorruptArchiveError
		ioErr   *LocalIOError
		summary string
	)
	switch {
	case errors.As(err, &verErr):
		summary = "checksum mismatch"
	case errors.As(err, &fmtErr):
		summary = "manifest could not be parsed"
	case errors.As(err, &arcErr):
		summary = "archive is corrupt"
	case errors.As(err, &ioErr):
		summary = "cannot write " + ioErr.Path
	case errors.As(err, &netErr):
		if netErr.StatusCode != 0 {
			summary = fmt.Sprintf("server returned %d", netErr.StatusCode)
		} else {
			summary = "network error"
		}
	case errors.Is(err, ErrRunInProgress):
		summary = ErrRunInProgress.Error()
	default:
		return err.Error()
	}

	if errors.Is(err, ErrExhaustedRetries) {
		summary = "gave up after retries: " + summary
	}
	return strings.TrimSpace(summary)
}
