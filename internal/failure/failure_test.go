package failure

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", &NetworkError{Op: "transfer", URL: "http://x", Err: io.ErrUnexpectedEOF}, true},
		{"wrapped network", fmt.Errorf("attempt 2: %w", &NetworkError{Op: "transfer", StatusCode: 503}), true},
		{"verification", &VerificationError{Path: "a", Expected: "1", Actual: "2"}, true},
		{"local io", &LocalIOError{Op: "mkdir", Path: "/x", Err: errors.New("denied")}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	exhausted := fmt.Errorf("%w: %w", ErrExhaustedRetries, &VerificationError{Path: "b.txt", Expected: "aa", Actual: "bb"})

	if got := Describe(exhausted, false); got != "gave up after retries: checksum mismatch" {
		t.Errorf("Describe(short) = %q", got)
	}
	if got := Describe(exhausted, true); !strings.Contains(got, "b.txt") {
		t.Errorf("Describe(verbose) = %q, want path in message", got)
	}
	if got := Describe(&NetworkError{Op: "fetch", URL: "u", StatusCode: 404}, false); got != "server returned 404" {
		t.Errorf("Describe(404) = %q", got)
	}
	if got := Describe(nil, true); got != "" {
		t.Errorf("Describe(nil) = %q, want empty", got)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("writing: %w", &LocalIOError{Op: "write", Path: "/tmp/a", Err: cause})
	if !errors.Is(err, cause) {
		t.Fatal("expected LocalIOError to unwrap to its cause")
	}

	var arc *CorruptArchiveError
	if !errors.As(fmt.Errorf("x: %w", &CorruptArchiveError{Path: "b.zip", Err: cause}), &arc) || arc.Path != "b.zip" {
		t.Fatalf("expected CorruptArchiveError via errors.As, got %v", arc)
	}
}
