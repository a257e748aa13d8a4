// Package manifest fetches the release pointer and the checksum manifest
// published next to it.
package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/BadgerOps/gamesync/internal/safety"
)

// ManifestName is the file published under each release base.
const ManifestName = "checksums.json"

// Entry is one expected file.
type Entry struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}

// Manifest maps relative paths to hex digests, in document order.
type Manifest struct {
	Entries []Entry
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	return len(m.Entries)
}

// Lookup returns the digest for path.
func (m *Manifest) Lookup(path string) (string, bool) {
	for _, e := range m.Entries {
		if e.Path == path {
			return e.Digest, true
		}
	}
	return "", false
}

// Release identifies the current release and its manifest.
type Release struct {
	Label        string // pointer token, e.g. "YandereSimApril15th/"
	BaseURL      string // CDN + label; files are fetched from BaseURL + path
	Bundle       string // optional bundle file name (bundle mode)
	BundleDigest string // optional digest of the bundle
	Manifest     *Manifest
}

// Dir returns the label as a local directory name.
func (r *Release) Dir() (string, error) {
	return safety.CleanRelativePath(strings.TrimRight(r.Label, "/"))
}

// ParsePointer parses a "latest" body: "<label> [<bundle> [<digest>]]".
func ParsePointer(body []byte) (label, bundle, digest string, err error) {
	fields := strings.Fields(string(body))
	switch {
	case len(fields) == 0:
		return "", "", "", fmt.Errorf("pointer is empty")
	case len(fields) > 3:
		return "", "", "", fmt.Errorf("pointer has %d fields, expected at most 3", len(fields))
	}

	label = fields[0]
	if _, err := safety.CleanRelativePath(strings.TrimRight(label, "/")); err != nil {
		return "", "", "", fmt.Errorf("invalid release label %q: %w", label, err)
	}
	if len(fields) > 1 {
		bundle = fields[1]
		if _, err := safety.CleanRelativePath(bundle); err != nil {
			return "", "", "", fmt.Errorf("invalid bundle name %q: %w", bundle, err)
		}
	}
	if len(fields) > 2 {
		digest = strings.ToLower(fields[2])
		if _, err := hex.DecodeString(digest); err != nil {
			return "", "", "", fmt.Errorf("invalid bundle digest %q", fields[2])
		}
	}
	return label, bundle, digest, nil
}

// Parse decodes a flat JSON object of path -> hex digest, keeping document
// order. digestLen > 0 enforces the hex length of every digest.
func Parse(data []byte, digestLen int) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("manifest must be a JSON object")
	}

	m := &Manifest{}
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading manifest key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected manifest token %v", tok)
		}

		var digest string
		if err := dec.Decode(&digest); err != nil {
			return nil, fmt.Errorf("digest for %q must be a string: %w", key, err)
		}
		digest = strings.ToLower(strings.TrimSpace(digest))
		if _, err := hex.DecodeString(digest); err != nil || digest == "" {
			return nil, fmt.Errorf("digest for %q is not hex: %q", key, digest)
		}
		if digestLen > 0 && len(digest) != digestLen {
			return nil, fmt.Errorf("digest for %q has length %d, expected %d", key, len(digest), digestLen)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate manifest key %q", key)
		}
		seen[key] = true
		m.Entries = append(m.Entries, Entry{Path: key, Digest: digest})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("reading manifest end: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after manifest object")
	}
	return m, nil
}
