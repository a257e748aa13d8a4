// Package checksum streams files through the digest published by the
// release manifest.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a digest function. The manifest format dictates which one
// is in use; MD5 is what release manifests have always been published with.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Status is the outcome of comparing a local file against a manifest digest.
type Status int

const (
	StatusVerified Status = iota
	StatusMissing
	StatusMismatched
)

func (s Status) String() string {
	switch s {
	case StatusVerified:
		return "verified"
	case StatusMissing:
		return "missing"
	case StatusMismatched:
		return "mismatched"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// chunkBlocks is how many digest blocks are read per chunk.
const chunkBlocks = 128

// ParseAlgorithm accepts "md5", "sha256" or "blake3" (case-insensitive).
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(name))); a {
	case MD5, SHA256, BLAKE3:
		return a, nil
	case "":
		return MD5, nil
	default:
		return "", fmt.Errorf("unknown digest algorithm %q", name)
	}
}

// Hasher computes hex digests of files with O(1) memory.
type Hasher struct {
	algo Algorithm
}

// New returns a Hasher for algo. An empty algo selects MD5.
func New(algo Algorithm) *Hasher {
	if algo == "" {
		algo = MD5
	}
	return &Hasher{algo: algo}
}

// Algorithm returns the digest in use.
func (h *Hasher) Algorithm() Algorithm {
	return h.algo
}

// HexLen is the length of a hex-encoded digest.
func (h *Hasher) HexLen() int {
	return h.newHash().Size() * 2
}

func (h *Hasher) newHash() hash.Hash {
	switch h.algo {
	case SHA256:
		return sha256.New()
	case BLAKE3:
		return blake3.New()
	default:
		return md5.New()
	}
}

// Digest returns the hex digest of the file at path. A missing file is not an
// error: present is false and err is nil.
func (h *Hasher) Digest(path string) (sum string, present bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false, err
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("%s is a directory", path)
	}

	sum, err = h.Sum(f)
	if err != nil {
		return "", true, fmt.Errorf("reading %s: %w", path, err)
	}
	return sum, true, nil
}

// Sum digests everything readable from r.
func (h *Hasher) Sum(r io.Reader) (string, error) {
	d := h.newHash()
	buf := make([]byte, chunkBlocks*d.BlockSize())
	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// Check compares the file at path to expected. The actual digest is returned
// for reporting; it is empty when the file is missing.
func (h *Hasher) Check(path, expected string) (Status, string, error) {
	sum, present, err := h.Digest(path)
	if err != nil {
		return StatusMismatched, "", err
	}
	if !present {
		return StatusMissing, "", nil
	}
	if Equal(sum, expected) {
		return StatusVerified, sum, nil
	}
	return StatusMismatched, sum, nil
}

// Equal compares two hex digests ignoring case and surrounding space.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
