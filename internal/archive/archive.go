// Package archive unpacks release bundles into a fresh directory keyed by
// the release label.
package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/gamesync/internal/failure"
	"github.com/BadgerOps/gamesync/internal/progress"
	"github.com/BadgerOps/gamesync/internal/safety"
)

// Format is a supported bundle container.
type Format string

const (
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarGzip Format = "tar.gz"
	FormatTarZstd Format = "tar.zst"
	FormatTarXz   Format = "tar.xz"
	FormatTarLz4  Format = "tar.lz4"
)

var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

// Report summarises one extraction.
type Report struct {
	Format Format
	Dest   string
	Files  int
	Dirs   int
	Bytes  int64
}

// Extractor unpacks bundles.
type Extractor struct {
	logger   *slog.Logger
	observer progress.Observer
}

// NewExtractor creates an Extractor. obs may be nil.
func NewExtractor(logger *slog.Logger, obs progress.Observer) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = progress.Discard
	}
	return &Extractor{logger: logger, observer: obs}
}

// Extract unpacks archivePath with a default Extractor.
func Extract(ctx context.Context, archivePath, destDir string) (*Report, error) {
	return NewExtractor(nil, nil).Extract(ctx, archivePath, destDir)
}

// Extract unpacks archivePath into destDir. Entries are written to a
// staging directory next to destDir and only moved into place once the
// whole archive has been read, so a failed extraction leaves any existing
// destDir untouched. Unreadable archives fail with
// *failure.CorruptArchiveError.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) (*Report, error) {
	format, err := Detect(archivePath)
	if err != nil {
		return nil, err
	}

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, &failure.LocalIOError{Op: "create directory", Path: parent, Err: err}
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(destDir)+".extract-")
	if err != nil {
		return nil, &failure.LocalIOError{Op: "create staging directory", Path: parent, Err: err}
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.RemoveAll(staging)
		}
	}()

	report := &Report{Format: format, Dest: destDir}
	e.logger.Info("extracting bundle", "path", archivePath, "format", format, "dest", destDir)
	e.observer.Notify(progress.Event{Phase: progress.PhaseExtracting, Path: archivePath, Message: string(format)})

	if format == FormatZip {
		err = e.extractZip(ctx, archivePath, staging, report)
	} else {
		err = e.extractTar(ctx, archivePath, format, staging, report)
	}
	if err != nil {
		return nil, err
	}

	if err := replaceDir(staging, destDir); err != nil {
		return nil, err
	}
	cleanup = false

	e.logger.Info("bundle extracted", "dest", destDir, "files", report.Files, "bytes", report.Bytes)
	return report, nil
}

// Detect sniffs the container format, falling back to the file extension.
func Detect(archivePath string) (Format, error) {
	corrupt := func(err error) (Format, error) {
		return "", &failure.CorruptArchiveError{Path: archivePath, Err: err}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return corrupt(err)
		}
		return "", &failure.LocalIOError{Op: "open", Path: archivePath, Err: err}
	}
	defer f.Close()

	head := make([]byte, 4)
	if n, _ := io.ReadFull(f, head); n == len(head) && string(head) == string(lz4Magic) {
		return FormatTarLz4, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", &failure.LocalIOError{Op: "seek", Path: archivePath, Err: err}
	}

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return corrupt(err)
	}
	// Walk up the hierarchy so zip-based types such as jar still count as zip.
	for m := mt; m != nil; m = m.Parent() {
		switch {
		case m.Is("application/zip"):
			return FormatZip, nil
		case m.Is("application/gzip"):
			return FormatTarGzip, nil
		case m.Is("application/zstd"):
			return FormatTarZstd, nil
		case m.Is("application/x-xz"):
			return FormatTarXz, nil
		case m.Is("application/x-tar"):
			return FormatTar, nil
		}
	}

	if format, ok := formatFromName(archivePath); ok {
		return format, nil
	}
	return corrupt(fmt.Errorf("unrecognised archive format %s", mt.String()))
}

func formatFromName(name string) (Format, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, true
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGzip, true
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZstd, true
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return FormatTarXz, true
	case strings.HasSuffix(lower, ".tar.lz4"):
		return FormatTarLz4, true
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, true
	}
	return "", false
}

func (e *Extractor) extractZip(ctx context.Context, archivePath, staging string, report *Report) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return &failure.CorruptArchiveError{Path: archivePath, Err: err}
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}

		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := e.mkdirEntry(archivePath, staging, zf.Name, report); err != nil {
				return err
			}
			continue
		case !mode.IsRegular():
			return &failure.CorruptArchiveError{Path: archivePath,
				Err: fmt.Errorf("unsupported zip entry type for %s: %s", zf.Name, mode.Type())}
		}

		rc, err := zf.Open()
		if err != nil {
			return &failure.CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("opening %s: %w", zf.Name, err)}
		}
		err = e.writeEntry(archivePath, staging, zf.Name, rc, mode.Perm(), report)
		rc.Close()
		if err != nil {
			return err
		}
	}

	if report.Files == 0 && report.Dirs == 0 {
		return &failure.CorruptArchiveError{Path: archivePath, Err: errors.New("archive is empty")}
	}
	return nil
}

func (e *Extractor) extractTar(ctx context.Context, archivePath string, format Format, staging string, report *Report) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return &failure.LocalIOError{Op: "open", Path: archivePath, Err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	var r io.Reader
	switch format {
	case FormatTar:
		r = f
	case FormatTarGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return &failure.CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("creating gzip reader: %w", err)}
		}
		defer gz.Close()
		r = gz
	case FormatTarZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return &failure.CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("creating zstd reader: %w", err)}
		}
		defer zr.Close()
		r = zr
	case FormatTarXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return &failure.CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("creating xz reader: %w", err)}
		}
		r = xr
	case FormatTarLz4:
		r = lz4.NewReader(f)
	default:
		return &failure.CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("unsupported format %s", format)}
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}

		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &failure.CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("reading tar entry: %w", err)}
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := e.mkdirEntry(archivePath, staging, header.Name, report); err != nil {
				return err
			}
		case tar.TypeReg:
			perm := fs.FileMode(header.Mode).Perm()
			if err := e.writeEntry(archivePath, staging, header.Name, tr, perm, report); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader:
		default:
			// Reject symlinks/hardlinks and other non-regular entries.
			return &failure.CorruptArchiveError{Path: archivePath,
				Err: fmt.Errorf("unsupported tar entry type for %s: %c", header.Name, header.Typeflag)}
		}
	}

	if report.Files == 0 && report.Dirs == 0 {
		return &failure.CorruptArchiveError{Path: archivePath, Err: errors.New("archive is empty")}
	}
	return nil
}

func (e *Extractor) mkdirEntry(archivePath, staging, name string, report *Report) error {
	dir, err := safety.SafeJoinUnder(staging, strings.TrimRight(name, "/"))
	if err != nil {
		return &failure.CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("unsafe path in archive %q: %w", name, err)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &failure.LocalIOError{Op: "create directory", Path: dir, Err: err}
	}
	report.Dirs++
	return nil
}

func (e *Extractor) writeEntry(archivePath, staging, name string, r io.Reader, perm fs.FileMode, report *Report) error {
	destPath, err := safety.SafeJoinUnder(staging, name)
	if err != nil {
		return &failure.CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("unsafe path in archive %q: %w", name, err)}
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return &failure.LocalIOError{Op: "create directory", Path: filepath.Dir(destPath), Err: err}
	}

	if perm == 0 {
		perm = 0o644
	}
	outFile, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return &failure.LocalIOError{Op: "create", Path: destPath, Err: err}
	}

	ew := &errWriter{w: outFile}
	n, copyErr := io.Copy(ew, r)
	closeErr := outFile.Close()
	switch {
	case ew.err != nil:
		return &failure.LocalIOError{Op: "write", Path: destPath, Err: ew.err}
	case copyErr != nil:
		return &failure.CorruptArchiveError{Path: archivePath, Err: fmt.Errorf("extracting %s: %w", name, copyErr)}
	case closeErr != nil:
		return &failure.LocalIOError{Op: "close", Path: destPath, Err: closeErr}
	}

	report.Files++
	report.Bytes += n
	e.logger.Debug("extracted", "path", name, "bytes", n)
	return nil
}

// replaceDir moves staging to dest. An existing dest is moved aside first
// and removed only after the new tree is in place.
func replaceDir(staging, dest string) error {
	var backup string
	if _, err := os.Lstat(dest); err == nil {
		backup = dest + ".old"
		_ = os.RemoveAll(backup)
		if err := os.Rename(dest, backup); err != nil {
			return &failure.LocalIOError{Op: "rename", Path: dest, Err: err}
		}
	}
	if err := os.Rename(staging, dest); err != nil {
		if backup != "" {
			_ = os.Rename(backup, dest)
		}
		return &failure.LocalIOError{Op: "rename", Path: staging, Err: err}
	}
	if backup != "" {
		if err := os.RemoveAll(backup); err != nil {
			return &failure.LocalIOError{Op: "remove", Path: backup, Err: err}
		}
	}
	return nil
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) Write(p []byte) (int, error) {
	n, err := ew.w.Write(p)
	if err != nil {
		ew.err = err
	}
	return n, err
}
