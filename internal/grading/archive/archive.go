// Package archive validates and extracts student-uploaded ZIP archives and
// parses user-supplied build commands into explicit compile/link plans.
// Everything here sits on a trust boundary: archive members and build
// commands are attacker-controlled input.
package archive

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zip"

	appErr "gradewell/pkg/errors"
)

const (
	// MaxEntries is the hard ceiling on archive member count.
	MaxEntries = 50
	// MaxTotalSize is the hard ceiling on total uncompressed bytes.
	MaxTotalSize = 10 << 20
	// MakefileName is the one allowed non-source filename.
	MakefileName = "Makefile"
)

var entryNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var allowedExtensions = map[string]bool{
	".c":   true,
	".cpp": true,
	".h":   true,
	".hpp": true,
}

// ListEntries validates every member of the archive and returns their names.
// Any single violation fails the whole archive.
func ListEntries(reader *zip.Reader) ([]string, error) {
	if len(reader.File) > MaxEntries {
		return nil, appErr.Newf(appErr.ArchiveTooManyFiles,
			"archive has %d files, at most %d are allowed", len(reader.File), MaxEntries)
	}

	var total uint64
	names := make([]string, 0, len(reader.File))
	for _, file := range reader.File {
		if err := validateEntry(file); err != nil {
			return nil, err
		}
		total += file.UncompressedSize64
		if total > MaxTotalSize {
			return nil, appErr.Newf(appErr.ArchiveTooLarge,
				"archive exceeds %d MiB uncompressed", MaxTotalSize>>20)
		}
		names = append(names, file.Name)
	}
	return names, nil
}

func validateEntry(file *zip.File) error {
	name := file.Name
	mode := file.Mode()
	if file.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
		return appErr.Newf(appErr.ArchiveEntryRejected, "directories are not allowed: %q", name)
	}
	if mode&os.ModeSymlink != 0 {
		return appErr.Newf(appErr.ArchiveEntryRejected, "symbolic links are not allowed: %q", name)
	}
	if strings.ContainsAny(name, `/\:`) || strings.Contains(name, "..") {
		return appErr.Newf(appErr.ArchiveEntryRejected, "invalid file name %q", name)
	}
	if name == MakefileName {
		return nil
	}
	if !entryNamePattern.MatchString(name) {
		return appErr.Newf(appErr.ArchiveEntryRejected, "invalid file name %q", name)
	}
	if !allowedExtensions[strings.ToLower(filepath.Ext(name))] {
		return appErr.Newf(appErr.ArchiveEntryRejected,
			"file type of %q is not allowed (only .c, .cpp, .h, .hpp and Makefile)", name)
	}
	return nil
}

// SafeExtract validates the archive and writes every member flat into dstDir.
// Returns the extracted file names.
func SafeExtract(reader *zip.Reader, dstDir string) ([]string, error) {
	names, err := ListEntries(reader)
	if err != nil {
		return nil, err
	}
	for _, file := range reader.File {
		if err := extractEntry(file, dstDir); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func extractEntry(file *zip.File, dstDir string) error {
	src, err := file.Open()
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveInvalid, "open archive member %q failed", file.Name)
	}
	defer src.Close()

	// Entry names were validated flat, so joining cannot escape dstDir.
	dstPath := filepath.Join(dstDir, file.Name)
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create %q failed", dstPath)
	}
	defer dst.Close()

	// LimitReader guards against a lying size field in the member header.
	if _, err := io.Copy(dst, io.LimitReader(src, MaxTotalSize+1)); err != nil {
		return appErr.Wrapf(err, appErr.ArchiveInvalid, "extract %q failed", file.Name)
	}
	return nil
}

// OpenReader opens a ZIP file on disk and returns its reader.
func OpenReader(path string) (*zip.ReadCloser, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.ArchiveInvalid).WithMessage("uploaded file is not a valid ZIP archive")
	}
	return rc, nil
}
