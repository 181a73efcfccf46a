// Package prepare turns a stored submission plus assignment configuration
// into a fully-specified execution request.
package prepare

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gradewell/internal/common/storage"
	"gradewell/internal/grading/archive"
	"gradewell/internal/grading/model"
	appErr "gradewell/pkg/errors"
)

// languageByExtension maps single-file submission extensions to execution
// service language ids.
var languageByExtension = map[string]string{
	".c":    "c",
	".cpp":  "cpp",
	".py":   "python3",
	".java": "java",
}

// FileStager stages auxiliary file content on the execution service.
type FileStager interface {
	EnsureFile(ctx context.Context, fileID string, content []byte) error
}

// Prepared is the execution request specification shared by every test-case
// run of a grading attempt.
type Prepared struct {
	LanguageID     string
	SourceCode     string
	SourceFilename string

	// Files are (fileId, filename) pairs staged on the execution service.
	Files [][2]string

	// Parameters carries compileargs/linkargs when present.
	Parameters map[string]interface{}

	Limits model.ResourceLimits
}

// Config holds preparer settings.
type Config struct {
	// Bucket is the object-storage bucket holding submission uploads.
	Bucket string `yaml:"bucket"`

	// ScratchRoot is where archives are extracted. Default: os.TempDir().
	ScratchRoot string `yaml:"scratchRoot"`

	// DefaultLimits apply when the assignment configures none.
	DefaultLimits model.ResourceLimits `yaml:"defaultLimits"`
}

// Preparer resolves submissions into Prepared run specifications.
type Preparer struct {
	storage     storage.ObjectStorage
	bucket      string
	scratchRoot string
	defaults    model.ResourceLimits
}

// NewPreparer creates a preparer reading uploads from the given storage.
func NewPreparer(store storage.ObjectStorage, cfg Config) (*Preparer, error) {
	if store == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("storage is required")
	}
	if cfg.Bucket == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("bucket is required")
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	return &Preparer{
		storage:     store,
		bucket:      cfg.Bucket,
		scratchRoot: cfg.ScratchRoot,
		defaults:    cfg.DefaultLimits,
	}, nil
}

// Prepare builds the run specification for a submission. Auxiliary sources
// are staged on the execution service through stager, keyed by content hash
// so identical content uploads at most once across runs.
func (p *Preparer) Prepare(ctx context.Context, sub *model.Submission, settings model.GradingSettings, stager FileStager) (*Prepared, error) {
	if sub == nil || sub.StoragePath == "" {
		return nil, appErr.New(appErr.SubmissionNotFound).WithMessage("submission has no uploaded file")
	}

	limits := p.defaults
	if settings.Limits != nil {
		limits = *settings.Limits
	}

	if strings.EqualFold(filepath.Ext(sub.StoragePath), ".zip") {
		return p.prepareArchive(ctx, sub, settings, stager, limits)
	}
	return p.prepareSingleFile(ctx, sub, limits)
}

func (p *Preparer) prepareSingleFile(ctx context.Context, sub *model.Submission, limits model.ResourceLimits) (*Prepared, error) {
	filename := filepath.Base(sub.StoragePath)
	languageID, ok := languageByExtension[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		return nil, appErr.Newf(appErr.LanguageNotSupported,
			"file type of %q is not supported for autograding", filename)
	}

	content, err := p.readObject(ctx, sub.StoragePath)
	if err != nil {
		return nil, err
	}

	return &Prepared{
		LanguageID:     languageID,
		SourceCode:     string(content),
		SourceFilename: filename,
		Limits:         limits,
	}, nil
}

func (p *Preparer) prepareArchive(ctx context.Context, sub *model.Submission, settings model.GradingSettings, stager FileStager, limits model.ResourceLimits) (*Prepared, error) {
	if !settings.AllowsZip {
		return nil, appErr.New(appErr.ArchiveNotAllowed)
	}

	scratch, err := os.MkdirTemp(p.scratchRoot, "gradewell-*")
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InternalServerError).WithMessage("create scratch directory failed")
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, "upload.zip")
	if err := p.downloadObject(ctx, sub.StoragePath, archivePath); err != nil {
		return nil, err
	}

	zr, err := archive.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	available, err := archive.SafeExtract(&zr.Reader, scratch)
	if err != nil {
		return nil, err
	}

	spec, err := resolveSources(settings, available)
	if err != nil {
		return nil, err
	}

	primary, err := os.ReadFile(filepath.Join(scratch, spec.Primary))
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InternalServerError).WithMessage("read primary source failed")
	}

	prepared := &Prepared{
		LanguageID:     string(spec.Language),
		SourceCode:     string(primary),
		SourceFilename: spec.Primary,
		Limits:         limits,
	}

	for _, name := range spec.OtherSources {
		content, err := os.ReadFile(filepath.Join(scratch, name))
		if err != nil {
			return nil, appErr.Wrap(err, appErr.InternalServerError).WithMessagef("read source %q failed", name)
		}
		fileID := contentID(content)
		if err := stager.EnsureFile(ctx, fileID, content); err != nil {
			return nil, err
		}
		prepared.Files = append(prepared.Files, [2]string{fileID, name})
	}

	params := make(map[string]interface{})
	if len(spec.CompileFlags) > 0 {
		params["compileargs"] = strings.Join(spec.CompileFlags, " ")
	}
	if linkArgs := buildLinkArgs(spec); len(linkArgs) > 0 {
		params["linkargs"] = strings.Join(linkArgs, " ")
	}
	if len(params) > 0 {
		prepared.Parameters = params
	}
	return prepared, nil
}

// resolveSources applies the archive resolution order: explicit expected
// filename, then configured compile command, then default detection.
func resolveSources(settings model.GradingSettings, available []string) (*archive.CommandSpec, error) {
	if settings.ExpectedFilename != "" {
		return resolveExpectedFilename(settings.ExpectedFilename, available)
	}
	if settings.CompileCommand != "" {
		return archive.ParseCompileCommand(settings.CompileCommand, available)
	}
	return archive.DetectDefaultSources(available)
}

func resolveExpectedFilename(expected string, available []string) (*archive.CommandSpec, error) {
	found := false
	for _, name := range available {
		if name == expected {
			found = true
			break
		}
	}
	if !found {
		return nil, appErr.Newf(appErr.SourceFileMissing, "required file %q is not in the archive", expected)
	}
	switch strings.ToLower(filepath.Ext(expected)) {
	case ".c":
		return &archive.CommandSpec{Compiler: "gcc", Language: archive.LanguageC, Primary: expected}, nil
	case ".cpp":
		return &archive.CommandSpec{Compiler: "g++", Language: archive.LanguageCPP, Primary: expected}, nil
	default:
		return nil, appErr.Newf(appErr.LanguageNotSupported,
			"required file %q must be a .c or .cpp source", expected)
	}
}

// buildLinkArgs joins other-source filenames and link flags, deduplicated
// preserving order.
func buildLinkArgs(spec *archive.CommandSpec) []string {
	seen := make(map[string]bool)
	var out []string
	for _, arg := range append(append([]string{}, spec.OtherSources...), spec.LinkFlags...) {
		if !seen[arg] {
			seen[arg] = true
			out = append(out, arg)
		}
	}
	return out
}

// contentID derives the staging id from file content, so identical content
// is uploaded at most once across runs.
func contentID(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (p *Preparer) readObject(ctx context.Context, key string) ([]byte, error) {
	reader, err := p.storage.GetObject(ctx, p.bucket, key)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InternalServerError).WithMessage("download submission failed")
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InternalServerError).WithMessage("read submission failed")
	}
	return content, nil
}

func (p *Preparer) downloadObject(ctx context.Context, key, dstPath string) error {
	reader, err := p.storage.GetObject(ctx, p.bucket, key)
	if err != nil {
		return appErr.Wrap(err, appErr.InternalServerError).WithMessage("download submission failed")
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrap(err, appErr.InternalServerError).WithMessage("create scratch file failed")
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		return appErr.Wrap(err, appErr.InternalServerError).WithMessage("write scratch file failed")
	}
	return nil
}
