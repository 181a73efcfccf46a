package archive

import (
	"sort"
	"strings"

	"github.com/google/shlex"

	appErr "gradewell/pkg/errors"
)

// Language is the compilation language fixed by the compiler token.
type Language string

const (
	LanguageC   Language = "c"
	LanguageCPP Language = "cpp"
)

// SourceExtension returns the required extension for sources of the language.
func (l Language) SourceExtension() string {
	if l == LanguageCPP {
		return ".cpp"
	}
	return ".c"
}

// CommandSpec is the parsed, safe form of a user-supplied build command.
type CommandSpec struct {
	Compiler     string
	Language     Language
	Primary      string
	OtherSources []string
	CompileFlags []string
	LinkFlags    []string
}

// shellMetaChars would let a command escape into the shell; their presence
// rejects the whole command before tokenization.
const shellMetaChars = ";&|`$<>"

// ParseCompileCommand parses a shell-like build command against the set of
// available (already validated, flat) archive file names.
func ParseCompileCommand(command string, available []string) (*CommandSpec, error) {
	if strings.TrimSpace(command) == "" {
		return nil, appErr.New(appErr.CommandInvalid).WithMessage("compile command is empty")
	}
	if strings.ContainsAny(command, shellMetaChars) {
		return nil, appErr.New(appErr.CommandUnsafe).
			WithMessagef("compile command must not contain any of %q", shellMetaChars)
	}

	tokens, err := shlex.Split(command)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CommandInvalid).WithMessage("compile command could not be parsed")
	}
	if len(tokens) == 0 {
		return nil, appErr.New(appErr.CommandInvalid).WithMessage("compile command is empty")
	}

	spec := &CommandSpec{Compiler: tokens[0]}
	switch tokens[0] {
	case "gcc":
		spec.Language = LanguageC
	case "g++":
		spec.Language = LanguageCPP
	case "make":
		return nil, appErr.New(appErr.CompilerNotSupported).
			WithMessage("make is not supported; specify a gcc or g++ command instead")
	default:
		return nil, appErr.Newf(appErr.CompilerNotSupported,
			"compiler %q is not supported (use gcc or g++)", tokens[0])
	}

	availSet := make(map[string]bool, len(available))
	for _, name := range available {
		availSet[name] = true
	}

	var sources []string
	rest := tokens[1:]
	for i := 0; i < len(rest); i++ {
		token := rest[i]
		switch {
		case token == "-o":
			// Output path is controlled by the execution service.
			if i+1 < len(rest) {
				i++
			}
		case strings.HasPrefix(token, "-o"):
			// Concatenated -oFILE form, equally discarded.
		case token == "*.c" || token == "*.cpp":
			expanded := expandGlob(token, available)
			if len(expanded) == 0 {
				return nil, appErr.Newf(appErr.SourceFileMissing, "no files match %q", token)
			}
			sources = append(sources, expanded...)
		case strings.ContainsAny(token, "*?["):
			return nil, appErr.Newf(appErr.CommandInvalid, "pattern %q is not allowed", token)
		case strings.ContainsAny(token, `/\`):
			return nil, appErr.Newf(appErr.CommandInvalid, "paths are not allowed: %q", token)
		case strings.HasPrefix(token, "-l"), strings.HasPrefix(token, "-L"), strings.HasPrefix(token, "-Wl,"):
			spec.LinkFlags = append(spec.LinkFlags, token)
		case strings.HasPrefix(token, "-"):
			spec.CompileFlags = append(spec.CompileFlags, token)
		default:
			sources = append(sources, token)
		}
	}

	sources = dedupe(sources)
	if len(sources) == 0 {
		return nil, appErr.New(appErr.CommandInvalid).WithMessage("compile command names no source files")
	}

	wantExt := spec.Language.SourceExtension()
	for _, src := range sources {
		if !availSet[src] {
			return nil, appErr.Newf(appErr.SourceFileMissing, "source file %q is not in the archive", src)
		}
		if !strings.HasSuffix(src, wantExt) {
			return nil, appErr.Newf(appErr.CommandInvalid,
				"source file %q does not match the %s compiler (expected %s)", src, spec.Compiler, wantExt)
		}
	}

	spec.Primary = sources[0]
	spec.OtherSources = sources[1:]
	return spec, nil
}

// DetectDefaultSources determines the primary and other sources when neither
// an expected filename nor a compile command is configured.
func DetectDefaultSources(available []string) (*CommandSpec, error) {
	var cFiles, cppFiles []string
	for _, name := range available {
		switch {
		case strings.HasSuffix(name, ".c"):
			cFiles = append(cFiles, name)
		case strings.HasSuffix(name, ".cpp"):
			cppFiles = append(cppFiles, name)
		}
	}

	if len(cFiles) > 0 && len(cppFiles) > 0 {
		return nil, appErr.New(appErr.SourceAmbiguous).
			WithMessage("archive mixes .c and .cpp files; configure an explicit compile command")
	}

	lang := LanguageC
	compiler := "gcc"
	files := cFiles
	if len(cppFiles) > 0 {
		lang = LanguageCPP
		compiler = "g++"
		files = cppFiles
	}
	if len(files) == 0 {
		return nil, appErr.New(appErr.SourceFileMissing).
			WithMessage("archive contains no .c or .cpp source files")
	}

	mainName := "main" + lang.SourceExtension()
	primary := ""
	for _, name := range files {
		if name == mainName {
			primary = name
			break
		}
	}
	if primary == "" {
		if len(files) != 1 {
			return nil, appErr.Newf(appErr.SourceAmbiguous,
				"archive has multiple %s files and no %s; configure an explicit compile command",
				lang.SourceExtension(), mainName)
		}
		primary = files[0]
	}

	spec := &CommandSpec{Compiler: compiler, Language: lang, Primary: primary}
	for _, name := range files {
		if name != primary {
			spec.OtherSources = append(spec.OtherSources, name)
		}
	}
	return spec, nil
}

func expandGlob(pattern string, available []string) []string {
	ext := strings.TrimPrefix(pattern, "*")
	var out []string
	for _, name := range available {
		if strings.HasSuffix(name, ext) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
