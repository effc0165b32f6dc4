package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// RegionResolver returns a fallback region when the configuration omits one.
type RegionResolver func(ctx context.Context) (string, error)

// CUEParser parses and validates CUE configuration files.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
	starlark       *StarlarkEvaluator
	resolveRegion  RegionResolver
}

// starlarkExt marks configuration sources evaluated as Starlark scripts.
const starlarkExt = ".star"

// ParserOption configures a CUEParser.
type ParserOption func(*CUEParser)

// WithScriptTimeout bounds each Starlark script evaluation.
func WithScriptTimeout(d time.Duration) ParserOption {
	return func(cp *CUEParser) {
		cp.starlark = NewStarlarkEvaluator(d)
	}
}

// WithRegionResolver sets the fallback region lookup. Pass nil to disable it.
func WithRegionResolver(r RegionResolver) ParserOption {
	return func(cp *CUEParser) {
		cp.resolveRegion = r
	}
}

// NewCUEParser creates a new CUE parser. By default a missing region is read
// from the shared AWS configuration.
func NewCUEParser(opts ...ParserOption) *CUEParser {
	ctx := cuecontext.New()
	cp := &CUEParser{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
		validator:      validator.New(),
		starlark:       NewStarlarkEvaluator(DefaultStarlarkTimeout),
		resolveRegion:  SharedConfigRegion,
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// Load parses sources and returns the configuration, or a validation error
// listing every problem found.
func (cp *CUEParser) Load(ctx context.Context, sources []string) (*StackConfig, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if err := parsed.Err(); err != nil {
		return nil, err
	}
	return &parsed.Config, nil
}

// Parse parses configuration from the given sources. CUE files and
// directories are unified into a single value. Starlark scripts (.star files,
// given directly or found at the top of a directory) are then evaluated in
// order; each sees the configuration so far and its sections are unified in.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var scripts []string
	var parseErrors []ValidationError

	unify := func(val cue.Value) {
		if !val.Exists() {
			return
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		switch {
		case info.IsDir():
			hasCUE, dirScripts, err := scanDirectory(source)
			if err != nil {
				return nil, err
			}
			scripts = append(scripts, dirScripts...)
			if hasCUE || len(dirScripts) == 0 {
				var files []string
				val, files, errs = cp.loadDirectory(source)
				sourceFiles = append(sourceFiles, files...)
			}
		case filepath.Ext(source) == starlarkExt:
			scripts = append(scripts, source)
		default:
			val, errs = cp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}

		parseErrors = append(parseErrors, errs...)
		unify(val)
	}

	if len(parseErrors) == 0 {
		for _, script := range scripts {
			val, errs := cp.evalScript(ctx, script, cueValue)
			sourceFiles = append(sourceFiles, script)
			parseErrors = append(parseErrors, errs...)
			unify(val)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedConfig{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	return cp.extractConfig(ctx, cueValue, sourceFiles)
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractConfig(ctx, val, []string{"inline"})
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// scanDirectory reports whether dir holds CUE files and lists its Starlark
// scripts in lexical order. Subdirectories are not searched.
func scanDirectory(dir string) (bool, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	hasCUE := false
	var scripts []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".cue":
			hasCUE = true
		case starlarkExt:
			scripts = append(scripts, filepath.Join(dir, e.Name()))
		}
	}
	return hasCUE, scripts, nil
}

// evalScript runs a Starlark script against the configuration so far and
// encodes the sections it returns.
func (cp *CUEParser) evalScript(ctx context.Context, path string, current cue.Value) (cue.Value, []ValidationError) {
	src, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	result, err := cp.starlark.Evaluate(ctx, path, src, scriptInput(current))
	if err != nil {
		return cue.Value{}, starlarkErrors(path, err)
	}

	val := cp.ctx.Encode(result.Sections)
	if err := val.Err(); err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("script output is not valid configuration: %v", err),
			Severity: "error",
		}}
	}
	return val, nil
}

// scriptInput exports v as plain data for a script. Values that are not yet
// concrete yield an empty input.
func scriptInput(v cue.Value) map[string]interface{} {
	in := make(map[string]interface{})
	if !v.Exists() {
		return in
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return in
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return make(map[string]interface{})
	}
	return in
}

// extractConfig unifies val with the config schema, decodes it and applies
// struct validation and the region fallback.
func (cp *CUEParser) extractConfig(ctx context.Context, val cue.Value, sourceFiles []string) (*ParsedConfig, error) {
	parsedConfig := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	unified, err := cp.schemaRegistry.Unify("config", val)
	if err != nil {
		return nil, err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		parsedConfig.Errors = cp.convertCUEErrors(err)
		return parsedConfig, nil
	}

	if err := unified.Decode(&parsedConfig.Config); err != nil {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode configuration: %v", err),
			Severity: "error",
		})
		return parsedConfig, nil
	}

	if err := cp.validator.Struct(parsedConfig.Config); err != nil {
		parsedConfig.Errors = append(parsedConfig.Errors, cp.convertValidatorErrors(err)...)
		return parsedConfig, nil
	}

	if parsedConfig.Config.Environment.Region == "" && cp.resolveRegion != nil {
		region, err := cp.resolveRegion(ctx)
		if err != nil {
			parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
				Path:     "environment.region",
				Message:  fmt.Sprintf("region not set and could not be resolved: %v", err),
				Severity: "error",
			})
			return parsedConfig, nil
		}
		parsedConfig.Config.Environment.Region = region
	}
	if parsedConfig.Config.Environment.Region == "" {
		parsedConfig.Errors = append(parsedConfig.Errors, ValidationError{
			Path:     "environment.region",
			Message:  "region is required",
			Severity: "error",
		})
	}

	return parsedConfig, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		// Prefer the user's source over the builtin schema.
		for _, p := range errors.Positions(e) {
			file, line, column = p.Filename(), p.Line(), p.Column()
			if file != builtinSchemaFile {
				break
			}
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// convertValidatorErrors converts struct tag failures to ValidationError slice.
func (cp *CUEParser) convertValidatorErrors(err error) []ValidationError {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("failed on '%s' constraint", fe.Tag()),
			Severity: "error",
		})
	}
	return out
}

// ExportJSON exports a decoded configuration as indented JSON.
func (cp *CUEParser) ExportJSON(cfg *StackConfig) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "  ")
}
