package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for events to settle.
const DefaultDebounce = 500 * time.Millisecond

// policyExtensions are the file types a Loader reads.
var policyExtensions = map[string]bool{
	".rego": true,
	".json": true,
}

// Loader reads custom policies from .rego and .json files and watches them.
//
// A .rego file is one policy named after the file. Leading comments form its
// header:
//
//	# Buckets must be versioned.
//	# severity: critical
//	# resource_types: AWS::S3::Bucket, AWS::ECR::Repository
//
// A .json file holds a single Policy document.
type Loader struct {
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		debounce: DefaultDebounce,
	}
}

// SetDebounce changes the reload delay used by Watch.
func (l *Loader) SetDebounce(d time.Duration) {
	l.debounce = d
}

// LoadFromPaths loads every policy file found under paths. Directories are
// walked recursively; files are read in lexical order so reloads are stable.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	files, err := discover(paths)
	if err != nil {
		return nil, err
	}

	policies := make([]Policy, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := ReadPolicyFile(file)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("policy %q defined in both %s and %s", p.Name, prev, file)
		}
		seen[p.Name] = file
		policies = append(policies, *p)
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

// discover expands paths into the sorted list of policy files they contain.
func discover(paths []string) ([]string, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && policyExtensions[filepath.Ext(path)] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ReadPolicyFile reads one policy from a .rego or .json file.
func ReadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = regoPolicy(path, string(data))
	case ".json":
		if p, err = jsonPolicy(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}

	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = path
	return p, nil
}

func regoPolicy(path, content string) *Policy {
	h := parseHeader(content)
	return &Policy{
		Name:          strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description:   h.description,
		Rego:          content,
		Severity:      h.severity,
		ResourceTypes: h.resourceTypes,
		Enabled:       true,
	}
}

func jsonPolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if p.Name == "" || p.Rego == "" {
		return nil, fmt.Errorf("JSON policy requires name and rego")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Builtin = false
	return &p, nil
}

// header is what a .rego file declares in its leading comment block.
type header struct {
	description   string
	severity      Severity
	resourceTypes []string
}

// parseHeader reads the first comment block of a module. Package and import
// lines may come before it. Lines of the form "key: value" set known keys;
// the rest make up the description.
func parseHeader(content string) header {
	h := header{severity: SeverityWarning}
	var desc []string
	inHeader := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "package ") || strings.HasPrefix(trimmed, "import "):
			if inHeader {
				return h.finish(desc)
			}
			continue
		case !strings.HasPrefix(trimmed, "#"):
			return h.finish(desc)
		}
		inHeader = true
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))

		key, value, ok := strings.Cut(comment, ":")
		switch {
		case ok && strings.TrimSpace(key) == "severity":
			if sev := Severity(strings.TrimSpace(value)); sev.Valid() {
				h.severity = sev
			}
		case ok && strings.TrimSpace(key) == "resource_types":
			for _, t := range strings.Split(value, ",") {
				if t = strings.TrimSpace(t); t != "" {
					h.resourceTypes = append(h.resourceTypes, t)
				}
			}
		case comment != "":
			desc = append(desc, comment)
		}
	}
	return h.finish(desc)
}

func (h header) finish(desc []string) header {
	h.description = strings.Join(desc, " ")
	return h
}

// Watch reloads policies from paths whenever a policy file changes, until ctx
// is done or StopWatching is called. Bursts of events within the debounce
// window cause a single reload.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		if err := addRecursive(watcher, root); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.run(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

// addRecursive watches a file, or a directory and all its subdirectories.
func addRecursive(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

func (l *Loader) run(ctx context.Context, w *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		w.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod || !policyExtensions[filepath.Ext(event.Name)] {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous set")
				}
			})

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	if ctx.Err() != nil {
		return nil
	}
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reloadFn(policies); err != nil {
		return err
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
