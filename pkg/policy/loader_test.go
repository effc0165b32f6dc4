package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/openfroyo/synth/pkg/engine"
	"github.com/rs/zerolog"
)

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func emptyPolicy(pkg string) string {
	return "package " + pkg + "\n\nimport rego.v1\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n"
}

func TestReadPolicyFile_Rego(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "buckets.rego")
	writeFile(t, policyFile, bucketPolicy)

	policy, err := ReadPolicyFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "buckets" {
		t.Errorf("Expected name 'buckets', got '%s'", policy.Name)
	}
	if policy.Rego != bucketPolicy {
		t.Error("Rego content doesn't match")
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", policy.Severity)
	}
	if policy.Description != "Buckets must be versioned." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if !policy.Enabled || policy.Builtin {
		t.Error("Policy should be enabled and custom")
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected source metadata, got %v", policy.Metadata)
	}
}

func TestReadPolicyFile_JSON(t *testing.T) {
	policyFile := filepath.Join(t.TempDir(), "retention.json")

	policy := Policy{
		Name:          "strict-retention",
		Description:   "Repositories keep at most 3 images",
		Rego:          emptyPolicy("strict.retention"),
		Severity:      SeverityError,
		ResourceTypes: []string{"AWS::ECR::Repository"},
		Enabled:       true,
		Builtin:       true,
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writeFile(t, policyFile, string(data))

	loaded, err := ReadPolicyFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != policy.Name || loaded.Severity != policy.Severity {
		t.Errorf("Unexpected policy %+v", loaded)
	}
	if !loaded.AppliesTo("AWS::ECR::Repository") || loaded.AppliesTo("AWS::S3::Bucket") {
		t.Errorf("Unexpected resource scope %v", loaded.ResourceTypes)
	}
	if loaded.Builtin {
		t.Error("File policies must not claim to be built-in")
	}
}

func TestReadPolicyFile_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported type", "test.txt", "not a policy"},
		{"invalid json", "test.json", "invalid json"},
		{"json without rego", "named.json", `{"name": "x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			if _, err := ReadPolicyFile(path); err == nil {
				t.Errorf("Expected error for %s", tt.file)
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := newTestLoader()
	tmpDir := t.TempDir()

	writeFile(t, filepath.Join(tmpDir, "dir1", "p1.rego"), emptyPolicy("p1"))
	writeFile(t, filepath.Join(tmpDir, "dir1", "nested", "p2.rego"), emptyPolicy("p2"))
	writeFile(t, filepath.Join(tmpDir, "dir1", "README.md"), "# Policies")
	writeFile(t, filepath.Join(tmpDir, "p3.rego"), emptyPolicy("p3"))

	loaded, err := loader.LoadFromPaths(context.Background(), []string{
		filepath.Join(tmpDir, "p3.rego"),
		filepath.Join(tmpDir, "dir1"),
	})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}

	var names []string
	for _, p := range loaded {
		names = append(names, p.Name)
	}
	if want := []string{"p2", "p1", "p3"}; !reflect.DeepEqual(names, want) {
		t.Errorf("Expected policies in lexical file order %v, got %v", want, names)
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "dup.rego"), emptyPolicy("a"))
	writeFile(t, filepath.Join(dir, "b", "dup.rego"), emptyPolicy("b"))

	tests := []struct {
		name  string
		paths []string
	}{
		{"missing path", []string{filepath.Join(dir, "missing")}},
		{"duplicate name", []string{dir}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.LoadFromPaths(context.Background(), tt.paths); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    header
	}{
		{
			name:    "description only",
			content: "# Open ports\npackage test",
			want:    header{description: "Open ports", severity: SeverityWarning},
		},
		{
			name:    "after package and import",
			content: "package test\n\nimport rego.v1\n\n# Open ports\n# on public groups\ndeny contains x if { false; x := 1 }",
			want:    header{description: "Open ports on public groups", severity: SeverityWarning},
		},
		{
			name:    "keys",
			content: "# Open ports\n#severity:error\n# resource_types: AWS::EC2::SecurityGroup, AWS::EC2::Instance\npackage test",
			want: header{
				description:   "Open ports",
				severity:      SeverityError,
				resourceTypes: []string{"AWS::EC2::SecurityGroup", "AWS::EC2::Instance"},
			},
		},
		{
			name:    "unknown severity",
			content: "# severity: urgent\npackage a",
			want:    header{severity: SeverityWarning},
		},
		{
			name:    "comments after first rule ignored",
			content: "package a\ndeny contains x if { false; x := 1 }\n# severity: info",
			want:    header{severity: SeverityWarning},
		},
		{
			name:    "no comments",
			content: "package test",
			want:    header{severity: SeverityWarning},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseHeader(tt.content); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseHeader() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResourceTypesScopeEvaluation(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tagged.rego"), `package acme.tagged

import rego.v1

# Everything needs an owner tag.
# severity: error
# resource_types: AWS::S3::Bucket
deny contains msg if {
	not input.resource.properties.Tags
	msg := "missing tags"
}
`)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	tests := []struct {
		resourceType string
		wantBlocked  bool
	}{
		{"AWS::S3::Bucket", true},
		{"AWS::SQS::Queue", false},
	}
	for _, tt := range tests {
		t.Run(tt.resourceType, func(t *testing.T) {
			res := &engine.SynthesizedResource{ID: "r", Type: tt.resourceType}
			result, err := eng.EvaluateResource(context.Background(), res, nil)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if got := !result.Allowed; got != tt.wantBlocked {
				t.Errorf("blocked = %v, want %v (%+v)", got, tt.wantBlocked, result.Violations)
			}
		})
	}
}

func TestTargets(t *testing.T) {
	tmpl := &engine.Template{Resources: []engine.SynthesizedResource{
		{ID: "b1", Type: "AWS::S3::Bucket"},
		{ID: "q", Type: "AWS::SQS::Queue"},
		{ID: "r", Type: "AWS::ECR::Repository"},
		{ID: "b2", Type: "AWS::S3::Bucket"},
	}}

	tests := []struct {
		name  string
		types []string
		want  []string
	}{
		{"unscoped", nil, []string{"b1", "q", "r", "b2"}},
		{"one type", []string{"AWS::S3::Bucket"}, []string{"b1", "b2"}},
		{"listing order", []string{"AWS::ECR::Repository", "AWS::S3::Bucket"}, []string{"r", "b1", "b2"}},
		{"repeated type", []string{"AWS::SQS::Queue", "AWS::SQS::Queue"}, []string{"q"}},
		{"no match", []string{"AWS::IAM::Role"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, r := range targets(tmpl, &Policy{ResourceTypes: tt.types}) {
				got = append(got, r.ID)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("targets() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatchPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "p1.rego"), emptyPolicy("p1"))

	loader, err := eng.WatchPolicies(ctx, []string{dir}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WatchPolicies failed: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	if _, err := eng.GetPolicy("p1"); err != nil {
		t.Fatalf("Expected initial policy: %v", err)
	}

	writeFile(t, filepath.Join(dir, "buckets.rego"), bucketPolicy)

	bucket := &engine.SynthesizedResource{ID: "b", Type: "AWS::S3::Bucket"}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("buckets"); err == nil {
			result, err := eng.EvaluateResource(ctx, bucket, nil)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if result.Allowed {
				t.Error("Expected reloaded policy to block the bucket")
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Policy was not reloaded after file creation")
}

func TestWatch_DebounceCoalescesBursts(t *testing.T) {
	loader := newTestLoader()
	loader.SetDebounce(300 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	reloads := make(chan int, 10)
	err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloads <- len(p)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	for _, name := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(dir, name+".rego"), emptyPolicy(name))
	}

	select {
	case n := <-reloads:
		if n != 3 {
			t.Errorf("Expected one reload with 3 policies, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Policies were not reloaded")
	}

	select {
	case n := <-reloads:
		t.Errorf("Expected a single reload for the burst, got another with %d policies", n)
	case <-time.After(600 * time.Millisecond):
	}
}
