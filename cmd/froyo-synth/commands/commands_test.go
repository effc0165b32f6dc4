package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/synth/pkg/synth"
)

const stacksCUE = `
environment: {
	account: "123456789012"
	region:  "eu-west-1"
}

autoscaler: {
	cluster_name:      "demo"
	cluster_endpoint:  "https://ABC.gr7.eu-west-1.eks.amazonaws.com"
	oidc_provider_arn: "arn:aws:iam::123456789012:oidc-provider/oidc.eks.eu-west-1.amazonaws.com/id/ABC"
	provisioners: default: ttlSecondsAfterEmpty: 30
}

pipeline: {
	github_url:            "https://github.com/acme/hello"
	github_owner:          "acme"
	github_repo:           "hello"
	github_connection_arn: "arn:aws:codestar-connections:eu-west-1:123456789012:connection/abc"
}

gateway: {
	vpc_id: "vpc-0abc"
	public_subnet_ids: ["subnet-1"]
	ssh_key_name: "ops"
}

policy: mode: "enforcing"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand("v1.2.3", "abc123", "2026-01-01")
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "froyo-synth v1.2.3 (commit: abc123") {
		t.Errorf("Unexpected version output %q", out)
	}

	out, _, err = run(t, "version", "--json")
	if err != nil {
		t.Fatalf("version --json failed: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("Invalid JSON %q: %v", out, err)
	}
	if info["assembly"] != synth.AssemblyVersion {
		t.Errorf("Expected assembly version %s, got %s", synth.AssemblyVersion, info["assembly"])
	}
}

func TestValidateCommand(t *testing.T) {
	good := writeConfig(t, "stacks.cue", stacksCUE)
	bad := writeConfig(t, "bad.cue", strings.Replace(stacksCUE, `"123456789012"`, `"1234"`, 1))
	script := writeConfig(t, "pools.star", `autoscaler = {"provisioners": {"batch": {"ttlSecondsAfterEmpty": 60}}}`)

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		want    string
	}{
		{name: "valid", args: []string{"validate", "-c", good}, want: "Configuration valid (1 file(s))"},
		{name: "invalid", args: []string{"validate", "-c", bad}, wantErr: true, want: "bad.cue:"},
		{name: "policies", args: []string{"validate", "-c", good, "--policies"}, want: "Policy checks passed"},
		{name: "show with script", args: []string{"validate", "-c", good, "-c", script, "--show"}, want: `"batch"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := run(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate error = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("Expected %q in output:\n%s", tt.want, out)
			}
		})
	}
}

func TestSynthCommand(t *testing.T) {
	cfg := writeConfig(t, "stacks.cue", stacksCUE)
	outDir := filepath.Join(t.TempDir(), "assembly")

	out, _, err := run(t, "synth", "-c", cfg, "--out", outDir, "--format", "yaml")
	if err != nil {
		t.Fatalf("synth failed: %v", err)
	}
	if !strings.Contains(out, "Assembly ") {
		t.Errorf("Expected assembly summary, got:\n%s", out)
	}

	m, err := synth.ReadManifest(outDir)
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if len(m.Stacks) != 3 {
		t.Fatalf("Expected 3 stacks, got %d", len(m.Stacks))
	}
	for _, st := range m.Stacks {
		if _, err := os.Stat(filepath.Join(outDir, st.Template)); err != nil {
			t.Errorf("Template %s missing: %v", st.Template, err)
		}
		if !strings.HasSuffix(st.Template, ".template.yaml") {
			t.Errorf("Expected YAML template, got %s", st.Template)
		}
	}

	if _, _, err := run(t, "synth", "-c", cfg, "--format", "toml"); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestListCommand(t *testing.T) {
	cfg := writeConfig(t, "stacks.cue", stacksCUE)

	out, _, err := run(t, "list", "-c", cfg, "--json")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var summaries []synth.StackSummary
	if err := json.Unmarshal([]byte(out), &summaries); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(summaries) != 3 || summaries[0].Name != synth.AutoscalerStack {
		t.Errorf("Unexpected summaries %+v", summaries)
	}

	out, _, err = run(t, "list", "-c", cfg, "--types")
	if err != nil {
		t.Fatalf("list --types failed: %v", err)
	}
	if !strings.Contains(out, "AWS::ECR::Repository") {
		t.Errorf("Expected type breakdown:\n%s", out)
	}
}

func TestGraphCommand(t *testing.T) {
	cfg := writeConfig(t, "stacks.cue", stacksCUE)

	out, _, err := run(t, "graph", "-c", cfg, synth.GatewayStack)
	if err != nil {
		t.Fatalf("graph failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph") {
		t.Errorf("Expected DOT output, got %q", out)
	}
	if strings.Count(out, "digraph") != 1 {
		t.Errorf("Expected a single graph")
	}

	if _, _, err := run(t, "graph", "-c", cfg, "missing"); err == nil {
		t.Error("Expected error for unknown stack")
	}
}

func TestWaitForChange(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
		os.WriteFile(filepath.Join(dir, "stacks.cue"), []byte("x: 1"), 0o644)
	}()

	changed, err := waitForChange(ctx, []string{dir})
	if err != nil {
		t.Fatalf("waitForChange failed: %v", err)
	}
	if filepath.Base(changed) != "stacks.cue" {
		t.Errorf("Expected stacks.cue, got %q", changed)
	}
}

func TestWaitForChange_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	changed, err := waitForChange(ctx, []string{t.TempDir()})
	if err != nil || changed != "" {
		t.Errorf("Expected clean return on cancel, got %q, %v", changed, err)
	}
}

func TestHistoryCommand(t *testing.T) {
	cfg := writeConfig(t, "stacks.cue", stacksCUE)
	db := filepath.Join(t.TempDir(), "state", "history.db")
	outDir := t.TempDir()

	for i := 0; i < 2; i++ {
		if _, _, err := run(t, "synth", "-c", cfg, "--out", outDir, "--history", db, "--history-keep", "1"); err != nil {
			t.Fatalf("synth failed: %v", err)
		}
	}
	m, err := synth.ReadManifest(outDir)
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}

	out, _, err := run(t, "history", "--history", db, "--json")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var list []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(list) != 1 || list[0]["id"] != m.ID {
		t.Fatalf("Expected only the latest run %s, got %v", m.ID, list)
	}

	out, _, err = run(t, "history", "--history", db, m.ID)
	if err != nil {
		t.Fatalf("history show failed: %v", err)
	}
	if !strings.Contains(out, "succeeded") || !strings.Contains(out, "open-ingress") {
		t.Errorf("Expected run details, got:\n%s", out)
	}

	if _, _, err := run(t, "history"); err == nil {
		t.Error("Expected error without --history")
	}
}
