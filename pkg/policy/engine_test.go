package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/synth/pkg/engine"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"image-retention", "manifest-naming", "open-ingress", "wildcard-actions"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("Policy %d: expected %s, got %s", i, expected[i], p.Name)
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("Policy %s should be builtin and enabled", p.Name)
		}
	}
}

func manifest(id, name string) *engine.SynthesizedResource {
	meta := map[string]interface{}{}
	if name != "" {
		meta["name"] = name
	}
	return &engine.SynthesizedResource{
		ID:   id,
		Type: "Kubernetes::Manifest",
		Properties: map[string]interface{}{
			"Manifest": map[string]interface{}{
				"apiVersion": "v1",
				"kind":       "Namespace",
				"metadata":   meta,
			},
		},
	}
}

func TestEvaluateResource_Builtins(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name          string
		resource      *engine.SynthesizedResource
		expectAllowed bool
		expectPolicy  string
		expectSev     Severity
		expectCount   int
	}{
		{
			name:          "valid manifest",
			resource:      manifest("ns", "karpenter"),
			expectAllowed: true,
		},
		{
			name:          "uppercase manifest name",
			resource:      manifest("ns", "Karpenter"),
			expectAllowed: false,
			expectPolicy:  "manifest-naming",
			expectSev:     SeverityError,
			expectCount:   1,
		},
		{
			name:          "unnamed manifest",
			resource:      manifest("ns", ""),
			expectAllowed: false,
			expectPolicy:  "manifest-naming",
			expectSev:     SeverityError,
			expectCount:   1,
		},
		{
			name: "open security group",
			resource: &engine.SynthesizedResource{
				ID:   "ec2-sg",
				Type: "AWS::EC2::SecurityGroup",
				Properties: map[string]interface{}{
					"SecurityGroupIngress": []interface{}{
						map[string]interface{}{"IpProtocol": "tcp", "FromPort": 80, "ToPort": 80, "CidrIp": "0.0.0.0/0"},
						map[string]interface{}{"IpProtocol": "tcp", "FromPort": 22, "ToPort": 22, "CidrIp": "0.0.0.0/0"},
						map[string]interface{}{"IpProtocol": "tcp", "FromPort": 443, "ToPort": 443, "CidrIp": "10.0.0.0/8"},
					},
				},
			},
			expectAllowed: true,
			expectPolicy:  "open-ingress",
			expectSev:     SeverityWarning,
			expectCount:   2,
		},
		{
			name: "repository without lifecycle",
			resource: &engine.SynthesizedResource{
				ID:         "ImageRepository",
				Type:       "AWS::ECR::Repository",
				Properties: map[string]interface{}{"RepositoryName": "multi-arch"},
			},
			expectAllowed: false,
			expectPolicy:  "image-retention",
			expectSev:     SeverityError,
			expectCount:   1,
		},
		{
			name: "repository with age-based lifecycle",
			resource: &engine.SynthesizedResource{
				ID:   "ImageRepository",
				Type: "AWS::ECR::Repository",
				Properties: map[string]interface{}{
					"LifecyclePolicy": map[string]interface{}{
						"LifecyclePolicyText": `{"rules":[{"rulePriority":1,"selection":{"tagStatus":"any","countType":"sinceImagePushed","countNumber":30}}]}`,
					},
				},
			},
			expectAllowed: false,
			expectPolicy:  "image-retention",
			expectSev:     SeverityError,
			expectCount:   1,
		},
		{
			name: "repository with count cap",
			resource: &engine.SynthesizedResource{
				ID:   "ImageRepository",
				Type: "AWS::ECR::Repository",
				Properties: map[string]interface{}{
					"LifecyclePolicy": map[string]interface{}{
						"LifecyclePolicyText": `{"rules":[{"rulePriority":1,"selection":{"tagStatus":"any","countType":"imageCountMoreThan","countNumber":6}}]}`,
					},
				},
			},
			expectAllowed: true,
		},
		{
			name: "wildcard statement",
			resource: &engine.SynthesizedResource{
				ID:   "ControllerPolicy",
				Type: "AWS::IAM::Policy",
				Properties: map[string]interface{}{
					"PolicyDocument": map[string]interface{}{
						"Version": "2012-10-17",
						"Statement": []interface{}{
							map[string]interface{}{"Effect": "Allow", "Action": []interface{}{"ec2:RunInstances"}, "Resource": []interface{}{"*"}},
							map[string]interface{}{"Effect": "Allow", "Action": "ssm:GetParameter", "Resource": "arn:aws:ssm:::parameter/x"},
						},
					},
				},
			},
			expectAllowed: true,
			expectPolicy:  "wildcard-actions",
			expectSev:     SeverityInfo,
			expectCount:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateResource(ctx, tt.resource, &Context{Stack: "test"})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if len(result.Warnings) > 0 {
				t.Fatalf("Unexpected evaluation warnings: %v", result.Warnings)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if len(result.Violations) != tt.expectCount {
				t.Fatalf("Expected %d violations, got %+v", tt.expectCount, result.Violations)
			}
			for _, v := range result.Violations {
				if v.Policy != tt.expectPolicy || v.Severity != tt.expectSev {
					t.Errorf("Unexpected violation %+v", v)
				}
				if v.Resource != tt.resource.ID || v.Stack != "test" {
					t.Errorf("Violation not attributed: %+v", v)
				}
			}
		})
	}
}

func TestEvaluateTemplate(t *testing.T) {
	eng := newTestEngine(t)

	tmpl := &engine.Template{
		Stack:       "karpenter",
		Environment: engine.Environment{Account: "123456789012", Region: "us-east-1"},
		Resources: []engine.SynthesizedResource{
			*manifest("namespace", "karpenter"),
			*manifest("provisioner", "GPU"),
		},
	}

	result, err := eng.EvaluateTemplate(context.Background(), tmpl)
	if err != nil {
		t.Fatalf("EvaluateTemplate failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected template to be blocked")
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
	}
	if got := result.CountBySeverity()[SeverityError]; got != 1 {
		t.Errorf("Expected 1 error, got %d", got)
	}

	err = Enforce(tmpl.Stack, result)
	if engine.CodeOf(err) != engine.ErrCodePolicyViolation || !engine.IsSynthesis(err) {
		t.Errorf("Expected policy violation synthesis error, got %v", err)
	}

	if err := eng.DisablePolicy("manifest-naming"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, _ = eng.EvaluateTemplate(context.Background(), tmpl)
	if !result.Allowed || Enforce(tmpl.Stack, result) != nil {
		t.Errorf("Expected template to pass with naming disabled, got %+v", result.Violations)
	}
}

func TestEvaluateTemplate_Cancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tmpl := &engine.Template{Stack: "s", Resources: []engine.SynthesizedResource{*manifest("ns", "a")}}
	if _, err := eng.EvaluateTemplate(ctx, tmpl); err == nil {
		t.Error("Expected cancellation error")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy("open-ingress"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	p, err := eng.GetPolicy("open-ingress")
	if err != nil || p.Enabled {
		t.Errorf("Expected disabled policy, got %+v, %v", p, err)
	}
	if err := eng.EnablePolicy("open-ingress"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if p, _ := eng.GetPolicy("open-ingress"); !p.Enabled {
		t.Error("Expected enabled policy")
	}

	if err := eng.EnablePolicy("missing"); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := eng.GetPolicy("missing"); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected not found, got %v", err)
	}
}

const bucketPolicy = `package acme.buckets

import rego.v1

# Buckets must be versioned.
# severity: critical
deny contains msg if {
	input.resource.type == "AWS::S3::Bucket"
	not input.resource.properties.VersioningConfiguration
	msg := sprintf("bucket %s is not versioned", [input.resource.id])
}
`

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "buckets.rego"), []byte(bucketPolicy), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	bucket := &engine.SynthesizedResource{ID: "ArtifactBucket", Type: "AWS::S3::Bucket"}
	result, err := eng.EvaluateResource(ctx, bucket, nil)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Policy != "buckets" || v.Severity != SeverityCritical || v.Message != "bucket ArtifactBucket is not versioned" {
		t.Errorf("Unexpected violation %+v", v)
	}

	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("buckets"); err == nil {
		t.Error("Expected custom policy to be dropped on reload")
	}
}

func TestReplaceCustomPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	good := Policy{Name: "buckets", Rego: bucketPolicy, Severity: SeverityError, Enabled: true}
	if err := eng.ReplaceCustomPolicies(ctx, []Policy{good}); err != nil {
		t.Fatalf("ReplaceCustomPolicies failed: %v", err)
	}

	bad := Policy{Name: "broken", Rego: "package broken\n\ndeny contains", Enabled: true}
	if err := eng.ReplaceCustomPolicies(ctx, []Policy{bad}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("buckets"); err != nil {
		t.Error("Expected previous custom set to survive a failed replace")
	}

	if err := eng.ReplaceCustomPolicies(ctx, nil); err != nil {
		t.Fatalf("ReplaceCustomPolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected only built-ins, got %d policies", len(eng.ListPolicies()))
	}
}
