package iam

import (
	"context"
	"reflect"
	"testing"

	"github.com/openfroyo/synth/pkg/engine"
)

func newStack(t *testing.T) *engine.Stack {
	t.Helper()
	env, err := engine.NewEnvironment("123456789012", "us-east-1")
	if err != nil {
		t.Fatalf("NewEnvironment failed: %v", err)
	}
	s, err := engine.NewStack("iam", env)
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}
	return s
}

func TestNewRole(t *testing.T) {
	s := newStack(t)

	role, err := NewRole(s, "NodeRole", RoleProps{
		RoleName:        "demo-karpenter-node",
		AssumedBy:       ServicePrincipal(s.Environment(), "ec2"),
		ManagedPolicies: []string{"AmazonEKSWorkerNodePolicy"},
	})
	if err != nil {
		t.Fatalf("NewRole failed: %v", err)
	}

	if role.Name() != "demo-karpenter-node" {
		t.Errorf("Expected literal role name, got %v", role.Name())
	}
	if role.ARN() != (engine.Ref{ResourceID: "NodeRole", Attribute: "Arn"}) {
		t.Errorf("Unexpected ARN ref: %v", role.ARN())
	}

	managed := role.Properties["ManagedPolicyArns"].([]string)
	if !reflect.DeepEqual(managed, []string{"arn:aws:iam::aws:policy/AmazonEKSWorkerNodePolicy"}) {
		t.Errorf("Unexpected managed policies: %v", managed)
	}

	doc := role.Properties["AssumeRolePolicyDocument"].(map[string]interface{})
	stmt := doc["Statement"].([]interface{})[0].(map[string]interface{})
	if stmt["Principal"].(map[string]interface{})["Service"] != "ec2.amazonaws.com" {
		t.Errorf("Unexpected trust statement: %v", stmt)
	}

	if _, err := NewRole(s, "NoPrincipal", RoleProps{}); !engine.IsValidation(err) {
		t.Errorf("Expected validation error without principal, got %v", err)
	}
}

func TestRole_AddToPolicy(t *testing.T) {
	s := newStack(t)
	role, _ := NewRole(s, "CodeBuildServiceRole", RoleProps{AssumedBy: ServicePrincipal(s.Environment(), "codebuild")})

	if err := role.AddToPolicy(Statement{Actions: []string{"ecr:PutImage"}, Resources: AllResources()}); err != nil {
		t.Fatalf("AddToPolicy failed: %v", err)
	}
	if err := role.AddToPolicy(Statement{Actions: []string{"logs:PutLogEvents"}, Resources: AllResources()}); err != nil {
		t.Fatalf("AddToPolicy failed: %v", err)
	}

	policy, ok := s.Resource("CodeBuildServiceRoleDefaultPolicy")
	if !ok {
		t.Fatal("Expected default policy resource")
	}
	stmts := policy.Properties["PolicyDocument"].(map[string]interface{})["Statement"].([]interface{})
	if len(stmts) != 2 {
		t.Errorf("Expected 2 statements, got %d", len(stmts))
	}

	tmpl, err := s.Synthesize(context.Background())
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if tmpl.Position("CodeBuildServiceRole") > tmpl.Position("CodeBuildServiceRoleDefaultPolicy") {
		t.Error("Expected role before its policy")
	}
}

func TestNewPolicy_RequiresRole(t *testing.T) {
	s := newStack(t)
	if _, err := NewPolicy(s, "Orphan", PolicyProps{}); !engine.IsValidation(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestNewInstanceProfile(t *testing.T) {
	s := newStack(t)
	role, _ := NewRole(s, "NodeRole", RoleProps{RoleName: "node", AssumedBy: ServicePrincipal(s.Environment(), "ec2")})

	profile, err := NewInstanceProfile(s, "InstanceProfile", "demo", role)
	if err != nil {
		t.Fatalf("NewInstanceProfile failed: %v", err)
	}
	if profile.Properties["InstanceProfileName"] != "demo" {
		t.Errorf("Unexpected name: %v", profile.Properties["InstanceProfileName"])
	}
	if len(profile.Dependencies) != 1 || profile.Dependencies[0].TargetID != "NodeRole" {
		t.Errorf("Expected dependency on role, got %v", profile.Dependencies)
	}
}
