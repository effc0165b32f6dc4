package engine

import (
	"context"
	"reflect"
	"testing"
)

func testEnv(t *testing.T) Environment {
	t.Helper()
	env, err := NewEnvironment("123456789012", "eu-west-1")
	if err != nil {
		t.Fatalf("NewEnvironment failed: %v", err)
	}
	return env
}

func newTestStack(t *testing.T) *Stack {
	t.Helper()
	s, err := NewStack("test", testEnv(t), WithDescription("test stack"))
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}
	return s
}

func TestNewStack_Validation(t *testing.T) {
	if _, err := NewStack("", testEnv(t)); !IsValidation(err) {
		t.Errorf("Expected validation error for empty name, got %v", err)
	}
	if _, err := NewStack("x", Environment{Account: "abc", Region: "eu-west-1"}); !IsValidation(err) {
		t.Errorf("Expected validation error for bad account, got %v", err)
	}
}

func TestStack_AddResource(t *testing.T) {
	s := newTestStack(t)

	if _, err := s.AddResource("bucket", "AWS::S3::Bucket", nil); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}

	_, err := s.AddResource("bucket", "AWS::S3::Bucket", nil)
	if CodeOf(err) != ErrCodeAlreadyExists || !IsDeclaration(err) {
		t.Errorf("Expected ALREADY_EXISTS declaration error, got %v", err)
	}

	if _, err := s.AddResource("", "AWS::S3::Bucket", nil); !IsValidation(err) {
		t.Errorf("Expected validation error for empty ID, got %v", err)
	}
	if _, err := s.AddResource("x", "", nil); !IsValidation(err) {
		t.Errorf("Expected validation error for empty type, got %v", err)
	}

	r, ok := s.Resource("bucket")
	if !ok || r.Properties == nil {
		t.Errorf("Expected declared resource with allocated properties, got %+v", r)
	}
}

func TestStack_AddDependency(t *testing.T) {
	s := newTestStack(t)
	a, _ := s.AddResource("a", "T", nil)
	s.AddResource("b", "T", nil)

	if err := s.AddDependency("a", "b"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if err := s.AddDependency("a", "b"); err != nil {
		t.Fatalf("Repeated AddDependency failed: %v", err)
	}
	if len(a.Dependencies) != 1 {
		t.Errorf("Expected 1 dependency, got %v", a.Dependencies)
	}

	if err := s.AddDependency("a", "missing"); CodeOf(err) != ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
	if err := s.AddDependency("missing", "a"); CodeOf(err) != ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
	if err := s.AddDependency("a", "a"); CodeOf(err) != ErrCodeCycle {
		t.Errorf("Expected cycle error for self edge, got %v", err)
	}
}

func TestStack_Synthesize_ResolvesLazyValues(t *testing.T) {
	s := newTestStack(t)

	alb, _ := s.AddResource("alb", "AWS::ElasticLoadBalancingV2::LoadBalancer", map[string]interface{}{
		"Name": "api-gateway-alb",
	})
	s.AddResource("integration", "AWS::ApiGateway::Method", map[string]interface{}{
		"Integration": map[string]interface{}{
			"Uri": Concat("http://", alb.GetAtt("DNSName")),
		},
		"Targets": []interface{}{alb.Ref()},
	})
	if err := s.AddOutput("Url", Concat("http://", alb.GetAtt("DNSName")), "load balancer url"); err != nil {
		t.Fatalf("AddOutput failed: %v", err)
	}

	tmpl, err := s.Synthesize(context.Background())
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if tmpl.Position("alb") >= tmpl.Position("integration") {
		t.Errorf("Expected alb before integration, got order %v", tmpl.Levels)
	}

	integration, _ := tmpl.Resource("integration")
	if !reflect.DeepEqual(integration.DependsOn, []string{"alb"}) {
		t.Errorf("Expected implied dependency on alb, got %v", integration.DependsOn)
	}

	uri := integration.Properties["Integration"].(map[string]interface{})["Uri"]
	want := map[string]interface{}{
		"Fn::Join": []interface{}{"", []interface{}{
			"http://",
			map[string]interface{}{"Fn::GetAtt": []interface{}{"alb", "DNSName"}},
		}},
	}
	if !reflect.DeepEqual(uri, want) {
		t.Errorf("Unexpected resolved uri: %#v", uri)
	}

	targets := integration.Properties["Targets"].([]interface{})
	if !reflect.DeepEqual(targets[0], map[string]interface{}{"Ref": "alb"}) {
		t.Errorf("Unexpected resolved ref: %#v", targets[0])
	}

	if !reflect.DeepEqual(tmpl.Outputs["Url"].Value, want) {
		t.Errorf("Unexpected resolved output: %#v", tmpl.Outputs["Url"].Value)
	}

	// Declarations keep their placeholders.
	decl, _ := s.Resource("integration")
	if _, ok := decl.Properties["Targets"].([]interface{})[0].(Ref); !ok {
		t.Error("Synthesize must not mutate declared properties")
	}
}

func TestStack_Synthesize_DanglingReference(t *testing.T) {
	s := newTestStack(t)
	s.AddResource("a", "T", map[string]interface{}{"Target": Ref{ResourceID: "ghost"}})

	_, err := s.Synthesize(context.Background())
	if !IsSynthesis(err) || CodeOf(err) != ErrCodeNotFound {
		t.Fatalf("Expected NOT_FOUND synthesis error, got %v", err)
	}
}

func TestStack_Synthesize_DanglingOutput(t *testing.T) {
	s := newTestStack(t)
	s.AddOutput("Out", Ref{ResourceID: "ghost"}, "")

	if _, err := s.Synthesize(context.Background()); CodeOf(err) != ErrCodeNotFound {
		t.Fatalf("Expected NOT_FOUND error, got %v", err)
	}
}

func TestStack_Synthesize_CycleThroughReferences(t *testing.T) {
	s := newTestStack(t)
	a, _ := s.AddResource("a", "T", map[string]interface{}{"Peer": Ref{ResourceID: "b"}})
	b, _ := s.AddResource("b", "T", nil)
	b.DependsOn(a)

	_, err := s.Synthesize(context.Background())
	if CodeOf(err) != ErrCodeCycle {
		t.Fatalf("Expected cycle error, got %v", err)
	}
}

func TestStack_Synthesize_CanceledContext(t *testing.T) {
	s := newTestStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Synthesize(ctx); err == nil {
		t.Fatal("Expected context error")
	}
}

func TestStack_DOT(t *testing.T) {
	s := newTestStack(t)
	a, _ := s.AddResource("a", "T", nil)
	b, _ := s.AddResource("b", "T", nil)
	b.DependsOn(a)

	dot, err := s.DOT()
	if err != nil {
		t.Fatalf("DOT failed: %v", err)
	}
	if dot == "" {
		t.Error("Expected non-empty DOT output")
	}
}
