package engine

import (
	"errors"
	"strings"
	"testing"
)

func res(id string, deps ...string) Resource {
	r := Resource{ID: id, Type: "Test::Resource"}
	for _, d := range deps {
		r.Dependencies = append(r.Dependencies, Dependency{TargetID: d, Type: DependencyRequire})
	}
	return r
}

func TestDAGBuilder_BuildGraph_Empty(t *testing.T) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph([]Resource{})

	if err != nil {
		t.Fatalf("Expected no error for empty resources, got: %v", err)
	}

	if len(graph.Nodes) != 0 {
		t.Errorf("Expected 0 nodes, got %d", len(graph.Nodes))
	}

	if graph.Depth != 0 {
		t.Errorf("Expected depth 0, got %d", graph.Depth)
	}
}

func TestDAGBuilder_BuildGraph_LinearDependencies(t *testing.T) {
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph([]Resource{
		res("namespace"),
		res("service-account", "namespace"),
		res("chart", "service-account"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth)
	}

	for id, want := range map[string]int{"namespace": 0, "service-account": 1, "chart": 2} {
		if got := graph.Nodes[id].Level; got != want {
			t.Errorf("%s should be at level %d, got %d", id, want, got)
		}
	}

	if len(graph.Edges) != 2 {
		t.Errorf("Expected 2 edges, got %d", len(graph.Edges))
	}

	if err := builder.ValidateGraph(graph); err != nil {
		t.Errorf("ValidateGraph failed: %v", err)
	}
}

func TestDAGBuilder_BuildGraph_DiamondDependencies(t *testing.T) {
	// source -> x86,arm64 -> manifest
	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph([]Resource{
		res("source"),
		res("x86", "source"),
		res("arm64", "source"),
		res("manifest", "x86", "arm64"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth)
	}

	levels := builder.GetLevels()
	if len(levels[1]) != 2 || levels[1][0] != "x86" || levels[1][1] != "arm64" {
		t.Errorf("Expected level 1 to be [x86 arm64] in declaration order, got %v", levels[1])
	}

	if len(graph.Roots) != 1 || graph.Roots[0] != "source" {
		t.Errorf("Expected single root 'source', got %v", graph.Roots)
	}
}

func TestDAGBuilder_DuplicateEdgesCollapse(t *testing.T) {
	r := res("b", "a")
	r.Dependencies = append(r.Dependencies, Dependency{TargetID: "a", Type: DependencyReference})

	graph, err := NewDAGBuilder().BuildGraph([]Resource{res("a"), r})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if deps := graph.Nodes["b"].Dependencies; len(deps) != 1 {
		t.Errorf("Expected 1 dependency after collapsing duplicates, got %v", deps)
	}
}

func TestDAGBuilder_DetectCycles(t *testing.T) {
	tests := []struct {
		name      string
		resources []Resource
	}{
		{
			name:      "two node cycle",
			resources: []Resource{res("a", "b"), res("b", "a")},
		},
		{
			name:      "three node cycle behind a root",
			resources: []Resource{res("root"), res("a", "root", "c"), res("b", "a"), res("c", "b")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDAGBuilder().BuildGraph(tt.resources)
			if err == nil {
				t.Fatal("Expected cycle error, got nil")
			}
			if CodeOf(err) != ErrCodeCycle {
				t.Errorf("Expected code %s, got %s", ErrCodeCycle, CodeOf(err))
			}
			if !strings.Contains(err.Error(), "circular dependency") && !strings.Contains(err.Error(), "no root") {
				t.Errorf("Unexpected error message: %v", err)
			}
		})
	}
}

func TestDAGBuilder_CyclePathReported(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph([]Resource{res("root"), res("a", "root", "c"), res("b", "a"), res("c", "b")})
	if err == nil {
		t.Fatal("Expected cycle error")
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected *EngineError, got %T", err)
	}
	cycle, ok := engErr.Details["cycle"].([]string)
	if !ok || len(cycle) < 3 || cycle[0] != cycle[len(cycle)-1] {
		t.Errorf("Expected closed cycle path in details, got %v", engErr.Details["cycle"])
	}
}

func TestDAGBuilder_InvalidDependency(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph([]Resource{res("a", "missing")})
	if err == nil {
		t.Fatal("Expected error for missing dependency target")
	}
	if CodeOf(err) != ErrCodeNotFound {
		t.Errorf("Expected code %s, got %s", ErrCodeNotFound, CodeOf(err))
	}
	if !strings.Contains(err.Error(), "non-existent resource missing") {
		t.Errorf("Unexpected error message: %v", err)
	}
}

func TestDAGBuilder_SelfDependency(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph([]Resource{res("a", "a")})
	if err == nil || CodeOf(err) != ErrCodeCycle {
		t.Fatalf("Expected self-dependency cycle error, got %v", err)
	}
}

func TestDAGBuilder_DuplicateIDs(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph([]Resource{res("a"), res("a")})
	if err == nil {
		t.Fatal("Expected error for duplicate IDs")
	}
	if CodeOf(err) != ErrCodeAlreadyExists {
		t.Errorf("Expected code %s, got %s", ErrCodeAlreadyExists, CodeOf(err))
	}
}

func TestDAGBuilder_EmptyID(t *testing.T) {
	_, err := NewDAGBuilder().BuildGraph([]Resource{res("")})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	builder := NewDAGBuilder()
	a := res("role")
	a.Type = "AWS::IAM::Role"
	b := res("chart", "role")
	b.Type = "Helm::Chart"
	b.Dependencies = append(b.Dependencies, Dependency{TargetID: "role", Type: DependencyReference})

	if _, err := builder.BuildGraph([]Resource{a, b}); err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	dot := builder.ToDOT("autoscaler")

	for _, want := range []string{
		`digraph "autoscaler"`,
		"cluster_level_0",
		"cluster_level_1",
		`"role" -> "chart" [style=solid, color=black]`,
		`"role" -> "chart" [style=dashed, color=gray]`,
		"lightyellow",
		"lightblue",
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}
