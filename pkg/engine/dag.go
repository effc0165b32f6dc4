package engine

import (
	"fmt"
	"strings"
)

// DAGBuilder builds a directed acyclic graph (DAG) from resources.
// It performs topological sorting and assigns levels; resources on the same
// level have no ordering constraint between them.
type DAGBuilder struct {
	// resources maps resource IDs to their resources
	resources map[string]*Resource

	// order preserves the input order so results are deterministic
	order []string

	// adjacencyList maps resource IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps resource IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps level to resource IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		resources:            make(map[string]*Resource),
		order:                make([]string, 0),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs a dependency graph from resources.
// It validates dependencies, detects cycles, and computes levels.
func (b *DAGBuilder) BuildGraph(resources []Resource) (*Graph, error) {
	if len(resources) == 0 {
		return &Graph{
			Nodes:  make(map[string]*GraphNode),
			Edges:  make([]GraphEdge, 0),
			Roots:  make([]string, 0),
			Levels: make([][]string, 0),
			Depth:  0,
		}, nil
	}

	if err := b.initialize(resources); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildGraph(), nil
}

// initialize sets up the internal data structures from resources.
func (b *DAGBuilder) initialize(resources []Resource) error {
	// First pass: index all resources
	for i := range resources {
		res := &resources[i]
		if res.ID == "" {
			return NewValidationError("resource has empty ID", nil)
		}

		if _, exists := b.resources[res.ID]; exists {
			return NewDeclarationError(fmt.Sprintf("duplicate resource ID: %s", res.ID), nil).
				WithCode(ErrCodeAlreadyExists).WithResource(res.ID)
		}

		b.resources[res.ID] = res
		b.order = append(b.order, res.ID)
		b.adjacencyList[res.ID] = make([]string, 0)
		b.reverseAdjacencyList[res.ID] = make([]string, 0)
		b.inDegree[res.ID] = 0
	}

	// Second pass: build adjacency lists and validate dependencies
	for _, id := range b.order {
		res := b.resources[id]
		seen := make(map[string]bool)
		for _, dep := range res.Dependencies {
			targetID := dep.TargetID

			if _, exists := b.resources[targetID]; !exists {
				return NewSynthesisError(
					fmt.Sprintf("resource %s depends on non-existent resource %s", res.ID, targetID),
					nil,
				).WithCode(ErrCodeNotFound).WithResource(res.ID)
			}
			if targetID == res.ID {
				return NewSynthesisError(fmt.Sprintf("resource %s depends on itself", res.ID), nil).
					WithCode(ErrCodeCycle).WithResource(res.ID)
			}
			if seen[targetID] {
				continue
			}
			seen[targetID] = true

			// Edge from dependency to resource
			// (dependency must be ready before the resource is created)
			b.adjacencyList[targetID] = append(b.adjacencyList[targetID], res.ID)
			b.reverseAdjacencyList[res.ID] = append(b.reverseAdjacencyList[res.ID], targetID)
			b.inDegree[res.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.order {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return NewSynthesisError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					nil,
				).WithCode(ErrCodeCycle).WithDetail("cycle", cycle)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is found.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := make([]string, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns levels to each resource using Kahn's algorithm.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.order {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 && len(b.resources) > 0 {
		return NewSynthesisError("no root resources found - all resources have dependencies", nil).
			WithCode(ErrCodeCycle)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		ready := make(map[string]bool)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					ready[dependent] = true
				}
			}
		}

		// Keep declaration order within a level
		nextLevel := make([]string, 0, len(ready))
		for _, id := range b.order {
			if ready[id] {
				nextLevel = append(nextLevel, id)
			}
		}
		currentLevel = nextLevel
	}

	if processedCount != len(b.resources) {
		return NewSynthesisError("failed to process all resources - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildGraph creates the final Graph structure.
func (b *DAGBuilder) buildGraph() *Graph {
	graph := &Graph{
		Nodes:  make(map[string]*GraphNode),
		Edges:  make([]GraphEdge, 0),
		Roots:  make([]string, 0),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	for _, id := range b.order {
		for _, dep := range b.resources[id].Dependencies {
			graph.Edges = append(graph.Edges, GraphEdge{
				From: dep.TargetID,
				To:   id,
				Type: dep.Type,
			})
		}
	}

	return graph
}

// GetLevels returns the computed levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT(name string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", name))
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			res := b.resources[id]
			label := fmt.Sprintf("%s\\n%s", res.ID, res.Type)
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, getTypeColor(res.Type)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.order {
		for _, dep := range b.resources[id].Dependencies {
			sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", dep.TargetID, id, getDependencyStyle(dep.Type)))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getTypeColor returns a color for visualizing resource families.
func getTypeColor(typ string) string {
	switch {
	case strings.HasPrefix(typ, "AWS::IAM::"):
		return "lightyellow"
	case strings.HasPrefix(typ, "Kubernetes::"), strings.HasPrefix(typ, "Helm::"):
		return "lightblue"
	case strings.HasPrefix(typ, "AWS::"):
		return "lightgreen"
	default:
		return "white"
	}
}

// getDependencyStyle returns a DOT style string for dependency types.
func getDependencyStyle(depType DependencyType) string {
	switch depType {
	case DependencyRequire:
		return "style=solid, color=black"
	case DependencyReference:
		return "style=dashed, color=gray"
	default:
		return "style=solid, color=black"
	}
}

// ValidateGraph performs additional validation on the built graph.
func (b *DAGBuilder) ValidateGraph(graph *Graph) error {
	if len(graph.Nodes) != len(b.resources) {
		return NewSynthesisError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewSynthesisError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewSynthesisError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
		if graph.Nodes[edge.From].Level >= graph.Nodes[edge.To].Level {
			return NewSynthesisError(fmt.Sprintf("edge %s -> %s is not ordered by level", edge.From, edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootID := range graph.Roots {
		if len(graph.Nodes[rootID].Dependencies) > 0 {
			return NewSynthesisError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}
