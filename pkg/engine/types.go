package engine

import (
	"time"
)

// Resource is a declaration destined for an external provisioning system.
type Resource struct {
	// ID is the unique identifier for this resource within its stack.
	ID string `json:"id"`

	// Type is the kind tag (e.g., "AWS::IAM::Role", "Kubernetes::Manifest").
	Type string `json:"type"`

	// Properties is the resource configuration. Values may contain lazy references
	// (Ref, Join) that are resolved during synthesis.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Labels are key-value pairs for organizing and selecting resources.
	Labels map[string]string `json:"labels,omitempty"`

	// Dependencies lists explicit ordering edges onto other resources.
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// index is the declaration position inside the owning stack.
	index int
}

// Dependency represents an edge in the resource DAG.
type Dependency struct {
	// TargetID is the ID of the resource this depends on.
	TargetID string `json:"target_id"`

	// Type is the type of dependency relationship.
	Type DependencyType `json:"type"`
}

// DependencyType represents the type of dependency between resources.
type DependencyType string

const (
	// DependencyRequire is an explicitly declared ordering constraint.
	DependencyRequire DependencyType = "require"

	// DependencyReference is implied by a lazy value that points at another resource.
	DependencyReference DependencyType = "reference"
)

// Ref returns a lazy reference to the resource's primary identifier.
func (r *Resource) Ref() Ref {
	return Ref{ResourceID: r.ID}
}

// GetAtt returns a lazy reference to one of the resource's attributes.
func (r *Resource) GetAtt(attribute string) Ref {
	return Ref{ResourceID: r.ID, Attribute: attribute}
}

// DependsOn adds explicit ordering edges from this resource onto the given targets.
// Adding the same edge twice is a no-op.
func (r *Resource) DependsOn(targets ...*Resource) {
	for _, t := range targets {
		if t == nil || r.hasDependency(t.ID) {
			continue
		}
		r.Dependencies = append(r.Dependencies, Dependency{TargetID: t.ID, Type: DependencyRequire})
	}
}

// SetProperty sets a single property, allocating the property bag if needed.
func (r *Resource) SetProperty(key string, value interface{}) {
	if r.Properties == nil {
		r.Properties = make(map[string]interface{})
	}
	r.Properties[key] = value
}

func (r *Resource) hasDependency(id string) bool {
	for _, d := range r.Dependencies {
		if d.TargetID == id {
			return true
		}
	}
	return false
}

// Output is a value a stack exposes to its operator after deployment.
type Output struct {
	// ID is the output name.
	ID string `json:"id"`

	// Value may be a literal or a lazy value.
	Value interface{} `json:"value"`

	// Description is an optional human-readable description.
	Description string `json:"description,omitempty"`
}

// Template is the synthesized, fully resolved form of a stack.
type Template struct {
	// Stack is the name of the stack this template was synthesized from.
	Stack string `json:"stack"`

	// Description is the stack description.
	Description string `json:"description,omitempty"`

	// Environment is the account/region the stack targets.
	Environment Environment `json:"environment"`

	// Resources are listed in a valid creation order.
	Resources []SynthesizedResource `json:"resources"`

	// Outputs maps output IDs to their resolved values.
	Outputs map[string]SynthesizedOutput `json:"outputs,omitempty"`

	// Levels groups resource IDs that have no ordering constraints between them.
	Levels [][]string `json:"levels"`

	// SynthesizedAt is when the template was produced.
	SynthesizedAt time.Time `json:"synthesized_at"`
}

// SynthesizedResource is a resource whose lazy values have been resolved.
type SynthesizedResource struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Labels     map[string]string      `json:"labels,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty"`
	Level      int                    `json:"level"`
}

// SynthesizedOutput is an output with its value resolved.
type SynthesizedOutput struct {
	Value       interface{} `json:"value"`
	Description string      `json:"description,omitempty"`
}

// Resource returns the synthesized resource with the given ID.
func (t *Template) Resource(id string) (*SynthesizedResource, bool) {
	for i := range t.Resources {
		if t.Resources[i].ID == id {
			return &t.Resources[i], true
		}
	}
	return nil, false
}

// ResourcesOfType returns every synthesized resource with the given type, in template order.
func (t *Template) ResourcesOfType(typ string) []SynthesizedResource {
	var out []SynthesizedResource
	for _, r := range t.Resources {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

// Position returns the index of a resource in the template order, or -1.
func (t *Template) Position(id string) int {
	for i := range t.Resources {
		if t.Resources[i].ID == id {
			return i
		}
	}
	return -1
}

// GraphNode represents a resource in the dependency graph.
type GraphNode struct {
	// ID is the resource ID.
	ID string `json:"id"`

	// Level is the topological level (0 = no dependencies).
	Level int `json:"level"`

	// Dependencies are the resource IDs this node depends on.
	Dependencies []string `json:"dependencies,omitempty"`

	// Dependents are the resource IDs that depend on this node.
	Dependents []string `json:"dependents,omitempty"`
}

// GraphEdge represents an edge in the dependency graph.
type GraphEdge struct {
	// From is the resource that must be ready first.
	From string `json:"from"`

	// To is the dependent resource.
	To string `json:"to"`

	// Type is the dependency type.
	Type DependencyType `json:"type"`
}

// Graph is the validated dependency graph of a stack.
type Graph struct {
	// Nodes maps resource IDs to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists every dependency edge.
	Edges []GraphEdge `json:"edges"`

	// Roots are resources without dependencies.
	Roots []string `json:"roots"`

	// Levels groups resources by topological level.
	Levels [][]string `json:"levels"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}
