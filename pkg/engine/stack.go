package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Stack owns a set of resources and their dependency edges. Resources can only
// be added; once added they are identified by their ID for the lifetime of the stack.
type Stack struct {
	name        string
	description string
	env         Environment
	logger      zerolog.Logger

	resources map[string]*Resource
	order     []string

	outputs     map[string]*Output
	outputOrder []string
}

// StackOption configures a Stack.
type StackOption func(*Stack)

// WithDescription sets the stack description.
func WithDescription(description string) StackOption {
	return func(s *Stack) {
		s.description = description
	}
}

// WithLogger sets the logger used for declaration and synthesis events.
func WithLogger(logger zerolog.Logger) StackOption {
	return func(s *Stack) {
		s.logger = logger
	}
}

// NewStack creates an empty stack targeting the given environment.
func NewStack(name string, env Environment, opts ...StackOption) (*Stack, error) {
	if name == "" {
		return nil, NewValidationError("stack name is required", nil)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	s := &Stack{
		name:      name,
		env:       env.withDefaults(),
		logger:    zerolog.Nop(),
		resources: make(map[string]*Resource),
		outputs:   make(map[string]*Output),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("stack", name).Logger()

	return s, nil
}

// Name returns the stack name.
func (s *Stack) Name() string {
	return s.name
}

// Environment returns the stack environment with derived fields filled in.
func (s *Stack) Environment() Environment {
	return s.env
}

// AddResource declares a new resource. The returned pointer may be used to add
// dependencies or properties until the stack is synthesized.
func (s *Stack) AddResource(id, typ string, props map[string]interface{}) (*Resource, error) {
	if id == "" {
		return nil, NewValidationError("resource ID is required", nil).WithStack(s.name)
	}
	if typ == "" {
		return nil, NewValidationError("resource type is required", nil).WithStack(s.name).WithResource(id)
	}
	if _, exists := s.resources[id]; exists {
		return nil, NewDeclarationError(fmt.Sprintf("resource %s already declared", id), nil).
			WithCode(ErrCodeAlreadyExists).WithStack(s.name).WithResource(id)
	}
	if props == nil {
		props = make(map[string]interface{})
	}

	res := &Resource{
		ID:         id,
		Type:       typ,
		Properties: props,
		index:      len(s.order),
	}
	s.resources[id] = res
	s.order = append(s.order, id)

	s.logger.Debug().Str("resource_id", id).Str("type", typ).Msg("Resource declared")
	return res, nil
}

// AddDependency adds an explicit edge: from must not be created before to is ready.
// Both resources must already be declared in this stack.
func (s *Stack) AddDependency(fromID, toID string) error {
	from, ok := s.resources[fromID]
	if !ok {
		return NewDeclarationError(fmt.Sprintf("resource %s not found", fromID), nil).
			WithCode(ErrCodeNotFound).WithStack(s.name).WithResource(fromID)
	}
	to, ok := s.resources[toID]
	if !ok {
		return NewDeclarationError(fmt.Sprintf("dependency target %s not found", toID), nil).
			WithCode(ErrCodeNotFound).WithStack(s.name).WithResource(fromID)
	}
	if fromID == toID {
		return NewDeclarationError(fmt.Sprintf("resource %s cannot depend on itself", fromID), nil).
			WithCode(ErrCodeCycle).WithStack(s.name).WithResource(fromID)
	}
	from.DependsOn(to)
	return nil
}

// Resource returns a declared resource by ID.
func (s *Stack) Resource(id string) (*Resource, bool) {
	r, ok := s.resources[id]
	return r, ok
}

// Resources returns all resources in declaration order.
func (s *Stack) Resources() []*Resource {
	out := make([]*Resource, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.resources[id])
	}
	return out
}

// AddOutput declares a user-visible output value.
func (s *Stack) AddOutput(id string, value interface{}, description string) error {
	if id == "" {
		return NewValidationError("output ID is required", nil).WithStack(s.name)
	}
	if _, exists := s.outputs[id]; exists {
		return NewDeclarationError(fmt.Sprintf("output %s already declared", id), nil).
			WithCode(ErrCodeAlreadyExists).WithStack(s.name)
	}
	s.outputs[id] = &Output{ID: id, Value: value, Description: description}
	s.outputOrder = append(s.outputOrder, id)
	return nil
}

// Outputs returns all outputs in declaration order.
func (s *Stack) Outputs() []Output {
	out := make([]Output, 0, len(s.outputOrder))
	for _, id := range s.outputOrder {
		out = append(out, *s.outputs[id])
	}
	return out
}

// withImpliedDependencies returns copies of every resource with reference edges
// added for each lazy value in its properties.
func (s *Stack) withImpliedDependencies() ([]Resource, error) {
	resources := make([]Resource, 0, len(s.order))
	for _, id := range s.order {
		res := *s.resources[id]
		res.Dependencies = append([]Dependency(nil), res.Dependencies...)

		for _, ref := range collectReferences(res.Properties) {
			if _, ok := s.resources[ref]; !ok {
				return nil, NewSynthesisError(
					fmt.Sprintf("resource %s references undeclared resource %s", id, ref), nil,
				).WithCode(ErrCodeNotFound).WithStack(s.name).WithResource(id)
			}
			if ref == id {
				return nil, NewSynthesisError(fmt.Sprintf("resource %s references itself", id), nil).
					WithCode(ErrCodeCycle).WithStack(s.name).WithResource(id)
			}
			if !res.hasDependency(ref) {
				res.Dependencies = append(res.Dependencies, Dependency{TargetID: ref, Type: DependencyReference})
			}
		}
		resources = append(resources, res)
	}
	return resources, nil
}

// Graph validates the stack and returns its dependency graph.
func (s *Stack) Graph() (*Graph, error) {
	_, graph, err := s.buildGraph()
	return graph, err
}

// DOT renders the stack's dependency graph in Graphviz format.
func (s *Stack) DOT() (string, error) {
	builder, _, err := s.buildGraph()
	if err != nil {
		return "", err
	}
	return builder.ToDOT(s.name), nil
}

func (s *Stack) buildGraph() (*DAGBuilder, *Graph, error) {
	resources, err := s.withImpliedDependencies()
	if err != nil {
		return nil, nil, err
	}

	builder := NewDAGBuilder()
	graph, err := builder.BuildGraph(resources)
	if err != nil {
		if e, ok := err.(*EngineError); ok {
			e.WithStack(s.name)
		}
		return nil, nil, err
	}
	if err := builder.ValidateGraph(graph); err != nil {
		return nil, nil, err
	}
	return builder, graph, nil
}

// Synthesize validates the graph, resolves every lazy value and returns the
// resources in a valid creation order.
func (s *Stack) Synthesize(ctx context.Context) (*Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	_, graph, err := s.buildGraph()
	if err != nil {
		return nil, err
	}

	for _, out := range s.outputs {
		for _, ref := range collectReferences(out.Value) {
			if _, ok := s.resources[ref]; !ok {
				return nil, NewSynthesisError(
					fmt.Sprintf("output %s references undeclared resource %s", out.ID, ref), nil,
				).WithCode(ErrCodeNotFound).WithStack(s.name)
			}
		}
	}

	tmpl := &Template{
		Stack:         s.name,
		Description:   s.description,
		Environment:   s.env,
		Resources:     make([]SynthesizedResource, 0, len(s.order)),
		Levels:        graph.Levels,
		SynthesizedAt: time.Now().UTC(),
	}

	for level, ids := range graph.Levels {
		for _, id := range ids {
			res := s.resources[id]
			node := graph.Nodes[id]

			dependsOn := append([]string(nil), node.Dependencies...)
			sort.Strings(dependsOn)

			props, _ := resolveValue(res.Properties).(map[string]interface{})
			tmpl.Resources = append(tmpl.Resources, SynthesizedResource{
				ID:         id,
				Type:       res.Type,
				Properties: props,
				Labels:     res.Labels,
				DependsOn:  dependsOn,
				Level:      level,
			})
		}
	}

	if len(s.outputOrder) > 0 {
		tmpl.Outputs = make(map[string]SynthesizedOutput, len(s.outputOrder))
		for _, id := range s.outputOrder {
			out := s.outputs[id]
			tmpl.Outputs[id] = SynthesizedOutput{
				Value:       resolveValue(out.Value),
				Description: out.Description,
			}
		}
	}

	s.logger.Debug().
		Int("resources", len(tmpl.Resources)).
		Int("levels", len(tmpl.Levels)).
		Dur("duration", time.Since(start)).
		Msg("Stack synthesized")

	return tmpl, nil
}
