package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/openfroyo/synth/pkg/engine"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against synthesized templates.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared for evaluation.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateTemplate evaluates every enabled policy against every resource of a template.
func (e *Engine) EvaluateTemplate(ctx context.Context, tmpl *engine.Template) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	pctx := &Context{
		Stack:     tmpl.Stack,
		Account:   tmpl.Environment.Account,
		Region:    tmpl.Environment.Region,
		Timestamp: startTime.UTC(),
	}

	result := &Result{Allowed: true}
	for _, cp := range e.enabled() {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		resources := targets(tmpl, cp.policy)
		for i := range resources {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			input := &Input{Resource: &resources[i], Context: pctx}

			violations, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("resource", resources[i].ID).
					Msg("Policy evaluation failed")
				result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", cp.policy.Name, err))
				continue
			}
			result.Violations = append(result.Violations, violations...)
		}
	}

	e.finish(result, startTime)
	e.logger.Debug().
		Str("stack", tmpl.Stack).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Template policy evaluation completed")

	return result, nil
}

// targets returns the template resources a policy evaluates: all of them for
// an unscoped policy, else those of each listed type in listing order.
func targets(tmpl *engine.Template, p *Policy) []engine.SynthesizedResource {
	if len(p.ResourceTypes) == 0 {
		return tmpl.Resources
	}
	var out []engine.SynthesizedResource
	seen := make(map[string]bool, len(p.ResourceTypes))
	for _, t := range p.ResourceTypes {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, tmpl.ResourcesOfType(t)...)
	}
	return out
}

// EvaluateResource evaluates every enabled policy against a single resource.
func (e *Engine) EvaluateResource(ctx context.Context, resource *engine.SynthesizedResource, pctx *Context) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pctx == nil {
		pctx = &Context{Timestamp: startTime.UTC()}
	}
	input := &Input{Resource: resource, Context: pctx}

	result := &Result{Allowed: true}
	for _, cp := range e.enabled() {
		if !cp.policy.AppliesTo(resource.Type) {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("resource", resource.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	e.finish(result, startTime)
	return result, nil
}

// Enforce returns a policy violation error when the result holds blocking violations.
func Enforce(stack string, result *Result) error {
	blocking := result.Blocking()
	if len(blocking) == 0 {
		return nil
	}
	first := blocking[0]
	return engine.NewSynthesisError(
		fmt.Sprintf("%d blocking policy violation(s), first: %s: %s", len(blocking), first.Policy, first.Message), nil,
	).WithCode(engine.ErrCodePolicyViolation).
		WithStack(stack).
		WithResource(first.Resource).
		WithDetail("violations", blocking)
}

func (e *Engine) finish(result *Result, startTime time.Time) {
	result.Allowed = len(result.Blocking()) == 0
	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)
}

// enabled returns enabled policies sorted by name. Callers hold e.mu.
func (e *Engine) enabled() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// LoadPolicies loads policy files and adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplaceCustomPolicies swaps every non-builtin policy for the given set.
// The previous set is kept if any policy fails to compile.
func (e *Engine) ReplaceCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i], e.store)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Custom policies replaced")
	return nil
}

// WatchPolicies loads custom policies from paths and reloads them whenever a
// file changes, until ctx is done. Changes within debounce of each other
// cause one reload; a non-positive debounce selects DefaultDebounce.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string, debounce time.Duration) (*Loader, error) {
	loader := NewLoader(e.logger)
	if debounce > 0 {
		loader.SetDebounce(debounce)
	}
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.ReplaceCustomPolicies(ctx, policies); err != nil {
		return nil, err
	}

	err = loader.Watch(ctx, paths, func(reloaded []Policy) error {
		return e.ReplaceCustomPolicies(ctx, reloaded)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}

	return violations, nil
}

// createViolation creates a Violation from a deny set member.
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}
	if input.Context != nil {
		violation.Stack = input.Context.Stack
	}
	if input.Resource != nil {
		violation.Resource = input.Resource.ID
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy, store storage.Store) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold e.mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	cp, err := compilePolicy(ctx, policy, e.store)
	if err != nil {
		return err
	}
	e.policies[policy.Name] = cp

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", cp.module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewDeclarationError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// ReloadPolicies drops custom policies and restores the built-in set.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewDeclarationError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
