package synth

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfroyo/synth/pkg/config"
	"github.com/openfroyo/synth/pkg/constructs/autoscaler"
	"github.com/openfroyo/synth/pkg/constructs/cluster"
	"github.com/openfroyo/synth/pkg/constructs/gateway"
	"github.com/openfroyo/synth/pkg/constructs/pipeline"
	"github.com/openfroyo/synth/pkg/engine"
	"github.com/openfroyo/synth/pkg/policy"
	"github.com/rs/zerolog"
)

// Stack names used when building an App from configuration.
const (
	AutoscalerStack = "karpenter"
	PipelineStack   = "multi-arch-pipeline"
	GatewayStack    = "api-gateway"
)

// App is a set of stacks synthesized together into one assembly.
type App struct {
	stacks []*engine.Stack
	byName map[string]*engine.Stack

	policies  *policy.Engine
	enforcing bool

	logger zerolog.Logger
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger used by the app and the stacks it creates.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithPolicyEngine runs policies on every synthesized template. When
// enforcing is set, blocking violations fail synthesis.
func WithPolicyEngine(eng *policy.Engine, enforcing bool) Option {
	return func(a *App) {
		a.policies = eng
		a.enforcing = enforcing
	}
}

// NewApp creates an empty app.
func NewApp(opts ...Option) *App {
	a := &App{
		byName: make(map[string]*engine.Stack),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddStack adds a stack. Stack names must be unique within an app.
func (a *App) AddStack(s *engine.Stack) error {
	if _, ok := a.byName[s.Name()]; ok {
		return engine.NewDeclarationError(fmt.Sprintf("stack %s already exists", s.Name()), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithStack(s.Name())
	}
	a.stacks = append(a.stacks, s)
	a.byName[s.Name()] = s
	return nil
}

// NewStack creates a stack with the app's logger and adds it.
func (a *App) NewStack(name string, env engine.Environment, opts ...engine.StackOption) (*engine.Stack, error) {
	opts = append([]engine.StackOption{engine.WithLogger(a.logger)}, opts...)
	s, err := engine.NewStack(name, env, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.AddStack(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Stacks returns the stacks in the order they were added.
func (a *App) Stacks() []*engine.Stack {
	return append([]*engine.Stack(nil), a.stacks...)
}

// Stack returns the stack with the given name.
func (a *App) Stack(name string) (*engine.Stack, bool) {
	s, ok := a.byName[name]
	return s, ok
}

// PolicyEngine returns the policy engine, or nil when policies are off.
func (a *App) PolicyEngine() *policy.Engine {
	return a.policies
}

// FromConfig builds an app with one stack per configured composer. Unless a
// policy engine is passed in opts, one is created from cfg.Policy.
func FromConfig(ctx context.Context, cfg *config.StackConfig, opts ...Option) (*App, error) {
	env, err := cfg.EngineEnvironment()
	if err != nil {
		return nil, err
	}

	a := NewApp(opts...)
	if a.policies == nil && cfg.Policy != nil && cfg.Policy.Enabled {
		eng, err := policy.NewEngine(a.logger)
		if err != nil {
			return nil, err
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return nil, err
			}
		}
		a.policies = eng
		a.enforcing = cfg.Policy.Enforcing()
	}

	if cfg.Autoscaler != nil {
		if err := a.addAutoscaler(env, cfg.Autoscaler); err != nil {
			return nil, err
		}
	}
	if cfg.Pipeline != nil {
		if err := a.addPipeline(env, cfg.Pipeline); err != nil {
			return nil, err
		}
	}
	if cfg.Gateway != nil {
		if err := a.addGateway(env, cfg.Gateway); err != nil {
			return nil, err
		}
	}

	a.logger.Debug().Int("stacks", len(a.stacks)).Msg("App built from configuration")
	return a, nil
}

func (a *App) addAutoscaler(env engine.Environment, cfg *config.AutoscalerConfig) error {
	s, err := a.NewStack(AutoscalerStack, env,
		engine.WithDescription("Node autoscaler for cluster "+cfg.ClusterName))
	if err != nil {
		return err
	}

	eks, err := cluster.NewEKS(s, cluster.Props{
		Name:            cfg.ClusterName,
		Endpoint:        cfg.ClusterEndpoint,
		OIDCProviderARN: cfg.OIDCProviderARN,
	})
	if err != nil {
		return err
	}

	as, err := autoscaler.New(s, env, eks, autoscaler.Options{
		Namespace:   cfg.Namespace,
		Version:     cfg.Version,
		ChartValues: cfg.Values,
		SetValues:   cfg.Set,
	})
	if err != nil {
		return err
	}

	for _, id := range cfg.ProvisionerIDs() {
		if _, err := as.AddProvisioner(id, cfg.Provisioners[id]); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) addPipeline(env engine.Environment, cfg *config.PipelineConfig) error {
	s, err := a.NewStack(PipelineStack, env,
		engine.WithDescription("Multi-architecture image build for "+cfg.GitHubOwner+"/"+cfg.GitHubRepo))
	if err != nil {
		return err
	}

	_, err = pipeline.New(s, env, pipeline.Props{
		GitHubURL:           cfg.GitHubURL,
		GitHubOwner:         cfg.GitHubOwner,
		GitHubRepo:          cfg.GitHubRepo,
		GitHubConnectionARN: cfg.GitHubConnectionARN,
		Branch:              cfg.Branch,
	}, pipeline.Names{
		Prefix:         cfg.Prefix,
		RepositoryName: cfg.RepositoryName,
		MaxImageCount:  cfg.MaxImageCount,
	})
	return err
}

func (a *App) addGateway(env engine.Environment, cfg *config.GatewayConfig) error {
	s, err := a.NewStack(GatewayStack, env,
		engine.WithDescription("API gateway fronting a function and a web fleet"))
	if err != nil {
		return err
	}

	_, err = gateway.New(s, gateway.Props{
		Network: gateway.Network{
			VPCID:           cfg.VPCID,
			PublicSubnetIDs: cfg.PublicSubnetIDs,
		},
		SSHKeyName:   cfg.SSHKeyName,
		HandlerAsset: cfg.HandlerAsset,
		InstanceType: cfg.InstanceType,
	})
	return err
}

// StackSummary describes a declared stack without synthesizing it.
type StackSummary struct {
	Name      string         `json:"name"`
	Resources int            `json:"resources"`
	Outputs   int            `json:"outputs"`
	ByType    map[string]int `json:"by_type"`
}

// List summarizes every stack in the app.
func (a *App) List() []StackSummary {
	out := make([]StackSummary, 0, len(a.stacks))
	for _, s := range a.stacks {
		sum := StackSummary{
			Name:    s.Name(),
			Outputs: len(s.Outputs()),
			ByType:  make(map[string]int),
		}
		for _, r := range s.Resources() {
			sum.Resources++
			sum.ByType[r.Type]++
		}
		out = append(out, sum)
	}
	return out
}

// DOT renders the dependency graph of the named stack, or of every stack
// when name is empty.
func (a *App) DOT(name string) (map[string]string, error) {
	stacks := a.stacks
	if name != "" {
		s, ok := a.byName[name]
		if !ok {
			return nil, engine.NewValidationError(fmt.Sprintf("stack %s not found", name), nil).
				WithCode(engine.ErrCodeNotFound)
		}
		stacks = []*engine.Stack{s}
	}

	out := make(map[string]string, len(stacks))
	for _, s := range stacks {
		dot, err := s.DOT()
		if err != nil {
			return nil, err
		}
		out[s.Name()] = dot
	}
	return out, nil
}

// countByType counts template resources by type.
func countByType(tmpl *engine.Template) map[string]int {
	counts := make(map[string]int)
	for _, r := range tmpl.Resources {
		counts[r.Type]++
	}
	return counts
}

// outputIDs returns a template's output IDs in sorted order.
func outputIDs(tmpl *engine.Template) []string {
	ids := make([]string, 0, len(tmpl.Outputs))
	for id := range tmpl.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
