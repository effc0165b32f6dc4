package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/synth/pkg/engine"
)

// StackConfig is the root of a composer configuration.
type StackConfig struct {
	// Environment is the target account and region shared by every stack.
	Environment EnvironmentConfig `json:"environment"`

	// Autoscaler configures the node autoscaler stack. Nil disables it.
	Autoscaler *AutoscalerConfig `json:"autoscaler,omitempty"`

	// Pipeline configures the build/release pipeline stack. Nil disables it.
	Pipeline *PipelineConfig `json:"pipeline,omitempty"`

	// Gateway configures the gateway/fleet stack. Nil disables it.
	Gateway *GatewayConfig `json:"gateway,omitempty"`

	// Policy configures policy checks run on synthesized templates.
	Policy *PolicyConfig `json:"policy,omitempty"`
}

// EnvironmentConfig is the deployment target.
type EnvironmentConfig struct {
	// Account is the 12-digit account ID.
	Account string `json:"account" validate:"required,len=12,numeric"`

	// Region may be omitted and resolved from the shared AWS config.
	Region string `json:"region,omitempty"`
}

// AutoscalerConfig configures the node autoscaler.
type AutoscalerConfig struct {
	// ClusterName is the existing cluster's name.
	ClusterName string `json:"cluster_name" validate:"required"`

	// ClusterEndpoint is the API server URL.
	ClusterEndpoint string `json:"cluster_endpoint" validate:"required,url"`

	// OIDCProviderARN is the cluster's workload identity provider.
	OIDCProviderARN string `json:"oidc_provider_arn" validate:"required,startswith=arn:"`

	// Namespace defaults to "karpenter".
	Namespace string `json:"namespace,omitempty"`

	// Version pins the chart version.
	Version string `json:"version,omitempty"`

	// Values are merged into the generated chart values.
	Values map[string]interface{} `json:"values,omitempty"`

	// Set are helm --set style overrides.
	Set []string `json:"set,omitempty"`

	// Provisioners maps provisioner IDs to their specs.
	Provisioners map[string]map[string]interface{} `json:"provisioners,omitempty"`
}

// ProvisionerIDs returns the provisioner IDs in sorted order.
func (a *AutoscalerConfig) ProvisionerIDs() []string {
	ids := make([]string, 0, len(a.Provisioners))
	for id := range a.Provisioners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PipelineConfig configures the build/release pipeline.
type PipelineConfig struct {
	GitHubURL           string `json:"github_url" validate:"required,url"`
	GitHubOwner         string `json:"github_owner" validate:"required"`
	GitHubRepo          string `json:"github_repo" validate:"required"`
	GitHubConnectionARN string `json:"github_connection_arn" validate:"required,startswith=arn:"`

	// Branch is the source branch, defaulting to "master".
	Branch string `json:"branch,omitempty"`

	// Prefix defaults to "hw2".
	Prefix string `json:"prefix,omitempty"`

	// RepositoryName defaults to "multi-arch".
	RepositoryName string `json:"repository_name,omitempty"`

	// MaxImageCount defaults to 6.
	MaxImageCount int `json:"max_image_count,omitempty" validate:"omitempty,min=1"`
}

// GatewayConfig configures the gateway and fleet.
type GatewayConfig struct {
	VPCID           string   `json:"vpc_id" validate:"required"`
	PublicSubnetIDs []string `json:"public_subnet_ids" validate:"required,min=1"`
	SSHKeyName      string   `json:"ssh_key_name" validate:"required"`

	// HandlerAsset is the packaged function path.
	HandlerAsset string `json:"handler_asset,omitempty"`

	// InstanceType defaults to t3.small.
	InstanceType string `json:"instance_type,omitempty"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy checks run.
	Enabled bool `json:"enabled"`

	// Paths lists additional policy files or directories.
	Paths []string `json:"paths,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`
}

// Enforcing reports whether blocking violations fail synthesis.
func (p *PolicyConfig) Enforcing() bool {
	return p != nil && p.Enabled && p.Mode == "enforcing"
}

// ParsedConfig is the result of parsing one or more sources.
type ParsedConfig struct {
	// Config is the decoded configuration. Only meaningful when Errors is empty.
	Config StackConfig `json:"config"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err folds Errors into a single validation error, or returns nil.
func (pc *ParsedConfig) Err() error {
	if len(pc.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(pc.Errors))
	for _, e := range pc.Errors {
		msgs = append(msgs, e.String())
	}
	return engine.NewValidationError(
		fmt.Sprintf("configuration has %d error(s): %s", len(pc.Errors), strings.Join(msgs, "; ")), nil,
	).WithDetail("errors", pc.Errors)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "autoscaler.cluster_name").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// String formats the error as file:line:col: message.
func (v ValidationError) String() string {
	var loc string
	switch {
	case v.File != "" && v.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", v.File, v.Line, v.Column)
	case v.File != "":
		loc = v.File + ": "
	case v.Path != "":
		loc = v.Path + ": "
	}
	return loc + v.Message
}

// EngineEnvironment converts the environment section into an engine environment.
func (c *StackConfig) EngineEnvironment() (engine.Environment, error) {
	return engine.NewEnvironment(c.Environment.Account, c.Environment.Region)
}
