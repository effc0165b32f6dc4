// Package pipeline declares a multi-architecture container build and release
// pipeline: one build project per CPU architecture, a manifest project that
// stitches the per-arch images into one multi-arch tag, and the pipeline that
// orders them.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/synth/pkg/constructs/iam"
	"github.com/openfroyo/synth/pkg/engine"
)

// Resource types declared by this package.
const (
	TypeRepository = "AWS::ECR::Repository"
	TypeBucket     = "AWS::S3::Bucket"
	TypeProject    = "AWS::CodeBuild::Project"
	TypePipeline   = "AWS::CodePipeline::Pipeline"
)

// Artifact names passed between stages.
const (
	SourceArtifact = "SourceArtifact"
	BuildArtifact  = "BuildArtifact"
)

// Stage names in execution order.
const (
	StageSource        = "Source"
	StageBuild         = "Build"
	StageBuildManifest = "Build-Manifest"
)

// Image tags produced by the build projects.
const (
	TagAMD64    = "amd64-latest"
	TagARM64    = "arm64-latest"
	TagManifest = "latest"
)

const (
	x86BuildImage    = "aws/codebuild/amazonlinux2-x86_64-standard:3.0"
	armBuildImage    = "aws/codebuild/amazonlinux2-aarch64-standard:2.0"
	computeTypeSmall = "BUILD_GENERAL1_SMALL"
)

// ECRPushActions are granted to the build role.
var ECRPushActions = []string{
	"ecr:BatchCheckLayerAvailability",
	"ecr:BatchGetImage",
	"ecr:CompleteLayerUpload",
	"ecr:GetAuthorizationToken",
	"ecr:GetDownloadUrlForLayer",
	"ecr:InitiateLayerUpload",
	"ecr:PutImage",
	"ecr:UploadLayerPart",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("arn", func(fl validator.FieldLevel) bool {
		return arn.IsARN(fl.Field().String())
	})
	return v
}

// Props are the pipeline inputs.
type Props struct {
	Region              string `validate:"required"`
	Account             string `validate:"required,len=12,numeric"`
	GitHubURL           string `validate:"required,url"`
	GitHubOwner         string `validate:"required"`
	GitHubRepo          string `validate:"required"`
	GitHubConnectionARN string `validate:"required,arn"`

	// Branch is the source branch. Defaults to DefaultBranch.
	Branch string `validate:"omitempty,excludesall=~^:?*"`
}

// DefaultBranch is the branch the source action follows when Props.Branch is empty.
const DefaultBranch = "master"

// Names are the fixed names used by the pipeline. Zero fields take defaults.
type Names struct {
	// Prefix is prepended to project and pipeline names.
	Prefix string `validate:"omitempty,alphanum"`

	// RepositoryName is the image repository name.
	RepositoryName string `validate:"omitempty,min=2,max=256"`

	// MaxImageCount is the number of images the repository keeps.
	MaxImageCount int `validate:"omitempty,min=1,max=1000"`
}

// DefaultNames returns the default names.
func DefaultNames() Names {
	return Names{
		Prefix:         "hw2",
		RepositoryName: "multi-arch",
		MaxImageCount:  6,
	}
}

func (n Names) withDefaults() Names {
	d := DefaultNames()
	if n.Prefix == "" {
		n.Prefix = d.Prefix
	}
	if n.RepositoryName == "" {
		n.RepositoryName = d.RepositoryName
	}
	if n.MaxImageCount == 0 {
		n.MaxImageCount = d.MaxImageCount
	}
	return n
}

// Action is one pipeline action.
type Action struct {
	Name            string
	Category        string
	Provider        string
	RunOrder        int
	Project         *engine.Resource
	InputArtifacts  []string
	OutputArtifacts []string
	Configuration   map[string]interface{}
}

// Stage is an ordered group of actions.
type Stage struct {
	Name    string
	Actions []Action
}

// Order is the effective execution position of an action.
type Order struct {
	Stage    int
	RunOrder int
}

// Before reports whether o runs strictly earlier than other.
func (o Order) Before(other Order) bool {
	if o.Stage != other.Stage {
		return o.Stage < other.Stage
	}
	return o.RunOrder < other.RunOrder
}

// Pipeline is a declared build/release pipeline.
type Pipeline struct {
	stack *engine.Stack
	props Props
	names Names

	role       *iam.Role
	repository *engine.Resource
	bucket     *engine.Resource
	projects   map[string]*engine.Resource
	pipeline   *engine.Resource
	stages     []Stage
}

// New validates props and declares the pipeline resources. Empty Region and
// Account are taken from env.
func New(stack *engine.Stack, env engine.Environment, props Props, names Names) (*Pipeline, error) {
	if props.Region == "" {
		props.Region = env.Region
	}
	if props.Account == "" {
		props.Account = env.Account
	}
	if props.Branch == "" {
		props.Branch = DefaultBranch
	}
	if err := validate.Struct(props); err != nil {
		return nil, engine.NewValidationError("invalid pipeline properties", err).WithStack(stack.Name())
	}
	if err := validate.Struct(names); err != nil {
		return nil, engine.NewValidationError("invalid pipeline names", err).WithStack(stack.Name())
	}

	p := &Pipeline{
		stack:    stack,
		props:    props,
		names:    names.withDefaults(),
		projects: make(map[string]*engine.Resource),
	}

	steps := []func() error{
		p.declareRole,
		p.declareRepository,
		p.declareBucket,
		p.declareProjects,
		p.declarePipeline,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) declareRole() error {
	role, err := iam.NewRole(p.stack, "CodeBuildServiceRole", iam.RoleProps{
		AssumedBy: iam.ServicePrincipal(p.stack.Environment(), "codebuild"),
	})
	if err != nil {
		return err
	}
	if err := role.AddToPolicy(iam.Statement{Actions: ECRPushActions, Resources: iam.AllResources()}); err != nil {
		return err
	}
	p.role = role
	return nil
}

func (p *Pipeline) declareRepository() error {
	policy, err := lifecyclePolicy(p.names.MaxImageCount)
	if err != nil {
		return err
	}
	repo, err := p.stack.AddResource("ImageRepository", TypeRepository, map[string]interface{}{
		"RepositoryName": p.names.RepositoryName,
		"LifecyclePolicy": map[string]interface{}{
			"LifecyclePolicyText": policy,
		},
	})
	if err != nil {
		return err
	}
	p.repository = repo
	return nil
}

func (p *Pipeline) declareBucket() error {
	bucket, err := p.stack.AddResource("ArtifactBucket", TypeBucket, map[string]interface{}{
		"DeletionPolicy": "Delete",
	})
	if err != nil {
		return err
	}
	p.bucket = bucket
	return nil
}

func (p *Pipeline) declareProjects() error {
	archSpec, err := archBuildSpec()
	if err != nil {
		return err
	}
	manifestSpec, err := manifestBuildSpec(p.props.GitHubRepo)
	if err != nil {
		return err
	}

	projects := []struct {
		id     string
		suffix string
		image  string
		envTyp string
		tag    string
		spec   string
		source bool
	}{
		{"CodeBuildx86", "Buildx86", x86BuildImage, "LINUX_CONTAINER", TagAMD64, archSpec, true},
		{"CodeBuildArm64", "BuildArm64", armBuildImage, "ARM_CONTAINER", TagARM64, archSpec, true},
		{"CodeBuildManifest", "BuildManifest", x86BuildImage, "LINUX_CONTAINER", TagManifest, manifestSpec, false},
	}

	for _, def := range projects {
		res, err := p.stack.AddResource(def.id, TypeProject, map[string]interface{}{
			"Name":        p.names.Prefix + def.suffix,
			"ServiceRole": p.role.ARN(),
			"Source": map[string]interface{}{
				"Type":      "CODEPIPELINE",
				"BuildSpec": def.spec,
			},
			"Artifacts": map[string]interface{}{"Type": "CODEPIPELINE"},
			"Environment": map[string]interface{}{
				"Type":                 def.envTyp,
				"Image":                def.image,
				"ComputeType":          computeTypeSmall,
				"PrivilegedMode":       true,
				"EnvironmentVariables": p.environmentVariables(def.tag, def.source),
			},
		})
		if err != nil {
			return err
		}
		// The role's inline policy must exist before builds can push.
		if policy, ok := p.stack.Resource(p.role.ID + "DefaultPolicy"); ok {
			res.DependsOn(policy)
		}
		p.projects[p.names.Prefix+def.suffix] = res
	}
	return nil
}

func (p *Pipeline) environmentVariables(tag string, withSource bool) []map[string]interface{} {
	vars := []map[string]interface{}{
		plainVar("AWS_DEFAULT_REGION", p.props.Region),
		plainVar("AWS_ACCOUNT_ID", p.props.Account),
		plainVar("IMAGE_REPO", p.names.RepositoryName),
		plainVar("IMAGE_REPO_URL", p.repository.GetAtt("RepositoryUri")),
		plainVar("IMAGE_TAG", tag),
	}
	if withSource {
		vars = append(vars, plainVar("SOURCE_REPO_URL", p.props.GitHubURL))
	}
	return vars
}

func plainVar(name string, value interface{}) map[string]interface{} {
	return map[string]interface{}{
		"Name":  name,
		"Type":  "PLAINTEXT",
		"Value": value,
	}
}

func (p *Pipeline) declarePipeline() error {
	env := p.stack.Environment()
	role, err := iam.NewRole(p.stack, "CodePipelineRole", iam.RoleProps{
		AssumedBy: iam.ServicePrincipal(env, "codepipeline"),
	})
	if err != nil {
		return err
	}
	err = role.AddToPolicy(iam.Statement{
		Actions:   []string{"s3:GetObject*", "s3:GetBucket*", "s3:List*", "s3:PutObject*", "s3:DeleteObject*", "s3:Abort*"},
		Resources: []interface{}{p.bucket.GetAtt("Arn"), engine.Concat(p.bucket.GetAtt("Arn"), "/*")},
	})
	if err != nil {
		return err
	}
	err = role.AddToPolicy(iam.Statement{
		Actions:   []string{"codebuild:BatchGetBuilds", "codebuild:StartBuild", "codebuild:StopBuild"},
		Resources: p.projectARNs(),
	})
	if err != nil {
		return err
	}
	err = role.AddToPolicy(iam.Statement{
		Actions:   []string{"codestar-connections:UseConnection"},
		Resources: []interface{}{p.props.GitHubConnectionARN},
	})
	if err != nil {
		return err
	}

	prefix := p.names.Prefix
	p.stages = []Stage{
		{
			Name: StageSource,
			Actions: []Action{{
				Name:            "GitHub_Source",
				Category:        "Source",
				Provider:        "CodeStarSourceConnection",
				RunOrder:        1,
				OutputArtifacts: []string{SourceArtifact},
				Configuration: map[string]interface{}{
					"ConnectionArn":    p.props.GitHubConnectionARN,
					"FullRepositoryId": p.props.GitHubOwner + "/" + p.props.GitHubRepo,
					"BranchName":       p.props.Branch,
				},
			}},
		},
		{
			Name: StageBuild,
			Actions: []Action{
				p.buildAction("x86", p.projects[prefix+"Buildx86"], nil),
				p.buildAction("arm64", p.projects[prefix+"BuildArm64"], nil),
			},
		},
		{
			Name: StageBuildManifest,
			Actions: []Action{
				p.buildAction("Build-Manifest", p.projects[prefix+"BuildManifest"], []string{BuildArtifact}),
			},
		},
	}

	res, err := p.stack.AddResource("CodePipeline", TypePipeline, map[string]interface{}{
		"Name":    prefix + "Pipeline",
		"RoleArn": role.ARN(),
		"ArtifactStore": map[string]interface{}{
			"Type":     "S3",
			"Location": p.bucket.Ref(),
		},
		"Stages": renderStages(p.stages),
	})
	if err != nil {
		return err
	}
	if policy, ok := p.stack.Resource(role.ID + "DefaultPolicy"); ok {
		res.DependsOn(policy)
	}
	p.pipeline = res
	return nil
}

func (p *Pipeline) buildAction(name string, project *engine.Resource, outputs []string) Action {
	return Action{
		Name:            name,
		Category:        "Build",
		Provider:        "CodeBuild",
		RunOrder:        1,
		Project:         project,
		InputArtifacts:  []string{SourceArtifact},
		OutputArtifacts: outputs,
		Configuration: map[string]interface{}{
			"ProjectName": project.Ref(),
		},
	}
}

func (p *Pipeline) projectARNs() []interface{} {
	ids := []string{"Buildx86", "BuildArm64", "BuildManifest"}
	out := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.projects[p.names.Prefix+id].GetAtt("Arn"))
	}
	return out
}

func renderStages(stages []Stage) []interface{} {
	out := make([]interface{}, 0, len(stages))
	for _, stage := range stages {
		actions := make([]interface{}, 0, len(stage.Actions))
		for _, a := range stage.Actions {
			action := map[string]interface{}{
				"Name": a.Name,
				"ActionTypeId": map[string]interface{}{
					"Category": a.Category,
					"Owner":    "AWS",
					"Provider": a.Provider,
					"Version":  "1",
				},
				"RunOrder":      a.RunOrder,
				"Configuration": a.Configuration,
			}
			if len(a.InputArtifacts) > 0 {
				action["InputArtifacts"] = artifactRefs(a.InputArtifacts)
			}
			if len(a.OutputArtifacts) > 0 {
				action["OutputArtifacts"] = artifactRefs(a.OutputArtifacts)
			}
			actions = append(actions, action)
		}
		out = append(out, map[string]interface{}{
			"Name":    stage.Name,
			"Actions": actions,
		})
	}
	return out
}

func artifactRefs(names []string) []interface{} {
	out := make([]interface{}, 0, len(names))
	for _, n := range names {
		out = append(out, map[string]interface{}{"Name": n})
	}
	return out
}

// Stages returns the pipeline stages in execution order.
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// Project returns a build project by its project name (e.g. "hw2Buildx86").
func (p *Pipeline) Project(name string) (*engine.Resource, bool) {
	res, ok := p.projects[name]
	return res, ok
}

// Repository returns the image repository resource.
func (p *Pipeline) Repository() *engine.Resource {
	return p.repository
}

// Names returns the effective names.
func (p *Pipeline) Names() Names {
	return p.names
}

// EffectiveOrder returns the execution position of an action: its stage index
// and its run order within the stage.
func (p *Pipeline) EffectiveOrder(stage, action string) (Order, error) {
	for i, s := range p.stages {
		if s.Name != stage {
			continue
		}
		for _, a := range s.Actions {
			if a.Name == action {
				return Order{Stage: i, RunOrder: a.RunOrder}, nil
			}
		}
		return Order{}, engine.NewDeclarationError(fmt.Sprintf("action %s not found in stage %s", action, stage), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return Order{}, engine.NewDeclarationError(fmt.Sprintf("stage %s not found", stage), nil).
		WithCode(engine.ErrCodeNotFound)
}

// RepositoryURI returns the registry URI of the image repository.
func (p *Pipeline) RepositoryURI() string {
	env := p.stack.Environment()
	return fmt.Sprintf("%s.dkr.ecr.%s.%s/%s", p.props.Account, p.props.Region, env.URLSuffix, p.names.RepositoryName)
}

// ImageDefinitions renders the artifact the manifest project writes for the
// given tag.
func (p *Pipeline) ImageDefinitions(tag string) ([]byte, error) {
	if strings.TrimSpace(tag) == "" {
		return nil, engine.NewValidationError("image tag is required", nil)
	}
	return imageDefinitions(p.props.GitHubRepo, p.RepositoryURI()+":"+tag)
}
