package pipeline

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/synth/pkg/engine"
)

// BuildSpec is a build project specification, rendered as YAML.
type BuildSpec struct {
	Version   string           `yaml:"version"`
	Phases    map[string]Phase `yaml:"phases"`
	Artifacts *Artifacts       `yaml:"artifacts,omitempty"`
}

// Phase is a list of shell commands run in one build phase.
type Phase struct {
	Commands []string `yaml:"commands"`
}

// Artifacts lists files exported from the build.
type Artifacts struct {
	Files []string `yaml:"files"`
}

// Render encodes the spec as YAML.
func (b BuildSpec) Render() (string, error) {
	out, err := yaml.Marshal(b)
	if err != nil {
		return "", engine.NewDeclarationError("failed to render build spec", err).WithCode(engine.ErrCodeInternal)
	}
	return string(out), nil
}

// ParseBuildSpec decodes a rendered build spec.
func ParseBuildSpec(data string) (BuildSpec, error) {
	var b BuildSpec
	if err := yaml.Unmarshal([]byte(data), &b); err != nil {
		return BuildSpec{}, engine.NewValidationError("invalid build spec", err)
	}
	return b, nil
}

// ecrLogin is shared by every project. AWS CLI v2 has no "ecr get-login".
const ecrLogin = "aws ecr get-login-password --region $AWS_DEFAULT_REGION | " +
	"docker login --username AWS --password-stdin $AWS_ACCOUNT_ID.dkr.ecr.$AWS_DEFAULT_REGION.amazonaws.com"

// archBuildSpec builds and pushes one single-arch image tagged $IMAGE_TAG.
func archBuildSpec() (string, error) {
	return BuildSpec{
		Version: "0.2",
		Phases: map[string]Phase{
			"install": {Commands: []string{"yum update -y"}},
			"pre_build": {Commands: []string{
				"echo Logging in to Amazon ECR",
				ecrLogin,
			}},
			"build": {Commands: []string{
				"echo Build started on `date`",
				"echo Building the Docker image",
				"docker build -t $IMAGE_REPO:$IMAGE_TAG .",
				"docker tag $IMAGE_REPO:$IMAGE_TAG $IMAGE_REPO_URL:$IMAGE_TAG",
			}},
			"post_build": {Commands: []string{
				"echo Build completed on `date`",
				"echo Pushing the Docker image to ECR",
				"docker push $IMAGE_REPO_URL:$IMAGE_TAG",
			}},
		},
	}.Render()
}

// manifestBuildSpec combines the per-arch tags into one manifest and writes
// imagedefinitions.json for deploy stages.
func manifestBuildSpec(imageName string) (string, error) {
	return BuildSpec{
		Version: "0.2",
		Phases: map[string]Phase{
			"install": {Commands: []string{"yum update -y"}},
			"pre_build": {Commands: []string{
				"echo Logging in to Amazon ECR",
				ecrLogin,
			}},
			"build": {Commands: []string{
				"echo Build started on `date`",
				"echo Building the Docker manifest",
				"export DOCKER_CLI_EXPERIMENTAL=enabled",
				fmt.Sprintf("docker manifest create $IMAGE_REPO_URL $IMAGE_REPO_URL:%s $IMAGE_REPO_URL:%s", TagARM64, TagAMD64),
				fmt.Sprintf("docker manifest annotate --arch arm64 $IMAGE_REPO_URL $IMAGE_REPO_URL:%s", TagARM64),
				fmt.Sprintf("docker manifest annotate --arch amd64 $IMAGE_REPO_URL $IMAGE_REPO_URL:%s", TagAMD64),
			}},
			"post_build": {Commands: []string{
				"echo Build completed on `date`",
				"echo Pushing the Docker manifest to ECR",
				"docker manifest push $IMAGE_REPO_URL",
				"docker manifest inspect $IMAGE_REPO_URL",
				"echo Writing image definitions file",
				fmt.Sprintf(`printf '[{"name":"%s","imageUri":"%%s"}]' $IMAGE_REPO_URL:$IMAGE_TAG > imagedefinitions.json`, imageName),
			}},
		},
		Artifacts: &Artifacts{Files: []string{"imagedefinitions.json"}},
	}.Render()
}

// ImageDefinition is one entry of imagedefinitions.json.
type ImageDefinition struct {
	Name     string `json:"name"`
	ImageURI string `json:"imageUri"`
}

func imageDefinitions(name, uri string) ([]byte, error) {
	out, err := json.Marshal([]ImageDefinition{{Name: name, ImageURI: uri}})
	if err != nil {
		return nil, engine.NewDeclarationError("failed to render image definitions", err).WithCode(engine.ErrCodeInternal)
	}
	return out, nil
}

// LifecycleRule is one rule of a repository lifecycle policy.
type LifecycleRule struct {
	RulePriority int                `json:"rulePriority"`
	Description  string             `json:"description"`
	Selection    LifecycleSelection `json:"selection"`
	Action       LifecycleAction    `json:"action"`
}

// LifecycleSelection selects the images a rule applies to.
type LifecycleSelection struct {
	TagStatus   string `json:"tagStatus"`
	CountType   string `json:"countType"`
	CountNumber int    `json:"countNumber"`
}

// LifecycleAction is what a rule does to selected images.
type LifecycleAction struct {
	Type string `json:"type"`
}

// lifecyclePolicy keeps the newest maxImages images of any tag status.
func lifecyclePolicy(maxImages int) (string, error) {
	policy := map[string][]LifecycleRule{
		"rules": {{
			RulePriority: 1,
			Description:  fmt.Sprintf("Keep only %d images", maxImages),
			Selection: LifecycleSelection{
				TagStatus:   "any",
				CountType:   "imageCountMoreThan",
				CountNumber: maxImages,
			},
			Action: LifecycleAction{Type: "expire"},
		}},
	}
	out, err := json.Marshal(policy)
	if err != nil {
		return "", engine.NewDeclarationError("failed to render lifecycle policy", err).WithCode(engine.ErrCodeInternal)
	}
	return string(out), nil
}

// ParseLifecyclePolicy decodes a repository lifecycle policy document.
func ParseLifecyclePolicy(text string) ([]LifecycleRule, error) {
	var policy struct {
		Rules []LifecycleRule `json:"rules"`
	}
	if err := json.Unmarshal([]byte(text), &policy); err != nil {
		return nil, engine.NewValidationError("invalid lifecycle policy", err)
	}
	return policy.Rules, nil
}
