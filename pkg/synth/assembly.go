package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/synth/pkg/engine"
	"github.com/openfroyo/synth/pkg/policy"
	"github.com/openfroyo/synth/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// AssemblyVersion is the version of the manifest format.
const AssemblyVersion = "1.0"

// ManifestFile is the name of the manifest written into an assembly directory.
const ManifestFile = "manifest.json"

// Format is the encoding of written templates.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a template format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	}
	return "", engine.NewValidationError(fmt.Sprintf("unknown template format %q", s), nil)
}

// Manifest describes the contents of an assembly directory.
type Manifest struct {
	ID        string          `json:"id"`
	Version   string          `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	Stacks    []StackArtifact `json:"stacks"`
}

// StackArtifact is one stack entry in the manifest.
type StackArtifact struct {
	Name       string             `json:"name"`
	Template   string             `json:"template"`
	Resources  int                `json:"resources"`
	Outputs    []string           `json:"outputs"`
	Violations []policy.Violation `json:"violations,omitempty"`
}

// Result is the in-memory outcome of synthesizing an app.
type Result struct {
	Templates []*engine.Template
	Policy    map[string]*policy.Result
}

// Synthesize synthesizes every stack and runs policies on each template. The
// first failing stack stops synthesis.
func (a *App) Synthesize(ctx context.Context) (*Result, error) {
	res := &Result{Policy: make(map[string]*policy.Result)}
	for _, s := range a.stacks {
		tmpl, pres, err := a.synthesizeStack(ctx, s)
		if err != nil {
			return nil, err
		}
		res.Templates = append(res.Templates, tmpl)
		if pres != nil {
			res.Policy[s.Name()] = pres
		}
	}
	return res, nil
}

func (a *App) synthesizeStack(ctx context.Context, s *engine.Stack) (tmpl *engine.Template, pres *policy.Result, err error) {
	op := telemetry.StartStack(ctx, s.Name())
	defer func() { op.End(err) }()

	tmpl, err = s.Synthesize(op.Ctx)
	if err != nil {
		op.Logger.WithError(err).Error("Synthesis failed")
		return nil, nil, err
	}

	tel := telemetry.FromTelemetryContext(ctx)
	if tel != nil {
		tel.Metrics.SetResourcesDeclared(s.Name(), countByType(tmpl))
		telemetry.SetAttributes(op.Span, telemetry.AttrResourceCount.Int(len(tmpl.Resources)))
	}

	if a.policies == nil {
		return tmpl, nil, nil
	}

	pres, err = a.evaluate(op.Ctx, tel, tmpl)
	if err != nil {
		return nil, nil, err
	}
	for _, v := range pres.Violations {
		evt := op.Logger.WithResourceID(v.Resource).WithFields(map[string]interface{}{
			"policy":   v.Policy,
			"severity": string(v.Severity),
		})
		if v.Severity.Blocking() {
			evt.Warn(v.Message)
		} else {
			evt.Info(v.Message)
		}
	}
	if a.enforcing {
		if err = policy.Enforce(s.Name(), pres); err != nil {
			return nil, pres, err
		}
	}

	op.Logger.WithFields(map[string]interface{}{
		"resources":  len(tmpl.Resources),
		"violations": len(pres.Violations),
	}).Info("Stack synthesized")
	return tmpl, pres, nil
}

func (a *App) evaluate(ctx context.Context, tel *telemetry.Telemetry, tmpl *engine.Template) (*policy.Result, error) {
	if tel == nil {
		return a.policies.EvaluateTemplate(ctx, tmpl)
	}

	spanCtx, span := tel.Tracer.StartPolicySpan(ctx, tmpl.Stack)
	defer span.End()

	pres, err := a.policies.EvaluateTemplate(spanCtx, tmpl)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	for _, v := range pres.Violations {
		tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		telemetry.AddResourceEvent(span, v.Resource, "policy.violation", v.Policy+": "+v.Message)
	}
	telemetry.SetAttributes(span, telemetry.AttrViolations.Int(len(pres.Violations)))
	return pres, nil
}

// Synth synthesizes every stack and writes the assembly into outDir: one
// template per stack plus the manifest. Nothing is written if any stack fails.
func (a *App) Synth(ctx context.Context, outDir string, format Format) (*Manifest, error) {
	res, err := a.Synthesize(ctx)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, engine.NewExternalError("failed to create output directory", err)
	}

	manifest := &Manifest{
		ID:        uuid.NewString(),
		Version:   AssemblyVersion,
		CreatedAt: time.Now().UTC(),
		Stacks:    make([]StackArtifact, 0, len(res.Templates)),
	}

	for _, tmpl := range res.Templates {
		name := TemplateFileName(tmpl.Stack, format)
		data, err := EncodeTemplate(tmpl, format)
		if err != nil {
			return nil, err
		}
		if err := writeFile(filepath.Join(outDir, name), data); err != nil {
			return nil, err
		}

		artifact := StackArtifact{
			Name:      tmpl.Stack,
			Template:  name,
			Resources: len(tmpl.Resources),
			Outputs:   outputIDs(tmpl),
		}
		if pres, ok := res.Policy[tmpl.Stack]; ok {
			artifact.Violations = pres.Violations
		}
		manifest.Stacks = append(manifest.Stacks, artifact)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, engine.NewSynthesisError("failed to encode manifest", err)
	}
	if err := writeFile(filepath.Join(outDir, ManifestFile), data); err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("assembly", manifest.ID).
		Str("dir", outDir).
		Int("stacks", len(manifest.Stacks)).
		Msg("Assembly written")
	return manifest, nil
}

// TemplateFileName returns the file name a stack's template is written to.
func TemplateFileName(stack string, format Format) string {
	return fmt.Sprintf("%s.template.%s", stack, format)
}

// EncodeTemplate encodes a template. YAML output uses the same keys as JSON.
func EncodeTemplate(tmpl *engine.Template, format Format) ([]byte, error) {
	data, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return nil, engine.NewSynthesisError("failed to encode template", err).WithStack(tmpl.Stack)
	}
	if format != FormatYAML {
		return append(data, '\n'), nil
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewSynthesisError("failed to encode template", err).WithStack(tmpl.Stack)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, engine.NewSynthesisError("failed to encode template", err).WithStack(tmpl.Stack)
	}
	return out, nil
}

// writeFile writes data through a temporary file so readers never see a
// partial template.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return engine.NewExternalError("failed to write "+filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return engine.NewExternalError("failed to write "+filepath.Base(path), err)
	}
	return nil
}

// ReadManifest reads the manifest of an assembly directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, engine.NewExternalError("failed to read manifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, engine.NewExternalError("failed to decode manifest", err)
	}
	return &m, nil
}
