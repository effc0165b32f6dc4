package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry manages CUE schemas for validation. Schemas live in the same
// cue.Context as the values they validate.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// builtinDefinitions maps schema names to definitions in builtinSchema.
var builtinDefinitions = map[string]string{
	"config":      "#Config",
	"environment": "#Environment",
	"autoscaler":  "#Autoscaler",
	"pipeline":    "#Pipeline",
	"gateway":     "#Gateway",
	"policy":      "#Policy",
}

// NewSchemaRegistry creates a schema registry with built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	root := sr.ctx.CompileString(builtinSchema, cue.Filename(builtinSchemaFile))
	if err := root.Err(); err != nil {
		panic(fmt.Sprintf("builtin schema does not compile: %v", err))
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, def := range builtinDefinitions {
		sr.schemas[name] = root.LookupPath(cue.ParsePath(def))
	}
}

// RegisterSchema compiles a schema and registers it under name. When
// definition is non-empty, the named definition inside the source is used.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if definition != "" {
		val = val.LookupPath(cue.ParsePath(definition))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no definition %s", name, definition)
		}
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies a CUE value with a named schema.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val), nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified, err := sr.Unify(schemaName, dataVal)
	if err != nil {
		return err
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSchemaFile = "builtin.cue"

const builtinSchema = `
#Config: {
	environment: #Environment
	autoscaler?: #Autoscaler
	pipeline?:   #Pipeline
	gateway?:    #Gateway
	policy?:     #Policy
}

#Environment: {
	account: string & =~"^[0-9]{12}$"
	region?: string & =~"^[a-z]{2}(-gov|-iso[a-z]*)?-[a-z]+-[0-9]$"
}

#Autoscaler: {
	cluster_name:      string & =~"^[0-9A-Za-z][A-Za-z0-9_-]*$"
	cluster_endpoint:  string & =~"^https://"
	oidc_provider_arn: string & =~"^arn:[a-z-]+:iam::[0-9]{12}:oidc-provider/"
	namespace?:        string & =~"^[a-z0-9]([-a-z0-9]*[a-z0-9])?$"
	version?:          string
	values?: {...}
	set?: [...string]

	// Provisioner IDs become object names.
	provisioners?: {[=~"^[a-z0-9]([-a-z0-9.]*[a-z0-9])?$"]: {...}}
}

#Pipeline: {
	github_url:            string & =~"^https?://"
	github_owner:          string & !=""
	github_repo:           string & !=""
	github_connection_arn: string & =~"^arn:[a-z-]+:(codestar-connections|codeconnections):"
	branch?:               string & =~"^[^ ~^:?*]+$"
	prefix?:               string & =~"^[A-Za-z0-9]+$"
	repository_name?:      string & =~"^[a-z0-9]+([._/-][a-z0-9]+)*$"
	max_image_count?:      int & >=1 & <=1000
}

#Gateway: {
	vpc_id: string & =~"^vpc-"
	public_subnet_ids: [#SubnetID, ...#SubnetID]
	ssh_key_name:   string & !=""
	handler_asset?: string
	instance_type?: string & =~"^[a-z][a-z0-9]*\\.[a-z0-9]+$"
}

#SubnetID: string & =~"^subnet-"

#Policy: {
	enabled: bool | *true
	paths?: [...string]
	mode?: "advisory" | "enforcing"
}
`
