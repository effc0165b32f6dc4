// Package iam declares identity resources (roles, inline policies, instance
// profiles) shared by every construct.
package iam

import (
	"fmt"

	"github.com/openfroyo/synth/pkg/engine"
)

const policyVersion = "2012-10-17"

// Resource types declared by this package.
const (
	TypeRole            = "AWS::IAM::Role"
	TypePolicy          = "AWS::IAM::Policy"
	TypeInstanceProfile = "AWS::IAM::InstanceProfile"
)

// Principal is the entity allowed to assume a role.
type Principal struct {
	// Service is a service principal (e.g., "ec2.amazonaws.com").
	Service string

	// Federated is a federated identity provider ARN.
	Federated string

	// Conditions are attached to the trust statement.
	Conditions map[string]interface{}
}

// ServicePrincipal returns a principal for a service in the stack's partition.
func ServicePrincipal(env engine.Environment, service string) Principal {
	return Principal{Service: env.ServicePrincipal(service)}
}

func (p Principal) trustStatement() map[string]interface{} {
	stmt := map[string]interface{}{
		"Effect": "Allow",
	}
	if p.Federated != "" {
		stmt["Action"] = "sts:AssumeRoleWithWebIdentity"
		stmt["Principal"] = map[string]interface{}{"Federated": p.Federated}
	} else {
		stmt["Action"] = "sts:AssumeRole"
		stmt["Principal"] = map[string]interface{}{"Service": p.Service}
	}
	if len(p.Conditions) > 0 {
		stmt["Condition"] = p.Conditions
	}
	return stmt
}

// Statement is a single permission statement.
type Statement struct {
	Actions []string
	// Resources may contain literals or lazy values.
	Resources []interface{}
}

func (s Statement) render() map[string]interface{} {
	return map[string]interface{}{
		"Effect":   "Allow",
		"Action":   s.Actions,
		"Resource": s.Resources,
	}
}

// AllResources is the wildcard resource list.
func AllResources() []interface{} {
	return []interface{}{"*"}
}

// RoleProps configures a role.
type RoleProps struct {
	RoleName        string
	AssumedBy       Principal
	ManagedPolicies []string
}

// Role is a declared IAM role.
type Role struct {
	*engine.Resource

	stack         *engine.Stack
	name          string
	defaultPolicy *Policy
}

// NewRole declares a role assumable by the given principal. ManagedPolicies are
// provider-managed policy names.
func NewRole(stack *engine.Stack, id string, props RoleProps) (*Role, error) {
	if props.AssumedBy.Service == "" && props.AssumedBy.Federated == "" {
		return nil, engine.NewValidationError("role principal is required", nil).WithResource(id)
	}

	env := stack.Environment()
	managed := make([]string, 0, len(props.ManagedPolicies))
	for _, name := range props.ManagedPolicies {
		managed = append(managed, env.ManagedPolicyARN(name))
	}

	properties := map[string]interface{}{
		"AssumeRolePolicyDocument": map[string]interface{}{
			"Version":   policyVersion,
			"Statement": []interface{}{props.AssumedBy.trustStatement()},
		},
	}
	if len(managed) > 0 {
		properties["ManagedPolicyArns"] = managed
	}
	if props.RoleName != "" {
		properties["RoleName"] = props.RoleName
	}

	res, err := stack.AddResource(id, TypeRole, properties)
	if err != nil {
		return nil, err
	}
	return &Role{Resource: res, stack: stack, name: props.RoleName}, nil
}

// ARN returns a lazy reference to the role ARN.
func (r *Role) ARN() engine.Ref {
	return r.GetAtt("Arn")
}

// Name returns the role name: the literal name when one was given, otherwise a
// lazy reference to the generated one.
func (r *Role) Name() interface{} {
	if r.name != "" {
		return r.name
	}
	return r.Ref()
}

// AddToPolicy appends a statement to the role's default inline policy, declaring
// the policy on first use.
func (r *Role) AddToPolicy(stmt Statement) error {
	if r.defaultPolicy == nil {
		p, err := NewPolicy(r.stack, r.ID+"DefaultPolicy", PolicyProps{Roles: []*Role{r}})
		if err != nil {
			return err
		}
		r.defaultPolicy = p
	}
	r.defaultPolicy.AddStatements(stmt)
	return nil
}

// PolicyProps configures an inline policy.
type PolicyProps struct {
	Roles      []*Role
	Statements []Statement
}

// Policy is a declared inline policy attached to roles.
type Policy struct {
	*engine.Resource
	statements []Statement
}

// NewPolicy declares an inline policy attached to the given roles.
func NewPolicy(stack *engine.Stack, id string, props PolicyProps) (*Policy, error) {
	if len(props.Roles) == 0 {
		return nil, engine.NewValidationError(fmt.Sprintf("policy %s must be attached to at least one role", id), nil).
			WithResource(id)
	}

	roles := make([]interface{}, 0, len(props.Roles))
	for _, role := range props.Roles {
		roles = append(roles, role.Name())
	}

	res, err := stack.AddResource(id, TypePolicy, map[string]interface{}{
		"PolicyName": id,
		"Roles":      roles,
	})
	if err != nil {
		return nil, err
	}
	for _, role := range props.Roles {
		res.DependsOn(role.Resource)
	}

	p := &Policy{Resource: res}
	p.AddStatements(props.Statements...)
	return p, nil
}

// AddStatements appends statements and re-renders the policy document.
func (p *Policy) AddStatements(stmts ...Statement) {
	p.statements = append(p.statements, stmts...)

	rendered := make([]interface{}, 0, len(p.statements))
	for _, s := range p.statements {
		rendered = append(rendered, s.render())
	}
	p.SetProperty("PolicyDocument", map[string]interface{}{
		"Version":   policyVersion,
		"Statement": rendered,
	})
}

// Statements returns the statements declared so far.
func (p *Policy) Statements() []Statement {
	return p.statements
}

// NewInstanceProfile declares an instance profile wrapping the given role.
func NewInstanceProfile(stack *engine.Stack, id, name string, role *Role) (*engine.Resource, error) {
	props := map[string]interface{}{
		"Roles": []interface{}{role.Name()},
	}
	if name != "" {
		props["InstanceProfileName"] = name
	}
	res, err := stack.AddResource(id, TypeInstanceProfile, props)
	if err != nil {
		return nil, err
	}
	res.DependsOn(role.Resource)
	return res, nil
}
