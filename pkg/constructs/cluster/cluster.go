// Package cluster provides a handle onto an existing managed Kubernetes cluster.
// Every capability (identity mapping, manifests, charts, service accounts) is
// declared as resources in the owning stack.
package cluster

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/openfroyo/synth/pkg/constructs/iam"
	"github.com/openfroyo/synth/pkg/engine"
)

// Resource types declared by this package.
const (
	TypeManifest    = "Kubernetes::Manifest"
	TypeHelmChart   = "Helm::Chart"
	TypeRoleMapping = "Kubernetes::AwsAuthRoleMapping"
)

// RoleAnnotation is the service-account annotation that binds it to an IAM role.
const RoleAnnotation = "eks.amazonaws.com/role-arn"

// Cluster is the set of capabilities constructs need from a cluster.
type Cluster interface {
	// ClusterName returns the cluster name.
	ClusterName() string

	// Endpoint returns the API server endpoint (literal or lazy).
	Endpoint() interface{}

	// AddRoleMapping maps an IAM role to a Kubernetes user and groups.
	AddRoleMapping(role *iam.Role, mapping RoleMapping) (*engine.Resource, error)

	// AddManifest applies a manifest to the cluster.
	AddManifest(id string, manifest map[string]interface{}) (*engine.Resource, error)

	// AddNamespace applies a namespace manifest.
	AddNamespace(id, name string) (*engine.Resource, error)

	// AddHelmChart installs a chart onto the cluster.
	AddHelmChart(id string, opts ChartOptions) (*engine.Resource, error)

	// AddServiceAccount creates a service account bound to a new IAM role.
	AddServiceAccount(id string, opts ServiceAccountOptions) (*ServiceAccount, error)
}

// RoleMapping describes an identity mapping entry.
type RoleMapping struct {
	Username string
	Groups   []string
}

// ChartOptions configures a chart installation.
type ChartOptions struct {
	Chart           string
	Release         string
	Repository      string
	Namespace       string
	Version         string
	Wait            bool
	CreateNamespace bool
	Values          map[string]interface{}
}

// ServiceAccountOptions configures a service account.
type ServiceAccountOptions struct {
	// Name defaults to the id.
	Name      string
	Namespace string
}

// ServiceAccount is a service account bound to an IAM role via workload identity.
type ServiceAccount struct {
	Name      string
	Namespace string
	Role      *iam.Role
	Manifest  *engine.Resource
}

// Props configures an EKS handle.
type Props struct {
	// Name is the cluster name.
	Name string

	// Endpoint is the API server endpoint.
	Endpoint string

	// OIDCProviderARN is the cluster's workload identity provider.
	OIDCProviderARN string
}

// EKS is a Cluster backed by resources in a stack.
type EKS struct {
	stack        *engine.Stack
	name         string
	endpoint     string
	oidcProvider string
	oidcIssuer   string
	mappings     int
}

// NewEKS creates a handle onto an existing cluster.
func NewEKS(stack *engine.Stack, props Props) (*EKS, error) {
	if props.Name == "" {
		return nil, engine.NewValidationError("cluster name is required", nil)
	}
	if props.Endpoint == "" {
		return nil, engine.NewValidationError("cluster endpoint is required", nil)
	}

	parsed, err := engine.ParseARN(props.OIDCProviderARN)
	if err != nil {
		return nil, err
	}
	issuer := strings.TrimPrefix(parsed.Resource, "oidc-provider/")
	if parsed.Service != "iam" || issuer == parsed.Resource || issuer == "" {
		return nil, engine.NewValidationError(
			fmt.Sprintf("%q is not an OIDC provider ARN", props.OIDCProviderARN), nil)
	}

	return &EKS{
		stack:        stack,
		name:         props.Name,
		endpoint:     props.Endpoint,
		oidcProvider: props.OIDCProviderARN,
		oidcIssuer:   issuer,
	}, nil
}

// ClusterName implements Cluster.
func (c *EKS) ClusterName() string {
	return c.name
}

// Endpoint implements Cluster.
func (c *EKS) Endpoint() interface{} {
	return c.endpoint
}

// AddRoleMapping implements Cluster.
func (c *EKS) AddRoleMapping(role *iam.Role, mapping RoleMapping) (*engine.Resource, error) {
	if mapping.Username == "" {
		return nil, engine.NewValidationError("role mapping username is required", nil)
	}
	c.mappings++
	id := fmt.Sprintf("%sAwsAuthMapping%d", role.ID, c.mappings)

	return c.stack.AddResource(id, TypeRoleMapping, map[string]interface{}{
		"ClusterName": c.name,
		"RoleArn":     role.ARN(),
		"Username":    mapping.Username,
		"Groups":      mapping.Groups,
	})
}

// AddManifest implements Cluster. Only the presence of a name is checked here;
// its syntax is reported by the manifest-naming policy.
func (c *EKS) AddManifest(id string, manifest map[string]interface{}) (*engine.Resource, error) {
	obj := &unstructured.Unstructured{Object: manifest}
	if obj.GetAPIVersion() == "" || obj.GetKind() == "" {
		return nil, engine.NewValidationError(fmt.Sprintf("manifest %s must set apiVersion and kind", id), nil).
			WithResource(id)
	}
	if obj.GetName() == "" {
		return nil, engine.NewValidationError(fmt.Sprintf("manifest %s must set metadata.name", id), nil).
			WithResource(id)
	}

	return c.stack.AddResource(c.manifestID(id), TypeManifest, map[string]interface{}{
		"ClusterName": c.name,
		"Manifest":    obj.Object,
	})
}

// AddNamespace implements Cluster. The manifest is built from the typed core API.
func (c *EKS) AddNamespace(id, name string) (*engine.Resource, error) {
	ns := &corev1.Namespace{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Namespace"},
		ObjectMeta: metav1.ObjectMeta{Name: name},
	}
	obj, err := runtime.DefaultUnstructuredConverter.ToUnstructured(ns)
	if err != nil {
		return nil, engine.NewDeclarationError("failed to convert namespace manifest", err).
			WithCode(engine.ErrCodeInternal)
	}
	// Drop server-populated fields the converter emits as empty values.
	unstructured.RemoveNestedField(obj, "metadata", "creationTimestamp")
	unstructured.RemoveNestedField(obj, "spec")
	unstructured.RemoveNestedField(obj, "status")

	return c.AddManifest(id, obj)
}

// AddHelmChart implements Cluster.
func (c *EKS) AddHelmChart(id string, opts ChartOptions) (*engine.Resource, error) {
	if opts.Chart == "" {
		return nil, engine.NewValidationError(fmt.Sprintf("chart %s: chart name is required", id), nil)
	}
	release := opts.Release
	if release == "" {
		release = opts.Chart
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "default"
	}

	props := map[string]interface{}{
		"ClusterName":     c.name,
		"Chart":           opts.Chart,
		"Release":         release,
		"Namespace":       namespace,
		"Wait":            opts.Wait,
		"CreateNamespace": opts.CreateNamespace,
	}
	if opts.Repository != "" {
		props["Repository"] = opts.Repository
	}
	if opts.Version != "" {
		props["Version"] = opts.Version
	}
	if len(opts.Values) > 0 {
		props["Values"] = opts.Values
	}

	return c.stack.AddResource(c.chartID(id), TypeHelmChart, props)
}

// AddServiceAccount implements Cluster. The role trusts the cluster's OIDC
// provider for exactly this namespace/name pair.
func (c *EKS) AddServiceAccount(id string, opts ServiceAccountOptions) (*ServiceAccount, error) {
	name := opts.Name
	if name == "" {
		name = id
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "default"
	}

	role, err := iam.NewRole(c.stack, id+"Role", iam.RoleProps{
		AssumedBy: iam.Principal{
			Federated: c.oidcProvider,
			Conditions: map[string]interface{}{
				"StringEquals": map[string]interface{}{
					c.oidcIssuer + ":aud": "sts.amazonaws.com",
					c.oidcIssuer + ":sub": fmt.Sprintf("system:serviceaccount:%s:%s", namespace, name),
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	manifest, err := c.AddManifest(id+"-service-account", map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ServiceAccount",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
			"labels": map[string]interface{}{
				"app.kubernetes.io/name": name,
			},
			"annotations": map[string]interface{}{
				RoleAnnotation: role.ARN(),
			},
		},
	})
	if err != nil {
		return nil, err
	}

	return &ServiceAccount{
		Name:      name,
		Namespace: namespace,
		Role:      role,
		Manifest:  manifest,
	}, nil
}

// ManifestResourceID returns the stack resource ID used for a manifest id.
func (c *EKS) ManifestResourceID(id string) string {
	return c.manifestID(id)
}

func (c *EKS) manifestID(id string) string {
	return c.name + "-manifest-" + id
}

func (c *EKS) chartID(id string) string {
	return c.name + "-chart-" + id
}
