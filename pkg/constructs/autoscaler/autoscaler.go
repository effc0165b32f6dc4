// Package autoscaler installs the Karpenter node autoscaler onto an existing
// cluster: node identity, controller identity, the chart release and any
// provisioners.
package autoscaler

import (
	"fmt"
	"regexp"

	"helm.sh/helm/v3/pkg/chartutil"
	"helm.sh/helm/v3/pkg/strvals"

	"github.com/openfroyo/synth/pkg/constructs/cluster"
	"github.com/openfroyo/synth/pkg/constructs/iam"
	"github.com/openfroyo/synth/pkg/engine"
)

const (
	// DefaultNamespace is used when Options.Namespace is empty.
	DefaultNamespace = "karpenter"

	// ChartRepository hosts the controller chart.
	ChartRepository = "https://charts.karpenter.sh"

	chartName          = "karpenter"
	serviceAccountName = "karpenter"

	provisionerAPIVersion = "karpenter.sh/v1alpha5"
	provisionerKind       = "Provisioner"
)

var provisionerIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-.]*[a-z0-9])?$`)

// NodeManagedPolicies are attached to the node role.
var NodeManagedPolicies = []string{
	"AmazonEKS_CNI_Policy",
	"AmazonEKSWorkerNodePolicy",
	"AmazonEC2ContainerRegistryReadOnly",
	"AmazonSSMManagedInstanceCore",
	"CloudWatchAgentServerPolicy",
}

// ControllerActions are granted to the controller's service account.
var ControllerActions = []string{
	"ec2:CreateLaunchTemplate",
	"ec2:DeleteLaunchTemplate",
	"ec2:CreateFleet",
	"ec2:RunInstances",
	"ec2:CreateTags",
	"iam:PassRole",
	"ec2:TerminateInstances",
	"ec2:DescribeLaunchTemplates",
	"ec2:DescribeInstances",
	"ec2:DescribeSecurityGroups",
	"ec2:DescribeSubnets",
	"ec2:DescribeInstanceTypes",
	"ec2:DescribeInstanceTypeOfferings",
	"ec2:DescribeAvailabilityZones",
	"ssm:GetParameter",
}

// Options configures the installation.
type Options struct {
	// Namespace defaults to DefaultNamespace.
	Namespace string

	// Version pins the chart version; empty means latest.
	Version string

	// ChartValues are merged into the generated values. Generated keys win.
	ChartValues map[string]interface{}

	// SetValues are helm --set style overrides ("a.b=c"), applied last.
	SetValues []string
}

// Autoscaler is a declared Karpenter installation.
type Autoscaler struct {
	stack     *engine.Stack
	cluster   cluster.Cluster
	namespace string

	nodeRole        *iam.Role
	instanceProfile *engine.Resource
	namespaceRes    *engine.Resource
	serviceAccount  *cluster.ServiceAccount
	controller      *iam.Policy
	chart           *engine.Resource
	provisioners    []*engine.Resource
}

// New declares the autoscaler resources in stack.
func New(stack *engine.Stack, env engine.Environment, c cluster.Cluster, opts Options) (*Autoscaler, error) {
	if c == nil {
		return nil, engine.NewValidationError("cluster is required", nil).WithStack(stack.Name())
	}
	a := &Autoscaler{
		stack:     stack,
		cluster:   c,
		namespace: opts.Namespace,
	}
	if a.namespace == "" {
		a.namespace = DefaultNamespace
	}

	var err error
	a.nodeRole, err = iam.NewRole(stack, "NodeRole", iam.RoleProps{
		RoleName:        c.ClusterName() + "-karpenter-node",
		AssumedBy:       iam.ServicePrincipal(env, "ec2"),
		ManagedPolicies: NodeManagedPolicies,
	})
	if err != nil {
		return nil, err
	}

	// The profile name must be set explicitly; the chart refers to it by name.
	a.instanceProfile, err = iam.NewInstanceProfile(stack, "InstanceProfile", c.ClusterName(), a.nodeRole)
	if err != nil {
		return nil, err
	}

	if _, err := c.AddRoleMapping(a.nodeRole, cluster.RoleMapping{
		Username: "system:node:{{EC2PrivateDNSName}}",
		Groups:   []string{"system:bootstrappers", "system:nodes"},
	}); err != nil {
		return nil, err
	}

	a.namespaceRes, err = c.AddNamespace("namespace", a.namespace)
	if err != nil {
		return nil, err
	}

	a.serviceAccount, err = c.AddServiceAccount(serviceAccountName, cluster.ServiceAccountOptions{
		Namespace: a.namespace,
	})
	if err != nil {
		return nil, err
	}
	a.serviceAccount.Manifest.DependsOn(a.namespaceRes)

	a.controller, err = iam.NewPolicy(stack, "ControllerPolicy", iam.PolicyProps{
		Roles: []*iam.Role{a.serviceAccount.Role},
		Statements: []iam.Statement{{
			Actions:   ControllerActions,
			Resources: iam.AllResources(),
		}},
	})
	if err != nil {
		return nil, err
	}

	values, err := a.chartValues(opts)
	if err != nil {
		return nil, err
	}

	// Wait must stay on: provisioners applied after the release need its CRDs.
	a.chart, err = c.AddHelmChart(chartName, cluster.ChartOptions{
		Chart:           chartName,
		Release:         chartName,
		Repository:      ChartRepository,
		Namespace:       a.namespace,
		Version:         opts.Version,
		Wait:            true,
		CreateNamespace: false,
		Values:          values,
	})
	if err != nil {
		return nil, err
	}
	a.chart.DependsOn(a.namespaceRes, a.serviceAccount.Manifest)

	return a, nil
}

// chartValues builds the release values: generated values first, user values
// filling the gaps, --set overrides last.
func (a *Autoscaler) chartValues(opts Options) (map[string]interface{}, error) {
	values := map[string]interface{}{
		"serviceAccount": map[string]interface{}{
			"create": false,
			"name":   a.serviceAccount.Name,
			"annotations": map[string]interface{}{
				cluster.RoleAnnotation: a.serviceAccount.Role.ARN(),
			},
		},
		"clusterName":     a.cluster.ClusterName(),
		"clusterEndpoint": a.cluster.Endpoint(),
		"aws": map[string]interface{}{
			"defaultInstanceProfile": a.instanceProfile.Ref(),
		},
	}

	if len(opts.ChartValues) > 0 {
		values = chartutil.CoalesceTables(values, copyValues(opts.ChartValues))
	}

	for _, set := range opts.SetValues {
		if err := strvals.ParseInto(set, values); err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("invalid chart override %q", set), err).
				WithStack(a.stack.Name())
		}
	}

	return values, nil
}

// NodeRoleARN returns a lazy reference to the node role ARN.
func (a *Autoscaler) NodeRoleARN() engine.Ref {
	return a.nodeRole.ARN()
}

// Namespace returns the namespace the controller runs in.
func (a *Autoscaler) Namespace() string {
	return a.namespace
}

// Chart returns the chart release resource.
func (a *Autoscaler) Chart() *engine.Resource {
	return a.chart
}

// ServiceAccount returns the controller service account.
func (a *Autoscaler) ServiceAccount() *cluster.ServiceAccount {
	return a.serviceAccount
}

// Provisioners returns the provisioner manifests added so far.
func (a *Autoscaler) Provisioners() []*engine.Resource {
	return a.provisioners
}

// AddProvisioner declares a Provisioner object with the given spec. The id becomes
// the object name and must match ^[a-z0-9]([a-z0-9\-.]*[a-z0-9])?$. The spec is
// passed through unchanged.
func (a *Autoscaler) AddProvisioner(id string, spec map[string]interface{}) (*engine.Resource, error) {
	if err := ValidateProvisionerID(id); err != nil {
		return nil, err
	}
	if spec == nil {
		spec = map[string]interface{}{}
	}

	res, err := a.cluster.AddManifest(id, map[string]interface{}{
		"apiVersion": provisionerAPIVersion,
		"kind":       provisionerKind,
		"metadata": map[string]interface{}{
			"name":      id,
			"namespace": a.namespace,
		},
		"spec": spec,
	})
	if err != nil {
		return nil, err
	}
	res.DependsOn(a.chart)

	a.provisioners = append(a.provisioners, res)
	return res, nil
}

// ValidateProvisionerID checks that id consists of lower case alphanumeric
// characters, '-' or '.', and starts and ends with an alphanumeric character.
func ValidateProvisionerID(id string) error {
	if !provisionerIDPattern.MatchString(id) {
		return engine.NewValidationError(
			fmt.Sprintf("invalid provisioner id %q: must consist of lower case alphanumeric characters, '-' or '.', "+
				"and must start and end with an alphanumeric character", id), nil,
		).WithResource(id)
	}
	return nil
}

func copyValues(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = copyValues(m)
			continue
		}
		out[k] = v
	}
	return out
}
