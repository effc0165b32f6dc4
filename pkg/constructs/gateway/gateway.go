// Package gateway declares an HTTP front door: a REST API whose root route
// invokes a function and whose /alb route proxies to a load-balanced instance
// fleet.
package gateway

import (
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/synth/pkg/constructs/iam"
	"github.com/openfroyo/synth/pkg/engine"
)

// Resource types declared by this package.
const (
	TypeSecurityGroup    = "AWS::EC2::SecurityGroup"
	TypeLaunchTemplate   = "AWS::EC2::LaunchTemplate"
	TypeAutoScalingGroup = "AWS::AutoScaling::AutoScalingGroup"
	TypeLoadBalancer     = "AWS::ElasticLoadBalancingV2::LoadBalancer"
	TypeTargetGroup      = "AWS::ElasticLoadBalancingV2::TargetGroup"
	TypeListener         = "AWS::ElasticLoadBalancingV2::Listener"
	TypeFunction         = "AWS::Lambda::Function"
	TypePermission       = "AWS::Lambda::Permission"
	TypeRestAPI          = "AWS::ApiGateway::RestApi"
	TypeAPIResource      = "AWS::ApiGateway::Resource"
	TypeMethod           = "AWS::ApiGateway::Method"
	TypeDeployment       = "AWS::ApiGateway::Deployment"
	TypeStage            = "AWS::ApiGateway::Stage"
)

// Integration types.
const (
	IntegrationFunction = "AWS_PROXY"
	IntegrationHTTP     = "HTTP_PROXY"
)

// OutputLoadBalancerURL is the stack output holding the fleet URL.
const OutputLoadBalancerURL = "ApplicationLoadBalancerUrl"

const (
	defaultInstanceType = "t3.small"
	defaultVolumeSize   = 10
	defaultHandlerAsset = "dist/gateway-fn.zip"
	defaultStageName    = "prod"
	apiName             = "Sample Service"
	amazonLinux2023     = "{{resolve:ssm:/aws/service/ami-amazon-linux-latest/al2023-ami-kernel-default-x86_64}}"
	anyIPv4             = "0.0.0.0/0"
)

// UserData installs and starts nginx on each fleet instance.
var UserData = strings.Join([]string{
	"#!/bin/bash",
	"sudo yum update -y",
	"sudo amazon-linux-extras enable epel",
	"sudo yum install epel-release -y",
	"sudo yum install nginx -y",
	"sudo systemctl start nginx",
}, "\n")

var validate = validator.New()

// Network is the existing network the fleet runs in.
type Network struct {
	VPCID           string   `validate:"required,startswith=vpc-"`
	PublicSubnetIDs []string `validate:"required,min=1,dive,startswith=subnet-"`
}

// Props configures the gateway.
type Props struct {
	Network    Network
	SSHKeyName string `validate:"required"`

	// HandlerAsset is the path of the packaged function binary.
	HandlerAsset string

	// InstanceType defaults to t3.small.
	InstanceType string

	// StageName defaults to "prod".
	StageName string
}

// IngressRule is one inbound rule of a security group.
type IngressRule struct {
	Port        int
	CIDR        string
	Description string
}

// Route maps a request path to its integration.
type Route struct {
	Path        string
	Method      string
	Integration string
	// Target is the resource ID the route ends at.
	Target string
}

// Gateway is a declared gateway and fleet.
type Gateway struct {
	stack *engine.Stack
	props Props

	fleetSG     *engine.Resource
	albSG       *engine.Resource
	template    *engine.Resource
	asg         *engine.Resource
	alb         *engine.Resource
	targetGroup *engine.Resource
	listener    *engine.Resource
	function    *engine.Resource
	api         *engine.Resource
	methods     []*engine.Resource
	routes      []Route
}

// New validates props and declares the gateway resources.
func New(stack *engine.Stack, props Props) (*Gateway, error) {
	if err := validate.Struct(props); err != nil {
		return nil, engine.NewValidationError("invalid gateway properties", err).WithStack(stack.Name())
	}
	if props.HandlerAsset == "" {
		props.HandlerAsset = defaultHandlerAsset
	}
	if props.InstanceType == "" {
		props.InstanceType = defaultInstanceType
	}
	if props.StageName == "" {
		props.StageName = defaultStageName
	}

	g := &Gateway{stack: stack, props: props}
	steps := []func() error{
		g.declareFunction,
		g.declareFleet,
		g.declareLoadBalancer,
		g.declareAPI,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Gateway) declareFunction() error {
	role, err := iam.NewRole(g.stack, "lambda-function-role", iam.RoleProps{
		AssumedBy:       iam.ServicePrincipal(g.stack.Environment(), "lambda"),
		ManagedPolicies: []string{"service-role/AWSLambdaBasicExecutionRole"},
	})
	if err != nil {
		return err
	}

	g.function, err = g.stack.AddResource("lambda-function", TypeFunction, map[string]interface{}{
		"Runtime":       "provided.al2023",
		"Handler":       "bootstrap",
		"Architectures": []string{"x86_64"},
		"Role":          role.ARN(),
		"Code": map[string]interface{}{
			"Asset": g.props.HandlerAsset,
		},
	})
	return err
}

func (g *Gateway) declareFleet() error {
	var err error
	// Open to the world on purpose: the fleet is a public demo target.
	g.fleetSG, err = g.securityGroup("ec2-sg", "api-gateway-ec2-sg", "Allows port 22 and 80 from all IP addresses", []IngressRule{
		{Port: 80, CIDR: anyIPv4, Description: "Allow all HTTP connection"},
		{Port: 22, CIDR: anyIPv4, Description: "Allow all SSH connection"},
	})
	if err != nil {
		return err
	}

	role, err := iam.NewRole(g.stack, "instance-profile-role", iam.RoleProps{
		AssumedBy:       iam.ServicePrincipal(g.stack.Environment(), "ec2"),
		ManagedPolicies: []string{"AmazonEC2ReadOnlyAccess"},
	})
	if err != nil {
		return err
	}
	profile, err := iam.NewInstanceProfile(g.stack, "instance-profile", "", role)
	if err != nil {
		return err
	}

	g.template, err = g.stack.AddResource("api-gateway-ec2-launch-template", TypeLaunchTemplate, map[string]interface{}{
		"LaunchTemplateName": "api-gateway-ec2",
		"LaunchTemplateData": map[string]interface{}{
			"InstanceType": g.props.InstanceType,
			"ImageId":      amazonLinux2023,
			"KeyName":      g.props.SSHKeyName,
			"BlockDeviceMappings": []interface{}{
				map[string]interface{}{
					"DeviceName": "/dev/xvda",
					"Ebs":        map[string]interface{}{"VolumeSize": defaultVolumeSize},
				},
			},
			"IamInstanceProfile": map[string]interface{}{"Arn": profile.GetAtt("Arn")},
			"SecurityGroupIds":   []interface{}{g.fleetSG.GetAtt("GroupId")},
			"UserData":           engine.Base64{Value: UserData},
		},
	})
	return err
}

func (g *Gateway) declareLoadBalancer() error {
	var err error
	g.albSG, err = g.securityGroup("alb-sg", "api-gateway-alb-sg", "Load balancer security group", []IngressRule{
		{Port: 80, CIDR: anyIPv4, Description: "Allow from anyone on port 80"},
	})
	if err != nil {
		return err
	}

	g.alb, err = g.stack.AddResource("alb", TypeLoadBalancer, map[string]interface{}{
		"Name":           "api-gateway-alb",
		"Scheme":         "internet-facing",
		"Type":           "application",
		"Subnets":        g.props.Network.PublicSubnetIDs,
		"SecurityGroups": []interface{}{g.albSG.GetAtt("GroupId")},
	})
	if err != nil {
		return err
	}

	g.targetGroup, err = g.stack.AddResource("alb-target-1", TypeTargetGroup, map[string]interface{}{
		"Port":       80,
		"Protocol":   "HTTP",
		"TargetType": "instance",
		"VpcId":      g.props.Network.VPCID,
	})
	if err != nil {
		return err
	}

	g.listener, err = g.stack.AddResource("alb-listener", TypeListener, map[string]interface{}{
		"LoadBalancerArn": g.alb.Ref(),
		"Port":            80,
		"Protocol":        "HTTP",
		"DefaultActions": []interface{}{
			map[string]interface{}{"Type": "forward", "TargetGroupArn": g.targetGroup.Ref()},
		},
	})
	if err != nil {
		return err
	}

	g.asg, err = g.stack.AddResource("ec2-asg", TypeAutoScalingGroup, map[string]interface{}{
		"AutoScalingGroupName": "api-gateway-ec2-asg",
		"MinSize":              "1",
		"MaxSize":              "1",
		"VPCZoneIdentifier":    g.props.Network.PublicSubnetIDs,
		"LaunchTemplate": map[string]interface{}{
			"LaunchTemplateId": g.template.Ref(),
			"Version":          g.template.GetAtt("LatestVersionNumber"),
		},
		"TargetGroupARNs": []interface{}{g.targetGroup.Ref()},
	})
	if err != nil {
		return err
	}

	return g.stack.AddOutput(OutputLoadBalancerURL, g.LoadBalancerURL(), "Public URL of the instance fleet")
}

func (g *Gateway) declareAPI() error {
	env := g.stack.Environment()

	var err error
	g.api, err = g.stack.AddResource("apiGateway", TypeRestAPI, map[string]interface{}{
		"Name":        apiName,
		"Description": apiName,
	})
	if err != nil {
		return err
	}
	root := g.api.GetAtt("RootResourceId")

	invokeURI := engine.Concat(
		arn.ARN{
			Partition: env.Partition,
			Service:   "apigateway",
			Region:    env.Region,
			AccountID: "lambda",
			Resource:  "path/2015-03-31/functions/",
		}.String(),
		g.function.GetAtt("Arn"),
		"/invocations",
	)
	rootMethod, err := g.stack.AddResource("apiGatewayGET", TypeMethod, map[string]interface{}{
		"RestApiId":         g.api.Ref(),
		"ResourceId":        root,
		"HttpMethod":        "GET",
		"AuthorizationType": "NONE",
		"Integration": map[string]interface{}{
			"Type":                  IntegrationFunction,
			"IntegrationHttpMethod": "POST",
			"Uri":                   invokeURI,
			"RequestTemplates":      map[string]interface{}{"application/json": `{ "statusCode": "200" }`},
		},
	})
	if err != nil {
		return err
	}
	g.methods = append(g.methods, rootMethod)
	g.routes = append(g.routes, Route{Path: "/", Method: "GET", Integration: IntegrationFunction, Target: g.function.ID})

	_, err = g.stack.AddResource("apiGatewayGETPermission", TypePermission, map[string]interface{}{
		"Action":       "lambda:InvokeFunction",
		"FunctionName": g.function.GetAtt("Arn"),
		"Principal":    env.ServicePrincipal("apigateway"),
		"SourceArn": engine.Concat(
			"arn:", env.Partition, ":execute-api:", env.Region, ":", env.Account, ":",
			g.api.Ref(), "/*/GET/",
		),
	})
	if err != nil {
		return err
	}

	albPath, err := g.stack.AddResource("apiGatewayalb", TypeAPIResource, map[string]interface{}{
		"RestApiId": g.api.Ref(),
		"ParentId":  root,
		"PathPart":  "alb",
	})
	if err != nil {
		return err
	}
	albMethod, err := g.stack.AddResource("apiGatewayalbGET", TypeMethod, map[string]interface{}{
		"RestApiId":         g.api.Ref(),
		"ResourceId":        albPath.Ref(),
		"HttpMethod":        "GET",
		"AuthorizationType": "NONE",
		"Integration": map[string]interface{}{
			"Type":                  IntegrationHTTP,
			"IntegrationHttpMethod": "GET",
			"Uri":                   g.LoadBalancerURL(),
		},
	})
	if err != nil {
		return err
	}
	g.methods = append(g.methods, albMethod)
	g.routes = append(g.routes, Route{Path: "/alb", Method: "GET", Integration: IntegrationHTTP, Target: g.alb.ID})

	deployment, err := g.stack.AddResource("apiGatewayDeployment", TypeDeployment, map[string]interface{}{
		"RestApiId":   g.api.Ref(),
		"Description": "Automatically created by froyo-synth",
	})
	if err != nil {
		return err
	}
	deployment.DependsOn(g.methods...)

	stage, err := g.stack.AddResource("apiGatewayDeploymentStage", TypeStage, map[string]interface{}{
		"RestApiId":    g.api.Ref(),
		"DeploymentId": deployment.Ref(),
		"StageName":    g.props.StageName,
	})
	if err != nil {
		return err
	}

	return g.stack.AddOutput("apiGatewayEndpoint", engine.Sub{
		Template: "https://${Api}.execute-api.${Region}.${Suffix}/${Stage}/",
		Vars: map[string]interface{}{
			"Api":    g.api.Ref(),
			"Region": env.Region,
			"Suffix": env.URLSuffix,
			"Stage":  stage.Ref(),
		},
	}, "Invoke URL of the REST API")
}

func (g *Gateway) securityGroup(id, name, description string, rules []IngressRule) (*engine.Resource, error) {
	ingress := make([]interface{}, 0, len(rules))
	for _, r := range rules {
		ingress = append(ingress, map[string]interface{}{
			"IpProtocol":  "tcp",
			"FromPort":    r.Port,
			"ToPort":      r.Port,
			"CidrIp":      r.CIDR,
			"Description": r.Description,
		})
	}
	return g.stack.AddResource(id, TypeSecurityGroup, map[string]interface{}{
		"GroupName":            name,
		"GroupDescription":     description,
		"VpcId":                g.props.Network.VPCID,
		"SecurityGroupIngress": ingress,
	})
}

// LoadBalancerURL returns the lazy public URL of the load balancer.
func (g *Gateway) LoadBalancerURL() engine.Join {
	return engine.Concat("http://", g.alb.GetAtt("DNSName"))
}

// Routes returns the API routes sorted by path.
func (g *Gateway) Routes() []Route {
	out := make([]Route, len(g.routes))
	copy(out, g.routes)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Function returns the function resource.
func (g *Gateway) Function() *engine.Resource {
	return g.function
}

// LoadBalancer returns the load balancer resource.
func (g *Gateway) LoadBalancer() *engine.Resource {
	return g.alb
}

// FleetSecurityGroup returns the fleet security group.
func (g *Gateway) FleetSecurityGroup() *engine.Resource {
	return g.fleetSG
}
