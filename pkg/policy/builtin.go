package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		openIngressPolicy(),
		manifestNamingPolicy(),
		imageRetentionPolicy(),
		wildcardResourcesPolicy(),
	}
}

// openIngressPolicy flags security groups reachable from any address. The
// gateway fleet opens 22 and 80 on purpose, so this only warns.
func openIngressPolicy() Policy {
	return Policy{
		Name:        "open-ingress",
		Description: "Reports security group ingress rules open to 0.0.0.0/0 or ::/0",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"network", "security"},
		Rego: `package synth.policies.ingress

import rego.v1

deny contains violation if {
	input.resource.type == "AWS::EC2::SecurityGroup"
	some rule in input.resource.properties.SecurityGroupIngress
	rule.CidrIp == "0.0.0.0/0"
	violation := {
		"message": sprintf("security group %s allows %s port %v from 0.0.0.0/0", [input.resource.id, rule.IpProtocol, rule.FromPort]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	input.resource.type == "AWS::EC2::SecurityGroup"
	some rule in input.resource.properties.SecurityGroupIngress
	rule.CidrIpv6 == "::/0"
	violation := {
		"message": sprintf("security group %s allows %s port %v from ::/0", [input.resource.id, rule.IpProtocol, rule.FromPort]),
		"resource": input.resource.id,
	}
}`,
	}
}

// manifestNamingPolicy requires Kubernetes object names to be DNS-1123 subdomains.
func manifestNamingPolicy() Policy {
	return Policy{
		Name:        "manifest-naming",
		Description: "Kubernetes manifests must carry a DNS-1123 subdomain name",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"kubernetes", "naming"},
		Rego: `package synth.policies.manifests

import rego.v1

dns1123 := "^[a-z0-9]([-a-z0-9]*[a-z0-9])?(\\.[a-z0-9]([-a-z0-9]*[a-z0-9])?)*$"

manifest := input.resource.properties.Manifest if input.resource.type == "Kubernetes::Manifest"

deny contains violation if {
	manifest
	not manifest.metadata.name
	violation := {
		"message": sprintf("manifest %s has no metadata.name", [input.resource.id]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	name := manifest.metadata.name
	not regex.match(dns1123, name)
	violation := {
		"message": sprintf("manifest %s name '%s' is not a DNS-1123 subdomain", [input.resource.id, name]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	name := manifest.metadata.name
	count(name) > 253
	violation := {
		"message": sprintf("manifest %s name exceeds 253 characters", [input.resource.id]),
		"resource": input.resource.id,
	}
}`,
	}
}

// imageRetentionPolicy requires image repositories to expire old images.
func imageRetentionPolicy() Policy {
	return Policy{
		Name:        "image-retention",
		Description: "Image repositories must carry a count-based lifecycle rule",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"registry", "cost"},
		Rego: `package synth.policies.retention

import rego.v1

repository if input.resource.type == "AWS::ECR::Repository"

deny contains violation if {
	repository
	not input.resource.properties.LifecyclePolicy.LifecyclePolicyText
	violation := {
		"message": sprintf("repository %s has no lifecycle policy", [input.resource.id]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	repository
	text := input.resource.properties.LifecyclePolicy.LifecyclePolicyText
	doc := json.unmarshal(text)
	count([rule | some rule in doc.rules; rule.selection.countType == "imageCountMoreThan"]) == 0
	violation := {
		"message": sprintf("repository %s lifecycle policy does not cap the image count", [input.resource.id]),
		"resource": input.resource.id,
	}
}`,
	}
}

// wildcardResourcesPolicy notes permission statements granted on every resource.
func wildcardResourcesPolicy() Policy {
	return Policy{
		Name:        "wildcard-actions",
		Description: "Reports permission statements that apply to all resources",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"iam", "security"},
		Rego: `package synth.policies.iam

import rego.v1

wildcard(r) if r == "*"

wildcard(r) if {
	is_array(r)
	"*" in r
}

deny contains violation if {
	walk(input.resource.properties, [_, node])
	is_object(node)
	node.Effect == "Allow"
	wildcard(node.Resource)
	violation := {
		"message": sprintf("%s grants %v on all resources", [input.resource.id, node.Action]),
		"resource": input.resource.id,
	}
}`,
	}
}
