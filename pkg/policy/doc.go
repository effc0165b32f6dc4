// Package policy checks synthesized templates with Open Policy Agent (OPA).
//
// Every policy is a Rego module that defines a deny set. Each member is either
// a string message or an object with message, severity and resource keys:
//
//	package acme.tags
//
//	import rego.v1
//
//	# severity: error
//	deny contains violation if {
//	    input.resource.type == "AWS::S3::Bucket"
//	    not input.resource.properties.Tags
//	    violation := {"message": "buckets must be tagged", "resource": input.resource.id}
//	}
//
// The input document holds the synthesized resource under input.resource
// (id, type, properties, labels, depends_on) and the stack, account and
// region under input.context.
//
// # Built-in policies
//
//   - open-ingress (warning): security group rules open to the internet
//   - manifest-naming (error): Kubernetes objects without a DNS-1123 name
//   - image-retention (error): image repositories without a count cap
//   - wildcard-actions (info): permission statements on all resources
//
// Custom policies are read from .rego files or .json Policy documents. A
// .rego header may set "# severity:" and "# resource_types:"; a policy with
// resource types only sees resources of those kinds. Engine.WatchPolicies
// reloads them when files change. Enforce turns error and critical violations
// into a synthesis error carrying the POLICY_VIOLATION code.
package policy
