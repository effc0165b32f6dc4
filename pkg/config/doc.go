// Package config loads and validates composer configuration written in CUE.
//
// A configuration selects which stacks to compose and supplies their inputs:
//
//	environment: {
//	    account: "123456789012"
//	    region:  "eu-west-1"
//	}
//
//	autoscaler: {
//	    cluster_name:      "demo"
//	    cluster_endpoint:  "https://ABC.gr7.eu-west-1.eks.amazonaws.com"
//	    oidc_provider_arn: "arn:aws:iam::123456789012:oidc-provider/..."
//	    set: ["replicas=2"]
//	    provisioners: default: limits: resources: cpu: 1000
//	}
//
//	gateway: {
//	    vpc_id:            "vpc-0abc"
//	    public_subnet_ids: ["subnet-1", "subnet-2"]
//	    ssh_key_name:      "ops"
//	}
//
// Sources are unified with the closed #Config schema held by a SchemaRegistry,
// decoded into StackConfig and checked again with struct tags. Every problem is
// reported as a ValidationError carrying the file position when CUE knows it.
//
// When environment.region is omitted the parser falls back to the region of
// the shared AWS configuration (AWS_REGION, profile). Use WithRegionResolver
// to replace or disable the lookup.
//
// Starlark scripts (.star) may contribute sections computed in code. They run
// after the CUE sources and see the result as the frozen dict config:
//
//	def pool(cpu):
//	    return {
//	        "requirements": [requirement("karpenter.sh/capacity-type", "In", ["spot"])],
//	        "limits": {"resources": {"cpu": cpu}},
//	    }
//
//	autoscaler = {"provisioners": {n: pool(c) for n, c in [("batch", 200), ("web", 100)]}}
//
// Each top-level global named after a section is encoded and unified with the
// CUE value, so a script can add to the configuration but not contradict it.
package config
