// Package synth turns configuration into stacks and stacks into an assembly.
//
// An App holds one stack per configured composer. Synth synthesizes each
// stack, evaluates the policy engine against the result and writes the
// assembly directory:
//
//	synth.out/
//	  karpenter.template.json
//	  multi-arch-pipeline.template.json
//	  api-gateway.template.json
//	  manifest.json
//
// In enforcing mode a blocking violation fails the run before anything is
// written.
package synth
