// Package engine runs the external container toolchain. Builder shells
// out to docker (or a compatible tool) for image builds, Scanner to
// trivy for vulnerability scans, and Deployer to kubectl for manifest
// rollout and verification.
//
// Each engine is a thin wrapper: it validates its inputs, invokes the
// tool under the caller's context, and returns the structured result
// the pipeline gates inspect. Nothing else in the tree shells out.
package engine
