// Package analyze inspects a repository and produces the analysis facts
// the pipeline builds on: language, framework, build system, entrypoint,
// exposed ports, and dependencies.
//
// Detection is manifest-driven: go.mod, package.json, pyproject.toml or
// requirements.txt, pom.xml or build.gradle, tried in that order. Port
// discovery prefers Dockerfile EXPOSE directives, then a listen-pattern
// scan of the entrypoint, then the detected framework's conventional
// port. Git metadata (branch, commit, origin remote) comes from go-git
// and degrades to empty fields outside a repository.
package analyze
