package workflow

// Stage identifies one step of the containerization pipeline.
type Stage string

const (
	// StageAnalysis inspects the repository: language, framework,
	// entrypoint, exposed ports.
	StageAnalysis Stage = "analysis"

	// StageDockerfile samples Dockerfile candidates and selects a winner.
	StageDockerfile Stage = "dockerfile"

	// StageBuild builds the container image from the winning Dockerfile.
	StageBuild Stage = "build"

	// StageScan scans the built image for vulnerabilities.
	StageScan Stage = "scan"

	// StageRemediation patches the Dockerfile and rebuilds when the scan
	// found more than the configured thresholds allow.
	StageRemediation Stage = "remediation"

	// StageManifests samples Kubernetes manifest candidates and selects
	// a winner.
	StageManifests Stage = "manifests"

	// StageDeployment applies the manifests to the target cluster.
	StageDeployment Stage = "deployment"

	// StageVerification checks that the deployed workload is healthy.
	StageVerification Stage = "verification"
)

// AllStages returns the pipeline stages in execution order.
func AllStages() []Stage {
	return []Stage{
		StageAnalysis,
		StageDockerfile,
		StageBuild,
		StageScan,
		StageRemediation,
		StageManifests,
		StageDeployment,
		StageVerification,
	}
}

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	return stageIndex(s) >= 0
}

// Next returns the stage after s in pipeline order, or empty when s is
// the last stage or unknown.
func (s Stage) Next() Stage {
	all := AllStages()
	i := stageIndex(s)
	if i < 0 || i+1 >= len(all) {
		return ""
	}
	return all[i+1]
}

func stageIndex(s Stage) int {
	for i, st := range AllStages() {
		if st == s {
			return i
		}
	}
	return -1
}

// stageWeights drives run-level progress reporting. Heavier stages move
// the percentage further when they complete.
var stageWeights = map[Stage]int{
	StageAnalysis:     1,
	StageDockerfile:   2,
	StageBuild:        3,
	StageScan:         2,
	StageRemediation:  1,
	StageManifests:    2,
	StageDeployment:   2,
	StageVerification: 1,
}
