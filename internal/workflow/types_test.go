package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllStages_Order(t *testing.T) {
	want := []Stage{
		StageAnalysis,
		StageDockerfile,
		StageBuild,
		StageScan,
		StageRemediation,
		StageManifests,
		StageDeployment,
		StageVerification,
	}
	assert.Equal(t, want, AllStages())
}

func TestStage_Valid(t *testing.T) {
	for _, stage := range AllStages() {
		assert.True(t, stage.Valid(), string(stage))
	}
	assert.False(t, Stage("compile").Valid())
	assert.False(t, Stage("").Valid())
}

func TestStage_Next(t *testing.T) {
	assert.Equal(t, StageDockerfile, StageAnalysis.Next())
	assert.Equal(t, StageRemediation, StageScan.Next())
	assert.Equal(t, Stage(""), StageVerification.Next())
	assert.Equal(t, Stage(""), Stage("bogus").Next())
}

func TestState_AdvanceWalksThePipeline(t *testing.T) {
	state := NewState()
	assert.Equal(t, StageAnalysis, state.CurrentStage)

	for _, stage := range AllStages() {
		assert.Equal(t, stage, state.CurrentStage)
		state.MarkCompleted(stage)
		state.Advance()
	}
	assert.Equal(t, Stage(""), state.CurrentStage)
	assert.True(t, state.Done())
}

func TestState_SkippedStagesAdvanceToo(t *testing.T) {
	state := NewState()
	state.MarkCompleted(StageAnalysis)
	state.Advance()
	state.MarkSkipped(StageDockerfile)
	state.Advance()

	assert.Equal(t, StageBuild, state.CurrentStage)
	assert.False(t, state.Done())
	assert.NoError(t, state.Validate())
}

func TestState_CompletionClearsEarlierFailure(t *testing.T) {
	state := NewState()
	state.MarkCompleted(StageAnalysis)
	state.MarkFailed(StageDockerfile)
	require.NoError(t, state.Validate())

	// a later successful run supersedes the failure marker
	state.MarkCompleted(StageDockerfile)
	assert.Empty(t, state.FailedStages)
	assert.NoError(t, state.Validate())
}

func TestState_ValidateRejectsOverlap(t *testing.T) {
	state := NewState()
	state.CompletedStages = []Stage{StageAnalysis}
	state.FailedStages = []Stage{StageAnalysis}
	state.CurrentStage = StageDockerfile

	err := state.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis")

	state = NewState()
	state.CompletedStages = []Stage{StageAnalysis}
	state.SkippedStages = []Stage{StageAnalysis}
	assert.Error(t, state.Validate())
}

func TestState_ValidateRejectsUnknownCurrentStage(t *testing.T) {
	state := NewState()
	state.CurrentStage = "compile"
	assert.ErrorIs(t, state.Validate(), ErrUnknownStage)
}

func TestState_ValidateAllowsFailedCurrentStage(t *testing.T) {
	// a failed run leaves CurrentStage on the failed stage for resume
	state := NewState()
	state.CompletedStages = []Stage{StageAnalysis}
	state.FailedStages = []Stage{StageDockerfile}
	state.CurrentStage = StageDockerfile
	assert.NoError(t, state.Validate())
}

func TestState_RetryCountClearedOnCompletion(t *testing.T) {
	state := NewState()
	state.RetryCounts[StageAnalysis] = 2
	state.MarkCompleted(StageAnalysis)
	assert.NotContains(t, state.RetryCounts, StageAnalysis)
}

func TestWorkflowError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("docker daemon unreachable")
	werr := newWorkflowError(StageBuild, cause, true, "check the docker socket")

	assert.Equal(t, "build: docker daemon unreachable", werr.Error())
	assert.ErrorIs(t, werr, cause)
	assert.True(t, werr.Recoverable)
	assert.Equal(t, "check the docker socket", werr.Suggestion)
	assert.False(t, werr.Timestamp.IsZero())
}
