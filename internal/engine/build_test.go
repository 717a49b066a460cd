package engine

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gambtho/container-assist/internal/workflow"
)

const buildTestDockerfile = "FROM alpine:3.20\nCMD [\"/app\"]\n"

func newTestBuilder(t *testing.T, fake *fakeRunner) *Builder {
	t.Helper()
	b := NewBuilder(DefaultConfig(), zaptest.NewLogger(t))
	b.run = fake
	return b
}

func buildOpts() workflow.BuildOptions {
	return workflow.BuildOptions{
		ContextDir: "/tmp/demo-app",
		Dockerfile: buildTestDockerfile,
		ImageRef:   "demo-app:latest",
	}
}

func TestBuilder_Build(t *testing.T) {
	var stagedDockerfile string
	fake := &fakeRunner{fn: func(c call) ([]byte, error) {
		switch c.args[0] {
		case "build":
			data, err := os.ReadFile(argAfter(c.args, "-f"))
			require.NoError(t, err)
			stagedDockerfile = string(data)
			require.NoError(t, os.WriteFile(argAfter(c.args, "--iidfile"), []byte("sha256:deadbeef\n"), 0o600))
			return []byte("#1 building"), nil
		case "image":
			return []byte("43128832\n"), nil
		}
		return nil, errors.New("unexpected call")
	}}

	result, err := newTestBuilder(t, fake).Build(context.Background(), buildOpts())
	require.NoError(t, err)

	assert.Equal(t, "sha256:deadbeef", result.ImageID)
	assert.Equal(t, "demo-app:latest", result.ImageRef)
	assert.Equal(t, int64(43128832), result.SizeBytes)
	assert.Equal(t, "docker", result.Tool)
	assert.Equal(t, buildTestDockerfile, stagedDockerfile)

	require.Len(t, fake.calls, 2)
	buildCall := fake.calls[0]
	assert.Equal(t, "docker", buildCall.name)
	assert.Equal(t, "demo-app:latest", argAfter(buildCall.args, "-t"))
	assert.Equal(t, "/tmp/demo-app", buildCall.args[len(buildCall.args)-1])
}

func TestBuilder_FallbackToolUsesItsOwnBinary(t *testing.T) {
	fake := &fakeRunner{fn: func(c call) ([]byte, error) {
		if c.args[0] == "build" {
			require.NoError(t, os.WriteFile(argAfter(c.args, "--iidfile"), []byte("sha256:feed"), 0o600))
			return nil, nil
		}
		// buildah has no docker-compatible inspect
		return []byte("unknown command"), errors.New("exit status 1")
	}}

	opts := buildOpts()
	opts.Tool = "buildah"
	result, err := newTestBuilder(t, fake).Build(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, "buildah", result.Tool)
	assert.Equal(t, "buildah", fake.calls[0].name)
	assert.Zero(t, result.SizeBytes)
}

func TestBuilder_BuildFailureCarriesOutput(t *testing.T) {
	fake := &fakeRunner{fn: func(c call) ([]byte, error) {
		return []byte("unknown instruction: FORM"), errors.New("exit status 1")
	}}

	_, err := newTestBuilder(t, fake).Build(context.Background(), buildOpts())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docker build failed")
	assert.Contains(t, err.Error(), "unknown instruction: FORM")
}

func TestBuilder_MissingImageID(t *testing.T) {
	fake := &fakeRunner{} // build succeeds but never writes the iidfile

	_, err := newTestBuilder(t, fake).Build(context.Background(), buildOpts())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without an image id")
}

func TestBuilder_Validation(t *testing.T) {
	b := newTestBuilder(t, &fakeRunner{})

	opts := buildOpts()
	opts.ContextDir = ""
	_, err := b.Build(context.Background(), opts)
	assert.ErrorContains(t, err, "context directory")

	opts = buildOpts()
	opts.Dockerfile = "  \n"
	_, err = b.Build(context.Background(), opts)
	assert.ErrorContains(t, err, "dockerfile content")

	opts = buildOpts()
	opts.ImageRef = ""
	_, err = b.Build(context.Background(), opts)
	assert.ErrorContains(t, err, "image reference")
}

func TestBuilder_ConfiguredBinary(t *testing.T) {
	fake := &fakeRunner{fn: func(c call) ([]byte, error) {
		if c.args[0] == "build" {
			require.NoError(t, os.WriteFile(argAfter(c.args, "--iidfile"), []byte("sha256:aa"), 0o600))
		}
		return []byte("0"), nil
	}}

	b := NewBuilder(Config{DockerBinary: "podman"}, zaptest.NewLogger(t))
	b.run = fake

	result, err := b.Build(context.Background(), buildOpts())
	require.NoError(t, err)
	assert.Equal(t, "podman", fake.calls[0].name)
	// The reported tool stays the logical name, not the binary.
	assert.Equal(t, "docker", result.Tool)
}
