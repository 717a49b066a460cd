package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/workflow"
)

// Builder builds container images by shelling out to docker or a
// compatible tool. It implements workflow.ImageBuilder.
type Builder struct {
	config Config
	run    runner
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	buildsCounter metric.Int64Counter
}

// NewBuilder creates an image build engine.
func NewBuilder(cfg Config, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Builder{
		config: cfg.withDefaults(),
		run:    execRunner{},
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	b.initMetrics()

	return b
}

// initMetrics initializes OpenTelemetry metrics.
func (b *Builder) initMetrics() {
	var err error

	b.buildsCounter, err = b.meter.Int64Counter(
		"containerassist.engine.builds_total",
		metric.WithDescription("Total number of image builds"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		b.logger.Warn("failed to create builds counter", zap.Error(err))
	}
}

// Build runs one image build. The Dockerfile content is staged into a
// scratch directory and the image id is read back through --iidfile, so
// the result does not depend on parsing tool output.
func (b *Builder) Build(ctx context.Context, opts workflow.BuildOptions) (*workflow.BuildResult, error) {
	ctx, span := b.tracer.Start(ctx, "engine.build")
	defer span.End()

	if err := validateBuildOptions(opts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tool, binary := b.buildTool(opts.Tool)
	span.SetAttributes(
		attribute.String("build.tool", tool),
		attribute.String("build.image_ref", opts.ImageRef),
	)

	scratch, err := os.MkdirTemp("", "container-assist-build-")
	if err != nil {
		return nil, b.failBuild(ctx, span, tool, fmt.Errorf("failed to create build scratch dir: %w", err))
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	dockerfilePath := filepath.Join(scratch, "Dockerfile")
	if err := os.WriteFile(dockerfilePath, []byte(opts.Dockerfile), 0o600); err != nil {
		return nil, b.failBuild(ctx, span, tool, fmt.Errorf("failed to stage dockerfile: %w", err))
	}
	iidPath := filepath.Join(scratch, "iid")

	output, err := b.run.Run(ctx, "", binary,
		"build", "--iidfile", iidPath, "-t", opts.ImageRef, "-f", dockerfilePath, opts.ContextDir)
	if err != nil {
		return nil, b.failBuild(ctx, span, tool,
			fmt.Errorf("%s build failed: %w (output: %s)", tool, err, truncate(output, b.config.MaxLogBytes)))
	}

	iid, readErr := os.ReadFile(iidPath)
	imageID := strings.TrimSpace(string(iid))
	if readErr != nil || imageID == "" {
		return nil, b.failBuild(ctx, span, tool, fmt.Errorf("%s build finished without an image id", tool))
	}

	result := &workflow.BuildResult{
		ImageID:   imageID,
		ImageRef:  opts.ImageRef,
		SizeBytes: b.imageSize(ctx, binary, opts.ImageRef),
		Tool:      tool,
		Log:       truncate(output, b.config.MaxLogBytes),
	}

	if b.buildsCounter != nil {
		b.buildsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", "success"),
			attribute.String("tool", tool),
		))
	}
	b.logger.Info("image built",
		zap.String("tool", tool),
		zap.String("image_ref", result.ImageRef),
		zap.String("image_id", result.ImageID),
		zap.Int64("size_bytes", result.SizeBytes),
	)

	return result, nil
}

// buildTool resolves the requested tool to its reported name and binary.
// The default tool uses the configured binary; a fallback tool is
// invoked by its own name.
func (b *Builder) buildTool(requested string) (name, binary string) {
	switch requested {
	case "", "docker":
		return "docker", b.config.DockerBinary
	default:
		return requested, requested
	}
}

// imageSize inspects the built image. Size is advisory: tools without a
// docker-compatible inspect report zero and the build gate skips its
// ratio check.
func (b *Builder) imageSize(ctx context.Context, binary, imageRef string) int64 {
	output, err := b.run.Run(ctx, "", binary, "image", "inspect", "--format", "{{.Size}}", imageRef)
	if err != nil {
		b.logger.Debug("image size inspection failed",
			zap.String("image_ref", imageRef), zap.Error(err))
		return 0
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(output)), 10, 64)
	if err != nil {
		b.logger.Debug("unparseable image size",
			zap.String("image_ref", imageRef), zap.String("output", truncate(output, 256)))
		return 0
	}
	return size
}

func (b *Builder) failBuild(ctx context.Context, span trace.Span, tool string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if b.buildsCounter != nil {
		b.buildsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", "failed"),
			attribute.String("tool", tool),
		))
	}
	return err
}

func validateBuildOptions(opts workflow.BuildOptions) error {
	if opts.ContextDir == "" {
		return errors.New("build context directory is required")
	}
	if strings.TrimSpace(opts.Dockerfile) == "" {
		return errors.New("dockerfile content is required")
	}
	if opts.ImageRef == "" {
		return errors.New("image reference is required")
	}
	return nil
}
