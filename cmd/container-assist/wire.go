package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	otellog "go.opentelemetry.io/otel/log"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/analyze"
	"github.com/gambtho/container-assist/internal/config"
	"github.com/gambtho/container-assist/internal/engine"
	"github.com/gambtho/container-assist/internal/gates"
	"github.com/gambtho/container-assist/internal/generate"
	"github.com/gambtho/container-assist/internal/knowledge"
	"github.com/gambtho/container-assist/internal/logging"
	"github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/resources"
	"github.com/gambtho/container-assist/internal/sampling"
	"github.com/gambtho/container-assist/internal/scoring"
	"github.com/gambtho/container-assist/internal/secrets"
	"github.com/gambtho/container-assist/internal/telemetry"
	"github.com/gambtho/container-assist/internal/workflow"
)

// telemetryShutdownTimeout bounds the final exporter flush.
const telemetryShutdownTimeout = 5 * time.Second

// initTelemetry builds the OpenTelemetry stack from the observability
// section. Disabled telemetry yields a no-op provider set.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceVersion = version
	tcfg.Insecure = cfg.Observability.OTLPInsecure
	if cfg.Observability.ServiceName != "" {
		tcfg.ServiceName = cfg.Observability.ServiceName
	}
	if cfg.Observability.OTLPEndpoint != "" {
		tcfg.Endpoint = cfg.Observability.OTLPEndpoint
	}
	if cfg.Observability.OTLPProtocol != "" {
		tcfg.Protocol = cfg.Observability.OTLPProtocol
	}
	return telemetry.New(ctx, tcfg)
}

// shutdownTelemetry flushes and stops the exporters with a fresh
// deadline, since the run context is usually already cancelled.
func shutdownTelemetry(tel *telemetry.Telemetry, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil && logger != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

// initLogger builds the structured logger, bridging to OTEL when that
// output is enabled.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	var provider otellog.LoggerProvider
	if cfg.Logging.Output.OTEL {
		provider = tel.LoggerProvider()
	}
	return logging.NewLogger(&cfg.Logging, provider)
}

// dependencies holds the infrastructure collaborators shared by the run
// and serve commands.
type dependencies struct {
	store    *resources.Store
	sessions *workflow.SessionManager
	sink     progress.Sink
	natsConn *nats.Conn

	scrubber  *secrets.Scrubber
	completer *generate.Client
	knowledge *knowledge.Store
	presets   *scoring.Presets

	analyzer *analyze.Service
	builder  *engine.Builder
	scanner  *engine.Scanner
	deployer *engine.Deployer

	logger *zap.Logger
}

// Close releases infrastructure resources in reverse construction order.
func (d *dependencies) Close() {
	if d.knowledge != nil {
		_ = d.knowledge.Close()
	}
	if d.sessions != nil {
		d.sessions.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}

// initDependencies builds the resource store, session manager, progress
// fan-out, secret scrubber, completion client, knowledge base, scoring
// presets, analyzer, and the build/scan/deploy engines.
//
// extraSinks join the progress fan-out after the log and NATS sinks; the
// run command passes the TUI channel sink here.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, extraSinks ...progress.Sink) (*dependencies, error) {
	deps := &dependencies{logger: logger}
	ok := false
	defer func() {
		if !ok {
			deps.Close()
		}
	}()

	// Progress fan-out. The log sink always runs; NATS joins when a URL
	// is configured.
	sinks := []progress.Sink{progress.NewLogSink(logger)}
	if cfg.Progress.NATSURL != "" {
		nc, err := nats.Connect(cfg.Progress.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Progress.NATSURL, err)
		}
		deps.natsConn = nc

		natsSink, err := progress.NewNATSSink(nc, cfg.Progress.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS progress sink: %w", err)
		}
		sinks = append(sinks, natsSink)
		logger.Info("progress events published to NATS",
			zap.String("url", cfg.Progress.NATSURL),
			zap.String("subject_prefix", cfg.Progress.SubjectPrefix))
	}
	sinks = append(sinks, extraSinks...)
	if len(sinks) == 1 {
		deps.sink = sinks[0]
	} else {
		deps.sink = progress.NewMultiSink(sinks...)
	}

	// Resource store for stage artifacts and sampling winners.
	rcfg := resources.DefaultConfig()
	if cfg.Resources.DefaultTTL > 0 {
		rcfg.DefaultTTL = cfg.Resources.DefaultTTL
	}
	rcfg.MaxContentSize = cfg.Resources.MaxContentSize
	rcfg.CleanupInterval = cfg.Resources.CleanupInterval

	store, err := resources.NewStore(rcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource store: %w", err)
	}
	deps.store = store
	store.StartCleanupRoutine(ctx)

	// Session manager.
	deps.sessions = workflow.NewSessionManager(workflow.SessionManagerConfig{
		TTL:             cfg.Sessions.TTL,
		CleanupInterval: cfg.Sessions.CleanupInterval,
		MaxSessions:     cfg.Sessions.MaxSessions,
	}, logger)
	deps.sessions.StartCleanupRoutine(ctx)

	// Secret scrubber for prompts and artifacts.
	deps.scrubber, err = secrets.NewScrubber(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
	}

	// Completion client for the generation stages.
	gcfg := generate.DefaultConfig()
	gcfg.APIKey = cfg.Generate.APIKey.Value()
	if cfg.Generate.BaseURL != "" {
		gcfg.BaseURL = cfg.Generate.BaseURL
	}
	if cfg.Generate.Model != "" {
		gcfg.Model = cfg.Generate.Model
	}
	if cfg.Generate.RequestsPerSecond > 0 {
		gcfg.RequestsPerSecond = cfg.Generate.RequestsPerSecond
	}
	if cfg.Generate.Burst > 0 {
		gcfg.Burst = cfg.Generate.Burst
	}
	if cfg.Generate.Temperature > 0 {
		gcfg.Temperature = cfg.Generate.Temperature
	}
	if cfg.Generate.MaxTokens > 0 {
		gcfg.MaxTokens = cfg.Generate.MaxTokens
	}

	deps.completer, err = generate.NewClient(gcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	}

	// Remediation knowledge base. Optional: a failure here disables
	// hints rather than the pipeline. The openai embedder reuses the
	// generate endpoint.
	if cfg.Knowledge.Enabled && cfg.Knowledge.Embedder != "none" {
		kb, err := knowledge.NewStore(knowledge.Config{
			Path:       cfg.Knowledge.Path,
			Collection: cfg.Knowledge.Collection,
			Embedder:   cfg.Knowledge.Embedder,
			BaseURL:    cfg.Generate.BaseURL,
			APIKey:     cfg.Generate.APIKey.Value(),
		}, logger)
		if err != nil {
			logger.Warn("knowledge base unavailable, remediation hints disabled", zap.Error(err))
		} else if err := kb.Seed(ctx); err != nil {
			logger.Warn("knowledge base seeding failed, remediation hints disabled", zap.Error(err))
			_ = kb.Close()
		} else {
			deps.knowledge = kb
		}
	}

	// Scoring weight presets, with optional file overrides and reload.
	deps.presets = scoring.NewPresets(logger)
	if cfg.Scoring.PresetsPath != "" {
		if err := deps.presets.LoadFile(cfg.Scoring.PresetsPath); err != nil {
			return nil, fmt.Errorf("failed to load scoring presets: %w", err)
		}
		if cfg.Scoring.WatchPresets {
			if err := deps.presets.Watch(ctx, cfg.Scoring.PresetsPath); err != nil {
				logger.Warn("preset watching unavailable", zap.Error(err))
			}
		}
	}

	// Repository analyzer and external tool engines.
	deps.analyzer = analyze.NewService(analyze.DefaultConfig(), logger)

	ecfg := engine.DefaultConfig()
	if cfg.Engine.DockerBinary != "" {
		ecfg.DockerBinary = cfg.Engine.DockerBinary
	}
	if cfg.Engine.TrivyBinary != "" {
		ecfg.TrivyBinary = cfg.Engine.TrivyBinary
	}
	if cfg.Engine.KubectlBinary != "" {
		ecfg.KubectlBinary = cfg.Engine.KubectlBinary
	}
	ecfg.Kubeconfig = cfg.Engine.Kubeconfig
	if cfg.Engine.Namespace != "" {
		ecfg.Namespace = cfg.Engine.Namespace
	}
	deps.builder = engine.NewBuilder(ecfg, logger)
	deps.scanner = engine.NewScanner(ecfg, logger)
	deps.deployer = engine.NewDeployer(ecfg, logger)

	ok = true
	return deps, nil
}

// services holds the sampling and workflow layer built on top of the
// dependencies.
type services struct {
	dockerfiles  workflow.Sampler
	manifests    workflow.Sampler
	remediations workflow.Sampler
	coordinator  *workflow.Coordinator
}

// initServices builds the three stage samplers and the pipeline
// coordinator. The scorers bind to the weight preset for env and follow
// preset reloads.
func initServices(cfg *config.Config, deps *dependencies, env string, logger *zap.Logger) (*services, error) {
	genOpts := generate.GeneratorOptions{
		Completer: deps.completer,
		Scrubber:  deps.scrubber,
		Logger:    logger,
	}

	dockerfileGen, err := generate.NewDockerfileGenerator(genOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create dockerfile generator: %w", err)
	}
	manifestGen, err := generate.NewManifestGenerator(genOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest generator: %w", err)
	}

	remOpts := genOpts
	if deps.knowledge != nil {
		remOpts.Hints = deps.knowledge
	}
	remediationGen, err := generate.NewRemediationGenerator(remOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create remediation generator: %w", err)
	}

	dockerfileScorer := scoring.Live(deps.presets, env, func(w sampling.Weights) sampling.Scorer[string] {
		return scoring.NewDockerfileScorer(w)
	})
	manifestScorer := scoring.Live(deps.presets, env, func(w sampling.Weights) sampling.Scorer[string] {
		return scoring.NewManifestScorer(w)
	})

	scfg := sampling.Config{
		MaxCandidates:  cfg.Workflow.MaxCandidates,
		CacheTTL:       cfg.Workflow.ResourceTTL,
		TieBreakMargin: cfg.Scoring.TieBreakMargin,
		Sink:           deps.sink,
	}

	svcs := &services{}
	svcs.dockerfiles, err = sampling.NewOrchestrator(scfg, dockerfileGen, dockerfileScorer, nil, deps.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dockerfile sampler: %w", err)
	}
	svcs.manifests, err = sampling.NewOrchestrator(scfg, manifestGen, manifestScorer, nil, deps.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest sampler: %w", err)
	}
	// Remediation candidates are patched Dockerfiles and score as such.
	svcs.remediations, err = sampling.NewOrchestrator(scfg, remediationGen, dockerfileScorer, nil, deps.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create remediation sampler: %w", err)
	}

	svcs.coordinator, err = workflow.NewCoordinator(workflow.CoordinatorOptions{
		GateConfig: gateConfig(cfg),
		Registry:   cfg.Engine.Registry,
		Sessions:   deps.sessions,
		Store:      deps.store,
		Analyzer:   deps.analyzer,
		Builder:    deps.builder,
		Scanner:    deps.scanner,
		Deployer:   deps.deployer,

		Dockerfiles:  svcs.dockerfiles,
		Manifests:    svcs.manifests,
		Remediations: svcs.remediations,

		Sink:   deps.sink,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	return svcs, nil
}

// gateConfig maps the gates section onto the checker's thresholds.
func gateConfig(cfg *config.Config) gates.Config {
	return gates.Config{
		MaxCritical:        cfg.Gates.MaxCritical,
		MaxHigh:            cfg.Gates.MaxHigh,
		MaxMedium:          cfg.Gates.MaxMedium,
		SizeRejectFactor:   cfg.Gates.SizeRejectFactor,
		SizeSanityFactor:   cfg.Gates.SizeSanityFactor,
		MinDockerfileScore: cfg.Gates.MinDockerfileScore,
		MinManifestScore:   cfg.Gates.MinManifestScore,
	}
}

// runDefaults seeds per-run parameters from the workflow section.
func runDefaults(cfg *config.Config) workflow.RunConfig {
	return workflow.RunConfig{
		MaxCandidates:          cfg.Workflow.MaxCandidates,
		SamplingTimeout:        cfg.Workflow.SamplingTimeout,
		BuildTimeout:           cfg.Workflow.BuildTimeout,
		StageTimeout:           cfg.Workflow.StageTimeout,
		MaxVulnerabilityLevel:  cfg.Workflow.MaxVulnerabilityLevel,
		EnableAutoRemediation:  cfg.Workflow.EnableAutoRemediation,
		MaxRemediationAttempts: cfg.Workflow.MaxRemediationAttempts,
		TargetEnvironment:      cfg.Workflow.TargetEnvironment,
		DeploymentStrategy:     cfg.Workflow.DeploymentStrategy,
		ResourceTTL:            cfg.Workflow.ResourceTTL,
	}
}
