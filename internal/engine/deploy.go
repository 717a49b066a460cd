package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gambtho/container-assist/internal/workflow"
)

// Deployer applies manifests and checks workload health by shelling out
// to kubectl. It implements workflow.Deployer.
type Deployer struct {
	config Config
	run    runner
	logger *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	deploysCounter metric.Int64Counter
	verifyCounter  metric.Int64Counter
}

// NewDeployer creates a deployment engine.
func NewDeployer(cfg Config, logger *zap.Logger) *Deployer {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Deployer{
		config: cfg.withDefaults(),
		run:    execRunner{},
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	d.initMetrics()

	return d
}

// initMetrics initializes OpenTelemetry metrics.
func (d *Deployer) initMetrics() {
	var err error

	d.deploysCounter, err = d.meter.Int64Counter(
		"containerassist.engine.deployments_total",
		metric.WithDescription("Total number of manifest deployments"),
		metric.WithUnit("{deployment}"),
	)
	if err != nil {
		d.logger.Warn("failed to create deployments counter", zap.Error(err))
	}

	d.verifyCounter, err = d.meter.Int64Counter(
		"containerassist.engine.verifications_total",
		metric.WithDescription("Total number of deployment verifications"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		d.logger.Warn("failed to create verifications counter", zap.Error(err))
	}
}

// Deploy applies the manifests and waits for every deployment among
// them to roll out. A rollout that does not complete is a structured
// failure (Succeeded false), not an error: the gate decides what
// happens next.
func (d *Deployer) Deploy(ctx context.Context, opts workflow.DeployOptions) (*workflow.DeployResult, error) {
	ctx, span := d.tracer.Start(ctx, "engine.deploy")
	defer span.End()

	if strings.TrimSpace(opts.Manifests) == "" {
		err := errors.New("manifest content is required")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ns := d.namespace(opts)
	span.SetAttributes(attribute.String("deploy.namespace", ns))
	if opts.Strategy != "" {
		span.SetAttributes(attribute.String("deploy.strategy", opts.Strategy))
	}

	applyArgs := d.withGlobals(ns, "apply", "-f", "-", "-o", "name")
	output, err := d.run.Run(ctx, opts.Manifests, d.config.KubectlBinary, applyArgs...)
	if err != nil {
		wrapped := fmt.Errorf("kubectl apply failed: %w (output: %s)", err, truncate(output, d.config.MaxLogBytes))
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		if d.deploysCounter != nil {
			d.deploysCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
		}
		return nil, wrapped
	}

	resources := parseAppliedResources(output)
	result := &workflow.DeployResult{
		Succeeded: true,
		Namespace: ns,
		Resources: resources,
		Health:    "healthy",
		Log:       truncate(output, d.config.MaxLogBytes),
	}

	for _, res := range resources {
		if !strings.HasPrefix(res, "deployment") {
			continue
		}
		rolloutArgs := d.withGlobals(ns, "rollout", "status", res, "--timeout", d.config.RolloutTimeout.String())
		rolloutOut, err := d.run.Run(ctx, "", d.config.KubectlBinary, rolloutArgs...)
		if err != nil {
			result.Succeeded = false
			result.Health = "degraded"
			result.Log = truncate(rolloutOut, d.config.MaxLogBytes)
			span.AddEvent("rollout incomplete", trace.WithAttributes(attribute.String("resource", res)))
			d.logger.Warn("rollout did not complete",
				zap.String("resource", res), zap.String("namespace", ns), zap.Error(err))
			break
		}
	}

	if result.Succeeded {
		result.Endpoints = d.serviceEndpoints(ctx, ns, resources)
	}

	if d.deploysCounter != nil {
		outcome := "success"
		if !result.Succeeded {
			outcome = "degraded"
		}
		d.deploysCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", outcome)))
	}
	d.logger.Info("manifests applied",
		zap.String("namespace", ns),
		zap.Int("resources", len(resources)),
		zap.Bool("succeeded", result.Succeeded),
	)

	return result, nil
}

// Verify checks that every deployment in the manifests has its desired
// replicas ready and every service has at least one endpoint address.
func (d *Deployer) Verify(ctx context.Context, opts workflow.DeployOptions) (*workflow.VerifyResult, error) {
	ctx, span := d.tracer.Start(ctx, "engine.verify")
	defer span.End()

	objects, err := manifestObjects(opts.Manifests)
	if err != nil {
		wrapped := fmt.Errorf("failed to parse manifests: %w", err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}
	if len(objects) == 0 {
		err := errors.New("no objects found in manifests")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ns := d.namespace(opts)
	result := &workflow.VerifyResult{Healthy: true, Checks: make(map[string]string)}

	for _, obj := range objects {
		switch obj.Kind {
		case "Deployment":
			key := "deployment/" + obj.Metadata.Name
			ready, desired, err := d.deploymentReplicas(ctx, ns, obj.Metadata.Name)
			if err != nil {
				result.Healthy = false
				result.Checks[key] = "status unavailable"
				d.logger.Warn("deployment status unavailable",
					zap.String("deployment", obj.Metadata.Name), zap.Error(err))
				continue
			}
			result.Checks[key] = fmt.Sprintf("%d/%d replicas ready", ready, desired)
			if desired == 0 || ready < desired {
				result.Healthy = false
			}
		case "Service":
			key := "service/" + obj.Metadata.Name
			addresses, err := d.serviceAddresses(ctx, ns, obj.Metadata.Name)
			if err != nil {
				result.Healthy = false
				result.Checks[key] = "endpoints unavailable"
				d.logger.Warn("service endpoints unavailable",
					zap.String("service", obj.Metadata.Name), zap.Error(err))
				continue
			}
			if addresses == 0 {
				result.Healthy = false
				result.Checks[key] = "no endpoint addresses"
				continue
			}
			result.Checks[key] = fmt.Sprintf("%d endpoint address(es)", addresses)
		}
	}

	if len(result.Checks) == 0 {
		result.Checks["manifests"] = "no verifiable workloads"
	}

	span.SetAttributes(attribute.Bool("verify.healthy", result.Healthy))
	if d.verifyCounter != nil {
		outcome := "healthy"
		if !result.Healthy {
			outcome = "unhealthy"
		}
		d.verifyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", outcome)))
	}
	d.logger.Info("deployment verified",
		zap.String("namespace", ns),
		zap.Bool("healthy", result.Healthy),
		zap.Int("checks", len(result.Checks)),
	)

	return result, nil
}

// namespace resolves the target namespace for one operation.
func (d *Deployer) namespace(opts workflow.DeployOptions) string {
	if opts.Namespace != "" {
		return opts.Namespace
	}
	return d.config.Namespace
}

// withGlobals appends the namespace and configured kubeconfig flags.
func (d *Deployer) withGlobals(namespace string, args ...string) []string {
	args = append(args, "-n", namespace)
	if d.config.Kubeconfig != "" {
		args = append(args, "--kubeconfig", d.config.Kubeconfig)
	}
	return args
}

// deploymentReplicas reads ready and desired replica counts for one
// deployment. An absent readyReplicas field reads as zero.
func (d *Deployer) deploymentReplicas(ctx context.Context, ns, name string) (ready, desired int, err error) {
	args := d.withGlobals(ns, "get", "deployment", name,
		"-o", "jsonpath={.status.readyReplicas}/{.spec.replicas}")
	output, err := d.run.Run(ctx, "", d.config.KubectlBinary, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("kubectl get deployment %s: %w", name, err)
	}

	readyStr, desiredStr, _ := strings.Cut(strings.TrimSpace(string(output)), "/")
	ready, _ = strconv.Atoi(readyStr)
	desired, err = strconv.Atoi(desiredStr)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected replica status %q for deployment %s", truncate(output, 256), name)
	}
	return ready, desired, nil
}

// serviceAddresses counts ready endpoint addresses behind one service.
func (d *Deployer) serviceAddresses(ctx context.Context, ns, name string) (int, error) {
	args := d.withGlobals(ns, "get", "endpoints", name,
		"-o", "jsonpath={.subsets[*].addresses[*].ip}")
	output, err := d.run.Run(ctx, "", d.config.KubectlBinary, args...)
	if err != nil {
		return 0, fmt.Errorf("kubectl get endpoints %s: %w", name, err)
	}
	return len(strings.Fields(string(output))), nil
}

// serviceEndpoints resolves cluster-internal URLs for applied services.
// Lookup failures skip the service; endpoints are advisory.
func (d *Deployer) serviceEndpoints(ctx context.Context, ns string, resources []string) []string {
	var endpoints []string
	for _, res := range resources {
		name, ok := strings.CutPrefix(res, "service/")
		if !ok {
			continue
		}
		args := d.withGlobals(ns, "get", "service", name, "-o", "jsonpath={.spec.ports[0].port}")
		output, err := d.run.Run(ctx, "", d.config.KubectlBinary, args...)
		if err != nil {
			d.logger.Debug("failed to resolve service port",
				zap.String("service", name), zap.Error(err))
			continue
		}
		port := strings.TrimSpace(string(output))
		if port == "" {
			continue
		}
		endpoints = append(endpoints, fmt.Sprintf("http://%s.%s.svc.cluster.local:%s", name, ns, port))
	}
	return endpoints
}

// parseAppliedResources extracts kind/name lines from kubectl apply -o
// name output, skipping warnings the tool may interleave.
func parseAppliedResources(output []byte) []string {
	var resources []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.ContainsRune(line, '/') || strings.ContainsRune(line, ' ') {
			continue
		}
		resources = append(resources, line)
	}
	return resources
}

// manifestObject is the slice of a Kubernetes object the verifier reads.
type manifestObject struct {
	Kind     string `yaml:"kind"`
	Metadata struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
}

// manifestObjects decodes kind and name from every document in a
// multi-document manifest stream.
func manifestObjects(manifests string) ([]manifestObject, error) {
	dec := yaml.NewDecoder(strings.NewReader(manifests))
	var objects []manifestObject
	for {
		var obj manifestObject
		err := dec.Decode(&obj)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.Kind == "" {
			continue
		}
		objects = append(objects, obj)
	}
	return objects, nil
}
