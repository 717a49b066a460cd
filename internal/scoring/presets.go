package scoring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/sampling"
)

// Criterion names shared by the scorers and the weight presets.
const (
	CriterionSecurity        = "security"
	CriterionSize            = "size"
	CriterionBuildSpeed      = "build_speed"
	CriterionMaintainability = "maintainability"
)

// Target environment names recognized by the built-in presets.
const (
	EnvDevelopment = "dev"
	EnvStaging     = "staging"
	EnvProduction  = "prod"
)

var (
	// ErrInvalidPreset indicates a preset with no criteria or a
	// non-positive weight.
	ErrInvalidPreset = errors.New("invalid weight preset")

	// ErrInvalidPresetFile indicates a preset file that could not be
	// parsed.
	ErrInvalidPresetFile = errors.New("invalid preset file")
)

// builtinPresets returns the default weight sets. Production emphasizes
// security and image size; development emphasizes build speed and
// maintainability; staging sits between.
func builtinPresets() map[string]sampling.Weights {
	return map[string]sampling.Weights{
		EnvDevelopment: {
			CriterionSecurity:        2,
			CriterionSize:            1,
			CriterionBuildSpeed:      4,
			CriterionMaintainability: 3,
		},
		EnvStaging: {
			CriterionSecurity:        3,
			CriterionSize:            2,
			CriterionBuildSpeed:      2,
			CriterionMaintainability: 3,
		},
		EnvProduction: {
			CriterionSecurity:        4,
			CriterionSize:            3,
			CriterionBuildSpeed:      1,
			CriterionMaintainability: 2,
		},
	}
}

// Presets holds the active weight presets keyed by target environment.
// Safe for concurrent use; the file watcher swaps presets while scorers
// keep reading.
type Presets struct {
	mu     sync.RWMutex
	byEnv  map[string]sampling.Weights
	logger *zap.Logger
}

// NewPresets creates a preset registry seeded with the built-in presets.
func NewPresets(logger *zap.Logger) *Presets {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presets{
		byEnv:  builtinPresets(),
		logger: logger,
	}
}

// For returns a copy of the weights for the given environment. Unknown
// environments get the balanced staging preset.
func (p *Presets) For(env string) sampling.Weights {
	p.mu.RLock()
	defer p.mu.RUnlock()

	w, ok := p.byEnv[env]
	if !ok {
		w = p.byEnv[EnvStaging]
	}

	out := make(sampling.Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Set replaces the preset for one environment.
func (p *Presets) Set(env string, w sampling.Weights) error {
	if err := validatePreset(env, w); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.byEnv[env] = w
	return nil
}

// LoadFile merges presets from a TOML file over the registry. A missing
// file is silently ignored; invalid TOML or weights return errors without
// touching the registry.
//
// File format:
//
//	[presets.prod]
//	security = 5.0
//	size = 3.0
func (p *Presets) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat preset file: %w", err)
	}

	var file struct {
		Presets map[string]map[string]float64 `toml:"presets"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPresetFile, path, err)
	}

	// Validate everything before swapping anything in.
	loaded := make(map[string]sampling.Weights, len(file.Presets))
	for env, raw := range file.Presets {
		w := sampling.Weights(raw)
		if err := validatePreset(env, w); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		loaded[env] = w
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for env, w := range loaded {
		p.byEnv[env] = w
	}

	p.logger.Info("loaded weight presets",
		zap.String("path", path),
		zap.Int("presets", len(loaded)),
	)
	return nil
}

// Watch reloads the preset file whenever it changes, until the context is
// cancelled. Reload failures keep the previous presets and are logged.
func (p *Presets) Watch(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("preset file path is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create preset watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go p.processEvents(ctx, watcher, path)

	return nil
}

// processEvents handles filesystem events for the preset file.
func (p *Presets) processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer func() { _ = watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := p.LoadFile(path); err != nil {
					p.logger.Warn("preset reload failed, keeping previous presets",
						zap.String("path", path),
						zap.Error(err),
					)
				}
			}
			// Editors often replace files via rename; re-add the path so
			// the watch survives the swap.
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				_ = watcher.Add(path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("preset watcher error", zap.Error(err))
		}
	}
}

// validatePreset rejects empty presets and non-positive weights.
func validatePreset(env string, w sampling.Weights) error {
	if env == "" {
		return fmt.Errorf("%w: empty environment name", ErrInvalidPreset)
	}
	if len(w) == 0 {
		return fmt.Errorf("%w: %s has no criteria", ErrInvalidPreset, env)
	}
	for name, weight := range w {
		if name == "" {
			return fmt.Errorf("%w: %s has an empty criterion name", ErrInvalidPreset, env)
		}
		if weight <= 0 {
			return fmt.Errorf("%w: %s.%s weight must be positive, got %v", ErrInvalidPreset, env, name, weight)
		}
	}
	return nil
}
