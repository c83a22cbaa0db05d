// Package engcfg holds the engine's process-wide runtime configuration,
// read once at startup from environment variables and overridden by CLI
// flags, validated with go-playground/validator/v10 — the same library
// and precedence order the teacher applies between persistent flags and
// YAML-parsed Settings.
package engcfg

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// EngineConfig is the process-wide configuration snapshot.
type EngineConfig struct {
	StateDir       string        `validate:"required"`
	PatternRoot    string        `validate:"required"`
	WorkspaceRoot  string        `validate:"required"`
	MaxConcurrency int           `validate:"required,min=1"`
	Deterministic  bool
	DefaultTimeout time.Duration `validate:"required"`
}

// Default returns built-in defaults before environment/flag overlay.
func Default() EngineConfig {
	return EngineConfig{
		StateDir:       "./.minipipe/state",
		PatternRoot:    "./.minipipe/patterns",
		WorkspaceRoot:  "./.minipipe/workspaces",
		MaxConcurrency: 4,
		Deterministic:  false,
		DefaultTimeout: 10 * time.Minute,
	}
}

// FromEnv overlays recognized MINIPIPE_* environment variables onto cfg.
func FromEnv(cfg EngineConfig) (EngineConfig, error) {
	if v := os.Getenv("MINIPIPE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("MINIPIPE_PATTERN_ROOT"); v != "" {
		cfg.PatternRoot = v
	}
	if v := os.Getenv("MINIPIPE_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("MINIPIPE_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("engcfg: parse MINIPIPE_MAX_CONCURRENCY: %w", err)
		}
		cfg.MaxConcurrency = n
	}
	if v := os.Getenv("MINIPIPE_DETERMINISTIC"); v != "" {
		cfg.Deterministic = v == "1"
	}
	return cfg, nil
}

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

// Validator returns the shared validator instance used for both
// EngineConfig and the Plan/Pattern/ToolProfile wire schemas.
func Validator() *validator.Validate {
	validatorOnce.Do(func() {
		validateInst = validator.New()
	})
	return validateInst
}

// Validate checks cfg against its struct tags.
func (c EngineConfig) Validate() error {
	if err := Validator().Struct(c); err != nil {
		return fmt.Errorf("engcfg: invalid configuration: %w", err)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("engcfg: max_concurrency must be >= 1")
	}
	return nil
}

// Load builds the final EngineConfig from defaults overlaid by
// environment variables. CLI flags are applied by the caller (cmd/minipipe)
// after Load returns, preserving flags-beat-env-beat-defaults precedence.
func Load() (EngineConfig, error) {
	cfg, err := FromEnv(Default())
	if err != nil {
		return EngineConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}
