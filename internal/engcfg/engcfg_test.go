package engcfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	require.NoError(t, Default().Validate())
}

func TestFromEnvOverlaysRecognizedVariables(t *testing.T) {
	t.Setenv("MINIPIPE_STATE_DIR", "/tmp/state")
	t.Setenv("MINIPIPE_MAX_CONCURRENCY", "8")
	t.Setenv("MINIPIPE_DETERMINISTIC", "1")

	cfg, err := FromEnv(Default())
	require.NoError(t, err)
	require.Equal(t, "/tmp/state", cfg.StateDir)
	require.Equal(t, 8, cfg.MaxConcurrency)
	require.True(t, cfg.Deterministic)
}

func TestFromEnvRejectsNonIntegerConcurrency(t *testing.T) {
	t.Setenv("MINIPIPE_MAX_CONCURRENCY", "not-a-number")
	_, err := FromEnv(Default())
	require.Error(t, err)
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.StateDir = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroTimeout(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.DefaultTimeout = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.MaxConcurrency = 0
	require.Error(t, cfg.Validate())
}

func TestLoadAppliesDefaultsWhenEnvUnset(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, Default().MaxConcurrency, cfg.MaxConcurrency)
	require.Equal(t, 10*time.Minute, cfg.DefaultTimeout)
}

func TestValidatorIsSharedSingleton(t *testing.T) {
	t.Parallel()
	require.Same(t, Validator(), Validator())
}
