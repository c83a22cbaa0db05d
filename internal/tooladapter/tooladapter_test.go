package tooladapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
)

func TestProcessAdapterRunCapturesStdoutAndExitCode(t *testing.T) {
	t.Parallel()
	a := NewProcessAdapter()
	profile := model.ToolProfile{
		ToolID:          "echo",
		CommandTemplate: []string{"/bin/echo", "hello {{.task_id}}"},
		Timeout:         5 * time.Second,
	}
	res, err := a.Run(context.Background(), profile, RenderContext{TaskID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Stdout, "hello t1")
	require.False(t, res.TimedOut)
}

func TestProcessAdapterRunReportsNonZeroExitCode(t *testing.T) {
	t.Parallel()
	a := NewProcessAdapter()
	profile := model.ToolProfile{
		ToolID:          "false",
		CommandTemplate: []string{"/bin/sh", "-c", "exit 7"},
		Timeout:         5 * time.Second,
	}
	res, err := a.Run(context.Background(), profile, RenderContext{})
	require.NoError(t, err)
	require.Equal(t, 7, res.ExitCode)
}

func TestProcessAdapterRunTimesOutLongRunningCommand(t *testing.T) {
	t.Parallel()
	a := &ProcessAdapter{KillGrace: 100 * time.Millisecond}
	profile := model.ToolProfile{
		ToolID:          "sleeper",
		CommandTemplate: []string{"/bin/sleep", "10"},
		Timeout:         200 * time.Millisecond,
	}
	res, err := a.Run(context.Background(), profile, RenderContext{})
	require.NoError(t, err)
	require.True(t, res.TimedOut)
}

func TestProcessAdapterRunFailsOnUndefinedTemplatePlaceholder(t *testing.T) {
	t.Parallel()
	a := NewProcessAdapter()
	profile := model.ToolProfile{
		ToolID:          "echo",
		CommandTemplate: []string{"/bin/echo", "{{.metadata.missing_key}}"},
		Timeout:         5 * time.Second,
	}
	_, err := a.Run(context.Background(), profile, RenderContext{Metadata: map[string]string{}})
	require.Error(t, err)
	var spawnErr *mperr.ToolSpawnError
	require.ErrorAs(t, err, &spawnErr)
}

func TestProcessAdapterRunFailsOnEmptyCommandTemplate(t *testing.T) {
	t.Parallel()
	a := NewProcessAdapter()
	profile := model.ToolProfile{ToolID: "empty", CommandTemplate: []string{}, Timeout: time.Second}
	_, err := a.Run(context.Background(), profile, RenderContext{})
	require.Error(t, err)
}

func TestProcessAdapterRunRestrictsEnvironmentToAllowlist(t *testing.T) {
	t.Setenv("MINIPIPE_TEST_ALLOWED", "visible")
	t.Setenv("MINIPIPE_TEST_BLOCKED", "hidden")

	a := NewProcessAdapter()
	profile := model.ToolProfile{
		ToolID:          "envdump",
		CommandTemplate: []string{"/bin/sh", "-c", "echo $MINIPIPE_TEST_ALLOWED$MINIPIPE_TEST_BLOCKED"},
		Timeout:         5 * time.Second,
		EnvAllowlist:    []string{"MINIPIPE_TEST_ALLOWED"},
	}
	res, err := a.Run(context.Background(), profile, RenderContext{})
	require.NoError(t, err)
	require.Contains(t, res.Stdout, "visible")
	require.NotContains(t, res.Stdout, "hidden")
}

func TestMockAdapterReturnsScriptedResult(t *testing.T) {
	t.Parallel()
	a := NewMockAdapter(map[string]model.ToolResult{
		"editor": {ExitCode: 0, Stdout: "scripted output"},
	})
	res, err := a.Run(context.Background(), model.ToolProfile{ToolID: "editor"}, RenderContext{})
	require.NoError(t, err)
	require.Equal(t, "scripted output", res.Stdout)
	require.False(t, res.StartedAt.IsZero())
}

func TestMockAdapterErrorsOnUnscriptedTool(t *testing.T) {
	t.Parallel()
	a := NewMockAdapter(nil)
	_, err := a.Run(context.Background(), model.ToolProfile{ToolID: "unknown"}, RenderContext{})
	require.Error(t, err)
}

func TestCappedBufferTruncatesBeyondCapacity(t *testing.T) {
	t.Parallel()
	buf := cappedBuffer{cap: 8}
	n, err := buf.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Contains(t, buf.buf.String(), truncateMarker)
}
