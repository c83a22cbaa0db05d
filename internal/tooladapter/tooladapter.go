// Package tooladapter implements the Tool Adapter Layer (C5): renders
// a tool profile + task context into a concrete subprocess invocation
// and captures its result. Grounded on internal/plugins/command and
// internal/plugins/internalexec.RunStreaming (io.MultiWriter-based
// stdout/stderr capture), enriched with the Runner/Command/Result
// shape in the bartekus-stagecraft reference repo's pkg/executil
// package so the adapter's seam is a structured value, not a raw
// *exec.Cmd.
package tooladapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/minipipe/minipipe/internal/model"
	"github.com/minipipe/minipipe/internal/mperr"
)

const (
	maxCapturedBytes = 1 << 20 // 1 MiB per stream
	truncateMarker   = "\n... (output truncated) ...\n"
	killGrace        = 5 * time.Second
)

// RenderContext supplies the values a command template may reference,
// under the template keys task_id, task_kind and metadata, e.g.
// {{.task_id}}, {{.metadata.foo}}.
type RenderContext struct {
	TaskID   string
	TaskKind string
	Metadata map[string]string
}

// Adapter renders tool profiles into subprocess invocations.
type Adapter interface {
	// Run executes profile against rc, honoring profile.Timeout, and
	// returns the captured ToolResult. Template rendering happens before
	// any process is spawned, so an undefined placeholder fails at
	// render time (ErrToolSpawn wraps render errors), never at exec time.
	Run(ctx context.Context, profile model.ToolProfile, rc RenderContext) (model.ToolResult, error)
}

// ProcessAdapter spawns real subprocesses. It never interprets stdout
// semantically — translation into a Patch is a separate per-tool
// concern (see the ledger package's converters).
type ProcessAdapter struct {
	KillGrace time.Duration
}

// NewProcessAdapter constructs a ProcessAdapter with the default kill
// grace period.
func NewProcessAdapter() *ProcessAdapter {
	return &ProcessAdapter{KillGrace: killGrace}
}

func renderArgv(tmpl []string, rc RenderContext) ([]string, error) {
	data := map[string]interface{}{
		"task_id":   rc.TaskID,
		"task_kind": rc.TaskKind,
		"metadata":  rc.Metadata,
	}
	out := make([]string, 0, len(tmpl))
	for i, part := range tmpl {
		t, err := template.New(fmt.Sprintf("argv[%d]", i)).Option("missingkey=error").Parse(part)
		if err != nil {
			return nil, fmt.Errorf("tooladapter: parse template %q: %w", part, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("tooladapter: render template %q: %w", part, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

func restrictedEnv(allowlist []string) []string {
	env := make([]string, 0, len(allowlist))
	for _, key := range allowlist {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

type cappedBuffer struct {
	buf       bytes.Buffer
	cap       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.truncated {
		return len(p), nil
	}
	remaining := c.cap - c.buf.Len()
	if remaining <= 0 {
		c.truncated = true
		c.buf.WriteString(truncateMarker)
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		c.buf.WriteString(truncateMarker)
		return len(p), nil
	}
	return c.buf.Write(p)
}

// Run renders profile's command template, spawns it in its own process
// group with a restricted environment, and waits with a hard timeout.
// On timeout the process group is sent SIGTERM, then SIGKILL after the
// configured grace period.
func (a *ProcessAdapter) Run(ctx context.Context, profile model.ToolProfile, rc RenderContext) (model.ToolResult, error) {
	argv, err := renderArgv(profile.CommandTemplate, rc)
	if err != nil {
		return model.ToolResult{}, &mperr.ToolSpawnError{ToolID: profile.ToolID, Err: err}
	}
	if len(argv) == 0 {
		return model.ToolResult{}, &mperr.ToolSpawnError{ToolID: profile.ToolID, Err: fmt.Errorf("empty command template")}
	}

	timeout := profile.Timeout
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = restrictedEnv(profile.EnvAllowlist)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if profile.StdinSource != "" {
		cmd.Stdin = strings.NewReader(rc.Metadata[profile.StdinSource])
	}

	var stdout, stderr cappedBuffer
	stdout.cap, stderr.cap = maxCapturedBytes, maxCapturedBytes
	cmd.Stdout = io.Writer(&stdout)
	cmd.Stderr = io.Writer(&stderr)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return model.ToolResult{}, &mperr.ToolSpawnError{ToolID: profile.ToolID, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	var timedOut bool
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		timedOut = true
		terminateGroup(cmd, a.killGrace(), done)
		runErr = <-done
	}
	completed := time.Now()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			return model.ToolResult{}, &mperr.ToolSpawnError{ToolID: profile.ToolID, Err: runErr}
		}
	}

	return model.ToolResult{
		ExitCode:    exitCode,
		Stdout:      stdout.buf.String(),
		Stderr:      stderr.buf.String(),
		TimedOut:    timedOut,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}, nil
}

func (a *ProcessAdapter) killGrace() time.Duration {
	if a.KillGrace > 0 {
		return a.KillGrace
	}
	return killGrace
}

// terminateGroup sends SIGTERM to the process group and escalates to
// SIGKILL if the process has not exited within grace.
func terminateGroup(cmd *exec.Cmd, grace time.Duration, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(grace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}
}

// MockAdapter returns a scripted ToolResult per tool_id. It is used by
// installing it as the Executor's Adapter in place of ProcessAdapter;
// ToolProfile.Mock is not consulted when choosing an adapter. It still
// flows through Guardrails and the Ledger like any other Adapter —
// using it never bypasses them.
type MockAdapter struct {
	Scripted map[string]model.ToolResult
}

// NewMockAdapter constructs a MockAdapter with the given canned results.
func NewMockAdapter(scripted map[string]model.ToolResult) *MockAdapter {
	return &MockAdapter{Scripted: scripted}
}

func (a *MockAdapter) Run(_ context.Context, profile model.ToolProfile, _ RenderContext) (model.ToolResult, error) {
	res, ok := a.Scripted[profile.ToolID]
	if !ok {
		return model.ToolResult{}, &mperr.ToolSpawnError{ToolID: profile.ToolID, Err: fmt.Errorf("no scripted result for mock tool")}
	}
	if res.StartedAt.IsZero() {
		res.StartedAt = time.Now()
		res.CompletedAt = res.StartedAt
	}
	return res, nil
}
