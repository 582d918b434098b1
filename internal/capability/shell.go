package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellExec runs shell commands on the agent's behalf. Disabled by
// default; when enabled, commands pass a deny-pattern check and an
// optional prefix allowlist before running under a capped timeout.
type ShellExec struct {
	enabled         bool
	workingDir      string
	allowedPrefixes []string
	deniedPatterns  []string
	defaultTimeout  time.Duration
	maxOutputBytes  int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	Enabled         bool
	WorkingDir      string
	AllowedPrefixes []string
	DeniedPatterns  []string
	DefaultTimeout  time.Duration
	MaxOutputBytes  int
}

// DefaultShellExecConfig returns safe defaults with execution
// disabled.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		Enabled: false,
		DeniedPatterns: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:",
		},
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 100 * 1024,
	}
}

// NewShellExec creates a shell executor.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	return &ShellExec{
		enabled:         cfg.Enabled,
		workingDir:      cfg.WorkingDir,
		allowedPrefixes: cfg.AllowedPrefixes,
		deniedPatterns:  cfg.DeniedPatterns,
		defaultTimeout:  cfg.DefaultTimeout,
		maxOutputBytes:  cfg.MaxOutputBytes,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.enabled
}

// ExecResult is the structured outcome of one command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Exec runs a command through sh -c after policy checks. A non-zero
// exit is not an error at this level; it is reported in the result so
// the engine can see it.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if !s.enabled {
		return nil, fmt.Errorf("shell execution is disabled")
	}

	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedPatterns {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return nil, fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	if len(s.allowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range s.allowedPrefixes {
			if strings.HasPrefix(command, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("command not in allowlist")
		}
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	// Hard cap regardless of what the engine asked for.
	if timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Error = "command timed out"
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}

	return result, nil
}

// Register adds the shell_exec capability when enabled.
func (s *ShellExec) Register(r *Registry) error {
	if !s.enabled {
		return nil
	}
	return r.Register(&Capability{
		Name:        "shell_exec",
		Description: "Run a shell command and return stdout, stderr and the exit code. Commands run in the configured working directory under a timeout.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Command line to run via sh -c",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (default 30, max 300)",
				},
			},
			"required": []string{"command"},
		},
		Timeout: 5 * time.Minute,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			res, err := s.Exec(ctx, stringArg(args, "command"), intArg(args, "timeout_sec", 0))
			if err != nil {
				return nil, err
			}
			out, err := json.Marshal(res)
			if err != nil {
				return nil, fmt.Errorf("encode result: %w", err)
			}
			var effects []string
			if res.ExitCode == 0 && !res.TimedOut {
				effects = []string{fmt.Sprintf("ran command %q", stringArg(args, "command"))}
			}
			return &Result{Output: string(out), SideEffects: effects}, nil
		},
	})
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
