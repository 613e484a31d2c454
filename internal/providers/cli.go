package providers

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const defaultCallTimeout = 5 * time.Minute

// CLIProvider invokes an LLM CLI binary as a subprocess. The prompt goes to
// stdin; the response is read from stdout. On timeout the process group
// receives SIGTERM.
type CLIProvider struct {
	name    string
	binary  string
	args    []string
	model   string
	mcpPath string // optional MCP config file passed to the subprocess
}

// CLIConfig configures a CLIProvider.
type CLIConfig struct {
	Name    string
	Binary  string
	Args    []string
	Model   string
	MCPPath string
}

func NewCLIProvider(cfg CLIConfig) *CLIProvider {
	if cfg.Name == "" {
		cfg.Name = "claude-cli"
	}
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &CLIProvider{
		name:    cfg.Name,
		binary:  cfg.Binary,
		args:    cfg.Args,
		model:   cfg.Model,
		mcpPath: cfg.MCPPath,
	}
}

func (p *CLIProvider) Name() string { return p.name }

func (p *CLIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), p.args...)
	args = append(args, "--print")
	model := req.Model
	if model == "" {
		model = p.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if p.mcpPath != "" {
		args = append(args, "--mcp-config", p.mcpPath)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	// Own process group so Cancel can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s timed out after %s", p.name, timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if isAuthFailure(msg) {
			return nil, Permanent(fmt.Errorf("%s: %s", p.name, msg))
		}
		return nil, fmt.Errorf("%s failed: %s", p.name, msg)
	}

	slog.Debug("llm call completed", "provider", p.name, "duration", elapsed, "output_len", stdout.Len())
	return &CompletionResult{
		Output:   stdout.String(),
		Model:    model,
		Duration: elapsed,
	}, nil
}

// Probe runs one short availability check: 1 attempt, 5 s.
func (p *CLIProvider) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.binary, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s unavailable: %w", p.name, err)
	}
	return nil
}

func isAuthFailure(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "forbidden")
}
