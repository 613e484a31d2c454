// Package worker spawns short-lived subprocess workers that execute one
// task against external tool servers, bounded by a per-parent concurrency
// cap and a per-task timeout.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/actions"
	"github.com/nextlevelbuilder/agentd/internal/loop"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/rag"
	"github.com/nextlevelbuilder/agentd/internal/tracker"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

const (
	defaultWorkerTimeout = 60 * time.Second
	imageWorkerTimeout   = 180 * time.Second
)

// codingStandards is prepended to every worker prompt.
const codingStandards = `Mandatory standards:
- Return a single JSON object: {"success": bool, "result": string, "apiUsed": string?}.
- Only call the whitelisted domains listed below.
- Never store credentials in output.`

// Result is what a finished worker reports back to its parent. The task
// text rides along so passive state extraction can key its regexes on it.
type Result struct {
	TaskID  string `json:"taskId"`
	Task    string `json:"task,omitempty"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	APIUsed string `json:"apiUsed,omitempty"`
}

// Publisher delivers worker_result messages to the parent's channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg protocol.Message) error
}

// TrackerClient opens domain-approval requests.
type TrackerClient interface {
	CreateIssue(ctx context.Context, issue tracker.Issue) (string, error)
}

// Config tunes one parent's spawner.
type Config struct {
	ParentID      string
	ParentType    string
	MaxConcurrent int // default 3
	DryRun        bool
	Binary        string   // LLM CLI binary
	AllowedTools  []string // parent's role allow-list
	BaseTimeout   time.Duration
}

// Spawner runs workers for one parent agent.
type Spawner struct {
	cfg     Config
	cache   *ConfigCache
	guard   *DomainGuard
	allowed map[string]bool

	bus     Publisher
	tracker TrackerClient
	rag     *rag.Client

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup

	// complete runs the subprocess; injectable for tests.
	complete func(ctx context.Context, prompt, mcpPath string, timeout time.Duration) (string, error)
}

func NewSpawner(cfg Config, cache *ConfigCache, guard *DomainGuard, bus Publisher, trk TrackerClient, ragc *rag.Client) *Spawner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = defaultWorkerTimeout
	}
	s := &Spawner{
		cfg:     cfg,
		cache:   cache,
		guard:   guard,
		allowed: make(map[string]bool, len(cfg.AllowedTools)),
		bus:     bus,
		tracker: trk,
		rag:     ragc,
	}
	for _, t := range cfg.AllowedTools {
		s.allowed[strings.ToLower(t)] = true
	}
	s.complete = func(ctx context.Context, prompt, mcpPath string, timeout time.Duration) (string, error) {
		p := providers.NewCLIProvider(providers.CLIConfig{Binary: cfg.Binary, MCPPath: mcpPath})
		res, err := p.Complete(ctx, providers.CompletionRequest{Prompt: prompt, Timeout: timeout})
		if err != nil {
			return "", err
		}
		return res.Output, nil
	}
	return s
}

// Active returns the number of running workers.
func (s *Spawner) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Wait blocks until all spawned workers finished. Used on shutdown.
func (s *Spawner) Wait() { s.wg.Wait() }

// Spawn validates the request and starts a worker. Validation failures and
// the concurrency cap are synchronous errors; the cap breach is permanent
// (no queueing). The worker itself runs in the background and reports via a
// worker_result message.
func (s *Spawner) Spawn(ctx context.Context, spec actions.WorkerSpec) error {
	if spec.Agent != "" {
		// Named-agent execution is routed to the orchestrator, not run here.
		return s.routeToAgent(ctx, spec)
	}
	if err := s.validate(spec); err != nil {
		return err
	}

	s.mu.Lock()
	if s.active >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return providers.Permanent(fmt.Errorf(
			"worker cap reached: %d/%d for %s", s.active, s.cfg.MaxConcurrent, s.cfg.ParentType))
	}
	s.active++
	s.mu.Unlock()

	mcpPath, err := s.cache.PathFor(spec.Tools, s.cfg.DryRun)
	if err != nil {
		s.release()
		return err
	}

	workerID := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		s.run(context.WithoutCancel(ctx), workerID, spec, mcpPath)
	}()
	slog.Info("worker_spawned", "worker", workerID, "task", spec.TaskID, "tools", spec.Tools)
	return nil
}

func (s *Spawner) validate(spec actions.WorkerSpec) error {
	if spec.TaskID == "" || spec.TaskType == "" || spec.Task == "" {
		return fmt.Errorf("worker task requires id, type and text")
	}
	if len(spec.Tools) == 0 {
		return fmt.Errorf("worker task requires at least one tool")
	}
	for _, t := range spec.Tools {
		if !s.allowed[strings.ToLower(t)] {
			return fmt.Errorf("tool %q is not in the %s allow-list", t, s.cfg.ParentType)
		}
	}
	return nil
}

func (s *Spawner) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

func (s *Spawner) run(ctx context.Context, workerID string, spec actions.WorkerSpec, mcpPath string) {
	timeout := s.timeoutFor(spec)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := s.buildPrompt(taskCtx, spec)
	output, err := s.complete(taskCtx, prompt, mcpPath, timeout)
	result := Result{TaskID: spec.TaskID}
	switch {
	case err != nil:
		result.Error = err.Error()
	default:
		result = s.interpret(taskCtx, spec, output)
	}
	result.Task = spec.Task

	// Delivery runs on ctx, not taskCtx: a timed-out worker still owes its
	// parent the failure result.
	if err := s.publishResult(ctx, result); err != nil {
		slog.Error("worker result delivery failed", "worker", workerID, "error", err)
	}
	slog.Info("worker_finished", "worker", workerID, "task", spec.TaskID, "success", result.Success)
}

// interpret parses worker output and enforces the domain whitelist.
func (s *Spawner) interpret(ctx context.Context, spec actions.WorkerSpec, output string) Result {
	result := Result{TaskID: spec.TaskID}

	if blocked := s.guard.BlockedDomains(output); len(blocked) > 0 {
		s.requestDomainApproval(ctx, spec, blocked)
		result.Error = fmt.Sprintf("blocked domains referenced: %s", strings.Join(blocked, ", "))
		return result
	}

	var parsed struct {
		Success bool   `json:"success"`
		Result  string `json:"result"`
		Error   string `json:"error"`
		APIUsed string `json:"apiUsed"`
	}
	if err := loop.FirstJSONObject(output, &parsed); err != nil {
		result.Error = "worker produced no JSON result"
		return result
	}
	result.Success = parsed.Success
	result.Result = parsed.Result
	result.Error = parsed.Error
	result.APIUsed = parsed.APIUsed

	if result.Success && result.APIUsed != "" && s.rag != nil {
		err := s.rag.Index(ctx, rag.Document{
			Collection: "api_patterns",
			Text:       fmt.Sprintf("task: %s\napi: %s\nresult: %s", spec.Task, result.APIUsed, result.Result),
			Metadata:   map[string]string{"agent": s.cfg.ParentType, "api": result.APIUsed},
		})
		if err != nil {
			slog.Warn("api pattern indexing failed", "error", err)
		}
	}
	return result
}

func (s *Spawner) requestDomainApproval(ctx context.Context, spec actions.WorkerSpec, blocked []string) {
	if s.tracker != nil {
		_, err := s.tracker.CreateIssue(ctx, tracker.Issue{
			Title:  fmt.Sprintf("Domain approval needed: %s", strings.Join(blocked, ", ")),
			Body:   fmt.Sprintf("Worker task %q referenced non-whitelisted domains.", spec.Task),
			Labels: []string{"domain-approval", "agent:" + s.cfg.ParentType},
		})
		if err != nil {
			slog.Error("approval issue creation failed", "error", err)
		}
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"domains": blocked,
		"taskId":  spec.TaskID,
		"agent":   s.cfg.ParentType,
	})
	err := s.bus.Publish(ctx, protocol.ChannelBroadcast, protocol.Message{
		Type:     "domain_approval_needed",
		From:     s.cfg.ParentID,
		Payload:  payload,
		Priority: protocol.PriorityHigh,
	})
	if err != nil {
		slog.Error("domain approval broadcast failed", "error", err)
	}
}

func (s *Spawner) publishResult(ctx context.Context, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode worker result: %w", err)
	}
	return s.bus.Publish(ctx, protocol.AgentChannel(s.cfg.ParentID), protocol.Message{
		Type:    protocol.MessageWorkerResult,
		From:    s.cfg.ParentID,
		To:      s.cfg.ParentID,
		Payload: payload,
	})
}

func (s *Spawner) routeToAgent(ctx context.Context, spec actions.WorkerSpec) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode subagent spec: %w", err)
	}
	return s.bus.Publish(ctx, protocol.ChannelOrchestrator, protocol.Message{
		Type:    protocol.MessageType(protocol.ActionSpawnSubagent),
		From:    s.cfg.ParentID,
		To:      spec.Agent,
		Payload: payload,
	})
}

func (s *Spawner) timeoutFor(spec actions.WorkerSpec) time.Duration {
	if spec.TimeoutMS > 0 {
		return time.Duration(spec.TimeoutMS) * time.Millisecond
	}
	for _, t := range spec.Tools {
		if strings.Contains(strings.ToLower(t), "image") {
			return imageWorkerTimeout
		}
	}
	return s.cfg.BaseTimeout
}

func (s *Spawner) buildPrompt(ctx context.Context, spec actions.WorkerSpec) string {
	var b strings.Builder
	b.WriteString(codingStandards)
	b.WriteString("\n\nWhitelisted domains: ")
	b.WriteString(strings.Join(s.guard.Whitelist(), ", "))
	b.WriteString("\n\n")

	if notes := knowledgeFor(spec.Task); len(notes) > 0 {
		b.WriteString("Known APIs:\n")
		for _, n := range notes {
			b.WriteString("- " + n + "\n")
		}
		b.WriteString("\n")
	}

	if s.rag != nil {
		hits, err := s.rag.Query(ctx, rag.QueryRequest{
			Codename:    s.cfg.ParentType,
			Trigger:     "worker",
			MessageText: spec.Task,
			TopK:        3,
		})
		if err == nil {
			if snippet := rag.ContextSnippet(hits); snippet != "" {
				b.WriteString("Previously successful API patterns:\n")
				b.WriteString(snippet)
				b.WriteString("\n\n")
			}
		}
	}

	if s.cfg.DryRun {
		b.WriteString("DRY RUN: simulate all write operations; reads are allowed.\n\n")
	}
	b.WriteString("Task:\n")
	b.WriteString(spec.Task)
	return b.String()
}
