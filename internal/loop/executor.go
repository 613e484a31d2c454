// Package loop runs the decision loop: single-flight guard, context
// gathering, one LLM call, structured-output parsing, and effect fan-out.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/queue"
	"github.com/nextlevelbuilder/agentd/internal/rag"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/telemetry"
	"github.com/nextlevelbuilder/agentd/internal/tracker"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// ErrLoopInProgress is returned when a run is requested while another loop
// holds the single-flight lock. The daemon queues AI-requiring triggers and
// retries after release.
var ErrLoopInProgress = errors.New("loop already in progress")

// maxClaim caps the tasks pulled into one loop.
const maxClaim = 10

// Dispatcher executes declared actions with retry and dead-letter.
type Dispatcher interface {
	Execute(ctx context.Context, action protocol.Action) error
}

// Publisher emits outbound messages declared by the LLM.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg protocol.Message) error
}

// TrackerBoard is the tracker surface the loop reads.
type TrackerBoard interface {
	SnapshotFor(ctx context.Context, agentType string) (*tracker.Snapshot, error)
}

// InitiativeRunner runs the initiative phase when the queue drains.
type InitiativeRunner interface {
	Run(ctx context.Context, trigger string) error
}

// StatusReporter publishes the coarse per-loop status
// (working, idle, blocked, completed). A nil reporter is valid.
type StatusReporter interface {
	Report(ctx context.Context, status string)
}

// WorkspaceCommitter runs the commit pipeline when workspace files changed.
type WorkspaceCommitter interface {
	HasChanges(ctx context.Context) (bool, error)
	Commit(ctx context.Context, message, category string, pr bool) error
}

// Deps wires the executor's collaborators. Optional collaborators may be
// nil; the corresponding context sections go empty.
type Deps struct {
	AgentID      string
	AgentType    string
	Tier         protocol.Tier
	Codename     string
	SystemPrompt string
	BrandPath    string

	State      *store.StateManager
	Decisions  store.DecisionStore
	History    store.HistoryStore
	Queue      *queue.Queue
	RAG        *rag.Client
	Tracker    TrackerBoard
	Settings   *config.Settings
	Provider   providers.Provider
	Dispatcher Dispatcher
	Bus        Publisher
	Initiative InitiativeRunner
	Status     StatusReporter
	Workspace  WorkspaceCommitter

	// Schedule asks the daemon for a delayed follow-up loop.
	Schedule func(delay time.Duration, trigger string)
}

// Executor runs loops for one daemon under the single-flight guard.
type Executor struct {
	deps    Deps
	running atomic.Bool
}

func NewExecutor(deps Deps) *Executor {
	return &Executor{deps: deps}
}

// InProgress reports whether a loop currently holds the lock.
func (e *Executor) InProgress() bool { return e.running.Load() }

// Run executes one loop for the trigger. Only one loop may run at a time;
// a second invocation returns ErrLoopInProgress immediately.
func (e *Executor) Run(ctx context.Context, trigger, messageText string) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrLoopInProgress
	}
	defer e.running.Store(false)

	ctx, span := telemetry.Tracer().Start(ctx, "loop.run")
	defer span.End()

	loopN := e.deps.State.IncrCounter(ctx, store.KeyLoopCount)
	e.report(ctx, "working")
	slog.Info("loop_started", "trigger", trigger, "loop", loopN)

	err := e.runOnce(ctx, trigger, messageText)
	status := "idle"
	if err != nil {
		status = "blocked"
		e.deps.State.IncrCounter(ctx, store.KeyErrorCount)
		slog.Error("loop_failed", "trigger", trigger, "loop", loopN, "error", err)
	}
	if terr := e.deps.State.TouchLastLoop(ctx, time.Now()); terr != nil {
		slog.Warn("last_loop_at write failed", "error", terr)
	}
	e.report(ctx, status)
	return err
}

func (e *Executor) runOnce(ctx context.Context, trigger, messageText string) error {
	lc, err := e.gather(ctx, trigger, messageText)
	if err != nil {
		return err
	}

	res, err := e.deps.Provider.Complete(ctx, providers.CompletionRequest{
		Prompt:       BuildPrompt(lc),
		SystemPrompt: e.deps.SystemPrompt,
	})
	if err != nil {
		// Claimed tasks stay in processing for startup recovery.
		return fmt.Errorf("llm call: %w", err)
	}

	out, perr := Parse(res.Output)
	if perr != nil {
		// No usable JSON: no actions to run, but the work is consumed.
		slog.Warn("loop output had no usable JSON", "trigger", trigger)
		out = &Output{}
	}

	e.applyOutput(ctx, out)

	if ackErr := e.deps.Queue.Ack(ctx, lc.Tasks); ackErr != nil {
		return fmt.Errorf("ack claimed tasks: %w", ackErr)
	}
	if perr == nil {
		e.deps.State.IncrCounter(ctx, store.KeySuccessCount)
	} else {
		e.deps.State.IncrCounter(ctx, store.KeyErrorCount)
	}

	e.afterLoop(ctx, trigger)
	return nil
}

// gather collects the loop context (steps 2-9 of a run).
func (e *Executor) gather(ctx context.Context, trigger, messageText string) (*Context, error) {
	lc := &Context{Trigger: trigger, MessageText: messageText}

	state, err := e.deps.State.Essential(ctx)
	if err != nil {
		return nil, fmt.Errorf("essential state: %w", err)
	}
	lc.State = state

	if e.deps.Tier == protocol.TierHead && e.deps.Decisions != nil {
		decisions, err := e.deps.Decisions.Pending(ctx)
		if err != nil {
			slog.Warn("pending decisions unavailable", "error", err)
		} else {
			lc.Decisions = decisions
		}
	}

	if e.deps.Tracker != nil {
		board, err := e.deps.Tracker.SnapshotFor(ctx, e.deps.AgentType)
		if err != nil {
			slog.Warn("tracker snapshot unavailable", "error", err)
		} else {
			lc.Board = board
		}
	}

	// Cap check happens before the claim so dropped tasks stay in pending
	// rather than stranded in processing.
	atCap := lc.Board != nil && len(lc.Board.InProgress) >= e.deps.Settings.MaxConcurrentTasks()
	if atCap {
		slog.Info("concurrency cap reached, leaving tasks in pending",
			"in_progress", len(lc.Board.InProgress), "cap", e.deps.Settings.MaxConcurrentTasks())
	} else {
		claimed, err := e.deps.Queue.Claim(ctx, maxClaim)
		if err != nil {
			return nil, fmt.Errorf("claim tasks: %w", err)
		}
		lc.Tasks = claimed
	}
	lc.SortTasks()

	hits, err := e.deps.RAG.Query(ctx, rag.QueryRequest{
		Codename:    e.deps.Codename,
		Trigger:     trigger,
		MessageText: messageText,
	})
	if err != nil {
		slog.Warn("rag query failed", "error", err)
	}
	lc.RAG = rag.ContextSnippet(hits)

	lc.Brand = loadBrand(e.deps.BrandPath)

	if len(lc.Tasks) == 0 && !atCap {
		lc.GenerateInitiative = true
	}
	return lc, nil
}

// applyOutput fans parsed output into state, messages, actions, history and
// the workspace pipeline.
func (e *Executor) applyOutput(ctx context.Context, out *Output) {
	if len(out.StateUpdates) > 0 {
		if err := e.deps.State.SetMany(ctx, out.StateUpdates); err != nil {
			slog.Error("state updates failed", "error", err)
		}
	}

	for _, msg := range out.Messages {
		if msg.From == "" {
			msg.From = e.deps.AgentID
		}
		if err := e.deps.Bus.Publish(ctx, protocol.ChannelOrchestrator, msg); err != nil {
			slog.Error("outbound message failed", "type", msg.Type, "to", msg.To, "error", err)
		}
	}

	for _, action := range out.Actions {
		if err := e.deps.Dispatcher.Execute(ctx, action); err != nil {
			slog.Error("action dead-lettered", "type", action.Type, "error", err)
		}
	}

	if out.Summary != "" {
		details, _ := json.Marshal(map[string]int{
			"actions": len(out.Actions), "messages": len(out.Messages),
		})
		if err := e.deps.History.Append(ctx, e.deps.AgentID, "loop", out.Summary, string(details)); err != nil {
			slog.Warn("history append failed", "error", err)
		}
		if len(out.Summary) >= 50 && e.deps.RAG != nil {
			err := e.deps.RAG.Index(ctx, rag.Document{
				Collection: "summaries",
				Text:       out.Summary,
				Metadata:   map[string]string{"agent": e.deps.AgentType},
			})
			if err != nil {
				slog.Warn("summary archival failed", "error", err)
			}
		}
		if err := e.deps.State.Set(ctx, store.KeyLastSummary, out.Summary); err != nil {
			slog.Warn("last_summary write failed", "error", err)
		}
	}

	if e.deps.Workspace != nil {
		changed, err := e.deps.Workspace.HasChanges(ctx)
		if err != nil {
			slog.Warn("workspace status failed", "error", err)
		} else if changed {
			if err := e.deps.Workspace.Commit(ctx, "agent loop changes", "loop", false); err != nil {
				slog.Error("workspace commit failed", "error", err)
			}
		}
	}
}

// afterLoop decides what happens next: a delayed follow-up when work is
// pending, the initiative phase when idle.
func (e *Executor) afterLoop(ctx context.Context, trigger string) {
	pending, err := e.deps.Queue.Count(ctx)
	if err != nil {
		slog.Warn("pending count failed", "error", err)
		return
	}
	if pending > 0 {
		head, err := e.deps.Queue.HeadPriority(ctx, 3)
		if err != nil {
			slog.Warn("head priority peek failed", "error", err)
			head = protocol.PriorityNormal
		}
		delay := e.deps.Settings.PriorityDelay(head)
		slog.Info("loop_rescheduled", "pending", pending, "head_priority", head, "delay", delay)
		if e.deps.Schedule != nil {
			e.deps.Schedule(delay, "queue_continuation")
		}
		return
	}
	if e.deps.Initiative != nil && (trigger == "scheduled" || trigger == "message") {
		if err := e.deps.Initiative.Run(ctx, trigger); err != nil {
			slog.Warn("initiative phase failed", "error", err)
		}
	}
}

func (e *Executor) report(ctx context.Context, status string) {
	if e.deps.Status != nil {
		e.deps.Status.Report(ctx, status)
	}
}
