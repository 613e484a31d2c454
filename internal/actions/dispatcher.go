// Package actions executes the side effects declared by the LLM. Every
// action runs through a retry wrapper; exhausted actions land in a bounded
// dead-letter list, and sensitive actions always leave an audit record.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/tracker"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Publisher is the fabric surface the dispatcher emits on.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg protocol.Message) error
}

// Spawner starts bounded subprocess workers.
type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) error
}

// WorkerSpec is the decoded payload of a spawn_worker action.
type WorkerSpec struct {
	TaskID    string   `json:"taskId"`
	TaskType  string   `json:"taskType"`
	Task      string   `json:"task"`
	Tools     []string `json:"tools"`
	Agent     string   `json:"agent,omitempty"` // non-empty routes to a named-agent executor
	TimeoutMS int      `json:"timeoutMs,omitempty"`
}

// InitiativeProposer creates initiatives, or refuses with an
// initiative_blocked event when ready work exists.
type InitiativeProposer interface {
	Propose(ctx context.Context, init protocol.Initiative) error
}

// Workspace is the optional per-agent repository clone.
type Workspace interface {
	// Commit stages, commits and pushes. pr=true pushes a category-tagged
	// branch instead of the default branch.
	Commit(ctx context.Context, message, category string, pr bool) error
}

// TrackerClient is the issue-tracker surface the dispatcher needs.
type TrackerClient interface {
	SnapshotFor(ctx context.Context, agentType string) (*tracker.Snapshot, error)
	CreateIssue(ctx context.Context, issue tracker.Issue) (string, error)
	UpdateIssue(ctx context.Context, id, status, comment string) error
}

// Deps wires the dispatcher's collaborators. Nil optional collaborators
// make the corresponding action arms fail (and retry, then dead-letter).
type Deps struct {
	AgentID   string
	AgentType string

	Bus         Publisher
	Stores      *store.Stores
	Tracker     TrackerClient
	Workers     Spawner
	Initiatives InitiativeProposer
	Workspace   Workspace
	DeadLetter  *DeadLetter
}

// Dispatcher is the switch over action types plus the retry wrapper.
type Dispatcher struct {
	deps Deps

	maxAttempts int
	baseBackoff time.Duration
	sleep       func(time.Duration) // injectable for tests
}

func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{
		deps:        deps,
		maxAttempts: 3,
		baseBackoff: time.Second,
		sleep:       time.Sleep,
	}
}

// Execute runs one action through the retry wrapper: up to 3 attempts with
// backoff 1s, 2s; after exhaustion the action is dead-lettered. Sensitive
// actions write an audit record with the final outcome either way.
func (d *Dispatcher) Execute(ctx context.Context, action protocol.Action) error {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lastErr = d.dispatch(ctx, action)
		if lastErr == nil {
			break
		}
		if attempt < d.maxAttempts {
			backoff := d.baseBackoff << (attempt - 1)
			slog.Warn("action attempt failed, backing off",
				"type", action.Type, "attempt", attempt, "backoff", backoff, "error", lastErr)
			d.sleep(backoff)
		}
	}

	if action.Sensitive() {
		d.audit(ctx, action, lastErr)
	}
	if lastErr != nil {
		entry := DeadLetterEntry{
			Action:   action,
			Error:    lastErr.Error(),
			Attempts: d.maxAttempts,
			FailedAt: time.Now().UTC(),
		}
		if d.deps.DeadLetter != nil {
			if err := d.deps.DeadLetter.Push(ctx, entry); err != nil {
				slog.Error("dead-letter push failed", "type", action.Type, "error", err)
			}
		}
		return fmt.Errorf("action %s exhausted retries: %w", action.Type, lastErr)
	}
	slog.Info("action_executed", "type", action.Type)
	return nil
}

// dispatch is one attempt at the action. Unknown types are ignored with a
// debug log (forward compatibility).
func (d *Dispatcher) dispatch(ctx context.Context, action protocol.Action) error {
	switch action.Type {
	case protocol.ActionCreateTask:
		return d.createTask(ctx, action.Data)
	case protocol.ActionProposeDecision:
		return d.proposeDecision(ctx, action.Data, "")
	case protocol.ActionOperational:
		return d.proposeDecision(ctx, action.Data, protocol.DecisionOperational)
	case protocol.ActionVote:
		return d.vote(ctx, action.Data)
	case protocol.ActionAlert:
		return d.alert(ctx, action.Data)
	case protocol.ActionSpawnWorker, protocol.ActionSpawnSubagent:
		return d.spawnWorker(ctx, action.Data)
	case protocol.ActionCreatePR:
		return d.commit(ctx, action.Data, true)
	case protocol.ActionCommitToMain:
		return d.commit(ctx, action.Data, false)
	case protocol.ActionMergePR, protocol.ActionClaimPR, protocol.ActionClosePR:
		return d.relayPR(ctx, action)
	case protocol.ActionRequestHuman:
		return d.requestHuman(ctx, action.Data)
	case protocol.ActionUpdateIssue:
		return d.touchIssue(ctx, action.Data, "")
	case protocol.ActionClaimIssue:
		return d.touchIssue(ctx, action.Data, "in_progress")
	case protocol.ActionCompleteIssue:
		return d.touchIssue(ctx, action.Data, "done")
	case protocol.ActionProposeInitiative:
		return d.proposeInitiative(ctx, action.Data)
	case protocol.ActionScheduleEvent, protocol.ActionCreateProject,
		protocol.ActionCreateProjectTask, protocol.ActionUpdateProjectTask:
		return d.persistEntity(ctx, action)
	default:
		slog.Debug("unknown action type ignored", "type", action.Type)
		return nil
	}
}

func (d *Dispatcher) createTask(ctx context.Context, data json.RawMessage) error {
	var payload struct {
		To          string            `json:"to"`
		Title       string            `json:"title"`
		Description string            `json:"description,omitempty"`
		Priority    protocol.Priority `json:"priority,omitempty"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("create_task payload: %w", err)
	}
	if payload.To == "" || payload.Title == "" {
		return fmt.Errorf("create_task requires to and title")
	}
	task := protocol.Task{
		Title:       payload.Title,
		Description: payload.Description,
		Priority:    payload.Priority,
		From:        d.deps.AgentType,
	}
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return d.deps.Bus.Publish(ctx, protocol.ChannelOrchestrator, protocol.Message{
		Type:     protocol.MessageTask,
		From:     d.deps.AgentID,
		To:       payload.To,
		Payload:  taskJSON,
		Priority: payload.Priority,
	})
}

func (d *Dispatcher) proposeDecision(ctx context.Context, data json.RawMessage, forceTier protocol.DecisionTier) error {
	var dec protocol.Decision
	if err := json.Unmarshal(data, &dec); err != nil {
		return fmt.Errorf("propose_decision payload: %w", err)
	}
	if dec.Title == "" {
		return fmt.Errorf("propose_decision requires a title")
	}
	if forceTier != "" {
		dec.Tier = forceTier
	}
	if dec.Tier == "" {
		dec.Tier = protocol.DecisionMinor
	}
	dec.ProposedBy = d.deps.AgentID
	dec.CreatedAt = time.Now().UTC()
	dec.Status = "pending"
	if dec.ID == "" {
		dec.ID = fmt.Sprintf("dec-%d", dec.CreatedAt.UnixNano())
	}
	if err := d.deps.Stores.Decisions.Create(ctx, dec); err != nil {
		return fmt.Errorf("persist decision: %w", err)
	}
	decJSON, _ := json.Marshal(dec)
	return d.deps.Bus.Publish(ctx, protocol.ChannelHead, protocol.Message{
		Type:             protocol.MessageDecision,
		From:             d.deps.AgentID,
		Payload:          decJSON,
		Priority:         dec.Tier.PriorityFor(),
		RequiresResponse: dec.Tier != protocol.DecisionOperational,
	})
}

func (d *Dispatcher) vote(ctx context.Context, data json.RawMessage) error {
	var payload struct {
		DecisionID string              `json:"decisionId"`
		Vote       protocol.VoteChoice `json:"vote"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("vote payload: %w", err)
	}
	if payload.DecisionID == "" {
		return fmt.Errorf("vote requires decisionId")
	}
	switch payload.Vote {
	case protocol.VoteApprove, protocol.VoteVeto, protocol.VoteAbstain:
	default:
		return fmt.Errorf("vote %q is not approve, veto or abstain", payload.Vote)
	}
	return d.deps.Bus.Publish(ctx, protocol.ChannelOrchestrator, protocol.Message{
		Type:    protocol.MessageVote,
		From:    d.deps.AgentID,
		Payload: data,
	})
}

func (d *Dispatcher) alert(ctx context.Context, data json.RawMessage) error {
	var payload struct {
		Severity string `json:"severity,omitempty"`
	}
	_ = json.Unmarshal(data, &payload)
	priority := protocol.PriorityHigh
	if payload.Severity == "critical" {
		priority = protocol.PriorityUrgent
	}
	return d.deps.Bus.Publish(ctx, protocol.ChannelBroadcast, protocol.Message{
		Type:     protocol.MessageAlert,
		From:     d.deps.AgentID,
		Payload:  data,
		Priority: priority,
	})
}

func (d *Dispatcher) spawnWorker(ctx context.Context, data json.RawMessage) error {
	if d.deps.Workers == nil {
		return fmt.Errorf("worker spawner not configured")
	}
	var spec WorkerSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("spawn_worker payload: %w", err)
	}
	return d.deps.Workers.Spawn(ctx, spec)
}

func (d *Dispatcher) commit(ctx context.Context, data json.RawMessage, pr bool) error {
	if d.deps.Workspace == nil {
		return fmt.Errorf("workspace not configured")
	}
	var payload struct {
		Message  string `json:"message,omitempty"`
		Category string `json:"category,omitempty"`
	}
	_ = json.Unmarshal(data, &payload)
	if payload.Message == "" {
		payload.Message = "automated workspace update"
	}
	if err := d.deps.Workspace.Commit(ctx, payload.Message, payload.Category, pr); err != nil {
		return err
	}
	event, _ := json.Marshal(map[string]interface{}{"message": payload.Message, "pr": pr})
	return d.deps.Stores.Events.Append(ctx, "workspace_commit", d.deps.AgentID, event)
}

func (d *Dispatcher) relayPR(ctx context.Context, action protocol.Action) error {
	if err := d.deps.Bus.Publish(ctx, protocol.ChannelOrchestrator, protocol.Message{
		Type:    protocol.MessageType(action.Type),
		From:    d.deps.AgentID,
		Payload: action.Data,
	}); err != nil {
		return err
	}
	eventType := "pr_intent"
	switch action.Type {
	case protocol.ActionMergePR:
		eventType = "pr_merged"
	case protocol.ActionClosePR:
		eventType = "pr_rejected"
	}
	return d.deps.Stores.Events.Append(ctx, eventType, d.deps.AgentID, action.Data)
}

func (d *Dispatcher) requestHuman(ctx context.Context, data json.RawMessage) error {
	if d.deps.Tracker == nil {
		return fmt.Errorf("tracker not configured")
	}
	var payload struct {
		Title    string `json:"title"`
		Body     string `json:"body,omitempty"`
		Assignee string `json:"assignee,omitempty"`
		Urgency  string `json:"urgency,omitempty"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("request_human_action payload: %w", err)
	}
	if payload.Title == "" {
		return fmt.Errorf("request_human_action requires a title")
	}
	labels := []string{"human-action"}
	if payload.Urgency != "" {
		labels = append(labels, "urgency:"+payload.Urgency)
	}
	_, err := d.deps.Tracker.CreateIssue(ctx, tracker.Issue{
		Title:    payload.Title,
		Body:     payload.Body,
		Assignee: payload.Assignee,
		Labels:   labels,
	})
	return err
}

func (d *Dispatcher) touchIssue(ctx context.Context, data json.RawMessage, forceStatus string) error {
	if d.deps.Tracker == nil {
		return fmt.Errorf("tracker not configured")
	}
	var payload struct {
		ID      string `json:"id"`
		Status  string `json:"status,omitempty"`
		Comment string `json:"comment,omitempty"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("issue payload: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("issue action requires an id")
	}
	status := payload.Status
	if forceStatus != "" {
		status = forceStatus
	}
	return d.deps.Tracker.UpdateIssue(ctx, payload.ID, status, payload.Comment)
}

// proposeInitiative refuses when ready issues exist: the agent must claim
// existing work before inventing new work. The refusal is never silent.
func (d *Dispatcher) proposeInitiative(ctx context.Context, data json.RawMessage) error {
	if d.deps.Initiatives == nil {
		return fmt.Errorf("initiative engine not configured")
	}
	if d.deps.Tracker != nil {
		snap, err := d.deps.Tracker.SnapshotFor(ctx, d.deps.AgentType)
		if err == nil && len(snap.Ready) > 0 {
			slog.Info("initiative_blocked", "agent", d.deps.AgentType, "ready_issues", len(snap.Ready))
			payload, _ := json.Marshal(map[string]int{"readyIssues": len(snap.Ready)})
			return d.deps.Stores.Events.Append(ctx, "initiative_blocked", d.deps.AgentID, payload)
		}
	}
	var init protocol.Initiative
	if err := json.Unmarshal(data, &init); err != nil {
		return fmt.Errorf("propose_initiative payload: %w", err)
	}
	return d.deps.Initiatives.Propose(ctx, init)
}

func (d *Dispatcher) persistEntity(ctx context.Context, action protocol.Action) error {
	if err := d.deps.Stores.Events.Append(ctx, string(action.Type), d.deps.AgentID, action.Data); err != nil {
		return fmt.Errorf("persist %s: %w", action.Type, err)
	}
	return d.deps.Bus.Publish(ctx, protocol.ChannelOrchestrator, protocol.Message{
		Type:    protocol.MessageType(action.Type),
		From:    d.deps.AgentID,
		Payload: action.Data,
	})
}

func (d *Dispatcher) audit(ctx context.Context, action protocol.Action, outcome error) {
	rec := store.AuditRecord{
		AgentID:    d.deps.AgentID,
		AgentType:  d.deps.AgentType,
		ActionType: string(action.Type),
		ActionData: redact(action.Data),
		Success:    outcome == nil,
		CreatedAt:  time.Now().UTC(),
	}
	if outcome != nil {
		rec.Error = outcome.Error()
	}
	if err := d.deps.Stores.Audit.Record(ctx, rec); err != nil {
		slog.Error("audit write failed", "type", action.Type, "error", err)
	}
}

// redact masks credential-shaped fields and bounds the stored payload.
func redact(data json.RawMessage) string {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		s := string(data)
		if len(s) > 512 {
			s = s[:512]
		}
		return s
	}
	for k := range m {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "token") || strings.Contains(lk, "secret") ||
			strings.Contains(lk, "password") || strings.Contains(lk, "apikey") {
			m[k] = "[redacted]"
		}
	}
	out, _ := json.Marshal(m)
	if len(out) > 512 {
		out = out[:512]
	}
	return string(out)
}
