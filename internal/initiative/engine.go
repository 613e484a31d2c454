// Package initiative generates proactive work when an agent is otherwise
// idle: bootstrap initiatives scored against the role's focus area first,
// AI-driven generation when the bootstrap list is exhausted. A per-agent
// cooldown and a fuzzy duplicate guard keep the fleet from flooding the
// tracker with near-identical proposals.
package initiative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/loop"
	"github.com/nextlevelbuilder/agentd/internal/profile"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/tracker"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// aiGenerationTimeout bounds the one LLM call of AI-driven generation.
const aiGenerationTimeout = 60 * time.Second

// TrackerClient is the tracker surface the engine needs.
type TrackerClient interface {
	CreateIssue(ctx context.Context, issue tracker.Issue) (string, error)
	SearchTitles(ctx context.Context, query string) ([]string, error)
}

// Enqueuer places a task on another agent type's pending queue.
type Enqueuer interface {
	EnqueueFor(ctx context.Context, agentType string, task protocol.Task) error
}

// Cooldowns persists the per-agent-type cooldown so it survives restarts.
type Cooldowns interface {
	Active(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, ttl time.Duration) error
}

type redisCooldowns struct {
	rdb redis.UniversalClient
}

// NewRedisCooldowns stores cooldowns as TTL keys on the broker.
func NewRedisCooldowns(rdb redis.UniversalClient) Cooldowns {
	return &redisCooldowns{rdb: rdb}
}

func (c *redisCooldowns) Active(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown check: %w", err)
	}
	return n > 0, nil
}

func (c *redisCooldowns) Set(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("cooldown set: %w", err)
	}
	return nil
}

// Deps wires the engine's collaborators.
type Deps struct {
	AgentID   string
	AgentType string
	Profile   *profile.Profile
	Settings  *config.Settings

	Tracker   TrackerClient
	Enqueuer  Enqueuer
	Cooldowns Cooldowns
	Events    store.EventStore
	Agents    store.AgentStore
	State     *store.StateManager
	Provider  providers.Provider // AI-driven generation; nil disables it
}

// Engine is the initiative generator for one agent.
type Engine struct {
	deps  Deps
	guard *dupeGuard
}

func NewEngine(deps Deps) *Engine {
	return &Engine{deps: deps, guard: newDupeGuard()}
}

// Run executes one initiative phase. The caller guarantees the task queue
// is empty; the engine enforces the cooldown itself so the invariant holds
// across restarts.
func (e *Engine) Run(ctx context.Context, trigger string) error {
	key := protocol.CooldownKey(e.deps.AgentType)
	active, err := e.deps.Cooldowns.Active(ctx, key)
	if err != nil {
		return err
	}
	if active {
		slog.Debug("initiative cooldown active", "agent", e.deps.AgentType, "trigger", trigger)
		return nil
	}

	if init, ok, err := e.bestBootstrap(ctx); err != nil {
		return err
	} else if ok {
		return e.Propose(ctx, init)
	}
	return e.generateAI(ctx)
}

// Propose materialises one initiative: open a tracker issue, set the
// cooldown, and hand the work to the suggested assignee's queue. Duplicate
// titles are refused with an initiative_blocked event, never silently.
func (e *Engine) Propose(ctx context.Context, init protocol.Initiative) error {
	if init.Title == "" {
		return fmt.Errorf("initiative requires a title")
	}
	dup, err := e.isDuplicate(ctx, init.Title)
	if err != nil {
		return err
	}
	if dup {
		slog.Info("initiative_blocked", "agent", e.deps.AgentType, "reason", "duplicate", "title", init.Title)
		payload, _ := json.Marshal(map[string]string{"reason": "duplicate", "title": init.Title})
		return e.deps.Events.Append(ctx, "initiative_blocked", e.deps.AgentID, payload)
	}

	labels := append([]string{"initiative", "priority:" + string(priorityOf(init))}, init.Tags...)
	issueID, err := e.deps.Tracker.CreateIssue(ctx, tracker.Issue{
		Title:  init.Title,
		Body:   init.Description,
		Labels: labels,
		Status: "ready",
	})
	if err != nil {
		return fmt.Errorf("open initiative issue: %w", err)
	}
	e.guard.remember(init.Title)

	cooldown := e.deps.Settings.InitiativeCooldown()
	if err := e.deps.Cooldowns.Set(ctx, protocol.CooldownKey(e.deps.AgentType), cooldown); err != nil {
		slog.Warn("cooldown set failed", "error", err)
	}

	assignee := init.SuggestedAssignee
	if assignee == "" {
		assignee = e.deps.AgentType
	}
	task := protocol.Task{
		Title:       init.Title,
		Description: init.Description,
		Priority:    priorityOf(init),
		From:        e.deps.AgentType,
	}
	if err := e.deps.Enqueuer.EnqueueFor(ctx, assignee, task); err != nil {
		return fmt.Errorf("enqueue initiative task: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{
		"issueId":  issueID,
		"title":    init.Title,
		"assignee": assignee,
		"source":   init.Source,
	})
	if err := e.deps.Events.Append(ctx, "initiative_created", e.deps.AgentID, payload); err != nil {
		slog.Warn("initiative event write failed", "error", err)
	}
	slog.Info("initiative_created",
		"agent", e.deps.AgentType, "issue", issueID, "title", init.Title, "assignee", assignee)
	return nil
}

// bestBootstrap scores the profile's bootstrap initiatives and returns the
// highest-scoring one not already created.
func (e *Engine) bestBootstrap(ctx context.Context) (protocol.Initiative, bool, error) {
	candidates := make([]protocol.Initiative, 0, len(e.deps.Profile.Bootstrap))
	for _, init := range e.deps.Profile.Bootstrap {
		if !e.guard.seenLocally(init.Title) {
			init.Source = "bootstrap"
			candidates = append(candidates, init)
		}
	}
	if len(candidates) == 0 {
		return protocol.Initiative{}, false, nil
	}
	focus := e.deps.Profile.Focus
	sort.SliceStable(candidates, func(i, j int) bool {
		return Score(candidates[i], focus) > Score(candidates[j], focus)
	})
	for _, c := range candidates {
		dup, err := e.trackerDuplicate(ctx, c.Title)
		if err != nil {
			return protocol.Initiative{}, false, err
		}
		if !dup {
			return c, true, nil
		}
		e.guard.remember(c.Title)
	}
	return protocol.Initiative{}, false, nil
}

func (e *Engine) isDuplicate(ctx context.Context, title string) (bool, error) {
	if e.guard.seenLocally(title) {
		return true, nil
	}
	return e.trackerDuplicate(ctx, title)
}

func (e *Engine) trackerDuplicate(ctx context.Context, title string) (bool, error) {
	titles, err := e.deps.Tracker.SearchTitles(ctx, normalizeTitle(title))
	if err != nil {
		return false, fmt.Errorf("tracker duplicate search: %w", err)
	}
	return matchesAny(title, titles), nil
}

// generateAI runs one bounded LLM call with live context and processes only
// propose_initiative actions from the result.
func (e *Engine) generateAI(ctx context.Context) error {
	if e.deps.Provider == nil {
		slog.Debug("ai initiative generation disabled")
		return nil
	}
	prompt, err := e.buildAIPrompt(ctx)
	if err != nil {
		return err
	}

	res, err := e.deps.Provider.Complete(ctx, providers.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: e.deps.Profile.SystemPrompt,
		Timeout:      aiGenerationTimeout,
	})
	if err != nil {
		return fmt.Errorf("ai initiative generation: %w", err)
	}
	out, err := loop.Parse(res.Output)
	if err != nil {
		slog.Warn("ai initiative output had no usable JSON")
		return nil
	}
	for _, action := range out.Actions {
		if action.Type != protocol.ActionProposeInitiative {
			slog.Debug("non-initiative action from generation ignored", "type", action.Type)
			continue
		}
		var init protocol.Initiative
		if err := json.Unmarshal(action.Data, &init); err != nil {
			slog.Warn("undecodable ai initiative skipped", "error", err)
			continue
		}
		init.Source = "ai"
		if err := e.Propose(ctx, init); err != nil {
			slog.Warn("ai initiative rejected", "title", init.Title, "error", err)
		}
	}
	return nil
}

func (e *Engine) buildAIPrompt(ctx context.Context) (string, error) {
	var b strings.Builder
	b.WriteString("The task queue is empty. Propose at most one new initiative as a propose_initiative action.\n\n")

	focus := e.deps.Profile.Focus
	if len(focus.KeyQuestions) > 0 {
		b.WriteString("Key questions for this role:\n")
		for _, q := range focus.KeyQuestions {
			b.WriteString("- " + q + "\n")
		}
	}
	if len(focus.ScanTopics) > 0 {
		b.WriteString("Scan topics: " + strings.Join(focus.ScanTopics, ", ") + "\n")
	}

	if e.deps.State != nil {
		market, err := e.deps.State.GetManyKeys(ctx, store.MarketKeys)
		if err == nil && len(market) > 0 {
			b.WriteString("\nLive market data:\n")
			for _, k := range store.MarketKeys {
				if v, ok := market[k]; ok {
					b.WriteString(fmt.Sprintf("- %s: %s\n", k, v))
				}
			}
		}
	}

	if e.deps.Agents != nil {
		team, err := e.deps.Agents.List(ctx)
		if err == nil && len(team) > 0 {
			b.WriteString("\nTeam status:\n")
			for _, a := range team {
				b.WriteString(fmt.Sprintf("- %s (%s): %s\n", a.Type, a.Tier, a.Status))
			}
		}
	}

	titles, err := e.deps.Tracker.SearchTitles(ctx, "initiative")
	if err == nil && len(titles) > 0 {
		b.WriteString("\nExisting initiatives (do not duplicate):\n")
		for _, t := range titles {
			b.WriteString("- " + t + "\n")
		}
	}
	return b.String(), nil
}

func priorityOf(init protocol.Initiative) protocol.Priority {
	if init.Priority != "" {
		return init.Priority
	}
	return protocol.PriorityNormal
}
