// Package daemon ties the runtime together: lifecycle, trigger sources,
// and the dispatch path from fabric messages to loop runs.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentd/internal/actions"
	"github.com/nextlevelbuilder/agentd/internal/bus"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/cron"
	"github.com/nextlevelbuilder/agentd/internal/httpapi"
	"github.com/nextlevelbuilder/agentd/internal/initiative"
	"github.com/nextlevelbuilder/agentd/internal/loop"
	"github.com/nextlevelbuilder/agentd/internal/profile"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/queue"
	"github.com/nextlevelbuilder/agentd/internal/rag"
	"github.com/nextlevelbuilder/agentd/internal/sessions"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/tracker"
	"github.com/nextlevelbuilder/agentd/internal/worker"
	"github.com/nextlevelbuilder/agentd/internal/workspace"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// queuePollInterval drives the fallback queue poller: work enqueued without
// a task_queued wakeup still gets picked up.
const queuePollInterval = 30 * time.Second

// Runtime bundles the shared dependencies a daemon is built from. Explicit
// fields instead of package-level singletons.
type Runtime struct {
	Config   *config.DaemonConfig
	Settings *config.Settings
	Redis    redis.UniversalClient
	Stores   *store.Stores
	Bus      *bus.Bus
	Provider providers.Provider
	RAG      *rag.Client
	Tracker  *tracker.Client
}

type queuedTrigger struct {
	trigger string
	text    string
}

// Daemon is one agent's runtime process.
type Daemon struct {
	rt      Runtime
	prof    *profile.Profile
	agentID string
	tier    protocol.Tier

	// agentTypes maps registry agent ids to their role, read-only after
	// Start so message handlers can resolve senders without a DB hit.
	agentTypes map[string]string

	state     *store.StateManager
	queue     *queue.Queue
	executor  *loop.Executor
	stream    *bus.StreamConsumer
	spawner   *worker.Spawner
	pool      *sessions.Pool
	workspace *workspace.Workspace
	health    *httpapi.Server

	running      atomic.Bool
	draining     atomic.Bool
	llmAvailable bool

	pending  chan queuedTrigger
	triggers chan queuedTrigger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	timerMu sync.Mutex
	timers  []*time.Timer
}

// New builds a daemon from the runtime. Nothing is started yet.
func New(rt Runtime) *Daemon {
	return &Daemon{
		rt:       rt,
		pending:  make(chan queuedTrigger, pendingQueueCap),
		triggers: make(chan queuedTrigger, 16),
	}
}

// Start brings the daemon up. Failures here are fatal to the process.
func (d *Daemon) Start(ctx context.Context) error {
	cfg := d.rt.Config
	ctx, d.cancel = context.WithCancel(ctx)

	// 1. Profile.
	prof, err := profile.LoadFile(cfg.ProfilePath)
	if err != nil {
		return err
	}
	d.prof = prof

	// 2. Persistent identity from the fleet registry.
	if cfg.AgentID != "" {
		d.agentID = cfg.AgentID
		d.tier = tierFor(cfg.AgentType)
	} else {
		rec, err := d.rt.Stores.Agents.ResolveByType(ctx, cfg.AgentType)
		if err != nil {
			return fmt.Errorf("resolve agent %s: %w", cfg.AgentType, err)
		}
		d.agentID = rec.ID
		d.tier = rec.Tier
	}

	d.agentTypes = map[string]string{d.agentID: cfg.AgentType}
	if fleet, err := d.rt.Stores.Agents.List(ctx); err != nil {
		slog.Warn("fleet registry listing failed, sender roles resolve literally", "error", err)
	} else {
		for _, rec := range fleet {
			d.agentTypes[rec.ID] = rec.Type
		}
	}

	// 3. State manager bound to the resolved id.
	d.state = store.NewStateManager(d.rt.Stores.State, d.agentID)

	// 4. Runtime settings: file, stored overrides, watcher.
	if stored, err := d.rt.Stores.Settings.All(ctx); err != nil {
		slog.Warn("stored settings unavailable", "error", err)
	} else {
		d.rt.Settings.ApplyStored(stored)
	}
	if err := d.rt.Settings.Watch(); err != nil {
		slog.Warn("settings watch unavailable", "error", err)
	}

	// 5. Orphan recovery.
	d.queue = queue.New(queue.NewRedisBroker(d.rt.Redis), cfg.AgentType)
	recovered, err := d.queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned tasks: %w", err)
	}
	if recovered > 0 {
		slog.Info("orphaned_tasks_recovered", "count", recovered)
	}

	// 6. Optional workspace clone.
	ws, err := workspace.Open(ctx, workspace.Config{
		Dir:       cfg.WorkspaceDir,
		AgentType: cfg.AgentType,
		DryRun:    cfg.DryRun,
	})
	if err != nil {
		slog.Warn("workspace unavailable", "error", err)
	} else {
		d.workspace = ws
	}

	// 7. LLM availability probe.
	provider := d.rt.Provider
	if cfg.SessionPoolEnabled {
		d.pool = sessions.NewPool(provider, sessions.Config{
			MaxLoops:    cfg.SessionMaxLoops,
			IdleTimeout: cfg.SessionIdleTimeout,
		})
		provider = d.pool
	}
	if err := provider.Probe(ctx); err != nil {
		slog.Warn("llm probe failed, starting anyway", "error", err)
		d.llmAvailable = false
	} else {
		d.llmAvailable = true
	}

	d.buildPipeline(provider)

	// 8. Fabric: pub/sub channels plus durable stream consumer group.
	d.stream = bus.NewStreamConsumer(d.rt.Redis, d.agentID, cfg.AgentType, os.Getpid(), d.handleMessage)
	if err := d.stream.EnsureGroup(ctx); err != nil {
		return err
	}
	if reclaimed, err := d.stream.RecoverPending(ctx); err != nil {
		slog.Warn("stream recovery failed", "error", err)
	} else if reclaimed > 0 {
		slog.Info("stream_entries_reclaimed", "count", reclaimed)
	}

	d.running.Store(true)
	d.startWorkers(ctx)

	// 9. Scheduled trigger from the loop interval.
	if cfg.LoopEnabled {
		ticker := cron.NewTicker(cfg.LoopInterval, func() { d.requestLoop("scheduled", "") })
		d.goRun(func() { ticker.Run(ctx) })
		slog.Info("scheduler_started", "cron", ticker.Expr(), "interval", cfg.LoopInterval)
	}

	// Health surface.
	d.health = httpapi.New(cfg.HealthPort, d.Health)
	if err := d.health.Start(); err != nil {
		return err
	}

	// 10. Registry status.
	if err := d.rt.Stores.Agents.UpdateStatus(ctx, d.agentID, "active"); err != nil {
		slog.Warn("status update failed", "error", err)
	}
	slog.Info("agent_started", "agent", cfg.AgentType, "id", d.agentID, "tier", d.tier)

	// 11. Startup loop when the profile asks for one.
	if d.prof.StartupPrompt != "" {
		d.requestLoop("startup", d.prof.StartupPrompt)
	}

	// 12. Startup queue drain after a short delay.
	if n, err := d.queue.Count(ctx); err == nil && n > 0 {
		d.schedule(5*time.Second, "startup_queue")
	}
	return nil
}

// buildPipeline wires dispatcher, initiative engine, spawner and executor.
func (d *Daemon) buildPipeline(provider providers.Provider) {
	cfg := d.rt.Config

	catalogue, err := worker.LoadCatalogue(cfg.MCPConfigPath)
	if err != nil {
		slog.Warn("tool catalogue unavailable", "error", err)
		catalogue = &worker.Catalogue{Servers: map[string]worker.ToolServer{}}
	}
	d.spawner = worker.NewSpawner(worker.Config{
		ParentID:      d.agentID,
		ParentType:    cfg.AgentType,
		MaxConcurrent: cfg.WorkerMaxConcurrent,
		DryRun:        cfg.DryRun,
		AllowedTools:  d.prof.AllowedTools,
		BaseTimeout:   d.rt.Settings.WorkerTimeout(),
	}, worker.NewConfigCache(catalogue, ""), worker.NewDomainGuard(nil), d.rt.Bus, d.rt.Tracker, d.rt.RAG)

	engine := initiative.NewEngine(initiative.Deps{
		AgentID:   d.agentID,
		AgentType: cfg.AgentType,
		Profile:   d.prof,
		Settings:  d.rt.Settings,
		Tracker:   d.rt.Tracker,
		Enqueuer:  &queueEnqueuer{broker: queue.NewRedisBroker(d.rt.Redis)},
		Cooldowns: initiative.NewRedisCooldowns(d.rt.Redis),
		Events:    d.rt.Stores.Events,
		Agents:    d.rt.Stores.Agents,
		State:     d.state,
		Provider:  provider,
	})

	dispatcher := actions.NewDispatcher(actions.Deps{
		AgentID:     d.agentID,
		AgentType:   cfg.AgentType,
		Bus:         d.rt.Bus,
		Stores:      d.rt.Stores,
		Tracker:     d.rt.Tracker,
		Workers:     d.spawner,
		Initiatives: engine,
		Workspace:   d.workspace,
		DeadLetter:  actions.NewDeadLetter(d.rt.Redis, cfg.AgentType),
	})

	d.executor = loop.NewExecutor(loop.Deps{
		AgentID:      d.agentID,
		AgentType:    cfg.AgentType,
		Tier:         d.tier,
		Codename:     codenameOf(d.prof, cfg.AgentType),
		SystemPrompt: d.prof.SystemPrompt,
		BrandPath:    cfg.BrandPath,
		State:        d.state,
		Decisions:    d.rt.Stores.Decisions,
		History:      d.rt.Stores.History,
		Queue:        d.queue,
		RAG:          d.rt.RAG,
		Tracker:      d.rt.Tracker,
		Settings:     d.rt.Settings,
		Provider:     provider,
		Dispatcher:   dispatcher,
		Bus:          d.rt.Bus,
		Initiative:   engine,
		Status:       newStatusSink(cfg.StatusServiceURL, cfg.AgentType),
		Workspace:    d.workspace,
		Schedule:     d.schedule,
	})
}

// startWorkers launches the run loop, fabric subscriber, stream consumer
// and queue poller.
func (d *Daemon) startWorkers(ctx context.Context) {
	d.goRun(func() { d.runLoop(ctx) })

	channels := []string{
		protocol.AgentChannel(d.agentID),
		protocol.TierChannel(d.tier),
		protocol.ChannelBroadcast,
	}
	d.goRun(func() {
		if err := d.rt.Bus.Subscribe(ctx, d.handleMessage, channels...); err != nil {
			slog.Error("fabric subscription lost", "error", err)
		}
	})

	d.goRun(func() { d.stream.Run(ctx) })

	d.goRun(func() {
		ticker := time.NewTicker(queuePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if d.executor.InProgress() {
					continue
				}
				if n, err := d.queue.Count(ctx); err == nil && n > 0 {
					d.requestLoop("task_notification", "")
				}
			}
		}
	})
}

// runLoop serialises loop executions and drains queued messages after each.
func (d *Daemon) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.triggers:
			err := d.executor.Run(ctx, t.trigger, t.text)
			if err != nil && !errors.Is(err, loop.ErrLoopInProgress) {
				slog.Warn("loop run failed", "trigger", t.trigger, "error", err)
			}
			d.drainPending(ctx)
		}
	}
}

// requestLoop asks for a loop run. Non-blocking: an overflowing trigger
// channel drops the request since a loop is already due.
func (d *Daemon) requestLoop(trigger, text string) {
	if !d.running.Load() {
		return
	}
	select {
	case d.triggers <- queuedTrigger{trigger: trigger, text: text}:
	default:
		slog.Debug("trigger dropped, run already queued", "trigger", trigger)
	}
}

// schedule fires a loop request after the delay.
func (d *Daemon) schedule(delay time.Duration, trigger string) {
	timer := time.AfterFunc(delay, func() { d.requestLoop(trigger, "") })
	d.timerMu.Lock()
	d.timers = append(d.timers, timer)
	d.timerMu.Unlock()
}

// Stop shuts the daemon down. Idempotent. Registry status is left as
// "active": it means "should be running" so a supervisor restarts us.
func (d *Daemon) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		d.running.Store(false)
		d.timerMu.Lock()
		for _, t := range d.timers {
			t.Stop()
		}
		d.timerMu.Unlock()

		if d.cancel != nil {
			d.cancel()
		}
		if d.health != nil {
			if err := d.health.Shutdown(ctx); err != nil {
				slog.Warn("health shutdown failed", "error", err)
			}
		}
		if d.pool != nil {
			d.pool.Close()
		}
		if d.spawner != nil {
			d.spawner.Wait()
		}
		d.rt.Settings.Close()
		d.wg.Wait()
		slog.Info("agent_stopped", "agent", d.rt.Config.AgentType, "id", d.agentID)
	})
}

// Health reports the live health object.
func (d *Daemon) Health() httpapi.Health {
	h := httpapi.Health{
		Running:      d.running.Load(),
		AgentType:    d.rt.Config.AgentType,
		Status:       "active",
		LLMAvailable: d.llmAvailable,
	}
	if d.state != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if v, err := d.state.Get(ctx, store.KeyLoopCount); err == nil {
			h.LoopCount, _ = strconv.ParseInt(v, 10, 64)
		}
		if v, err := d.state.Get(ctx, store.KeyLastLoopAt); err == nil {
			h.LastLoopAt = v
		}
	}
	if d.pool != nil {
		stats := d.pool.Stats()
		h.SessionPool = &stats
	}
	return h
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func codenameOf(prof *profile.Profile, agentType string) string {
	if prof.Codename != "" {
		return prof.Codename
	}
	return agentType
}

// tierFor falls back to a static tier mapping when the registry was
// bypassed with an explicit AGENT_ID.
func tierFor(agentType string) protocol.Tier {
	switch agentType {
	case "ceo", "dao":
		return protocol.TierHead
	}
	return protocol.TierCLevel
}

// queueEnqueuer adapts the broker to the initiative engine's Enqueuer.
type queueEnqueuer struct {
	broker queue.Broker
}

func (e *queueEnqueuer) EnqueueFor(ctx context.Context, agentType string, task protocol.Task) error {
	return queue.New(e.broker, agentType).Enqueue(ctx, task)
}

// statusSink posts coarse per-loop status to the optional status service.
type statusSink struct {
	url       string
	agentType string
	client    *http.Client
}

func newStatusSink(url, agentType string) *statusSink {
	if url == "" {
		return nil
	}
	return &statusSink{
		url:       url,
		agentType: agentType,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Report is best-effort: status loss never affects the loop.
func (s *statusSink) Report(ctx context.Context, status string) {
	if s == nil {
		return
	}
	body, _ := json.Marshal(map[string]string{"agent": s.agentType, "status": status})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		slog.Debug("status report failed", "error", err)
		return
	}
	resp.Body.Close()
}
