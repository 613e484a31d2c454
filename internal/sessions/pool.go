// Package sessions maintains persistent LLM conversations so a loop can
// send a trimmed delta prompt instead of resending the full profile every
// time. Each session is an external conversation identified by its resume
// id; the pool recycles sessions after max loops or an idle timeout.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// State tracks one session through its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateBusy      State = "busy"
	StateRecycling State = "recycling"
	StateDead      State = "dead"
)

// Session is one persistent conversation.
type Session struct {
	ID       string
	State    State
	Loops    int
	LastUsed time.Time
	primed   bool
}

// Config tunes the pool's recycling policy.
type Config struct {
	MaxLoops    int           // loops before a session is recycled; default 50
	IdleTimeout time.Duration // idle eviction threshold; default 10 min
	SweepEvery  time.Duration // supervisor interval; default 1 min
}

// Pool is a supervised pool of sessions for one agent. It holds at most one
// live session at a time; Acquire creates a fresh one when none is usable.
type Pool struct {
	mu       sync.Mutex
	provider providers.Provider
	cfg      Config
	current  *Session
	retired  int

	stop chan struct{}
	once sync.Once
}

func NewPool(provider providers.Provider, cfg Config) *Pool {
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = 50
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Minute
	}
	p := &Pool{provider: provider, cfg: cfg, stop: make(chan struct{})}
	go p.supervise()
	return p
}

// Complete runs one loop through the pooled session. The system prompt is
// only sent on the session's first use; later calls resume the conversation
// with the delta prompt alone.
func (p *Pool) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResult, error) {
	sess, err := p.acquire()
	if err != nil {
		return nil, err
	}
	req.SessionID = sess.ID
	if sess.primed {
		req.SystemPrompt = ""
	}

	res, err := p.provider.Complete(ctx, req)

	p.mu.Lock()
	defer p.mu.Unlock()
	sess.LastUsed = time.Now()
	if err != nil {
		// A failed exchange may leave the external conversation corrupt.
		p.retire(sess, "completion_failed")
		return nil, err
	}
	sess.primed = true
	sess.Loops++
	if sess.Loops >= p.cfg.MaxLoops {
		p.retire(sess, "max_loops")
	} else {
		sess.State = StateIdle
	}
	return res, nil
}

func (p *Pool) Probe(ctx context.Context) error { return p.provider.Probe(ctx) }

func (p *Pool) Name() string { return "session-pool(" + p.provider.Name() + ")" }

// Stats is the health-endpoint view of the pool.
type Stats struct {
	State   State  `json:"state"`
	Loops   int    `json:"loops"`
	Session string `json:"session,omitempty"`
	Retired int    `json:"retired"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Stats{State: StateDead, Retired: p.retired}
	}
	return Stats{
		State:   p.current.State,
		Loops:   p.current.Loops,
		Session: p.current.ID,
		Retired: p.retired,
	}
}

// Close stops the supervisor and retires the live session.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.stop) })
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.retire(p.current, "shutdown")
	}
}

func (p *Pool) acquire() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.State == StateBusy {
		return nil, fmt.Errorf("session busy")
	}
	if p.current == nil || p.current.State != StateIdle {
		p.current = &Session{
			ID:       uuid.NewString(),
			State:    StateIdle,
			LastUsed: time.Now(),
		}
		slog.Info("session_created", "session", p.current.ID)
	}
	p.current.State = StateBusy
	return p.current, nil
}

// retire marks the session dead. Caller holds p.mu.
func (p *Pool) retire(sess *Session, reason string) {
	sess.State = StateRecycling
	slog.Info("session_retired", "session", sess.ID, "loops", sess.Loops, "reason", reason)
	sess.State = StateDead
	p.retired++
	if p.current == sess {
		p.current = nil
	}
}

// supervise evicts sessions that sat idle past the timeout.
func (p *Pool) supervise() {
	ticker := time.NewTicker(p.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.current != nil && p.current.State == StateIdle &&
				time.Since(p.current.LastUsed) > p.cfg.IdleTimeout {
				p.retire(p.current, "idle_timeout")
			}
			p.mu.Unlock()
		}
	}
}
