package initiative

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/profile"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tracker"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

type fakeTracker struct {
	existing []string
	created  []tracker.Issue
}

func (f *fakeTracker) CreateIssue(_ context.Context, issue tracker.Issue) (string, error) {
	f.created = append(f.created, issue)
	return "issue-1", nil
}

func (f *fakeTracker) SearchTitles(context.Context, string) ([]string, error) {
	return f.existing, nil
}

type fakeEnqueuer struct {
	enqueued []struct {
		Type string
		Task protocol.Task
	}
}

func (f *fakeEnqueuer) EnqueueFor(_ context.Context, agentType string, task protocol.Task) error {
	f.enqueued = append(f.enqueued, struct {
		Type string
		Task protocol.Task
	}{agentType, task})
	return nil
}

type memCooldowns struct {
	keys map[string]time.Duration
}

func newMemCooldowns() *memCooldowns { return &memCooldowns{keys: map[string]time.Duration{}} }

func (m *memCooldowns) Active(_ context.Context, key string) (bool, error) {
	_, ok := m.keys[key]
	return ok, nil
}

func (m *memCooldowns) Set(_ context.Context, key string, ttl time.Duration) error {
	m.keys[key] = ttl
	return nil
}

type memEvents struct {
	types []string
}

func (m *memEvents) Append(_ context.Context, eventType, _ string, _ []byte) error {
	m.types = append(m.types, eventType)
	return nil
}

type scriptedProvider struct {
	output string
	calls  int
}

func (p *scriptedProvider) Complete(_ context.Context, _ providers.CompletionRequest) (*providers.CompletionResult, error) {
	p.calls++
	return &providers.CompletionResult{Output: p.output}, nil
}

func (p *scriptedProvider) Probe(context.Context) error { return nil }
func (p *scriptedProvider) Name() string                { return "scripted" }

func testEngine(prof *profile.Profile) (*Engine, *fakeTracker, *fakeEnqueuer, *memCooldowns, *memEvents) {
	trk := &fakeTracker{}
	enq := &fakeEnqueuer{}
	cd := newMemCooldowns()
	ev := &memEvents{}
	settings, _ := config.NewSettings("")
	e := NewEngine(Deps{
		AgentID:   "agent-1",
		AgentType: "cmo",
		Profile:   prof,
		Settings:  settings,
		Tracker:   trk,
		Enqueuer:  enq,
		Cooldowns: cd,
		Events:    ev,
	})
	return e, trk, enq, cd, ev
}

func TestScoreRanksByFocus(t *testing.T) {
	focus := profile.FocusArea{RevenueFocus: 1, MarketingVsDev: 1}
	revenue := protocol.Initiative{Title: "revenue", RevenueImpact: 9, Effort: 2}
	cheapDev := protocol.Initiative{Title: "dev", RevenueImpact: 2, Effort: 1, Tags: []string{"dev"}}
	if Score(revenue, focus) <= Score(cheapDev, focus) {
		t.Errorf("revenue-focused agent must prefer the revenue initiative")
	}
}

func TestScoreRiskDiscount(t *testing.T) {
	risky := protocol.Initiative{Title: "risky", RevenueImpact: 8, Tags: []string{"risk"}}
	averse := profile.FocusArea{RevenueFocus: 1, RiskTolerance: 0}
	tolerant := profile.FocusArea{RevenueFocus: 1, RiskTolerance: 1}
	if Score(risky, averse) >= Score(risky, tolerant) {
		t.Errorf("risk-averse agent must discount risky work")
	}
}

func TestJaccardDuplicates(t *testing.T) {
	tests := []struct {
		a, b string
		dup  bool
	}{
		{"Launch Q3 marketing plan", "launch q3 marketing plan!", true},
		{"Launch Q3 marketing plan", "Launch the Q3 marketing plan", true},
		{"Launch Q3 marketing plan", "Hire a backend engineer", false},
		{"", "", true},
	}
	for _, tt := range tests {
		got := jaccard(normalizeTitle(tt.a), normalizeTitle(tt.b)) >= jaccardThreshold
		if got != tt.dup {
			t.Errorf("jaccard(%q, %q) dup = %v, want %v", tt.a, tt.b, got, tt.dup)
		}
	}
}

func TestProposeOpensIssueSetsCooldownEnqueues(t *testing.T) {
	e, trk, enq, cd, ev := testEngine(&profile.Profile{SystemPrompt: "x"})
	init := protocol.Initiative{
		Title:             "Grow newsletter to 10k",
		Priority:          protocol.PriorityHigh,
		RevenueImpact:     6,
		Effort:            3,
		SuggestedAssignee: "cmo",
	}
	if err := e.Propose(context.Background(), init); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(trk.created) != 1 {
		t.Fatalf("issues created = %d", len(trk.created))
	}
	if ttl := cd.keys[protocol.CooldownKey("cmo")]; ttl != time.Hour {
		t.Errorf("cooldown ttl = %s, want 1h", ttl)
	}
	if len(enq.enqueued) != 1 || enq.enqueued[0].Type != "cmo" {
		t.Errorf("enqueued = %+v", enq.enqueued)
	}
	if enq.enqueued[0].Task.Priority != protocol.PriorityHigh {
		t.Errorf("task priority = %s", enq.enqueued[0].Task.Priority)
	}
	if len(ev.types) != 1 || ev.types[0] != "initiative_created" {
		t.Errorf("events = %v", ev.types)
	}
}

func TestProposeDuplicateTitleRefused(t *testing.T) {
	e, trk, _, _, ev := testEngine(&profile.Profile{SystemPrompt: "x"})
	first := protocol.Initiative{Title: "Launch Q3 marketing plan"}
	if err := e.Propose(context.Background(), first); err != nil {
		t.Fatalf("first propose: %v", err)
	}
	dup := protocol.Initiative{Title: "launch Q3 Marketing plan!!"}
	if err := e.Propose(context.Background(), dup); err != nil {
		t.Fatalf("duplicate propose must not error: %v", err)
	}
	if len(trk.created) != 1 {
		t.Errorf("duplicate title created a second issue")
	}
	if ev.types[len(ev.types)-1] != "initiative_blocked" {
		t.Errorf("refusal must be recorded, events = %v", ev.types)
	}
}

func TestProposeTrackerDuplicateRefused(t *testing.T) {
	e, trk, _, _, _ := testEngine(&profile.Profile{SystemPrompt: "x"})
	trk.existing = []string{"Launch the Q3 marketing plan"}
	if err := e.Propose(context.Background(), protocol.Initiative{Title: "Launch Q3 marketing plan"}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(trk.created) != 0 {
		t.Errorf("near-duplicate of a tracker issue must not create another")
	}
}

func TestRunHonoursCooldown(t *testing.T) {
	prof := &profile.Profile{
		SystemPrompt: "x",
		Bootstrap:    []protocol.Initiative{{Title: "Bootstrap one", RevenueImpact: 5}},
	}
	e, trk, _, cd, _ := testEngine(prof)
	cd.keys[protocol.CooldownKey("cmo")] = time.Hour

	if err := e.Run(context.Background(), "scheduled"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(trk.created) != 0 {
		t.Errorf("cooldown must block initiative creation")
	}
}

func TestRunPicksHighestScoringBootstrap(t *testing.T) {
	prof := &profile.Profile{
		SystemPrompt: "x",
		Focus:        profile.FocusArea{RevenueFocus: 1},
		Bootstrap: []protocol.Initiative{
			{Title: "Low impact chore", RevenueImpact: 1, Effort: 5},
			{Title: "High impact launch", RevenueImpact: 9, Effort: 2},
		},
	}
	e, trk, _, _, _ := testEngine(prof)
	if err := e.Run(context.Background(), "scheduled"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(trk.created) != 1 || trk.created[0].Title != "High impact launch" {
		t.Errorf("created = %+v", trk.created)
	}
}

func TestRunFallsBackToAIGeneration(t *testing.T) {
	prov := &scriptedProvider{
		output: "```json\n" +
			`{"actions":[` +
			`{"type":"propose_initiative","data":{"title":"AI generated idea","revenueImpact":4,"effort":1}},` +
			`{"type":"create_task","data":{"to":"cto","title":"sneaky side effect"}}` +
			"]}\n```",
	}
	e, trk, enq, _, _ := testEngine(&profile.Profile{SystemPrompt: "x"})
	e.deps.Provider = prov

	if err := e.Run(context.Background(), "scheduled"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if prov.calls != 1 {
		t.Errorf("provider calls = %d, want 1", prov.calls)
	}
	if len(trk.created) != 1 || trk.created[0].Title != "AI generated idea" {
		t.Errorf("created = %+v", trk.created)
	}
	// Only propose_initiative actions may come out of generation.
	if len(enq.enqueued) != 1 {
		t.Errorf("enqueued = %+v", enq.enqueued)
	}
}
