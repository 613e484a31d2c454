package actions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/tracker"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

type fakePublisher struct {
	published []struct {
		Channel string
		Msg     protocol.Message
	}
	errs []error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, msg protocol.Message) error {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.published = append(f.published, struct {
		Channel string
		Msg     protocol.Message
	}{channel, msg})
	return nil
}

type memLists struct {
	lists map[string][]string
}

func newMemLists() *memLists { return &memLists{lists: map[string][]string{}} }

func (m *memLists) LPush(_ context.Context, key string, values ...interface{}) error {
	for _, v := range values {
		m.lists[key] = append([]string{v.(string)}, m.lists[key]...)
	}
	return nil
}

func (m *memLists) LTrim(_ context.Context, key string, start, stop int64) error {
	l := m.lists[key]
	if int64(len(l)) > stop+1 {
		m.lists[key] = l[start : stop+1]
	}
	return nil
}

func (m *memLists) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	l := m.lists[key]
	if stop >= int64(len(l)) {
		stop = int64(len(l)) - 1
	}
	if start > stop {
		return nil, nil
	}
	return l[start : stop+1], nil
}

type memAudit struct {
	records []store.AuditRecord
}

func (m *memAudit) Record(_ context.Context, rec store.AuditRecord) error {
	m.records = append(m.records, rec)
	return nil
}

type memEvents struct {
	events []string
}

func (m *memEvents) Append(_ context.Context, eventType, _ string, _ []byte) error {
	m.events = append(m.events, eventType)
	return nil
}

type memDecisions struct {
	created []protocol.Decision
}

func (m *memDecisions) Create(_ context.Context, d protocol.Decision) error {
	m.created = append(m.created, d)
	return nil
}

func (m *memDecisions) Pending(context.Context) ([]protocol.Decision, error) { return nil, nil }

type fakeTracker struct {
	ready   int
	issues  []tracker.Issue
	updates []string
}

func (f *fakeTracker) SnapshotFor(context.Context, string) (*tracker.Snapshot, error) {
	return &tracker.Snapshot{Ready: make([]tracker.Issue, f.ready)}, nil
}

func (f *fakeTracker) CreateIssue(_ context.Context, issue tracker.Issue) (string, error) {
	f.issues = append(f.issues, issue)
	return "issue-1", nil
}

func (f *fakeTracker) UpdateIssue(_ context.Context, id, status, _ string) error {
	f.updates = append(f.updates, id+":"+status)
	return nil
}

type fakeProposer struct {
	proposed []protocol.Initiative
}

func (f *fakeProposer) Propose(_ context.Context, init protocol.Initiative) error {
	f.proposed = append(f.proposed, init)
	return nil
}

func testDispatcher(t *testing.T) (*Dispatcher, *fakePublisher, *memLists, *memAudit, *memEvents, *[]time.Duration) {
	t.Helper()
	pub := &fakePublisher{}
	lists := newMemLists()
	audit := &memAudit{}
	events := &memEvents{}
	var slept []time.Duration
	d := NewDispatcher(Deps{
		AgentID:   "agent-1",
		AgentType: "cto",
		Bus:       pub,
		Stores: &store.Stores{
			Audit:     audit,
			Events:    events,
			Decisions: &memDecisions{},
		},
		DeadLetter: newDeadLetter(lists, "cto"),
	})
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }
	return d, pub, lists, audit, events, &slept
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	d, pub, lists, _, _, slept := testDispatcher(t)
	pub.errs = []error{errors.New("transient 1"), errors.New("transient 2")}

	action := protocol.Action{
		Type: protocol.ActionCreateTask,
		Data: json.RawMessage(`{"to":"cmo","title":"draft launch post"}`),
	}
	if err := d.Execute(context.Background(), action); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got, want := *slept, []time.Duration{time.Second, 2 * time.Second}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("backoffs = %v, want [1s 2s]", got)
	}
	if len(lists.lists[protocol.DeadLetterKey("cto")]) != 0 {
		t.Errorf("success on third attempt must not dead-letter")
	}
	if len(pub.published) != 1 {
		t.Errorf("published = %d, want 1", len(pub.published))
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	d, pub, lists, _, _, _ := testDispatcher(t)
	pub.errs = []error{errors.New("e1"), errors.New("e2"), errors.New("e3")}

	action := protocol.Action{
		Type: protocol.ActionCreateTask,
		Data: json.RawMessage(`{"to":"cmo","title":"x"}`),
	}
	if err := d.Execute(context.Background(), action); err == nil {
		t.Fatal("expected exhaustion error")
	}
	entries := lists.lists[protocol.DeadLetterKey("cto")]
	if len(entries) != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", len(entries))
	}
	var entry DeadLetterEntry
	if err := json.Unmarshal([]byte(entries[0]), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Attempts != 3 || entry.Action.Type != protocol.ActionCreateTask {
		t.Errorf("entry = %+v", entry)
	}
}

func TestSensitiveActionIsAuditedOnFailure(t *testing.T) {
	d, pub, _, audit, _, _ := testDispatcher(t)
	pub.errs = []error{errors.New("e"), errors.New("e"), errors.New("e")}

	action := protocol.Action{
		Type: protocol.ActionVote,
		Data: json.RawMessage(`{"decisionId":"d1","vote":"approve"}`),
	}
	_ = d.Execute(context.Background(), action)
	if len(audit.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(audit.records))
	}
	if audit.records[0].Success {
		t.Errorf("audit must record failure")
	}
}

func TestVoteRejectsUnknownChoice(t *testing.T) {
	d, _, _, _, _, _ := testDispatcher(t)
	action := protocol.Action{
		Type: protocol.ActionVote,
		Data: json.RawMessage(`{"decisionId":"d1","vote":"maybe"}`),
	}
	if err := d.Execute(context.Background(), action); err == nil {
		t.Fatal("expected invalid vote to fail")
	}
}

func TestUnknownActionIgnored(t *testing.T) {
	d, pub, lists, _, _, _ := testDispatcher(t)
	action := protocol.Action{Type: "dance", Data: json.RawMessage(`{}`)}
	if err := d.Execute(context.Background(), action); err != nil {
		t.Fatalf("unknown action must be a no-op, got %v", err)
	}
	if len(pub.published) != 0 || len(lists.lists) != 0 {
		t.Errorf("unknown action had side effects")
	}
}

func TestProposeInitiativeBlockedByReadyIssues(t *testing.T) {
	d, _, _, _, events, _ := testDispatcher(t)
	proposer := &fakeProposer{}
	d.deps.Initiatives = proposer
	d.deps.Tracker = &fakeTracker{ready: 2}

	action := protocol.Action{
		Type: protocol.ActionProposeInitiative,
		Data: json.RawMessage(`{"title":"new idea","revenueImpact":5,"effort":2}`),
	}
	if err := d.Execute(context.Background(), action); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(proposer.proposed) != 0 {
		t.Errorf("initiative must be blocked while ready issues exist")
	}
	found := false
	for _, e := range events.events {
		if e == "initiative_blocked" {
			found = true
		}
	}
	if !found {
		t.Errorf("refusal must record initiative_blocked, events = %v", events.events)
	}
}

func TestProposeInitiativePassesThroughWhenIdle(t *testing.T) {
	d, _, _, _, _, _ := testDispatcher(t)
	proposer := &fakeProposer{}
	d.deps.Initiatives = proposer
	d.deps.Tracker = &fakeTracker{ready: 0}

	action := protocol.Action{
		Type: protocol.ActionProposeInitiative,
		Data: json.RawMessage(`{"title":"new idea","revenueImpact":5,"effort":2}`),
	}
	if err := d.Execute(context.Background(), action); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(proposer.proposed) != 1 || proposer.proposed[0].Title != "new idea" {
		t.Errorf("proposed = %+v", proposer.proposed)
	}
}

func TestAlertSeverityDrivesPriority(t *testing.T) {
	d, pub, _, _, _, _ := testDispatcher(t)
	action := protocol.Action{
		Type: protocol.ActionAlert,
		Data: json.RawMessage(`{"message":"disk full","severity":"critical"}`),
	}
	if err := d.Execute(context.Background(), action); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if pub.published[0].Msg.Priority != protocol.PriorityUrgent {
		t.Errorf("critical alert priority = %s, want urgent", pub.published[0].Msg.Priority)
	}
	if pub.published[0].Channel != protocol.ChannelBroadcast {
		t.Errorf("alert channel = %s", pub.published[0].Channel)
	}
}

func TestOperationalDecisionDefaults(t *testing.T) {
	dec := &memDecisions{}
	pub := &fakePublisher{}
	d := NewDispatcher(Deps{
		AgentID:   "agent-1",
		AgentType: "cto",
		Bus:       pub,
		Stores:    &store.Stores{Decisions: dec, Events: &memEvents{}, Audit: &memAudit{}},
	})
	d.sleep = func(time.Duration) {}

	action := protocol.Action{
		Type: protocol.ActionOperational,
		Data: json.RawMessage(`{"title":"rotate logs"}`),
	}
	if err := d.Execute(context.Background(), action); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if dec.created[0].Tier != protocol.DecisionOperational {
		t.Errorf("tier = %s", dec.created[0].Tier)
	}
	if pub.published[0].Msg.Priority != protocol.PriorityLow {
		t.Errorf("priority = %s, want low", pub.published[0].Msg.Priority)
	}
	if pub.published[0].Msg.RequiresResponse {
		t.Errorf("operational decisions expect no response")
	}
}

func TestDeadLetterCap(t *testing.T) {
	lists := newMemLists()
	dl := newDeadLetter(lists, "cto")
	for i := 0; i < deadLetterCap+10; i++ {
		err := dl.Push(context.Background(), DeadLetterEntry{
			Action: protocol.Action{Type: protocol.ActionAlert},
			Error:  "e",
		})
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if got := len(lists.lists[protocol.DeadLetterKey("cto")]); got != deadLetterCap {
		t.Errorf("dead-letter length = %d, want %d", got, deadLetterCap)
	}
}

func TestRedactMasksCredentials(t *testing.T) {
	out := redact(json.RawMessage(`{"title":"x","apiToken":"s3cret","nested":"ok"}`))
	if strings.Contains(out, "s3cret") {
		t.Errorf("redact leaked a credential: %s", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Errorf("redact did not mark the field: %s", out)
	}
}
