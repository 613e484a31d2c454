package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/actions"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tracker"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

type fakeBus struct {
	published []struct {
		Channel string
		Msg     protocol.Message
	}
}

func (f *fakeBus) Publish(_ context.Context, channel string, msg protocol.Message) error {
	f.published = append(f.published, struct {
		Channel string
		Msg     protocol.Message
	}{channel, msg})
	return nil
}

type fakeIssueTracker struct {
	issues []tracker.Issue
}

func (f *fakeIssueTracker) CreateIssue(_ context.Context, issue tracker.Issue) (string, error) {
	f.issues = append(f.issues, issue)
	return "approval-1", nil
}

func testSpawner(t *testing.T, output string) (*Spawner, *fakeBus, *fakeIssueTracker) {
	t.Helper()
	catalogue := &Catalogue{Servers: map[string]ToolServer{
		"web-search": {Command: "web-search"},
		"publisher":  {Command: "publisher", Write: true},
		"image-gen":  {Command: "image-gen"},
	}}
	bus := &fakeBus{}
	trk := &fakeIssueTracker{}
	s := NewSpawner(Config{
		ParentID:     "agent-1",
		ParentType:   "cmo",
		AllowedTools: []string{"web-search", "publisher", "image-gen"},
	}, NewConfigCache(catalogue, t.TempDir()), NewDomainGuard(nil), bus, trk, nil)
	s.complete = func(context.Context, string, string, time.Duration) (string, error) {
		return output, nil
	}
	return s, bus, trk
}

func spec() actions.WorkerSpec {
	return actions.WorkerSpec{
		TaskID:   "t1",
		TaskType: "research",
		Task:     "check the market price",
		Tools:    []string{"web-search"},
	}
}

func TestSpawnDeliversWorkerResult(t *testing.T) {
	s, bus, _ := testSpawner(t, `{"success":true,"result":"price is 42","apiUsed":"coingecko"}`)
	if err := s.Spawn(context.Background(), spec()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	s.Wait()

	if len(bus.published) != 1 {
		t.Fatalf("published = %d", len(bus.published))
	}
	got := bus.published[0]
	if got.Channel != protocol.AgentChannel("agent-1") {
		t.Errorf("channel = %s", got.Channel)
	}
	if got.Msg.Type != protocol.MessageWorkerResult {
		t.Errorf("type = %s", got.Msg.Type)
	}
	var result Result
	if err := json.Unmarshal(got.Msg.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !result.Success || result.Result != "price is 42" {
		t.Errorf("result = %+v", result)
	}
	if s.Active() != 0 {
		t.Errorf("active = %d after completion", s.Active())
	}
}

// deadlineBus refuses publishes on an expired context, like a real broker
// client would.
type deadlineBus struct {
	fakeBus
}

func (f *deadlineBus) Publish(ctx context.Context, channel string, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.fakeBus.Publish(ctx, channel, msg)
}

func TestTimedOutWorkerStillDeliversFailure(t *testing.T) {
	s, _, _ := testSpawner(t, "")
	bus := &deadlineBus{}
	s.bus = bus
	s.complete = func(ctx context.Context, _, _ string, _ time.Duration) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	timed := spec()
	timed.TimeoutMS = 20
	if err := s.Spawn(context.Background(), timed); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	s.Wait()

	if len(bus.published) != 1 {
		t.Fatalf("published = %d, want the failure result", len(bus.published))
	}
	var result Result
	if err := json.Unmarshal(bus.published[0].Msg.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Success {
		t.Error("timed-out worker must report failure")
	}
	if !strings.Contains(result.Error, "deadline") {
		t.Errorf("error = %q, want the deadline cause", result.Error)
	}
}

func TestSpawnCapIsPermanent(t *testing.T) {
	s, _, _ := testSpawner(t, `{"success":true}`)
	block := make(chan struct{})
	s.complete = func(ctx context.Context, _, _ string, _ time.Duration) (string, error) {
		<-block
		return `{"success":true}`, nil
	}
	for i := 0; i < 3; i++ {
		if err := s.Spawn(context.Background(), spec()); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	err := s.Spawn(context.Background(), spec())
	if err == nil {
		t.Fatal("expected cap breach to fail")
	}
	if !providers.IsPermanent(err) {
		t.Errorf("cap breach must be permanent, got %v", err)
	}
	close(block)
	s.Wait()
}

func TestSpawnValidatesTools(t *testing.T) {
	s, _, _ := testSpawner(t, `{"success":true}`)
	bad := spec()
	bad.Tools = []string{"rm-rf"}
	if err := s.Spawn(context.Background(), bad); err == nil {
		t.Fatal("tool outside the allow-list must be rejected")
	}

	empty := spec()
	empty.Task = ""
	if err := s.Spawn(context.Background(), empty); err == nil {
		t.Fatal("task without text must be rejected")
	}
}

func TestBlockedDomainOpensApprovalAndFails(t *testing.T) {
	s, bus, trk := testSpawner(t, `I fetched https://evil.example.io/data {"success":true,"result":"x"}`)
	if err := s.Spawn(context.Background(), spec()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	s.Wait()

	if len(trk.issues) != 1 || !strings.Contains(trk.issues[0].Title, "evil.example.io") {
		t.Errorf("approval issues = %+v", trk.issues)
	}
	var sawBroadcast, sawResult bool
	for _, p := range bus.published {
		switch {
		case p.Channel == protocol.ChannelBroadcast && p.Msg.Type == "domain_approval_needed":
			sawBroadcast = true
		case p.Msg.Type == protocol.MessageWorkerResult:
			sawResult = true
			var result Result
			_ = json.Unmarshal(p.Msg.Payload, &result)
			if result.Success {
				t.Errorf("blocked domain must fail the worker")
			}
		}
	}
	if !sawBroadcast || !sawResult {
		t.Errorf("broadcast=%v result=%v, want both", sawBroadcast, sawResult)
	}
}

func TestNamedAgentRoutesToOrchestrator(t *testing.T) {
	s, bus, _ := testSpawner(t, "")
	named := spec()
	named.Agent = "researcher"
	if err := s.Spawn(context.Background(), named); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(bus.published) != 1 || bus.published[0].Channel != protocol.ChannelOrchestrator {
		t.Fatalf("published = %+v", bus.published)
	}
	if bus.published[0].Msg.To != "researcher" {
		t.Errorf("to = %s", bus.published[0].Msg.To)
	}
	if s.Active() != 0 {
		t.Errorf("named-agent routing must not consume a worker slot")
	}
}

func TestTimeoutSelection(t *testing.T) {
	s, _, _ := testSpawner(t, "")
	if got := s.timeoutFor(spec()); got != defaultWorkerTimeout {
		t.Errorf("base timeout = %s", got)
	}
	img := spec()
	img.Tools = []string{"image-gen"}
	if got := s.timeoutFor(img); got != imageWorkerTimeout {
		t.Errorf("image timeout = %s", got)
	}
	custom := spec()
	custom.TimeoutMS = 1500
	if got := s.timeoutFor(custom); got != 1500*time.Millisecond {
		t.Errorf("custom timeout = %s", got)
	}
}

func TestDryRunStripsWriteTools(t *testing.T) {
	catalogue := &Catalogue{Servers: map[string]ToolServer{
		"web-search": {Command: "web-search"},
		"publisher":  {Command: "publisher", Write: true},
	}}
	cache := NewConfigCache(catalogue, t.TempDir())

	effective := cache.EffectiveTools([]string{"web-search", "publisher"}, true)
	if len(effective) != 1 || effective[0] != "web-search" {
		t.Errorf("effective = %v", effective)
	}

	wet := cache.EffectiveTools([]string{"web-search", "publisher"}, false)
	if len(wet) != 2 {
		t.Errorf("non-dry-run must keep write tools, got %v", wet)
	}
}

func TestConfigCacheReusesFiles(t *testing.T) {
	catalogue := &Catalogue{Servers: map[string]ToolServer{
		"a": {Command: "a"}, "b": {Command: "b"},
	}}
	cache := NewConfigCache(catalogue, t.TempDir())

	p1, err := cache.PathFor([]string{"b", "a"}, false)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	p2, err := cache.PathFor([]string{"a", "b"}, false)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if p1 != p2 {
		t.Errorf("tool order must not change the cached file: %s vs %s", p1, p2)
	}
	p3, err := cache.PathFor([]string{"a", "b"}, true)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if p3 == p1 {
		t.Errorf("dry-run must use a distinct config file")
	}
}

func TestDomainGuardAllowsSubdomains(t *testing.T) {
	g := NewDomainGuard([]string{"example.org"})
	blocked := g.BlockedDomains("see https://api.example.org/x and https://bad.host.net/y and https://api.coingecko.com/z")
	if len(blocked) != 1 || blocked[0] != "bad.host.net" {
		t.Errorf("blocked = %v", blocked)
	}
}
