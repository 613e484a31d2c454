package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

type scriptedProvider struct {
	name    string
	errs    []error // error per call, nil = success
	calls   int
	lastReq CompletionRequest
}

func (p *scriptedProvider) Complete(_ context.Context, req CompletionRequest) (*CompletionResult, error) {
	p.lastReq = req
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	return &CompletionResult{Output: p.name + " ok"}, nil
}

func (p *scriptedProvider) Probe(context.Context) error { return nil }
func (p *scriptedProvider) Name() string                { return p.name }

func newTestRouter(primary, fallback Provider) (*Router, *[]time.Duration) {
	var slept []time.Duration
	r := NewRouter(RouterConfig{Primary: primary, Fallback: fallback})
	r.sleep = func(d time.Duration) { slept = append(slept, d) }
	return r, &slept
}

func TestCompleteRetriesTransientWithBackoff(t *testing.T) {
	p := &scriptedProvider{name: "primary", errs: []error{
		errors.New("overloaded"), errors.New("overloaded"), nil,
	}}
	r, slept := newTestRouter(p, nil)

	res, err := r.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Output != "primary ok" {
		t.Errorf("output = %q", res.Output)
	}
	if p.calls != 3 {
		t.Errorf("calls = %d, want 3", p.calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("backoff[%d] = %s, want %s", i, (*slept)[i], d)
		}
	}
}

func TestCompletePermanentErrorNoRetry(t *testing.T) {
	p := &scriptedProvider{name: "primary", errs: []error{
		Permanent(errors.New("invalid api key")),
	}}
	r, slept := newTestRouter(p, nil)

	_, err := r.Complete(context.Background(), CompletionRequest{Prompt: "hi"})
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1", p.calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want none", *slept)
	}
}

func TestCompleteFallsBackAfterExhaustion(t *testing.T) {
	boom := errors.New("boom")
	primary := &scriptedProvider{name: "primary", errs: []error{boom, boom, boom}}
	fallback := &scriptedProvider{name: "fallback"}
	r, _ := newTestRouter(primary, fallback)

	res, err := r.CompleteFor(context.Background(), CompletionRequest{Prompt: "hi"},
		TaskContext{Reasoning: true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Output != "fallback ok" {
		t.Errorf("output = %q, want fallback ok", res.Output)
	}
	if primary.calls != 3 || fallback.calls != 1 {
		t.Errorf("calls primary=%d fallback=%d, want 3 and 1", primary.calls, fallback.calls)
	}
}

func TestPickRoutesByTaskContext(t *testing.T) {
	primary := &scriptedProvider{name: "primary"}
	fallback := &scriptedProvider{name: "fallback"}
	r, _ := newTestRouter(primary, fallback)

	tests := []struct {
		name string
		tc   TaskContext
		want string
	}{
		{"reasoning", TaskContext{Reasoning: true}, "primary"},
		{"high complexity", TaskContext{Complexity: "high"}, "primary"},
		{"urgent priority", TaskContext{Priority: protocol.PriorityUrgent}, "primary"},
		{"simple low", TaskContext{Complexity: "low", Priority: protocol.PriorityLow}, "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Pick(tt.tc).Name(); got != tt.want {
				t.Errorf("Pick(%+v) = %s, want %s", tt.tc, got, tt.want)
			}
		})
	}
}
