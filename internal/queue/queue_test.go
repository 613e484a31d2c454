package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// fakeBroker implements Broker with in-memory lists, applying the same
// semantics the server-side scripts have against a real broker.
type fakeBroker struct {
	lists map[string][]string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{lists: make(map[string][]string)}
}

func (f *fakeBroker) Eval(_ context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	switch script {
	case claimScript:
		pending, processing := keys[0], keys[1]
		n := args[0].(int)
		var out []interface{}
		for i := 0; i < n && len(f.lists[pending]) > 0; i++ {
			v := f.lists[pending][0]
			f.lists[pending] = f.lists[pending][1:]
			f.lists[processing] = append(f.lists[processing], v)
			out = append(out, v)
		}
		return out, nil
	case ackScript:
		processing := keys[0]
		var n int64
		for _, a := range args {
			raw := a.(string)
			for i, v := range f.lists[processing] {
				if v == raw {
					f.lists[processing] = append(f.lists[processing][:i], f.lists[processing][i+1:]...)
					n++
					break
				}
			}
		}
		return n, nil
	case recoverScript:
		processing, pending := keys[0], keys[1]
		var n int64
		for len(f.lists[processing]) > 0 {
			last := len(f.lists[processing]) - 1
			v := f.lists[processing][last]
			f.lists[processing] = f.lists[processing][:last]
			f.lists[pending] = append([]string{v}, f.lists[pending]...)
			n++
		}
		return n, nil
	}
	return nil, nil
}

func (f *fakeBroker) LLen(_ context.Context, key string) (int64, error) {
	return int64(len(f.lists[key])), nil
}

func (f *fakeBroker) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	list := f.lists[key]
	if start >= int64(len(list)) {
		return nil, nil
	}
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	return list[start : stop+1], nil
}

func (f *fakeBroker) RPush(_ context.Context, key string, values ...interface{}) error {
	for _, v := range values {
		f.lists[key] = append(f.lists[key], v.(string))
	}
	return nil
}

func mustEnqueue(t *testing.T, q *Queue, tasks ...protocol.Task) {
	t.Helper()
	for _, task := range tasks {
		if err := q.Enqueue(context.Background(), task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func TestClaimMovesTasksToProcessing(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "cto")
	mustEnqueue(t, q,
		protocol.Task{Title: "A", Priority: protocol.PriorityHigh},
		protocol.Task{Title: "B", Priority: protocol.PriorityNormal},
	)

	claimed, err := q.Claim(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d tasks, want 2", len(claimed))
	}
	if claimed[0].Task.Title != "A" || claimed[1].Task.Title != "B" {
		t.Errorf("claim order = %q,%q, want A,B", claimed[0].Task.Title, claimed[1].Task.Title)
	}

	pending := protocol.TaskQueueKey("cto")
	processing := protocol.TaskProcessingKey("cto")
	if n := len(broker.lists[pending]); n != 0 {
		t.Errorf("pending has %d entries after claim, want 0", n)
	}
	if n := len(broker.lists[processing]); n != 2 {
		t.Errorf("processing has %d entries after claim, want 2", n)
	}
}

func TestAckRemovesExactlyClaimedBatch(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "cto")
	mustEnqueue(t, q,
		protocol.Task{Title: "A", Priority: protocol.PriorityHigh},
		protocol.Task{Title: "B", Priority: protocol.PriorityNormal},
	)

	before, _ := broker.LLen(context.Background(), protocol.TaskQueueKey("cto"))
	claimed, err := q.Claim(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Ack(context.Background(), claimed); err != nil {
		t.Fatalf("ack: %v", err)
	}

	pendingN, _ := broker.LLen(context.Background(), protocol.TaskQueueKey("cto"))
	processingN, _ := broker.LLen(context.Background(), protocol.TaskProcessingKey("cto"))
	if pendingN+processingN != before-2 {
		t.Errorf("|pending|+|processing| = %d, want %d", pendingN+processingN, before-2)
	}
	if processingN != 0 {
		t.Errorf("processing has %d entries after ack, want 0", processingN)
	}
}

func TestRecoverPreservesHeadOrder(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "cmo")

	// Crash state: C was claimed (processing), D still pending.
	c, _ := json.Marshal(protocol.Task{Title: "C"})
	d, _ := json.Marshal(protocol.Task{Title: "D"})
	broker.lists[protocol.TaskProcessingKey("cmo")] = []string{string(c)}
	broker.lists[protocol.TaskQueueKey("cmo")] = []string{string(d)}

	n, err := q.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d entries, want 1", n)
	}
	if got := len(broker.lists[protocol.TaskProcessingKey("cmo")]); got != 0 {
		t.Errorf("processing has %d entries after recover, want 0", got)
	}

	claimed, err := q.Claim(context.Background(), 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].Task.Title != "C" || claimed[1].Task.Title != "D" {
		t.Fatalf("post-recover order = %v, want [C D]", claimed)
	}
}

func TestRecoverMultipleKeepsClaimOrder(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "ceo")
	mustEnqueue(t, q,
		protocol.Task{Title: "one"},
		protocol.Task{Title: "two"},
		protocol.Task{Title: "three"},
	)

	if _, err := q.Claim(context.Background(), 2); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Simulated loop failure: no ack. Recover must put one,two back at head.
	if _, err := q.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	claimed, err := q.Claim(context.Background(), 3)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	want := []string{"one", "two", "three"}
	for i, w := range want {
		if claimed[i].Task.Title != w {
			t.Errorf("claimed[%d] = %q, want %q", i, claimed[i].Task.Title, w)
		}
	}
}

func TestClaimAfterAckSeesNextBatch(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "ceo")
	mustEnqueue(t, q,
		protocol.Task{Title: "first"},
		protocol.Task{Title: "second"},
	)

	claimed, _ := q.Claim(context.Background(), 1)
	if err := q.Ack(context.Background(), claimed); err != nil {
		t.Fatalf("ack: %v", err)
	}
	next, _ := q.Claim(context.Background(), 1)
	if len(next) != 1 || next[0].Task.Title != "second" {
		t.Fatalf("next claim = %v, want [second]", next)
	}
}

func TestHeadPriority(t *testing.T) {
	broker := newFakeBroker()
	q := New(broker, "ceo")
	mustEnqueue(t, q,
		protocol.Task{Title: "u", Priority: protocol.PriorityUrgent},
		protocol.Task{Title: "n", Priority: protocol.PriorityNormal},
	)

	p, err := q.HeadPriority(context.Background(), 3)
	if err != nil {
		t.Fatalf("head priority: %v", err)
	}
	if p != protocol.PriorityUrgent {
		t.Errorf("head priority = %s, want urgent", p)
	}
}

func TestCountEmptyQueue(t *testing.T) {
	q := New(newFakeBroker(), "ceo")
	n, err := q.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}
