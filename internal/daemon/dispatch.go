package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/worker"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// pendingQueueCap bounds the in-memory FIFO of AI-requiring messages that
// arrive while a loop is running. Overflow is dropped with a warning so
// back-pressure is observable instead of unbounded.
const pendingQueueCap = 64

// aiMessageTypes always trigger a loop.
var aiMessageTypes = map[protocol.MessageType]bool{
	protocol.MessageTask:           true,
	protocol.MessageStateTask:      true,
	protocol.MessageDecision:       true,
	protocol.MessageAlert:          true,
	protocol.MessageVote:           true,
	protocol.MessageWorkerResult:   true,
	protocol.MessagePRApprovedRAG:  true,
	protocol.MessagePRReviewAssign: true,
}

// shouldTriggerAI decides whether a message gets a loop: the fixed type
// set, status requests from the CEO, and anything high priority or above.
// senderType is the resolved role of msg.From, since daemons put their
// opaque agent id there.
func shouldTriggerAI(msg protocol.Message, senderType string) bool {
	if aiMessageTypes[msg.Type] {
		return true
	}
	if msg.Type == protocol.MessageStatusRequest && senderType == "ceo" {
		return true
	}
	return msg.Priority.Rank() >= protocol.PriorityHigh.Rank()
}

// senderType maps an agent id from the fleet registry to its role. Role
// literals (orchestrator-originated messages, worker ids) pass through.
func (d *Daemon) senderType(from string) string {
	if t, ok := d.agentTypes[from]; ok {
		return t
	}
	return from
}

// handleMessage is the fabric handler for both pub/sub and stream
// deliveries. Non-AI messages are handled inline; AI-requiring messages run
// a loop immediately, or queue into the bounded FIFO when one is running.
func (d *Daemon) handleMessage(ctx context.Context, msg protocol.Message) error {
	if msg.Type == protocol.MessageWorkerResult {
		d.extractWorkerFacts(ctx, msg)
	}

	if !shouldTriggerAI(msg, d.senderType(msg.From)) {
		return d.handleInline(ctx, msg)
	}

	text := describeMessage(msg)
	if d.executor.InProgress() || d.draining.Load() {
		select {
		case d.pending <- queuedTrigger{trigger: "queued_message", text: text}:
			slog.Debug("message queued behind running loop", "type", msg.Type, "from", msg.From)
		default:
			slog.Warn("pending message queue full, message dropped",
				"type", msg.Type, "from", msg.From)
		}
		return nil
	}
	d.requestLoop("message", text)
	return nil
}

// handleInline serves messages that never need the LLM.
func (d *Daemon) handleInline(ctx context.Context, msg protocol.Message) error {
	switch msg.Type {
	case protocol.MessageStatusResponse:
		slog.Debug("status response received", "from", msg.From)
	case protocol.MessageBroadcast:
		slog.Info("broadcast", "from", msg.From, "payload_len", len(msg.Payload))
	case protocol.MessageTaskQueued:
		// Wakeup: new work landed on the pending queue.
		d.requestLoop("task_notification", "")
	case protocol.MessageStatusRequest:
		return d.replyStatus(ctx, msg)
	default:
		slog.Debug("message handled without ai", "type", msg.Type, "from", msg.From)
	}
	return nil
}

func (d *Daemon) replyStatus(ctx context.Context, msg protocol.Message) error {
	health := d.Health()
	payload, err := json.Marshal(health)
	if err != nil {
		return err
	}
	return d.rt.Bus.Publish(ctx, protocol.AgentChannel(msg.From), protocol.Message{
		Type:          protocol.MessageStatusResponse,
		From:          d.agentID,
		To:            msg.From,
		Payload:       payload,
		CorrelationID: msg.CorrelationID,
	})
}

// extractWorkerFacts runs passive state extraction on a worker result.
func (d *Daemon) extractWorkerFacts(ctx context.Context, msg protocol.Message) {
	var result worker.Result
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return
	}
	updates := ExtractFacts(result.Task, result.Result, time.Now())
	if updates == nil {
		return
	}
	if err := d.state.SetMany(ctx, updates); err != nil {
		slog.Warn("passive fact write failed", "error", err)
		return
	}
	slog.Debug("facts_extracted", "keys", len(updates)-1)
}

// drainPending processes queued messages in arrival order after a loop
// releases the single-flight lock. Each queued message runs its own loop.
func (d *Daemon) drainPending(ctx context.Context) {
	d.draining.Store(true)
	defer d.draining.Store(false)
	for {
		select {
		case q := <-d.pending:
			if err := d.executor.Run(ctx, q.trigger, q.text); err != nil {
				slog.Warn("queued message loop failed", "error", err)
			}
		default:
			return
		}
	}
}

// describeMessage renders a message for prompt injection.
func describeMessage(msg protocol.Message) string {
	desc := string(msg.Type) + " from " + msg.From
	if len(msg.Payload) > 0 {
		payload := string(msg.Payload)
		if len(payload) > 2000 {
			payload = payload[:2000]
		}
		desc += ":\n" + payload
	}
	return desc
}
