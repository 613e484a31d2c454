package protocol

import (
	"encoding/json"
	"time"
)

// MessageType discriminates inter-agent messages on the fabric.
type MessageType string

const (
	MessageTask           MessageType = "task"
	MessageStateTask      MessageType = "state_task"
	MessageDecision       MessageType = "decision"
	MessageAlert          MessageType = "alert"
	MessageVote           MessageType = "vote"
	MessageWorkerResult   MessageType = "worker_result"
	MessagePRApprovedRAG  MessageType = "pr_approved_by_rag"
	MessagePRReviewAssign MessageType = "pr_review_assigned"
	MessageStatusRequest  MessageType = "status_request"
	MessageStatusResponse MessageType = "status_response"
	MessageBroadcast      MessageType = "broadcast"
	MessageTaskQueued     MessageType = "task_queued"
)

// Priority orders messages and tasks. Zero value is PriorityNormal.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Rank returns a sortable weight, higher = more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Message is the unit of inter-agent communication. Payload stays opaque
// JSON so the fabric never needs to understand action-specific fields.
type Message struct {
	ID               string          `json:"id"`
	Type             MessageType     `json:"type"`
	From             string          `json:"from"`
	To               string          `json:"to,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Priority         Priority        `json:"priority,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	RequiresResponse bool            `json:"requiresResponse,omitempty"`
	CorrelationID    string          `json:"correlationId,omitempty"`
}

// Task is a work item addressed to one agent type.
type Task struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	From        string     `json:"from,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// Tier is the coarse role class. Head-tier agents vote on decisions;
// clevel agents propose and execute.
type Tier string

const (
	TierHead   Tier = "head"
	TierCLevel Tier = "clevel"
)
