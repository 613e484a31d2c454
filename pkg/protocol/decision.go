package protocol

import "time"

// DecisionTier grades how consequential a decision is. Priority of the
// emitted decision message is derived from the tier.
type DecisionTier string

const (
	DecisionOperational DecisionTier = "operational"
	DecisionMinor       DecisionTier = "minor"
	DecisionMajor       DecisionTier = "major"
	DecisionCritical    DecisionTier = "critical"
)

// PriorityFor maps a decision tier to the message priority it travels with.
func (t DecisionTier) PriorityFor() Priority {
	switch t {
	case DecisionCritical:
		return PriorityCritical
	case DecisionMajor:
		return PriorityHigh
	case DecisionMinor:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Decision is a proposal awaiting votes by head-tier agents.
type Decision struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Tier        DecisionTier `json:"tier"`
	ProposedBy  string       `json:"proposedBy"`
	CreatedAt   time.Time    `json:"createdAt"`
	Status      string       `json:"status,omitempty"`
}

// Initiative is a self-proposed work item generated when an agent is idle.
type Initiative struct {
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Priority          Priority `json:"priority,omitempty"`
	RevenueImpact     int      `json:"revenueImpact"` // 1–10
	Effort            int      `json:"effort"`        // 1–10
	Tags              []string `json:"tags,omitempty"`
	SuggestedAssignee string   `json:"suggestedAssignee,omitempty"`
	Source            string   `json:"source,omitempty"` // "bootstrap" or "ai"
}
