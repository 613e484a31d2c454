package protocol

import "fmt"

// Fixed pub/sub channels shared by the whole fleet.
const (
	ChannelBroadcast    = "broadcast"
	ChannelOrchestrator = "orchestrator"
	ChannelHead         = "head"
	ChannelCLevel       = "clevel"
)

// AgentChannel is the private pub/sub channel for one agent.
func AgentChannel(agentID string) string {
	return "agent:" + agentID
}

// TierChannel returns the shared channel for a tier.
func TierChannel(t Tier) string {
	if t == TierHead {
		return ChannelHead
	}
	return ChannelCLevel
}

// AgentStream is the durable stream mirroring an agent's private channel.
func AgentStream(agentID string) string {
	return "stream:" + AgentChannel(agentID)
}

// ConsumerGroup names the stream consumer group for an agent type.
func ConsumerGroup(agentType string) string {
	return "agent-" + agentType
}

// ConsumerName names this process inside the consumer group.
func ConsumerName(agentType string, pid int) string {
	return fmt.Sprintf("%s-%d", agentType, pid)
}

// TaskQueueKey is the pending list for one agent type.
func TaskQueueKey(agentType string) string {
	return "queue:tasks:" + agentType
}

// TaskProcessingKey is the in-flight mirror of the pending list.
func TaskProcessingKey(agentType string) string {
	return TaskQueueKey(agentType) + ":processing"
}

// DeadLetterKey holds actions that exhausted their retries.
func DeadLetterKey(agentType string) string {
	return "queue:deadletter:" + agentType
}

// CooldownKey guards initiative generation per agent type.
func CooldownKey(agentType string) string {
	return "initiative:cooldown:" + agentType
}
