package protocol

import "encoding/json"

// ActionType discriminates parsed LLM actions. Unknown types are routed to
// an ignored sink by the dispatcher (forward compatibility).
type ActionType string

const (
	ActionCreateTask        ActionType = "create_task"
	ActionProposeDecision   ActionType = "propose_decision"
	ActionOperational       ActionType = "operational"
	ActionVote              ActionType = "vote"
	ActionAlert             ActionType = "alert"
	ActionSpawnWorker       ActionType = "spawn_worker"
	ActionCreatePR          ActionType = "create_pr"
	ActionCommitToMain      ActionType = "commit_to_main"
	ActionMergePR           ActionType = "merge_pr"
	ActionClaimPR           ActionType = "claim_pr"
	ActionClosePR           ActionType = "close_pr"
	ActionRequestHuman      ActionType = "request_human_action"
	ActionUpdateIssue       ActionType = "update_issue"
	ActionClaimIssue        ActionType = "claim_issue"
	ActionCompleteIssue     ActionType = "complete_issue"
	ActionProposeInitiative ActionType = "propose_initiative"
	ActionScheduleEvent     ActionType = "schedule_event"
	ActionCreateProject     ActionType = "create_project"
	ActionCreateProjectTask ActionType = "create_project_task"
	ActionUpdateProjectTask ActionType = "update_project_task"
	ActionSpawnSubagent     ActionType = "spawn_subagent"
)

// Action is one side effect declared by the LLM: a type tag plus an opaque
// data object interpreted by the dispatcher arm for that type.
type Action struct {
	Type ActionType      `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Sensitive reports whether the action must produce an audit record.
func (a Action) Sensitive() bool {
	switch a.Type {
	case ActionVote, ActionSpawnWorker, ActionMergePR:
		return true
	}
	return false
}

// VoteChoice is the ballot cast on a decision.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteVeto    VoteChoice = "veto"
	VoteAbstain VoteChoice = "abstain"
)
