package loop

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/agentd/internal/queue"
	"github.com/nextlevelbuilder/agentd/internal/tracker"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Context is everything one loop knows when it talks to the LLM.
type Context struct {
	Trigger     string
	MessageText string

	State     map[string]string
	Decisions []protocol.Decision
	Tasks     []queue.ClaimedTask
	RAG       string
	Board     *tracker.Snapshot
	Brand     string

	// GenerateInitiative appends the initiative-generation instructions to
	// the prompt when the queue was empty.
	GenerateInitiative bool
}

// SortTasks orders claimed tasks by priority, most urgent first, keeping
// FIFO order inside one priority.
func (c *Context) SortTasks() {
	sort.SliceStable(c.Tasks, func(i, j int) bool {
		return c.Tasks[i].Task.Priority.Rank() > c.Tasks[j].Task.Priority.Rank()
	})
}

// loadBrand reads the tenant brand config. Missing file means no brand
// section in the prompt.
func loadBrand(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("brand config unreadable", "path", path, "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

// BuildPrompt assembles the loop prompt from the gathered context. The
// system prompt travels separately so session-pool mode can omit it on
// resumed conversations.
func BuildPrompt(c *Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Trigger\n%s\n", c.Trigger)
	if c.MessageText != "" {
		fmt.Fprintf(&b, "\nTriggering message:\n%s\n", c.MessageText)
	}

	if len(c.State) > 0 {
		b.WriteString("\n## Current state\n")
		keys := make([]string, 0, len(c.State))
		for k := range c.State {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, c.State[k])
		}
	}

	if len(c.Decisions) > 0 {
		b.WriteString("\n## Pending decisions (vote with a vote action)\n")
		for _, d := range c.Decisions {
			fmt.Fprintf(&b, "- [%s] %s (%s, proposed by %s)\n", d.ID, d.Title, d.Tier, d.ProposedBy)
		}
	}

	if len(c.Tasks) > 0 {
		b.WriteString("\n## Your tasks this loop\n")
		for i, t := range c.Tasks {
			fmt.Fprintf(&b, "%d. [%s] %s", i+1, t.Task.Priority, t.Task.Title)
			if t.Task.Description != "" {
				fmt.Fprintf(&b, " — %s", t.Task.Description)
			}
			if t.Task.From != "" {
				fmt.Fprintf(&b, " (from %s)", t.Task.From)
			}
			b.WriteByte('\n')
		}
	}

	if c.RAG != "" {
		b.WriteString("\n## Relevant knowledge\n")
		b.WriteString(c.RAG)
		b.WriteByte('\n')
	}

	if c.Board != nil && (len(c.Board.InProgress)+len(c.Board.Ready)+len(c.Board.Review)) > 0 {
		b.WriteString("\n## Issue board\n")
		writeBoardSection(&b, "In progress", c.Board.InProgress)
		writeBoardSection(&b, "Ready", c.Board.Ready)
		writeBoardSection(&b, "In review", c.Board.Review)
	}

	if c.Brand != "" {
		b.WriteString("\n## Brand\n")
		b.WriteString(c.Brand)
		b.WriteByte('\n')
	}

	b.WriteString("\n## Response contract\n")
	b.WriteString("Reply with one JSON object containing any of: actions[], messages[], stateUpdates{}, summary.\n")

	if c.GenerateInitiative {
		b.WriteString("\nThe task queue is empty. If nothing urgent remains, propose one new initiative as a propose_initiative action with revenueImpact and effort estimates.\n")
	}
	return b.String()
}

func writeBoardSection(b *strings.Builder, title string, issues []tracker.Issue) {
	if len(issues) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, is := range issues {
		fmt.Fprintf(b, "- %s\n", is.Title)
	}
}
