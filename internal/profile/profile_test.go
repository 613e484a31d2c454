package profile

import (
	"strings"
	"testing"
)

const sampleProfile = "# CTO\n\nYou run engineering.\n\n```json agentd\n{\n  \"codename\": \"forge\",\n  \"startupPrompt\": \"Review the backlog.\",\n  \"allowedTools\": [\"github\", \"telegram\"],\n  \"focus\": {\"revenueFocus\": 0.4, \"marketingVsDev\": 0.1, \"riskTolerance\": 0.5},\n  \"bootstrapInitiatives\": [\n    {\"title\": \"Set up CI\", \"tags\": [\"dev\"], \"revenueImpact\": 2, \"effort\": 1}\n  ]\n}\n```\n\nShip working software.\n"

func TestParseSplitsConfigFromPrompt(t *testing.T) {
	p, err := Parse(sampleProfile)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Codename != "forge" {
		t.Errorf("Codename = %q", p.Codename)
	}
	if p.StartupPrompt != "Review the backlog." {
		t.Errorf("StartupPrompt = %q", p.StartupPrompt)
	}
	if len(p.AllowedTools) != 2 || p.AllowedTools[0] != "github" {
		t.Errorf("AllowedTools = %v", p.AllowedTools)
	}
	if p.Focus.RevenueFocus != 0.4 {
		t.Errorf("RevenueFocus = %v", p.Focus.RevenueFocus)
	}
	if len(p.Bootstrap) != 1 || p.Bootstrap[0].Title != "Set up CI" {
		t.Errorf("Bootstrap = %+v", p.Bootstrap)
	}
	if strings.Contains(p.SystemPrompt, "json agentd") {
		t.Error("config block leaked into the system prompt")
	}
	if !strings.Contains(p.SystemPrompt, "You run engineering.") ||
		!strings.Contains(p.SystemPrompt, "Ship working software.") {
		t.Errorf("prompt body lost text around the config block:\n%s", p.SystemPrompt)
	}
}

func TestParsePlainMarkdown(t *testing.T) {
	p, err := Parse("# CEO\n\nSet the direction.\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.SystemPrompt != "# CEO\n\nSet the direction." {
		t.Errorf("SystemPrompt = %q", p.SystemPrompt)
	}
	if p.Codename != "" {
		t.Errorf("Codename = %q, want empty", p.Codename)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse("prompt\n```json agentd\n{\"codename\": \"x\"\n"); err == nil {
		t.Error("unclosed config block accepted")
	}
	if _, err := Parse("```json agentd\n{\"codename\": \"x\"}\n```\n"); err == nil {
		t.Error("profile with no prompt text accepted")
	}
	if _, err := Parse("prompt\n```json agentd\nnot json\n```\n"); err == nil {
		t.Error("malformed config json accepted")
	}
}
