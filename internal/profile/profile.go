// Package profile loads the role profile document. The markdown body is
// the system prompt; structured fields ride in one fenced json block so
// the runtime never has to understand markdown.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// FocusArea tunes initiative scoring for a role.
type FocusArea struct {
	KeyQuestions    []string `json:"keyQuestions,omitempty"`
	RevenueAngles   []string `json:"revenueAngles,omitempty"`
	ScanTopics      []string `json:"scanTopics,omitempty"`
	RevenueFocus    float64  `json:"revenueFocus,omitempty"`    // 0..1
	MarketingVsDev  float64  `json:"marketingVsDev,omitempty"`  // 0 = dev, 1 = marketing
	CommunityGrowth float64  `json:"communityGrowth,omitempty"` // 0..1
	RiskTolerance   float64  `json:"riskTolerance,omitempty"`   // 0..1
	TimeHorizon     float64  `json:"timeHorizon,omitempty"`     // 0 = short-term, 1 = long-term
}

// Profile is the parsed role document.
type Profile struct {
	Codename      string                `json:"codename,omitempty"`
	StartupPrompt string                `json:"startupPrompt,omitempty"`
	Focus         FocusArea             `json:"focus,omitempty"`
	AllowedTools  []string              `json:"allowedTools,omitempty"` // worker tool-server allow-list
	Bootstrap     []protocol.Initiative `json:"bootstrapInitiatives,omitempty"`

	SystemPrompt string `json:"-"`
}

const configFence = "```json agentd"

// LoadFile reads a profile document. A missing file is a fatal startup
// error for the daemon.
func LoadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return Parse(string(data))
}

// Parse splits the structured config block from the prose system prompt.
func Parse(text string) (*Profile, error) {
	p := &Profile{}
	body := text
	if start := strings.Index(text, configFence); start >= 0 {
		rest := text[start+len(configFence):]
		end := strings.Index(rest, "```")
		if end < 0 {
			return nil, fmt.Errorf("profile config block is not closed")
		}
		if err := json.Unmarshal([]byte(rest[:end]), p); err != nil {
			return nil, fmt.Errorf("parse profile config: %w", err)
		}
		body = text[:start] + rest[end+3:]
	}
	p.SystemPrompt = strings.TrimSpace(body)
	if p.SystemPrompt == "" {
		return nil, fmt.Errorf("profile has no system prompt text")
	}
	return p, nil
}
