package initiative

import (
	"strings"

	"github.com/nextlevelbuilder/agentd/internal/profile"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Score rates an initiative against the agent's focus area. Higher wins.
//
//	score = revenueImpact * revenueFocus
//	      + role match against marketingVsDev
//	      + community bonus * communityGrowth
//	      * risk factor when risk-tagged
//	      * time-horizon factor (short-term boosted at low horizon)
//	      - 0.5 * effort
func Score(init protocol.Initiative, focus profile.FocusArea) float64 {
	score := float64(init.RevenueImpact) * focus.RevenueFocus

	if hasTag(init, "marketing") {
		score += 3 * focus.MarketingVsDev
	}
	if hasTag(init, "dev") || hasTag(init, "engineering") {
		score += 3 * (1 - focus.MarketingVsDev)
	}
	if hasTag(init, "community") {
		score += 2 * focus.CommunityGrowth
	}

	if hasTag(init, "risk") || hasTag(init, "experimental") {
		// Risk-averse agents discount risky work down to 30%.
		score *= 0.3 + 0.7*focus.RiskTolerance
	}
	if hasTag(init, "quick-win") || hasTag(init, "short-term") {
		score *= 1 + 0.5*(1-focus.TimeHorizon)
	}

	return score - 0.5*float64(init.Effort)
}

func hasTag(init protocol.Initiative, tag string) bool {
	for _, t := range init.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
