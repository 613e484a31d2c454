package daemon

import (
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// Passive state extraction: worker results carrying volatile facts update
// well-known state keys on arrival, whether or not the message triggers a
// loop. Keeps fact freshness independent of LLM cost.

var (
	priceRe   = regexp.MustCompile(`\$\s?([0-9][0-9,]*(?:\.[0-9]+)?)`)
	numberRe  = regexp.MustCompile(`\b([0-9][0-9,]*(?:\.[0-9]+)?)\b`)
	fearRe    = regexp.MustCompile(`(?i)(?:fear\s*(?:&|and)?\s*greed|fng)[^0-9]{0,20}([0-9]{1,3})`)
	membersRe = regexp.MustCompile(`(?i)([0-9][0-9,]*)\s*(?:members|subscribers)`)
	holdersRe = regexp.MustCompile(`(?i)([0-9][0-9,]*)\s*holders`)
	balanceRe = regexp.MustCompile(`(?i)(?:balance|treasury)[^0-9$]{0,20}\$?\s?([0-9][0-9,]*(?:\.[0-9]+)?)`)
)

// ExtractFacts scans a worker result for numeric facts keyed by the task
// text. Returns the state updates to write, freshness stamp included, or
// nil when nothing matched.
func ExtractFacts(taskText, resultText string, now time.Time) map[string]string {
	task := strings.ToLower(taskText)
	updates := map[string]string{}

	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(task, w) {
				return true
			}
		}
		return false
	}
	firstMatch := func(re *regexp.Regexp) string {
		if m := re.FindStringSubmatch(resultText); m != nil {
			return strings.ReplaceAll(m[1], ",", "")
		}
		return ""
	}

	if has("price", "market") {
		if v := firstMatch(priceRe); v != "" {
			updates[store.KeyMarketPrice] = v
		} else if v := firstMatch(numberRe); v != "" {
			updates[store.KeyMarketPrice] = v
		}
	}
	if has("fear", "greed", "sentiment") {
		if v := firstMatch(fearRe); v != "" {
			updates[store.KeyFearGreed] = v
		}
	}
	if has("balance", "treasury") {
		if v := firstMatch(balanceRe); v != "" {
			updates[store.KeyTreasuryBalance] = v
		}
	}
	if has("holders") {
		if v := firstMatch(holdersRe); v != "" {
			updates[store.KeyHoldersCount] = v
		}
	}
	if has("telegram") && has("member") {
		if v := firstMatch(membersRe); v != "" {
			updates[store.KeyTelegramMembers] = v
		}
	}

	if len(updates) == 0 {
		return nil
	}
	updates[store.KeyMarketUpdatedAt] = now.UTC().Format(time.RFC3339)
	return updates
}
