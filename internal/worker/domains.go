package worker

import (
	"regexp"
	"strings"
)

// defaultWhitelist lists the domains workers may call without approval.
var defaultWhitelist = []string{
	"api.coingecko.com",
	"api.alternative.me",
	"api.telegram.org",
	"api.github.com",
	"raw.githubusercontent.com",
}

// urlPattern finds URLs in worker output so non-whitelisted calls can be
// caught even when the worker never declared them.
var urlPattern = regexp.MustCompile(`https?://([a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,})`)

// DomainGuard checks worker output against the domain whitelist.
type DomainGuard struct {
	whitelist map[string]bool
}

// NewDomainGuard builds a guard from extra whitelisted domains on top of
// the defaults.
func NewDomainGuard(extra []string) *DomainGuard {
	g := &DomainGuard{whitelist: make(map[string]bool, len(defaultWhitelist)+len(extra))}
	for _, d := range defaultWhitelist {
		g.whitelist[strings.ToLower(d)] = true
	}
	for _, d := range extra {
		g.whitelist[strings.ToLower(d)] = true
	}
	return g
}

// Whitelist returns the allowed domains for prompt injection.
func (g *DomainGuard) Whitelist() []string {
	out := make([]string, 0, len(g.whitelist))
	for d := range g.whitelist {
		out = append(out, d)
	}
	return out
}

// BlockedDomains returns every non-whitelisted domain referenced in text.
func (g *DomainGuard) BlockedDomains(text string) []string {
	seen := map[string]bool{}
	var blocked []string
	for _, m := range urlPattern.FindAllStringSubmatch(text, -1) {
		domain := strings.ToLower(m[1])
		if seen[domain] || g.allowed(domain) {
			continue
		}
		seen[domain] = true
		blocked = append(blocked, domain)
	}
	return blocked
}

// allowed accepts exact matches and subdomains of whitelisted entries.
func (g *DomainGuard) allowed(domain string) bool {
	if g.whitelist[domain] {
		return true
	}
	for d := range g.whitelist {
		if strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
