package initiative

import (
	"strings"
	"sync"
	"unicode"
)

// jaccardThreshold marks two titles as the same initiative.
const jaccardThreshold = 0.8

// normalizeTitle lowercases and strips punctuation so "Launch: Q3 plan!"
// and "launch q3 plan" hash identically.
func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// jaccard computes word-set similarity of two normalized titles.
func jaccard(a, b string) float64 {
	wa := strings.Fields(a)
	wb := strings.Fields(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	set := make(map[string]bool, len(wa))
	for _, w := range wa {
		set[w] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(wb))
	for _, w := range wb {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// dupeGuard remembers what this process already created and compares new
// titles fuzzily against tracker search results.
type dupeGuard struct {
	mu      sync.Mutex
	created map[string]bool // normalized titles
}

func newDupeGuard() *dupeGuard {
	return &dupeGuard{created: make(map[string]bool)}
}

// seenLocally reports whether an equal-or-near title was created by this
// process before.
func (g *dupeGuard) seenLocally(title string) bool {
	norm := normalizeTitle(title)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.created[norm] {
		return true
	}
	for existing := range g.created {
		if jaccard(norm, existing) >= jaccardThreshold {
			return true
		}
	}
	return false
}

// matchesAny reports whether title is a near-duplicate of any candidate.
func matchesAny(title string, candidates []string) bool {
	norm := normalizeTitle(title)
	for _, c := range candidates {
		if jaccard(norm, normalizeTitle(c)) >= jaccardThreshold {
			return true
		}
	}
	return false
}

// remember records a created title.
func (g *dupeGuard) remember(title string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created[normalizeTitle(title)] = true
}
