package worker

import "strings"

// apiEntry documents one known external API for worker prompts.
type apiEntry struct {
	Keywords []string
	Text     string
}

// builtinKnowledge maps task-text keywords to API usage notes injected into
// worker prompts so workers do not rediscover endpoints every run.
var builtinKnowledge = []apiEntry{
	{
		Keywords: []string{"price", "market"},
		Text:     "Market prices: GET https://api.coingecko.com/api/v3/simple/price?ids=<id>&vs_currencies=usd",
	},
	{
		Keywords: []string{"fear", "greed", "sentiment"},
		Text:     "Fear & Greed index: GET https://api.alternative.me/fng/?limit=1",
	},
	{
		Keywords: []string{"telegram", "members"},
		Text:     "Telegram member count: GET https://api.telegram.org/bot<token>/getChatMemberCount?chat_id=<id>",
	},
	{
		Keywords: []string{"github", "repo", "issue"},
		Text:     "GitHub API: GET https://api.github.com/repos/<owner>/<repo>; authenticate with a bearer token",
	},
}

// knowledgeFor returns the API notes whose keywords appear in the task text.
func knowledgeFor(taskText string) []string {
	lower := strings.ToLower(taskText)
	var out []string
	for _, e := range builtinKnowledge {
		for _, kw := range e.Keywords {
			if strings.Contains(lower, kw) {
				out = append(out, e.Text)
				break
			}
		}
	}
	return out
}
