// Package rag is the HTTP client for the external retrieval store. The
// store itself is out of scope; this client only queries and indexes.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// maxContextChars caps the concatenated hit text injected into a prompt.
	maxContextChars = 1500

	defaultTopK = 5
)

// Hit is one retrieval result.
type Hit struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// QueryRequest narrows a retrieval to one agent and trigger.
type QueryRequest struct {
	Codename    string `json:"codename"`
	Trigger     string `json:"trigger"`
	MessageText string `json:"messageText,omitempty"`
	TopK        int    `json:"topK,omitempty"`
}

// Document is indexed for future retrieval (e.g. successful API patterns).
type Document struct {
	Collection string            `json:"collection"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Client talks to the RAG service. A nil Client is valid and returns empty
// results, so daemons run without retrieval when no endpoint is configured.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Query returns the top hits for the request. TopK defaults to 5.
func (c *Client) Query(ctx context.Context, req QueryRequest) ([]Hit, error) {
	if c == nil {
		return nil, nil
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	var out struct {
		Hits []Hit `json:"hits"`
	}
	if err := c.post(ctx, "/query", req, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// ContextSnippet concatenates hit text up to the prompt budget.
func ContextSnippet(hits []Hit) string {
	var b strings.Builder
	for _, h := range hits {
		t := strings.TrimSpace(h.Text)
		if t == "" {
			continue
		}
		if b.Len()+len(t)+1 > maxContextChars {
			remaining := maxContextChars - b.Len() - 1
			if remaining > 0 {
				b.WriteString(t[:remaining])
			}
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t)
	}
	return b.String()
}

// Index stores a document. Failures are the caller's to log; indexing is
// never on the critical path.
func (c *Client) Index(ctx context.Context, doc Document) error {
	if c == nil {
		return nil
	}
	return c.post(ctx, "/index", doc, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode rag request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("rag request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rag %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rag %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode rag response: %w", err)
	}
	return nil
}
