// Package retrieval talks to the search service and keeps a per-entity
// full-text index of known documents used as step context.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/dossier/config"
	"github.com/mohammad-safakhou/dossier/internal/citations"
	"github.com/mohammad-safakhou/dossier/internal/retry"
)

// Result is the outcome of one search call.
type Result struct {
	Content    string                  `json:"content"`
	Citations  []citations.RawCitation `json:"citations"`
	TokensUsed int                     `json:"tokens_used"`
}

// Searcher is the retrieval service contract.
type Searcher interface {
	Search(ctx context.Context, query string) (Result, error)
}

const searchSystemPrompt = "You are a research assistant. Answer with concrete, sourced facts and cite every source you use."

// PerplexityClient calls an OpenAI-compatible chat endpoint that returns
// search citations alongside the answer.
type PerplexityClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	limiter    *rate.Limiter
}

// NewPerplexityClient creates a rate-limited search client. httpClient may be nil.
func NewPerplexityClient(cfg config.RetrievalConfig, httpClient *http.Client) *PerplexityClient {
	cfg = cfg.Normalize()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	interval := time.Minute / time.Duration(cfg.RequestsPerMinute)
	return &PerplexityClient{
		httpClient: httpClient,
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type searchRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type searchResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations     []string `json:"citations"`
	SearchResults []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
		Date  string `json:"date"`
	} `json:"search_results"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Search runs one query. Non-2xx responses are returned as *retry.StatusError.
func (c *PerplexityClient) Search(ctx context.Context, query string) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, fmt.Errorf("retrieval: empty query")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("retrieval: rate limit wait: %w", err)
	}
	body, err := json.Marshal(searchRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: searchSystemPrompt},
			{Role: "user", Content: query},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &retry.StatusError{Service: "retrieval", Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("retrieval: decode: %w", err)
	}
	res := Result{TokensUsed: out.Usage.TotalTokens}
	if len(out.Choices) > 0 {
		res.Content = out.Choices[0].Message.Content
	}
	if len(out.SearchResults) > 0 {
		for _, sr := range out.SearchResults {
			fields := map[string]any{"url": sr.URL}
			if sr.Title != "" {
				fields["title"] = sr.Title
			}
			if sr.Date != "" {
				fields["published_at"] = sr.Date
			}
			res.Citations = append(res.Citations, citations.RawCitation{Fields: fields})
		}
	} else {
		res.Citations = citations.FromStrings(out.Citations...)
	}
	return res, nil
}
