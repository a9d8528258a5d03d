package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/chat-gateway/pkg/logger"
)

const (
	defaultBraveURL      = "https://api.search.brave.com/res/v1/web/search"
	defaultDuckDuckGoURL = "https://html.duckduckgo.com/html/"
	userAgent            = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

	// only the top results are fetched for page content
	extractLimit = 3
)

var (
	searchTriggers = []string{
		"search", "look up", "find", "latest", "current", "recent",
		"today", "news", "happening", "google", "web",
	}
	temporalKeywords = []string{"today", "latest", "current", "recent", "2024", "2025"}
	questionWords    = []string{"what", "how", "when", "where", "who"}
)

type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// Cache stores search results keyed by normalized query.
type Cache interface {
	Get(ctx context.Context, key string) ([]Result, bool)
	Set(ctx context.Context, key string, results []Result)
}

type Client struct {
	braveKey      string
	braveURL      string
	duckDuckGoURL string

	client         *http.Client
	searchTimeout  time.Duration
	extractTimeout time.Duration

	cache  Cache
	tracer trace.Tracer
}

type Option func(*Client)

// WithBraveAPIKey enables the Brave API; DuckDuckGo stays the fallback.
func WithBraveAPIKey(key string) Option {
	return func(c *Client) { c.braveKey = key }
}

func WithBraveURL(url string) Option {
	return func(c *Client) { c.braveURL = url }
}

func WithDuckDuckGoURL(url string) Option {
	return func(c *Client) { c.duckDuckGoURL = url }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		braveURL:       defaultBraveURL,
		duckDuckGoURL:  defaultDuckDuckGoURL,
		client:         http.DefaultClient,
		searchTimeout:  5 * time.Second,
		extractTimeout: 3 * time.Second,
		tracer:         otel.Tracer("chat-gateway/search"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// ShouldSearch reports whether message asks for fresh information: an
// explicit search trigger, or a question combined with a temporal keyword.
func (c *Client) ShouldSearch(message string) bool {
	lower := strings.ToLower(message)
	if containsAny(lower, searchTriggers) {
		return true
	}
	return containsAny(lower, temporalKeywords) && containsAny(lower, questionWords)
}

// Search never fails: every error is logged and yields an empty slice.
func (c *Client) Search(ctx context.Context, query string, count int, extract bool) []Result {
	ctx, span := c.tracer.Start(ctx, "search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("search.query_length", len(query)),
		attribute.Int("search.count", count),
		attribute.Bool("search.extract", extract),
	)

	key := cacheKey(query, count, extract)
	if c.cache != nil {
		if results, ok := c.cache.Get(ctx, key); ok {
			span.SetAttributes(attribute.Bool("search.cache_hit", true))
			return results
		}
	}

	start := time.Now()
	backend := "duckduckgo"
	var results []Result
	var err error

	if c.braveKey != "" {
		results, err = c.searchBrave(ctx, query, count)
		if err != nil {
			logger.Warn("brave search failed, falling back", "error", err)
		} else if len(results) > 0 {
			backend = "brave"
		}
	}
	if len(results) == 0 {
		results, err = c.searchDuckDuckGo(ctx, query, count)
		if err != nil {
			logger.Warn("search failed", "backend", backend, "error", err)
			span.RecordError(err)
			return []Result{}
		}
	}

	if extract && len(results) > 0 {
		c.extractContent(ctx, results)
	}

	logger.Debug("search complete",
		"backend", backend,
		"results", len(results),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	span.SetAttributes(attribute.String("search.backend", backend), attribute.Int("search.results", len(results)))

	if results == nil {
		results = []Result{}
	}
	if c.cache != nil && len(results) > 0 {
		c.cache.Set(ctx, key, results)
	}
	return results
}

func cacheKey(query string, count int, extract bool) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return fmt.Sprintf("search:%d:%t:%s", count, extract, hex.EncodeToString(sum[:]))
}

// FormatForLLM renders results as a numbered block to append to a prompt.
func (c *Client) FormatForLLM(query string, results []Result) string {
	if len(results) == 0 {
		return "No search results found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for: %s\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Title)
		fmt.Fprintf(&b, "   URL: %s\n", r.URL)
		if r.Content != "" {
			fmt.Fprintf(&b, "   Content: %s\n", r.Content)
		} else {
			fmt.Fprintf(&b, "   Snippet: %s\n", r.Snippet)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
