package search

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"golang.org/x/net/html"
)

func TestShouldSearch(t *testing.T) {
	c := NewClient()
	cases := map[string]bool{
		"hello how are you":               false,
		"what's the latest AI news today": true,
		"Search for golang generics":      true,
		"who won the match in 2025":       true,
		"2025 was a good year":            false,
		"tell me a joke":                  false,
	}
	for msg, want := range cases {
		if got := c.ShouldSearch(msg); got != want {
			t.Errorf("ShouldSearch(%q) = %v, want %v", msg, got, want)
		}
	}
}

const ddgPage = `<html><body>
<div class="result results_links web-result">
  <h2><a class="result__a" href="//duckduckgo.com/l/?uddg=%s%%2Fpage1&amp;rut=x">First <b>Result</b></a></h2>
  <a class="result__snippet" href="#">First snippet</a>
</div>
<div class="result results_links web-result">
  <h2><a class="result__a" href="%s/page2">Second Result</a></h2>
</div>
<div class="result results_links web-result">
  <h2><a class="result__a" href="%s/page3">Third Result</a></h2>
  <a class="result__snippet" href="#">Third snippet</a>
</div>
</body></html>`

const articlePage = `<html><head><style>p{}</style></head><body>
<header><p>Site header</p></header>
<nav><p>Menu</p></nav>
<p>Paragraph one.</p>
<script>var p = "<p>no</p>";</script>
<p>Paragraph   two.</p>
<footer><p>Footer</p></footer>
</body></html>`

func newFakeWeb(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/html/":
			if r.URL.Query().Get("q") == "" {
				t.Errorf("missing query")
			}
			escaped := strings.ReplaceAll(srv.URL, ":", "%3A")
			escaped = strings.ReplaceAll(escaped, "/", "%2F")
			fmt.Fprintf(w, ddgPage, escaped, srv.URL, srv.URL)
		case "/page1", "/page2":
			w.Write([]byte(articlePage))
		default:
			http.NotFound(w, r)
		}
	}))
	return srv
}

func TestSearch_DuckDuckGoWithExtraction(t *testing.T) {
	srv := newFakeWeb(t)
	defer srv.Close()

	c := NewClient(WithDuckDuckGoURL(srv.URL + "/html/"))
	results := c.Search(context.Background(), "golang news", 5, true)

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d: %+v", len(results), results)
	}
	if results[0].Title != "First Result" || results[0].Snippet != "First snippet" {
		t.Errorf("Unexpected first result: %+v", results[0])
	}
	if results[0].URL != srv.URL+"/page1" {
		t.Errorf("Redirect link not unwrapped: %s", results[0].URL)
	}
	if results[0].Content != "Paragraph one. Paragraph two." {
		t.Errorf("Unexpected content: %q", results[0].Content)
	}
	if results[2].Content != "" {
		t.Errorf("Failed page fetch should leave content empty, got %q", results[2].Content)
	}
}

func TestSearch_CountLimit(t *testing.T) {
	srv := newFakeWeb(t)
	defer srv.Close()

	c := NewClient(WithDuckDuckGoURL(srv.URL + "/html/"))
	if got := c.Search(context.Background(), "q", 2, false); len(got) != 2 || got[0].Content != "" {
		t.Errorf("Expected 2 results without content, got %+v", got)
	}
}

func TestSearch_BravePreferred(t *testing.T) {
	brave := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "brave-key" {
			t.Errorf("missing subscription token")
		}
		if r.URL.Query().Get("count") != "5" {
			t.Errorf("count not forwarded: %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"web":{"results":[{"title":"Brave hit","url":"https://example.com","description":"desc"}]}}`))
	}))
	defer brave.Close()

	c := NewClient(WithBraveAPIKey("brave-key"), WithBraveURL(brave.URL), WithDuckDuckGoURL("http://127.0.0.1:0/"))
	results := c.Search(context.Background(), "q", 5, false)
	if len(results) != 1 || results[0].Title != "Brave hit" || results[0].Snippet != "desc" {
		t.Errorf("Unexpected results: %+v", results)
	}
}

func TestSearch_BraveCountLimit(t *testing.T) {
	brave := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// upstream ignores count
		w.Write([]byte(`{"web":{"results":[{"title":"a"},{"title":"b"},{"title":"c"}]}}`))
	}))
	defer brave.Close()

	c := NewClient(WithBraveAPIKey("k"), WithBraveURL(brave.URL), WithDuckDuckGoURL("http://127.0.0.1:0/"))
	results := c.Search(context.Background(), "q", 2, false)
	if len(results) != 2 || results[1].Title != "b" {
		t.Errorf("Expected the first 2 results, got %+v", results)
	}
}

func TestSearch_BraveFailureFallsBack(t *testing.T) {
	brave := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer brave.Close()
	srv := newFakeWeb(t)
	defer srv.Close()

	c := NewClient(WithBraveAPIKey("k"), WithBraveURL(brave.URL), WithDuckDuckGoURL(srv.URL+"/html/"))
	if got := c.Search(context.Background(), "q", 5, false); len(got) != 3 {
		t.Errorf("Expected DuckDuckGo fallback results, got %d", len(got))
	}
}

func TestSearch_FailureYieldsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(WithDuckDuckGoURL(srv.URL))
	got := c.Search(context.Background(), "q", 5, true)
	if got == nil || len(got) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", got)
	}
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]Result
	sets int
}

func (m *mapCache) Get(ctx context.Context, key string) ([]Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data[key]
	return r, ok
}

func (m *mapCache) Set(ctx context.Context, key string, results []Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = results
	m.sets++
}

func TestSearch_Cache(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`<div class="result"><a class="result__a" href="https://a.example">A</a></div>`))
	}))
	defer srv.Close()

	cache := &mapCache{data: map[string][]Result{}}
	c := NewClient(WithDuckDuckGoURL(srv.URL), WithCache(cache))

	first := c.Search(context.Background(), "Same Query", 5, false)
	second := c.Search(context.Background(), "  same query ", 5, false)

	if calls != 1 {
		t.Errorf("Expected one upstream call, got %d", calls)
	}
	if len(first) != 1 || len(second) != 1 || second[0].Title != "A" {
		t.Errorf("Unexpected results: %+v / %+v", first, second)
	}
}

func TestFormatForLLM(t *testing.T) {
	c := NewClient()
	if got := c.FormatForLLM("q", nil); got != "No search results found." {
		t.Errorf("Unexpected empty format: %q", got)
	}

	got := c.FormatForLLM("go 1.25", []Result{
		{Title: "A", URL: "https://a", Snippet: "sa", Content: "ca"},
		{Title: "B", URL: "https://b", Snippet: "sb"},
	})
	want := "Web search results for: go 1.25\n\n" +
		"1. A\n   URL: https://a\n   Content: ca\n\n" +
		"2. B\n   URL: https://b\n   Snippet: sb"
	if got != want {
		t.Errorf("Unexpected format:\n%s\nwant:\n%s", got, want)
	}
}

func TestExtractText_Truncates(t *testing.T) {
	long := strings.Repeat("x", 300)
	doc, err := html.Parse(strings.NewReader("<p>" + long + "</p><p>" + long + "</p>"))
	if err != nil {
		t.Fatal(err)
	}
	got := ExtractText(doc)
	if len(got) != maxContentLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("Expected truncated content, got length %d", len(got))
	}
}
