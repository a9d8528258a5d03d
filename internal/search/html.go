package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"
)

const (
	maxParagraphs = 5
	maxContentLen = 500
)

func (c *Client) get(ctx context.Context, rawURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GET %s: status %d", req.URL.Host, resp.StatusCode)
	}
	return html.Parse(resp.Body)
}

func (c *Client) searchDuckDuckGo(ctx context.Context, query string, count int) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.searchTimeout)
	defer cancel()

	doc, err := c.get(ctx, c.duckDuckGoURL+"?"+url.Values{"q": {query}}.Encode())
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}
	return parseDuckDuckGo(doc, count), nil
}

func parseDuckDuckGo(doc *html.Node, count int) []Result {
	var results []Result
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(results) >= count {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Div && hasClass(n, "result") {
			title := findFirst(n, func(e *html.Node) bool {
				return e.DataAtom == atom.A && hasClass(e, "result__a")
			})
			if title != nil {
				r := Result{
					Title: textOf(title),
					URL:   resolveDuckDuckGoURL(attr(title, "href")),
				}
				if snippet := findFirst(n, func(e *html.Node) bool {
					return e.DataAtom == atom.A && hasClass(e, "result__snippet")
				}); snippet != nil {
					r.Snippet = textOf(snippet)
				}
				results = append(results, r)
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return results
}

// resolveDuckDuckGoURL unwraps redirect links of the form
// //duckduckgo.com/l/?uddg=<target>.
func resolveDuckDuckGoURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

// extractContent fills Content for the top results concurrently. Failures
// leave Content empty.
func (c *Client) extractContent(ctx context.Context, results []Result) {
	n := min(len(results), extractLimit)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			results[i].Content = c.pageContent(ctx, results[i].URL)
			return nil
		})
	}
	g.Wait()
}

func (c *Client) pageContent(ctx context.Context, pageURL string) string {
	if !strings.HasPrefix(pageURL, "http://") && !strings.HasPrefix(pageURL, "https://") {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, c.extractTimeout)
	defer cancel()

	doc, err := c.get(ctx, pageURL)
	if err != nil {
		return ""
	}
	return ExtractText(doc)
}

var skipped = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Nav:    true,
	atom.Header: true,
	atom.Footer: true,
}

// ExtractText joins the text of the first paragraphs outside page chrome,
// capped at 500 characters.
func ExtractText(doc *html.Node) string {
	var paragraphs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(paragraphs) >= maxParagraphs {
			return
		}
		if n.Type == html.ElementNode {
			if skipped[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.P {
				paragraphs = append(paragraphs, textOf(n))
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	content := strings.Join(paragraphs, " ")
	if runes := []rune(content); len(runes) > maxContentLen {
		return string(runes[:maxContentLen]) + "..."
	}
	return content
}

func hasClass(n *html.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && match(child) {
			return child
		}
		if found := findFirst(child, match); found != nil {
			return found
		}
	}
	return nil
}

// textOf returns the whitespace-collapsed text beneath n.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
