package tools

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	webUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxPageBytes    = 512 * 1024
	maxSearchHits   = 8
	ddgSearchURL    = "https://html.duckduckgo.com/html/?q=%s"
	webFetchTimeout = 30 * time.Second
)

var (
	reScript     = regexp.MustCompile(`<script[\s\S]*?</script>`)
	reStyle      = regexp.MustCompile(`<style[\s\S]*?</style>`)
	reTags       = regexp.MustCompile(`<[^>]+>`)
	reWhitespace = regexp.MustCompile(`[^\S\n]+`)
	reBlankLines = regexp.MustCompile(`\n{3,}`)

	reDDGLink    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	reDDGSnippet = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
)

// WebClient fetches pages and runs searches, rate-limited so a looping agent
// cannot hammer external sites.
type WebClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

func NewWebClient() *WebClient {
	return &WebClient{
		http: &http.Client{
			Timeout: webFetchTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 15 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

func (w *WebClient) fetch(ctx context.Context, rawURL string) (string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := w.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(body), nil
}

// htmlToText strips tags and collapses whitespace into readable plain text.
func htmlToText(page string) string {
	page = reScript.ReplaceAllString(page, "")
	page = reStyle.ReplaceAllString(page, "")
	page = reTags.ReplaceAllString(page, " ")
	page = html.UnescapeString(page)
	page = reWhitespace.ReplaceAllString(page, " ")
	page = reBlankLines.ReplaceAllString(page, "\n\n")
	return strings.TrimSpace(page)
}

// NewWebTools returns the web fetch and search tools backed by one client.
func NewWebTools(client *WebClient) []*Tool {
	if client == nil {
		client = NewWebClient()
	}
	return []*Tool{
		{
			Name:        "get_web_page",
			Description: "Fetch a web page and return its text content with markup stripped.",
			Params: []Param{
				{Name: "url", Type: "string", Description: "URL to fetch", Required: true},
			},
			Handler: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
				rawURL, err := RequireString(args, "url")
				if err != nil {
					return nil, err
				}
				page, err := client.fetch(ctx, rawURL)
				if err != nil {
					return nil, err
				}
				return NewResult(TruncateResponse(htmlToText(page))), nil
			},
		},
		{
			Name:        "web_search",
			Description: "Search the web and return result titles, URLs, and snippets.",
			Params: []Param{
				{Name: "query", Type: "string", Description: "Search query", Required: true},
			},
			Handler: func(ctx context.Context, tc *Context, args map[string]any) (*Result, error) {
				query, err := RequireString(args, "query")
				if err != nil {
					return nil, err
				}
				page, err := client.fetch(ctx, fmt.Sprintf(ddgSearchURL, url.QueryEscape(query)))
				if err != nil {
					return nil, err
				}
				results := parseDDGResults(page)
				if results == "" {
					return NewResult("No results found."), nil
				}
				return NewResult(results), nil
			},
		},
	}
}

func parseDDGResults(page string) string {
	links := reDDGLink.FindAllStringSubmatch(page, maxSearchHits)
	snippets := reDDGSnippet.FindAllStringSubmatch(page, maxSearchHits)

	var b strings.Builder
	for i, link := range links {
		title := htmlToText(link[2])
		href := html.UnescapeString(link[1])
		// DuckDuckGo wraps result URLs in a redirect with the target in uddg.
		if parsed, err := url.Parse(href); err == nil {
			if target := parsed.Query().Get("uddg"); target != "" {
				href = target
			}
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, title, href)
		if i < len(snippets) {
			fmt.Fprintf(&b, "   %s\n", htmlToText(snippets[i][1]))
		}
	}
	return strings.TrimSpace(b.String())
}
