package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/drosthq/drost/internal/config"
)

// duckDuckGoBackend scrapes the keyless HTML endpoint. Results are best
// effort; markup shifts break it quietly, so it only ever serves as the
// fallback.
type duckDuckGoBackend struct {
	maxResults int
	client     *http.Client
}

func newDuckDuckGoBackend(cfg config.DuckDuckGoConfig) *duckDuckGoBackend {
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultSearchCount
	}
	return &duckDuckGoBackend{
		maxResults: maxResults,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *duckDuckGoBackend) Name() string { return "duckduckgo" }

func (d *duckDuckGoBackend) Search(ctx context.Context, query string, count int) ([]searchResult, error) {
	if count > d.maxResults {
		count = d.maxResults
	}

	searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseDDGResults(string(body), count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	ddgTagRe     = regexp.MustCompile(`<[^>]+>`)
)

func parseDDGResults(html string, count int) []searchResult {
	linkMatches := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	snippetMatches := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []searchResult
	for i := 0; i < len(linkMatches) && i < count; i++ {
		rawURL := unwrapDDGRedirect(linkMatches[i][1])
		title := strings.TrimSpace(ddgTagRe.ReplaceAllString(linkMatches[i][2], ""))

		desc := ""
		if i < len(snippetMatches) {
			desc = strings.TrimSpace(ddgTagRe.ReplaceAllString(snippetMatches[i][1], ""))
		}
		results = append(results, searchResult{Title: title, URL: rawURL, Description: desc})
	}
	return results
}

// unwrapDDGRedirect extracts the destination from the uddg= redirect wrapper
// the HTML endpoint puts around every result link.
func unwrapDDGRedirect(rawURL string) string {
	if !strings.Contains(rawURL, "uddg=") {
		return rawURL
	}
	u, err := url.QueryUnescape(rawURL)
	if err != nil {
		return rawURL
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return rawURL
	}
	extracted := u[idx+5:]
	if ampIdx := strings.Index(extracted, "&"); ampIdx != -1 {
		extracted = extracted[:ampIdx]
	}
	return extracted
}
